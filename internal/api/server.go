// Package api is the thin admin HTTP layer over the scheduler and the
// delivery queue. Every route maps 1:1 onto a component operation.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cropwatch/internal/delivery"
	"cropwatch/internal/ratelimit"
	"cropwatch/internal/scheduler"
)

type Server struct {
	sched *scheduler.Scheduler
	queue delivery.Queue
}

// NewServer builds the admin router. A nil store disables rate limiting.
func NewServer(sched *scheduler.Scheduler, queue delivery.Queue, store ratelimit.CounterStore) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(ratelimit.APIPolicy(store))

	s := &Server{sched: sched, queue: queue}

	r.Get("/health", s.health)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{name}", s.getJob)
	r.Post("/api/jobs/{name}/enable", s.enableJob)
	r.Post("/api/jobs/{name}/disable", s.disableJob)
	r.Get("/api/queue/stats", s.queueStats)

	// manual triggers can kick off heavy downstream work; gate them with the
	// strict policy
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.AuthPolicy(store))
		r.Post("/api/jobs/{name}/trigger", s.triggerJob)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.AllStats())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st := s.sched.Stats(name)
	if st == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.sched.Trigger(r.Context(), name); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Stats(name))
}

func (s *Server) enableJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.sched.StartJob(name) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Stats(name))
}

func (s *Server) disableJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.sched.StopJob(name) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Stats(name))
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
