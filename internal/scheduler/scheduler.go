package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrJobNotFound     = errors.New("job not found")
)

// Handler is the body of a job. It must be safe to call repeatedly; the
// scheduler guarantees at most one in-flight call per job name.
type Handler func(ctx context.Context) error

// AlertFunc is invoked when a job marked critical fails.
type AlertFunc func(name string, err error)

// Options control per-job behavior at registration.
type Options struct {
	// Disabled registers the job without enabling its ticks.
	Disabled bool
	// Critical routes failures through the alert hook.
	Critical bool
	// RunOnStart runs the job once, supervised, right after registration.
	RunOnStart bool
}

// ErrorInfo captures the last failure of a job.
type ErrorInfo struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is a point-in-time snapshot of one job's accounting.
type Stats struct {
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	LastRun      *time.Time `json:"last_run"`
	NextRun      *time.Time `json:"next_run"`
	SuccessCount uint64     `json:"success_count"`
	FailureCount uint64     `json:"failure_count"`
	LastError    *ErrorInfo `json:"last_error"`
	IsRunning    bool       `json:"is_running"`
	Enabled      bool       `json:"enabled"`
}

type job struct {
	name     string
	schedule Schedule
	handler  Handler
	critical bool

	// mutated under Scheduler.mu
	enabled bool
	started bool
	running bool
	lastRun time.Time
	nextRun time.Time
	success uint64
	failure uint64
	lastErr *ErrorInfo
}

// Scheduler owns a registry of named jobs and supervises their execution.
// Construct with New and inject where needed; it holds no package state.
type Scheduler struct {
	mu    sync.Mutex
	jobs  map[string]*job
	order []string

	tick  time.Duration
	alert AlertFunc

	stop chan struct{}
	done chan struct{}
}

type Option func(*Scheduler)

// WithTick sets the resolution of the run loop.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithAlert replaces the default critical-failure hook.
func WithAlert(fn AlertFunc) Option {
	return func(s *Scheduler) { s.alert = fn }
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs: make(map[string]*job),
		tick: time.Second,
		alert: func(name string, err error) {
			log.Error().Str("job", name).Err(err).Msg("critical job failure")
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a named job. Registering an existing name logs a warning and
// leaves the first registration in place. The job is created with its ticks
// stopped; call StartJob or StartAll to arm it. With Options.RunOnStart the
// handler runs once immediately through the same supervised path as a tick.
func (s *Scheduler) Register(name string, sched Schedule, handler Handler, opts Options) error {
	if !sched.valid() {
		return fmt.Errorf("%w: job %q", ErrInvalidSchedule, name)
	}

	s.mu.Lock()
	if _, ok := s.jobs[name]; ok {
		s.mu.Unlock()
		log.Warn().Str("job", name).Msg("job already registered, skipping")
		return nil
	}
	j := &job{
		name:     name,
		schedule: sched,
		handler:  handler,
		critical: opts.Critical,
		enabled:  !opts.Disabled,
	}
	s.jobs[name] = j
	s.order = append(s.order, name)
	s.mu.Unlock()

	log.Info().Str("job", name).Str("schedule", sched.String()).Msg("job registered")

	if opts.RunOnStart {
		log.Info().Str("job", name).Msg("running job immediately on start")
		go s.run(context.Background(), j, false)
	}
	return nil
}

// StartJob arms one job's ticks and marks it enabled.
func (s *Scheduler) StartJob(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok {
		j.enabled = true
		j.started = true
		j.nextRun = j.schedule.Next(time.Now())
	}
	s.mu.Unlock()
	if !ok {
		log.Error().Str("job", name).Msg("job not found")
		return false
	}
	log.Info().Str("job", name).Msg("job started")
	return true
}

// StopJob disarms one job's ticks and marks it disabled. An in-flight run is
// not interrupted; only future ticks are suppressed.
func (s *Scheduler) StopJob(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok {
		j.enabled = false
		j.started = false
		j.nextRun = time.Time{}
	}
	s.mu.Unlock()
	if !ok {
		log.Error().Str("job", name).Msg("job not found")
		return false
	}
	log.Info().Str("job", name).Msg("job stopped")
	return true
}

// StartAll arms every registered job.
func (s *Scheduler) StartAll() {
	now := time.Now()
	s.mu.Lock()
	n := len(s.jobs)
	for _, j := range s.jobs {
		j.enabled = true
		j.started = true
		j.nextRun = j.schedule.Next(now)
	}
	s.mu.Unlock()
	log.Info().Int("jobs", n).Msg("all jobs started")
}

// StopAll disarms every registered job.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for _, j := range s.jobs {
		j.enabled = false
		j.started = false
		j.nextRun = time.Time{}
	}
	s.mu.Unlock()
	log.Info().Msg("all jobs stopped")
}

// Stats returns a snapshot for one job, or nil for unknown names.
func (s *Scheduler) Stats(name string) *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil
	}
	st := j.snapshot()
	return &st
}

// AllStats returns snapshots for every job in registration order.
func (s *Scheduler) AllStats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.jobs[name].snapshot())
	}
	return out
}

// Trigger runs a job now through the same supervised path as a scheduled
// tick, so single-flight, stats and alerting apply identically. It ignores
// the enabled flag: a manual trigger is an explicit request, and disabling a
// job only suppresses scheduled ticks. Returns once the run (or the skip)
// has completed.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	log.Info().Str("job", name).Msg("manually triggering job")
	s.run(ctx, j, true)
	return nil
}

// Run drives scheduled ticks until ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	defer close(done)

	t := time.NewTicker(s.tick)
	defer t.Stop()

	log.Info().Dur("tick", s.tick).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-t.C:
			s.fireDue(ctx, now)
		}
	}
}

// Stop halts the run loop and waits for it to exit. In-flight job runs are
// not canceled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, name := range s.order {
		j := s.jobs[name]
		if !j.started || j.nextRun.IsZero() || j.nextRun.After(now) {
			continue
		}
		j.nextRun = j.schedule.Next(now)
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		go s.run(ctx, j, false)
	}
}

// run applies the supervision contract around one handler invocation. No
// error or panic escapes it.
func (s *Scheduler) run(ctx context.Context, j *job, manual bool) {
	s.mu.Lock()
	if !manual && !j.enabled {
		s.mu.Unlock()
		log.Debug().Str("job", j.name).Msg("job disabled, skipping")
		return
	}
	if j.running {
		s.mu.Unlock()
		log.Warn().Str("job", j.name).Msg("job already running, skipping")
		return
	}
	j.running = true
	j.lastRun = time.Now()
	s.mu.Unlock()

	start := time.Now()
	log.Info().Str("job", j.name).Msg("starting job")

	err := s.invoke(ctx, j)

	s.mu.Lock()
	if err != nil {
		j.failure++
		j.lastErr = &ErrorInfo{Message: err.Error(), Timestamp: time.Now()}
		var pe *panicError
		if errors.As(err, &pe) {
			j.lastErr.Stack = pe.stack
		}
	} else {
		j.success++
		j.lastErr = nil
	}
	j.running = false
	critical := j.critical
	s.mu.Unlock()

	if err != nil {
		log.Error().Str("job", j.name).Err(err).Msg("job failed")
		if critical {
			s.alert(j.name, err)
		}
		return
	}
	log.Info().Str("job", j.name).Dur("duration", time.Since(start)).Msg("job completed")
}

func (s *Scheduler) invoke(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return j.handler(ctx)
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (j *job) snapshot() Stats {
	st := Stats{
		Name:         j.name,
		Schedule:     j.schedule.String(),
		SuccessCount: j.success,
		FailureCount: j.failure,
		IsRunning:    j.running,
		Enabled:      j.enabled,
	}
	if !j.lastRun.IsZero() {
		t := j.lastRun
		st.LastRun = &t
	}
	if !j.nextRun.IsZero() {
		t := j.nextRun
		st.NextRun = &t
	}
	if j.lastErr != nil {
		e := *j.lastErr
		st.LastError = &e
	}
	return st
}
