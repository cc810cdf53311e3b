// Package ratelimit gates inbound requests on a shared counter store. It is
// a secondary protection: any store failure, including a slow round trip,
// fails open so the limiter can never be the cause of an outage.
package ratelimit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CounterStore is the shared counter backend. Incr atomically increments the
// key and returns the new count; the implementation must set the key's expiry
// to window on the increment that creates it.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// KeyFunc derives the identity component of a rate-limit key.
type KeyFunc func(r *http.Request) string

// Config describes one limiting policy.
type Config struct {
	Window    time.Duration
	Max       int64
	KeyPrefix string
	KeyFn     KeyFunc
	// OnLimitExceeded overrides the default 429 response.
	OnLimitExceeded http.HandlerFunc
	// StoreTimeout bounds the counter round trip; on expiry the request is
	// allowed through.
	StoreTimeout time.Duration
}

const defaultStoreTimeout = 250 * time.Millisecond

type errorBody struct {
	Success bool      `json:"success"`
	Error   errorInfo `json:"error"`
}

type errorInfo struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details errorDetails `json:"details"`
}

type errorDetails struct {
	WindowSeconds int   `json:"window_seconds"`
	Limit         int64 `json:"limit"`
}

// Middleware builds the admission gate for one policy. A nil store disables
// limiting entirely (fail open).
func Middleware(store CounterStore, cfg Config) func(http.Handler) http.Handler {
	if cfg.KeyFn == nil {
		cfg.KeyFn = IdentityOrAddr
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	windowSec := int((cfg.Window + time.Second - 1) / time.Second)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := cfg.KeyPrefix + ":" + cfg.KeyFn(r)

			ctx, cancel := context.WithTimeout(r.Context(), cfg.StoreTimeout)
			count, err := store.Incr(ctx, key, cfg.Window)
			cancel()
			if err != nil {
				// fail open: never block traffic on a limiter malfunction
				log.Warn().Err(err).Str("key", key).Msg("rate limit store unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			if count > cfg.Max {
				if cfg.OnLimitExceeded != nil {
					cfg.OnLimitExceeded(w, r)
					return
				}
				writeLimitExceeded(w, errorBody{
					Error: errorInfo{
						Code:    "RATE_LIMIT_EXCEEDED",
						Message: "Too many requests. Please try again later.",
						Details: errorDetails{WindowSeconds: windowSec, Limit: cfg.Max},
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeLimitExceeded(w http.ResponseWriter, body errorBody) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}

type identityKey struct{}

// WithIdentity records the authenticated identity on the request context so
// IdentityOrAddr can key on it.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityOrAddr keys on the authenticated identity when present, otherwise
// the source address.
func IdentityOrAddr(r *http.Request) string {
	if id, _ := r.Context().Value(identityKey{}).(string); id != "" {
		return id
	}
	return AddrOnly(r)
}

// AddrOnly keys on the source address.
func AddrOnly(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// APIPolicy is the broad standing policy for general traffic: 1000 requests
// per hour per identity or address.
func APIPolicy(store CounterStore) func(http.Handler) http.Handler {
	return Middleware(store, Config{
		Window:    time.Hour,
		Max:       1000,
		KeyPrefix: "rate-limit:api",
		KeyFn:     IdentityOrAddr,
	})
}

// AuthPolicy is the strict standing policy for sensitive endpoints: 5
// requests per 15 minutes per address, with a dedicated rejection body.
func AuthPolicy(store CounterStore) func(http.Handler) http.Handler {
	return Middleware(store, Config{
		Window:    15 * time.Minute,
		Max:       5,
		KeyPrefix: "rate-limit:auth",
		KeyFn:     AddrOnly,
		OnLimitExceeded: func(w http.ResponseWriter, r *http.Request) {
			writeLimitExceeded(w, errorBody{
				Error: errorInfo{
					Code:    "AUTH_RATE_LIMIT_EXCEEDED",
					Message: "Too many authentication attempts. Please try again in 15 minutes.",
					Details: errorDetails{WindowSeconds: 15 * 60, Limit: 5},
				},
			})
		},
	})
}
