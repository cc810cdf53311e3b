package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxRetries    = 2
	defaultDrainInterval = time.Second
)

type memTask struct {
	id         string
	typ        Type
	email      EmailPayload
	push       PushPayload
	enqueuedAt time.Time
	retries    int
	notBefore  time.Time
}

// MemoryQueue is the in-process fallback: an ordered backlog drained by a
// periodic pump, one task at a time. It trades throughput for availability;
// it keeps working when every external backend is down.
type MemoryQueue struct {
	email EmailSender
	push  PushSender

	maxRetries int
	interval   time.Duration

	mu       sync.Mutex
	backlog  []*memTask
	draining bool

	stop chan struct{}
	done chan struct{}
}

type MemoryOption func(*MemoryQueue)

// WithMaxRetries bounds retries per task (attempts = retries + 1).
func WithMaxRetries(n int) MemoryOption {
	return func(q *MemoryQueue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithDrainInterval sets the pump period.
func WithDrainInterval(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.interval = d
		}
	}
}

func NewMemoryQueue(email EmailSender, push PushSender, opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		email:      email,
		push:       push,
		maxRetries: defaultMaxRetries,
		interval:   defaultDrainInterval,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddEmail appends an email task and returns immediately.
func (q *MemoryQueue) AddEmail(ctx context.Context, p EmailPayload) (Receipt, error) {
	t := &memTask{
		id:         "email-" + uuid.NewString(),
		typ:        TypeEmail,
		email:      p,
		enqueuedAt: time.Now(),
	}
	q.append(t)
	return Receipt{JobID: t.id, Type: TypeEmail}, nil
}

// AddPush appends a push task and returns immediately.
func (q *MemoryQueue) AddPush(ctx context.Context, p PushPayload) (Receipt, error) {
	t := &memTask{
		id:         "push-" + uuid.NewString(),
		typ:        TypePush,
		push:       p,
		enqueuedAt: time.Now(),
	}
	q.append(t)
	return Receipt{JobID: t.id, Type: TypePush}, nil
}

func (q *MemoryQueue) append(t *memTask) {
	q.mu.Lock()
	q.backlog = append(q.backlog, t)
	q.mu.Unlock()
}

// Stats reports the live backlog; no historical counters are kept in memory
// mode.
func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	active := 0
	if q.draining {
		active = 1
	}
	return Stats{Waiting: len(q.backlog), Active: active, Provider: "memory"}, nil
}

// Run pumps the backlog until ctx is canceled or Stop is called.
func (q *MemoryQueue) Run(ctx context.Context) {
	q.mu.Lock()
	if q.stop != nil {
		q.mu.Unlock()
		return
	}
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	stop, done := q.stop, q.done
	q.mu.Unlock()

	defer close(done)

	t := time.NewTicker(q.interval)
	defer t.Stop()

	log.Info().Dur("interval", q.interval).Msg("delivery queue running in memory mode")

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-t.C:
			q.drain(ctx, now)
		}
	}
}

// Stop halts the pump and waits for the current drain pass to finish.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	stop, done := q.stop, q.done
	q.stop, q.done = nil, nil
	q.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// drain takes every currently-due task as one batch and processes it
// strictly in order. Tasks enqueued while draining wait for the next tick.
func (q *MemoryQueue) drain(ctx context.Context, now time.Time) {
	q.mu.Lock()
	if q.draining || len(q.backlog) == 0 {
		q.mu.Unlock()
		return
	}
	var batch, rest []*memTask
	for _, t := range q.backlog {
		if t.notBefore.After(now) {
			rest = append(rest, t)
			continue
		}
		batch = append(batch, t)
	}
	if len(batch) == 0 {
		q.mu.Unlock()
		return
	}
	q.backlog = rest
	q.draining = true
	q.mu.Unlock()

	for _, t := range batch {
		if err := q.deliver(ctx, t); err != nil {
			q.requeue(t, err)
			continue
		}
		log.Info().Str("job_id", t.id).Str("type", string(t.typ)).Msg("delivery completed")
	}

	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

func (q *MemoryQueue) deliver(ctx context.Context, t *memTask) error {
	switch t.typ {
	case TypePush:
		return q.push.SendPush(ctx, t.push)
	default:
		return q.email.SendEmail(ctx, t.email)
	}
}

// requeue reschedules a failed task at now + backoff rather than the next
// pass, so a flapping task cannot starve fresh arrivals of send slots.
func (q *MemoryQueue) requeue(t *memTask, err error) {
	if t.retries >= q.maxRetries {
		log.Error().Str("job_id", t.id).Str("type", string(t.typ)).Err(err).
			Int("retries", t.retries).Msg("delivery failed permanently, dropping")
		return
	}
	t.retries++
	t.notBefore = time.Now().Add(backoffExp(t.retries))
	log.Warn().Str("job_id", t.id).Str("type", string(t.typ)).Err(err).
		Int("retry", t.retries).Time("not_before", t.notBefore).Msg("delivery failed, will retry")
	q.append(t)
}
