package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DurableQueue persists tasks in SQLite and drains them with a small worker
// pool. Unlike memory mode, exhausted tasks are kept as failed rows and the
// stats counters survive restarts.
type DurableQueue struct {
	store *Store
	email EmailSender
	push  PushSender

	sem     chan struct{}
	limiter *rate.Limiter
	poll    time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

type DurableOption func(*DurableQueue)

// WithWorkers sets the number of concurrent senders.
func WithWorkers(n int) DurableOption {
	return func(q *DurableQueue) {
		if n > 0 {
			q.sem = make(chan struct{}, n)
		}
	}
}

// WithPollInterval sets how often the pool looks for due tasks.
func WithPollInterval(d time.Duration) DurableOption {
	return func(q *DurableQueue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithSendRate paces outbound sends so a large backlog cannot hammer the
// provider.
func WithSendRate(perSec float64, burst int) DurableOption {
	return func(q *DurableQueue) {
		if perSec > 0 {
			if burst <= 0 {
				burst = 1
			}
			q.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
		}
	}
}

func NewDurableQueue(store *Store, email EmailSender, push PushSender, opts ...DurableOption) *DurableQueue {
	q := &DurableQueue{
		store:   store,
		email:   email,
		push:    push,
		sem:     make(chan struct{}, 4),
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		poll:    time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddEmail persists an email task and returns immediately.
func (q *DurableQueue) AddEmail(ctx context.Context, p EmailPayload) (Receipt, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return Receipt{}, err
	}
	id, err := q.store.Enqueue(ctx, TypeEmail, payload)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{JobID: id, Type: TypeEmail}, nil
}

// AddPush persists a push task and returns immediately.
func (q *DurableQueue) AddPush(ctx context.Context, p PushPayload) (Receipt, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return Receipt{}, err
	}
	id, err := q.store.Enqueue(ctx, TypePush, payload)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{JobID: id, Type: TypePush}, nil
}

// Stats reads accounting from the store.
func (q *DurableQueue) Stats(ctx context.Context) (Stats, error) {
	waiting, active, completed, failed, err := q.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   waiting,
		Active:    active,
		Completed: completed,
		Failed:    failed,
		Provider:  "sqlite",
	}, nil
}

// Run drains persisted tasks until ctx is canceled or Stop is called.
func (q *DurableQueue) Run(ctx context.Context) {
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

	t := time.NewTicker(q.poll)
	defer t.Stop()

	log.Info().Dur("poll", q.poll).Int("workers", cap(q.sem)).
		Msg("delivery queue running in durable mode")

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-t.C:
			q.dispatch(ctx, now.UTC())
		}
	}
}

// Stop halts the poll loop. Sends already handed to workers finish on their
// own.
func (q *DurableQueue) Stop() {
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

func (q *DurableQueue) dispatch(ctx context.Context, now time.Time) {
	for {
		task, err := q.store.LeaseNext(ctx, now)
		if errors.Is(err, ErrNoTask) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("lease delivery task")
			return
		}
		q.sem <- struct{}{}
		go func(t Task) {
			defer func() { <-q.sem }()
			q.send(ctx, t)
		}(task)
	}
}

func (q *DurableQueue) send(ctx context.Context, t Task) {
	if err := q.limiter.Wait(ctx); err != nil {
		// shutting down; requeue so the task is retried on next start
		_ = q.store.Retry(ctx, t.ID, err.Error(), 0)
		return
	}

	if err := q.deliver(ctx, t); err != nil {
		delay := backoffExp(t.Attempts + 1)
		_ = q.store.Retry(ctx, t.ID, err.Error(), delay)
		log.Warn().Str("job_id", t.ID).Str("type", string(t.Type)).Err(err).
			Int("attempt", t.Attempts+1).Dur("retry_in", delay).Msg("delivery failed")
		return
	}
	_ = q.store.Succeed(ctx, t.ID)
	log.Info().Str("job_id", t.ID).Str("type", string(t.Type)).Msg("delivery completed")
}

func (q *DurableQueue) deliver(ctx context.Context, t Task) error {
	switch t.Type {
	case TypePush:
		var p PushPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return q.push.SendPush(ctx, p)
	default:
		var p EmailPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return q.email.SendEmail(ctx, p)
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
