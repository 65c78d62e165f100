// Package queue provides the in-process job dispatch layer: named queues
// with bounded worker pools, at-least-once delivery with exponential retry,
// and dead-letter routing on final failure.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Well-known queue names.
const (
	QueueTriggers = "triggers"
	QueueActions  = "actions"
)

// Job kinds carried on the queues.
const (
	KindTriggerSweep    = "trigger-sweep"
	KindActionExecution = "action-execution"
)

// Job is one unit of queued work. Attempt counts deliveries, starting at 1.
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	Kind        string         `json:"kind"`
	TenantID    string         `json:"tenant_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// Handler processes one job delivery. A non-nil error triggers redelivery
// until the job's attempt budget is spent, so handlers must be idempotent.
type Handler func(ctx context.Context, job Job) error

// Health is a point-in-time snapshot of one queue's counters.
type Health struct {
	Active  int   `json:"active"`
	Waiting int   `json:"waiting"`
	Failed  int64 `json:"failed"`
}

type namedQueue struct {
	name        string
	jobs        chan Job
	handler     Handler
	concurrency int
	active      atomic.Int32
	failed      atomic.Int64
}

// DeadLetterSink receives jobs that exhausted their attempt budget.
type DeadLetterSink interface {
	Route(ctx context.Context, job Job, reason error)
}

// Dispatcher owns the named queues and their worker pools.
type Dispatcher struct {
	mu          sync.RWMutex
	queues      map[string]*namedQueue
	deadLetters DeadLetterSink
	maxAttempts int
	wg          sync.WaitGroup
	started     bool
}

// NewDispatcher creates a dispatcher whose jobs default to maxAttempts
// deliveries when they do not carry their own budget.
func NewDispatcher(deadLetters DeadLetterSink, maxAttempts int) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Dispatcher{
		queues:      make(map[string]*namedQueue),
		deadLetters: deadLetters,
		maxAttempts: maxAttempts,
	}
}

// Register declares a queue and its handler. Must be called before Start.
func (d *Dispatcher) Register(name string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues[name] = &namedQueue{
		name:        name,
		jobs:        make(chan Job, 256),
		handler:     handler,
		concurrency: concurrency,
	}
}

// Start spins up the worker pools. Workers exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for _, q := range d.queues {
		for i := 0; i < q.concurrency; i++ {
			d.wg.Add(1)
			go d.worker(ctx, q)
		}
		log.Info().Str("queue", q.name).Int("workers", q.concurrency).Msg("queue started")
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Enqueue submits a job to its named queue, assigning an id and attempt
// budget when absent.
func (d *Dispatcher) Enqueue(ctx context.Context, queueName string, job Job) (string, error) {
	d.mu.RLock()
	q, ok := d.queues[queueName]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown queue %q", queueName)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Queue = queueName
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = d.maxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	select {
	case q.jobs <- job:
		return job.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Health reports the counters of every registered queue.
func (d *Dispatcher) Health() map[string]Health {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Health, len(d.queues))
	for name, q := range d.queues {
		out[name] = Health{
			Active:  int(q.active.Load()),
			Waiting: len(q.jobs),
			Failed:  q.failed.Load(),
		}
	}
	return out
}

func (d *Dispatcher) worker(ctx context.Context, q *namedQueue) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			d.process(ctx, q, job)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, q *namedQueue, job Job) {
	q.active.Add(1)
	defer q.active.Add(-1)

	err := d.runHandler(ctx, q, job)
	if err == nil {
		return
	}

	if job.Attempt >= job.MaxAttempts {
		q.failed.Add(1)
		log.Error().Err(err).
			Str("queue", q.name).
			Str("job", job.ID).
			Int("attempts", job.Attempt).
			Msg("job exhausted retries, routing to dead letters")
		if d.deadLetters != nil {
			d.deadLetters.Route(ctx, job, err)
		}
		return
	}

	delay := retryDelay(job.Attempt)
	log.Warn().Err(err).
		Str("queue", q.name).
		Str("job", job.ID).
		Int("attempt", job.Attempt).
		Dur("retry_in", delay).
		Msg("job failed, scheduling redelivery")

	job.Attempt++
	d.wg.Add(1)
	go func(job Job) {
		defer d.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			select {
			case q.jobs <- job:
			case <-ctx.Done():
			}
		}
	}(job)
}

func (d *Dispatcher) runHandler(ctx context.Context, q *namedQueue, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if q.handler == nil {
		return errors.New("no handler registered")
	}
	return q.handler(ctx, job)
}

// retryDelay computes the redelivery delay for a failed attempt by stepping
// an exponential backoff schedule to that attempt.
func retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.RandomizationFactor = 0.2

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
