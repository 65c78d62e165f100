package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingSink struct {
	mu   sync.Mutex
	jobs []Job
}

func (s *recordingSink) Route(ctx context.Context, job Job, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatcher_DeliversJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int64
	d := NewDispatcher(nil, 3)
	d.Register("test", 2, func(ctx context.Context, job Job) error {
		handled.Add(1)
		return nil
	})
	d.Start(ctx)

	id, err := d.Enqueue(ctx, "test", Job{Kind: "unit", TenantID: "acme"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id == "" {
		t.Error("Enqueue() returned empty job id")
	}

	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 1 })
}

func TestDispatcher_UnknownQueue(t *testing.T) {
	d := NewDispatcher(nil, 3)
	if _, err := d.Enqueue(context.Background(), "nope", Job{}); err == nil {
		t.Error("Enqueue() on unknown queue succeeded, want error")
	}
}

func TestDispatcher_DeadLetterOnFinalAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	var attempts atomic.Int64
	d := NewDispatcher(sink, 1)
	d.Register("test", 1, func(ctx context.Context, job Job) error {
		attempts.Add(1)
		return errors.New("permanent failure")
	})
	d.Start(ctx)

	if _, err := d.Enqueue(ctx, "test", Job{Kind: "unit", TenantID: "acme"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d with budget 1, want 1", attempts.Load())
	}

	sink.mu.Lock()
	dead := sink.jobs[0]
	sink.mu.Unlock()
	if dead.Attempt != 1 || dead.TenantID != "acme" || dead.Queue != "test" {
		t.Errorf("dead letter = %+v, want attempt 1 from queue test", dead)
	}

	health := d.Health()["test"]
	if health.Failed != 1 {
		t.Errorf("failed counter = %d, want 1", health.Failed)
	}
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	var attempts atomic.Int64
	d := NewDispatcher(sink, 3)
	d.Register("test", 1, func(ctx context.Context, job Job) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	})
	d.Start(ctx)

	if _, err := d.Enqueue(ctx, "test", Job{Kind: "unit", TenantID: "acme"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// At-least-once: redelivered after the backoff delay, then succeeds.
	waitFor(t, 5*time.Second, func() bool { return attempts.Load() == 2 })
	if sink.count() != 0 {
		t.Errorf("dead letters = %d on a recovered job, want 0", sink.count())
	}
}

func TestDispatcher_PanicIsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	d := NewDispatcher(sink, 1)
	d.Register("test", 1, func(ctx context.Context, job Job) error {
		panic("handler exploded")
	})
	d.Start(ctx)

	if _, err := d.Enqueue(ctx, "test", Job{Kind: "unit"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })
}

func TestDispatcher_Health(t *testing.T) {
	d := NewDispatcher(nil, 3)
	d.Register("a", 1, func(ctx context.Context, job Job) error { return nil })
	d.Register("b", 2, func(ctx context.Context, job Job) error { return nil })

	health := d.Health()
	if len(health) != 2 {
		t.Fatalf("len(health) = %d, want 2", len(health))
	}
	for name, h := range health {
		if h.Active != 0 || h.Waiting != 0 || h.Failed != 0 {
			t.Errorf("queue %s counters = %+v, want zeros before start", name, h)
		}
	}

	// Waiting counts jobs not yet picked up by workers.
	if _, err := d.Enqueue(context.Background(), "a", Job{Kind: "unit"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if got := d.Health()["a"].Waiting; got != 1 {
		t.Errorf("waiting = %d before start, want 1", got)
	}
}

func TestRetryDelay_Grows(t *testing.T) {
	first := retryDelay(1)
	third := retryDelay(3)
	if first <= 0 {
		t.Errorf("retryDelay(1) = %v, want positive", first)
	}
	if third <= first {
		t.Errorf("retryDelay(3) = %v not greater than retryDelay(1) = %v", third, first)
	}
}
