package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sparky9/csuite-engine/internal/capability"
	"github.com/sparky9/csuite-engine/internal/orchestrator"
	"github.com/sparky9/csuite-engine/internal/queue"
	"github.com/sparky9/csuite-engine/internal/store"
	"github.com/sparky9/csuite-engine/pkg/models"
)

type recordingSink struct {
	mu      sync.Mutex
	reasons []error
}

func (s *recordingSink) Route(ctx context.Context, job queue.Job, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reasons)
}

func actionFixture(t *testing.T, handler capability.Handler) (queue.Handler, store.Store, *recordingSink) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	registry := capability.NewRegistry()
	if handler != nil {
		registry.Register("crm", "contact.sync", handler)
	}
	sink := &recordingSink{}
	return actionHandler(orchestrator.New(s, registry, nil), sink), s, sink
}

func actionJob(approvalID string) queue.Job {
	return queue.Job{
		ID:       "job-1",
		Queue:    queue.QueueActions,
		Kind:     queue.KindActionExecution,
		TenantID: "acme",
		Payload:  map[string]any{"approval_id": approvalID, "actor_id": "system"},
		Attempt:  1,
	}
}

func seedApproval(t *testing.T, s store.Store, status models.ApprovalStatus, capName string) {
	t.Helper()
	err := s.CreateApproval(context.Background(), &models.ActionApproval{
		ID: "apr-1", TenantID: "acme", ModuleSlug: "crm", Capability: capName,
		Status: status, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}
}

func TestActionHandler_MissingApprovalDeadLettersImmediately(t *testing.T) {
	h, _, sink := actionFixture(t, nil)

	if err := h(context.Background(), actionJob("nope")); err != nil {
		t.Fatalf("handler error = %v, terminal failures must not reach the retry loop", err)
	}
	if sink.count() != 1 {
		t.Fatalf("dead letters = %d, want 1", sink.count())
	}
	if !store.IsNotFound(sink.reasons[0]) {
		t.Errorf("dead letter reason = %v, want not found", sink.reasons[0])
	}
}

func TestActionHandler_IllegalStateDeadLettersImmediately(t *testing.T) {
	h, s, sink := actionFixture(t, func(ctx context.Context, inv capability.Invocation) (map[string]any, error) {
		return nil, nil
	})
	seedApproval(t, s, models.ApprovalFailed, "contact.sync")

	if err := h(context.Background(), actionJob("apr-1")); err != nil {
		t.Fatalf("handler error = %v, want nil", err)
	}
	if sink.count() != 1 {
		t.Fatalf("dead letters = %d, want 1", sink.count())
	}
	var stateErr *orchestrator.StateError
	if !errors.As(sink.reasons[0], &stateErr) {
		t.Errorf("dead letter reason = %v, want StateError", sink.reasons[0])
	}
}

func TestActionHandler_MissingCapabilityConfigDeadLettersImmediately(t *testing.T) {
	h, s, sink := actionFixture(t, nil)
	seedApproval(t, s, models.ApprovalApproved, "")

	if err := h(context.Background(), actionJob("apr-1")); err != nil {
		t.Fatalf("handler error = %v, want nil", err)
	}
	var cfgErr *orchestrator.ConfigError
	if sink.count() != 1 || !errors.As(sink.reasons[0], &cfgErr) {
		t.Fatalf("dead letters = %d (%v), want one ConfigError", sink.count(), sink.reasons)
	}
}

func TestActionHandler_CapabilityFailureStaysRetryable(t *testing.T) {
	boom := errors.New("upstream timeout")
	h, s, sink := actionFixture(t, func(ctx context.Context, inv capability.Invocation) (map[string]any, error) {
		return nil, boom
	})
	seedApproval(t, s, models.ApprovalApproved, "contact.sync")

	err := h(context.Background(), actionJob("apr-1"))
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("handler error = %v, want the capability error back for retry", err)
	}
	if sink.count() != 0 {
		t.Errorf("dead letters = %d on a retryable failure, want 0", sink.count())
	}
}

func TestActionHandler_MalformedJob(t *testing.T) {
	h, _, _ := actionFixture(t, nil)
	job := actionJob("")
	job.Payload = map[string]any{}
	if err := h(context.Background(), job); err == nil {
		t.Error("handler accepted a job without approval_id")
	}
}
