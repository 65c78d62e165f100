package orchestrator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sparky9/csuite-engine/internal/capability"
	"github.com/sparky9/csuite-engine/internal/orchestrator"
	"github.com/sparky9/csuite-engine/internal/store"
	"github.com/sparky9/csuite-engine/pkg/models"
)

func seedApproval(t *testing.T, s store.Store, payload map[string]any) *models.ActionApproval {
	t.Helper()
	approval := &models.ActionApproval{
		ID:         "apr-1",
		TenantID:   "acme",
		ModuleSlug: "crm",
		Capability: "contact.sync",
		Payload:    payload,
		Status:     models.ApprovalApproved,
		ApprovedBy: "cfo",
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.CreateApproval(context.Background(), approval); err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}
	return approval
}

func newOrchestrator(t *testing.T, handler capability.Handler) (*orchestrator.Orchestrator, store.Store, *atomic.Int64) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	var calls atomic.Int64
	registry := capability.NewRegistry()
	registry.Register("crm", "contact.sync", func(ctx context.Context, inv capability.Invocation) (map[string]any, error) {
		calls.Add(1)
		if handler != nil {
			return handler(ctx, inv)
		}
		return map[string]any{"synced": true}, nil
	})
	return orchestrator.New(s, registry, nil), s, &calls
}

func TestExecute_Success(t *testing.T) {
	o, s, calls := newOrchestrator(t, nil)
	ctx := context.Background()
	seedApproval(t, s, map[string]any{"contact": "jane"})

	res, err := o.Execute(ctx, orchestrator.Request{
		TenantID: "acme", ApprovalID: "apr-1", ActorID: "system", JobID: "job-1",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Skipped {
		t.Error("first execution marked skipped")
	}
	if res.Status != models.ApprovalExecuted {
		t.Errorf("result status = %q, want executed", res.Status)
	}
	if res.PayloadHash == "" {
		t.Error("result missing payload hash")
	}
	if calls.Load() != 1 {
		t.Errorf("capability invoked %d times, want 1", calls.Load())
	}

	approval, _ := s.GetApproval(ctx, "acme", "apr-1")
	if approval.Status != models.ApprovalExecuted {
		t.Errorf("approval status = %q, want executed", approval.Status)
	}
	if approval.ExecutedAt == nil {
		t.Error("ExecutedAt not set")
	}

	task, err := s.GetTaskByApproval(ctx, "acme", "apr-1")
	if err != nil {
		t.Fatalf("GetTaskByApproval() error = %v", err)
	}
	if task.Status != models.TaskCompleted {
		t.Errorf("task status = %q, want completed", task.Status)
	}
	if task.Result["synced"] != true {
		t.Errorf("task result = %v, want capability output", task.Result)
	}

	events, _ := s.ListAuditEvents(ctx, "apr-1")
	if len(events) != 2 {
		t.Fatalf("len(audit events) = %d, want 2", len(events))
	}
	if events[0].EventType() != models.AuditExecuting || events[1].EventType() != models.AuditCompleted {
		t.Errorf("audit sequence = [%s, %s], want [executing, completed]",
			events[0].EventType(), events[1].EventType())
	}
	completed := events[1].(models.CompletedEvent)
	if completed.PayloadHash != res.PayloadHash {
		t.Error("completed event hash differs from result hash")
	}

	rollup, err := s.GetUsageRollup(ctx, "acme", models.DayBucket(time.Now()))
	if err != nil {
		t.Fatalf("GetUsageRollup() error = %v", err)
	}
	if rollup.ActionsExecuted != 1 {
		t.Errorf("ActionsExecuted = %d, want 1", rollup.ActionsExecuted)
	}
}

func TestExecute_IdempotentReplay(t *testing.T) {
	o, s, calls := newOrchestrator(t, nil)
	ctx := context.Background()
	seedApproval(t, s, map[string]any{"contact": "jane"})

	req := orchestrator.Request{TenantID: "acme", ApprovalID: "apr-1", ActorID: "system", JobID: "job-1"}
	first, err := o.Execute(ctx, req)
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}

	req.JobID = "job-2" // redelivery
	second, err := o.Execute(ctx, req)
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if !second.Skipped {
		t.Error("replay not marked skipped")
	}
	if second.PayloadHash != first.PayloadHash {
		t.Errorf("replay hash %s != original %s", second.PayloadHash, first.PayloadHash)
	}
	if second.Status != models.ApprovalExecuted {
		t.Errorf("replay status = %q, want executed", second.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("capability invoked %d times across replay, want 1", calls.Load())
	}

	// No extra audit entries from the replay.
	events, _ := s.ListAuditEvents(ctx, "apr-1")
	if len(events) != 2 {
		t.Errorf("len(audit events) = %d after replay, want 2", len(events))
	}
}

func TestExecute_PayloadChangeReexecutes(t *testing.T) {
	o, s, calls := newOrchestrator(t, nil)
	ctx := context.Background()
	approval := seedApproval(t, s, map[string]any{"contact": "jane"})

	req := orchestrator.Request{TenantID: "acme", ApprovalID: "apr-1", ActorID: "system"}
	first, err := o.Execute(ctx, req)
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}

	// Re-approval with a changed payload invalidates the replay guard.
	approval.Payload = map[string]any{"contact": "john"}
	approval.Status = models.ApprovalApproved
	if err := s.UpdateApproval(ctx, approval); err != nil {
		t.Fatalf("UpdateApproval() error = %v", err)
	}

	second, err := o.Execute(ctx, req)
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if second.Skipped {
		t.Error("changed payload treated as replay")
	}
	if second.PayloadHash == first.PayloadHash {
		t.Error("changed payload produced identical hash")
	}
	if calls.Load() != 2 {
		t.Errorf("capability invoked %d times, want 2", calls.Load())
	}
}

func TestExecute_NotFound(t *testing.T) {
	o, _, _ := newOrchestrator(t, nil)
	_, err := o.Execute(context.Background(), orchestrator.Request{
		TenantID: "acme", ApprovalID: "missing",
	})
	if !store.IsNotFound(err) {
		t.Errorf("Execute() error = %v, want not found", err)
	}
}

func TestExecute_CrossTenantNotFound(t *testing.T) {
	o, s, _ := newOrchestrator(t, nil)
	seedApproval(t, s, nil)

	_, err := o.Execute(context.Background(), orchestrator.Request{
		TenantID: "globex", ApprovalID: "apr-1",
	})
	if !store.IsNotFound(err) {
		t.Errorf("cross-tenant Execute() error = %v, want not found", err)
	}
}

func TestExecute_StateError(t *testing.T) {
	o, s, calls := newOrchestrator(t, nil)
	ctx := context.Background()
	approval := seedApproval(t, s, nil)
	approval.Status = models.ApprovalFailed
	if err := s.UpdateApproval(ctx, approval); err != nil {
		t.Fatalf("UpdateApproval() error = %v", err)
	}

	_, err := o.Execute(ctx, orchestrator.Request{TenantID: "acme", ApprovalID: "apr-1"})
	var stateErr *orchestrator.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Execute() error = %v, want StateError", err)
	}
	if calls.Load() != 0 {
		t.Error("capability invoked despite illegal state")
	}
}

func TestExecute_ConfigError(t *testing.T) {
	o, s, _ := newOrchestrator(t, nil)
	ctx := context.Background()

	bad := &models.ActionApproval{
		ID: "apr-2", TenantID: "acme", ModuleSlug: "crm",
		Status: models.ApprovalApproved, CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateApproval(ctx, bad); err != nil {
		t.Fatalf("CreateApproval() error = %v", err)
	}

	_, err := o.Execute(ctx, orchestrator.Request{TenantID: "acme", ApprovalID: "apr-2"})
	var cfgErr *orchestrator.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Execute() error = %v, want ConfigError", err)
	}
}

func TestExecute_FailurePath(t *testing.T) {
	boom := errors.New("upstream crm rejected the contact")
	o, s, _ := newOrchestrator(t, func(ctx context.Context, inv capability.Invocation) (map[string]any, error) {
		return nil, boom
	})
	ctx := context.Background()
	seedApproval(t, s, map[string]any{"contact": "jane"})

	_, err := o.Execute(ctx, orchestrator.Request{TenantID: "acme", ApprovalID: "apr-1", ActorID: "system"})
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("Execute() error = %v, want wrapped capability error", err)
	}

	approval, _ := s.GetApproval(ctx, "acme", "apr-1")
	if approval.Status != models.ApprovalFailed {
		t.Errorf("approval status = %q, want failed", approval.Status)
	}
	task, err := s.GetTaskByApproval(ctx, "acme", "apr-1")
	if err != nil {
		t.Fatalf("GetTaskByApproval() error = %v", err)
	}
	if task.Status != models.TaskFailed {
		t.Errorf("task status = %q, want failed", task.Status)
	}
	if task.Error == "" {
		t.Error("task error message empty")
	}

	events, _ := s.ListAuditEvents(ctx, "apr-1")
	if len(events) != 2 {
		t.Fatalf("len(audit events) = %d, want [executing, failed]", len(events))
	}
	if events[1].EventType() != models.AuditFailed {
		t.Errorf("final audit event = %s, want failed", events[1].EventType())
	}
}
