// Package orchestrator drives the approval execution state machine:
// approved → executing → executed or failed. Executions are idempotent by
// payload hash: replays of an already-completed approval with an unchanged
// payload short-circuit without re-invoking the capability.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sparky9/csuite-engine/internal/capability"
	"github.com/sparky9/csuite-engine/internal/hash"
	"github.com/sparky9/csuite-engine/internal/store"
	"github.com/sparky9/csuite-engine/pkg/models"
)

// Notifier receives best-effort execution outcome notifications.
type Notifier interface {
	ActionExecuted(ctx context.Context, approval *models.ActionApproval, durationMs int64)
	ActionFailed(ctx context.Context, approval *models.ActionApproval, reason string)
}

// Request identifies one approval execution attempt. JobID ties the attempt
// back to its queue delivery for traceability.
type Request struct {
	TenantID   string
	ApprovalID string
	ActorID    string
	JobID      string
}

// Result is the outcome of an execution attempt. Skipped marks a hash-replay
// that converged on a prior completed execution without re-invoking the
// capability.
type Result struct {
	ApprovalID  string                `json:"approval_id"`
	TaskID      string                `json:"task_id"`
	Status      models.ApprovalStatus `json:"status"`
	PayloadHash string                `json:"payload_hash"`
	Skipped     bool                  `json:"skipped"`
	Output      map[string]any        `json:"output,omitempty"`
	DurationMs  int64                 `json:"duration_ms"`
}

// Orchestrator executes approved actions through their registered
// capabilities with full audit logging.
type Orchestrator struct {
	store    store.Store
	registry *capability.Registry
	notifier Notifier
	tracer   trace.Tracer
}

func New(st store.Store, registry *capability.Registry, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		store:    st,
		registry: registry,
		notifier: notifier,
		tracer:   otel.Tracer("csuite-engine/orchestrator"),
	}
}

// Execute runs one approval through the execution protocol. The capability
// call happens outside any transaction so a slow module never holds a lock.
// Errors other than a replay are returned to the queue, whose retry policy
// governs redelivery; the replay guard keeps redeliveries side-effect free.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("approval.id", req.ApprovalID),
	))
	defer span.End()

	var (
		approval *models.ActionApproval
		replay   *Result
		taskID   string
		pHash    string
	)

	// Transaction 1: claim the approval. Loads, validates, computes the
	// replay check, and transitions approved → executing.
	err := o.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		approval, err = tx.GetApproval(ctx, req.TenantID, req.ApprovalID)
		if err != nil {
			return err
		}
		if approval.ModuleSlug == "" {
			return &ConfigError{ApprovalID: approval.ID, Missing: "module slug"}
		}
		if approval.Capability == "" {
			return &ConfigError{ApprovalID: approval.ID, Missing: "capability"}
		}

		pHash, err = hash.Payload(approval.Payload, approval.Capability)
		if err != nil {
			return fmt.Errorf("hash payload: %w", err)
		}

		replay, err = o.checkReplay(ctx, tx, approval, pHash)
		if err != nil || replay != nil {
			return err
		}

		if approval.Status != models.ApprovalApproved && approval.Status != models.ApprovalExecuting {
			return &StateError{ApprovalID: approval.ID, Status: string(approval.Status)}
		}

		taskID, err = o.claimTask(ctx, tx, approval, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		span.SetAttributes(attribute.Bool("execution.skipped", true))
		log.Info().
			Str("tenant", req.TenantID).
			Str("approval", req.ApprovalID).
			Str("payload_hash", pHash).
			Msg("execution replayed from audit log, capability not re-invoked")
		return replay, nil
	}

	// The capability call itself, unlocked.
	output, durationMs, execErr := o.invoke(ctx, approval, req, taskID)
	if execErr != nil {
		o.recordFailure(ctx, approval, req, taskID, execErr)
		span.SetStatus(codes.Error, execErr.Error())
		return nil, fmt.Errorf("execute %s/%s: %w", approval.ModuleSlug, approval.Capability, execErr)
	}

	// Transaction 2: commit the outcome.
	now := time.Now().UTC()
	err = o.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.AppendAuditEvent(ctx, approval.ID, models.CompletedEvent{
			Actor:       req.ActorID,
			TaskID:      taskID,
			PayloadHash: pHash,
			ModuleSlug:  approval.ModuleSlug,
			Capability:  approval.Capability,
			DurationMs:  durationMs,
			At:          now,
		}); err != nil {
			return fmt.Errorf("append completed event: %w", err)
		}

		approval.Status = models.ApprovalExecuted
		approval.ExecutedAt = &now
		if err := tx.UpdateApproval(ctx, approval); err != nil {
			return fmt.Errorf("mark approval executed: %w", err)
		}

		return tx.UpsertTask(ctx, &models.Task{
			ID:         taskID,
			TenantID:   approval.TenantID,
			ApprovalID: approval.ID,
			JobID:      req.JobID,
			Status:     models.TaskCompleted,
			Result:     output,
			StartedAt:  now.Add(-time.Duration(durationMs) * time.Millisecond),
			FinishedAt: &now,
		})
	})
	if err != nil {
		o.recordFailure(ctx, approval, req, taskID, err)
		return nil, err
	}

	o.accountExecution(ctx, approval, now)
	if o.notifier != nil {
		o.notifier.ActionExecuted(ctx, approval, durationMs)
	}

	log.Info().
		Str("tenant", approval.TenantID).
		Str("approval", approval.ID).
		Str("task", taskID).
		Int64("duration_ms", durationMs).
		Msg("action executed")

	return &Result{
		ApprovalID:  approval.ID,
		TaskID:      taskID,
		Status:      models.ApprovalExecuted,
		PayloadHash: pHash,
		Output:      output,
		DurationMs:  durationMs,
	}, nil
}

// checkReplay scans the approval's audit log for a completed event carrying
// the same payload hash. A match means this execution already happened.
func (o *Orchestrator) checkReplay(ctx context.Context, tx store.Store, approval *models.ActionApproval, pHash string) (*Result, error) {
	events, err := tx.ListAuditEvents(ctx, approval.ID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	for _, ev := range events {
		completed, ok := ev.(models.CompletedEvent)
		if !ok || completed.PayloadHash != pHash {
			continue
		}
		res := &Result{
			ApprovalID:  approval.ID,
			TaskID:      completed.TaskID,
			Status:      models.ApprovalExecuted,
			PayloadHash: pHash,
			Skipped:     true,
			DurationMs:  completed.DurationMs,
		}
		if task, err := tx.GetTaskByApproval(ctx, approval.TenantID, approval.ID); err == nil {
			res.Output = task.Result
		}
		return res, nil
	}
	return nil, nil
}

// claimTask transitions the approval to executing, creates or refreshes its
// correlated task, and appends the executing audit entry.
func (o *Orchestrator) claimTask(ctx context.Context, tx store.Store, approval *models.ActionApproval, req Request) (string, error) {
	now := time.Now().UTC()
	taskID := uuid.NewString()
	if existing, err := tx.GetTaskByApproval(ctx, approval.TenantID, approval.ID); err == nil {
		taskID = existing.ID
	} else if !store.IsNotFound(err) {
		return "", fmt.Errorf("load task: %w", err)
	}

	approval.Status = models.ApprovalExecuting
	if err := tx.UpdateApproval(ctx, approval); err != nil {
		return "", fmt.Errorf("mark approval executing: %w", err)
	}

	if err := tx.UpsertTask(ctx, &models.Task{
		ID:         taskID,
		TenantID:   approval.TenantID,
		ApprovalID: approval.ID,
		JobID:      req.JobID,
		Status:     models.TaskRunning,
		StartedAt:  now,
	}); err != nil {
		return "", fmt.Errorf("upsert task: %w", err)
	}

	if err := tx.AppendAuditEvent(ctx, approval.ID, models.ExecutingEvent{
		Actor:  req.ActorID,
		TaskID: taskID,
		JobID:  req.JobID,
		At:     now,
	}); err != nil {
		return "", fmt.Errorf("append executing event: %w", err)
	}
	return taskID, nil
}

func (o *Orchestrator) invoke(ctx context.Context, approval *models.ActionApproval, req Request, taskID string) (map[string]any, int64, error) {
	ctx, span := o.tracer.Start(ctx, "capability.invoke", trace.WithAttributes(
		attribute.String("capability.module", approval.ModuleSlug),
		attribute.String("capability.name", approval.Capability),
	))
	defer span.End()

	start := time.Now()
	output, err := o.registry.Invoke(ctx, capability.Invocation{
		ModuleSlug: approval.ModuleSlug,
		Capability: approval.Capability,
		TenantID:   approval.TenantID,
		ActorID:    req.ActorID,
		TaskID:     taskID,
		ApprovalID: approval.ID,
		Payload:    approval.Payload,
	})
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return output, durationMs, err
}

// recordFailure appends a failed audit entry and moves the approval and task
// to failed. Best effort: the original error is what the queue sees, so
// bookkeeping failures are only logged.
func (o *Orchestrator) recordFailure(ctx context.Context, approval *models.ActionApproval, req Request, taskID string, execErr error) {
	now := time.Now().UTC()
	err := o.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.AppendAuditEvent(ctx, approval.ID, models.FailedEvent{
			Actor:  req.ActorID,
			TaskID: taskID,
			Error:  execErr.Error(),
			At:     now,
		}); err != nil {
			return err
		}

		approval.Status = models.ApprovalFailed
		if err := tx.UpdateApproval(ctx, approval); err != nil {
			return err
		}

		task, err := tx.GetTaskByApproval(ctx, approval.TenantID, approval.ID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		task.Status = models.TaskFailed
		task.Error = execErr.Error()
		task.FinishedAt = &now
		return tx.UpsertTask(ctx, task)
	})
	if err != nil {
		log.Error().Err(err).
			Str("tenant", approval.TenantID).
			Str("approval", approval.ID).
			Msg("failure bookkeeping did not complete")
	}
	if o.notifier != nil {
		o.notifier.ActionFailed(ctx, approval, execErr.Error())
	}
}

// accountExecution bumps the tenant's daily usage rollup. The execution is
// already committed, so failures here are logged only.
func (o *Orchestrator) accountExecution(ctx context.Context, approval *models.ActionApproval, now time.Time) {
	err := o.store.MergeUsageRollup(ctx, &models.UsageRollup{
		TenantID:        approval.TenantID,
		Day:             models.DayBucket(now),
		ActionsExecuted: 1,
	})
	if err != nil {
		log.Error().Err(err).
			Str("tenant", approval.TenantID).
			Str("approval", approval.ID).
			Msg("usage rollup update failed after execution")
	}
}
