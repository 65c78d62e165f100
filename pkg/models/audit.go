package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuditEventType tags the audit event union.
type AuditEventType string

const (
	AuditRequested AuditEventType = "requested"
	AuditExecuting AuditEventType = "executing"
	AuditCompleted AuditEventType = "completed"
	AuditFailed    AuditEventType = "failed"
)

// AuditEvent is one entry in an approval's append-only audit log. The four
// concrete types below form a closed union; each carries only the fields
// relevant to its transition.
type AuditEvent interface {
	EventType() AuditEventType
	OccurredAt() time.Time
}

// RequestedEvent records the initial approval request.
type RequestedEvent struct {
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func (e RequestedEvent) EventType() AuditEventType { return AuditRequested }
func (e RequestedEvent) OccurredAt() time.Time     { return e.At }

// ExecutingEvent records the approved → executing transition.
type ExecutingEvent struct {
	Actor  string    `json:"actor"`
	TaskID string    `json:"task_id"`
	JobID  string    `json:"job_id,omitempty"`
	At     time.Time `json:"at"`
}

func (e ExecutingEvent) EventType() AuditEventType { return AuditExecuting }
func (e ExecutingEvent) OccurredAt() time.Time     { return e.At }

// CompletedEvent records a successful execution. PayloadHash is the
// idempotency key: a later delivery computing the same hash replays
// instead of re-executing.
type CompletedEvent struct {
	Actor       string    `json:"actor"`
	TaskID      string    `json:"task_id"`
	PayloadHash string    `json:"payload_hash"`
	ModuleSlug  string    `json:"module_slug"`
	Capability  string    `json:"capability"`
	DurationMs  int64     `json:"duration_ms"`
	At          time.Time `json:"at"`
}

func (e CompletedEvent) EventType() AuditEventType { return AuditCompleted }
func (e CompletedEvent) OccurredAt() time.Time     { return e.At }

// FailedEvent records a failed execution attempt.
type FailedEvent struct {
	Actor  string    `json:"actor"`
	TaskID string    `json:"task_id,omitempty"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

func (e FailedEvent) EventType() AuditEventType { return AuditFailed }
func (e FailedEvent) OccurredAt() time.Time     { return e.At }

// ── Codec ───────────────────────────────────────────────────

// auditEnvelope is the wire form of an audit event: the union flattened into
// one object discriminated by "event".
type auditEnvelope struct {
	Event       AuditEventType `json:"event"`
	Actor       string         `json:"actor,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	JobID       string         `json:"job_id,omitempty"`
	PayloadHash string         `json:"payload_hash,omitempty"`
	ModuleSlug  string         `json:"module_slug,omitempty"`
	Capability  string         `json:"capability,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	Error       string         `json:"error,omitempty"`
	At          time.Time      `json:"at"`
}

// EncodeAuditEvent serializes a single audit event to its wire form.
func EncodeAuditEvent(ev AuditEvent) ([]byte, error) {
	env, err := toEnvelope(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeAuditEvent deserializes a single wire-form audit event.
func DecodeAuditEvent(data []byte) (AuditEvent, error) {
	var env auditEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode audit event: %w", err)
	}
	return fromEnvelope(env)
}

// EncodeAuditLog serializes an ordered audit log as a JSON array.
func EncodeAuditLog(events []AuditEvent) ([]byte, error) {
	envs := make([]auditEnvelope, 0, len(events))
	for _, ev := range events {
		env, err := toEnvelope(ev)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return json.Marshal(envs)
}

// DecodeAuditLog deserializes a JSON array audit log, preserving order.
func DecodeAuditLog(data []byte) ([]AuditEvent, error) {
	var envs []auditEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("decode audit log: %w", err)
	}
	events := make([]AuditEvent, 0, len(envs))
	for _, env := range envs {
		ev, err := fromEnvelope(env)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func toEnvelope(ev AuditEvent) (auditEnvelope, error) {
	switch e := ev.(type) {
	case RequestedEvent:
		return auditEnvelope{Event: AuditRequested, Actor: e.Actor, Reason: e.Reason, At: e.At}, nil
	case ExecutingEvent:
		return auditEnvelope{Event: AuditExecuting, Actor: e.Actor, TaskID: e.TaskID, JobID: e.JobID, At: e.At}, nil
	case CompletedEvent:
		return auditEnvelope{
			Event: AuditCompleted, Actor: e.Actor, TaskID: e.TaskID,
			PayloadHash: e.PayloadHash, ModuleSlug: e.ModuleSlug,
			Capability: e.Capability, DurationMs: e.DurationMs, At: e.At,
		}, nil
	case FailedEvent:
		return auditEnvelope{Event: AuditFailed, Actor: e.Actor, TaskID: e.TaskID, Error: e.Error, At: e.At}, nil
	default:
		return auditEnvelope{}, fmt.Errorf("unknown audit event type %T", ev)
	}
}

func fromEnvelope(env auditEnvelope) (AuditEvent, error) {
	switch env.Event {
	case AuditRequested:
		return RequestedEvent{Actor: env.Actor, Reason: env.Reason, At: env.At}, nil
	case AuditExecuting:
		return ExecutingEvent{Actor: env.Actor, TaskID: env.TaskID, JobID: env.JobID, At: env.At}, nil
	case AuditCompleted:
		return CompletedEvent{
			Actor: env.Actor, TaskID: env.TaskID, PayloadHash: env.PayloadHash,
			ModuleSlug: env.ModuleSlug, Capability: env.Capability,
			DurationMs: env.DurationMs, At: env.At,
		}, nil
	case AuditFailed:
		return FailedEvent{Actor: env.Actor, TaskID: env.TaskID, Error: env.Error, At: env.At}, nil
	default:
		return nil, fmt.Errorf("unknown audit event %q", env.Event)
	}
}
