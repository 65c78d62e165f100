// Package models defines the domain types shared across the automation engine:
// trigger rules, alerts, action approvals, tasks, usage rollups, and the
// append-only audit log attached to every approval.
package models

import "time"

// ── Trigger Rules ───────────────────────────────────────────

// TriggerRuleType selects the evaluation strategy for a rule.
type TriggerRuleType string

const (
	RuleSchedule        TriggerRuleType = "schedule"
	RuleMetricThreshold TriggerRuleType = "metric_threshold"
	RuleAnomaly         TriggerRuleType = "anomaly"
)

// Severity is carried from the rule onto every alert it fires.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// TriggerRule is a tenant-configured condition that may produce an Alert.
// The evaluator mutates LastRunAt after every sweep and LastTriggeredAt
// only when the rule fires; the engine never deletes rules.
type TriggerRule struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Name     string          `json:"name"`
	Type     TriggerRuleType `json:"type"`
	Enabled  bool            `json:"enabled"`

	// Schedule is a cron expression; only meaningful for schedule rules.
	Schedule string `json:"schedule,omitempty"`

	// MetricKey is a dotted category.field reference, e.g. "usage.tokens_used".
	MetricKey string `json:"metric_key,omitempty"`

	// Threshold is the fire boundary for metric_threshold rules and the
	// z-score boundary for anomaly rules (default 2.5 when zero).
	Threshold float64 `json:"threshold,omitempty"`

	// WindowDays bounds the anomaly lookback window (default 14 when zero).
	WindowDays int `json:"window_days,omitempty"`

	// Filter is an optional expr predicate evaluated against the tenant's
	// metric snapshot as an extra fire gate. Empty means no filter.
	Filter string `json:"filter,omitempty"`

	Severity        Severity   `json:"severity"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ── Alerts ──────────────────────────────────────────────────

// AlertStatus tracks the alert lifecycle: pending → acknowledged/snoozed → resolved.
type AlertStatus string

const (
	AlertPending      AlertStatus = "pending"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertSnoozed      AlertStatus = "snoozed"
	AlertResolved     AlertStatus = "resolved"
)

// Open reports whether the alert still suppresses re-firing of its rule.
func (s AlertStatus) Open() bool {
	return s == AlertPending || s == AlertSnoozed
}

// Alert is a persisted firing of a trigger rule. Payload is the evidence
// snapshot recorded at fire time (z-score, metric values, schedule, ...).
type Alert struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	RuleID    string          `json:"rule_id"`
	Type      TriggerRuleType `json:"type"`
	Severity  Severity        `json:"severity"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary"`
	Payload   map[string]any  `json:"payload,omitempty"`
	Status    AlertStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// ── Action Approvals ────────────────────────────────────────

// ApprovalStatus is the orchestrator state machine:
// approved → executing → executed | failed. A failed approval is only
// retryable by re-approval, never by the queue.
type ApprovalStatus string

const (
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalExecuting ApprovalStatus = "executing"
	ApprovalExecuted  ApprovalStatus = "executed"
	ApprovalFailed    ApprovalStatus = "failed"
)

// ActionApproval is an approved automated action awaiting (or past)
// execution. Created by the upstream approval workflow; the orchestrator
// only moves it forward and appends audit entries.
type ActionApproval struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	ModuleSlug string         `json:"module_slug"`
	Capability string         `json:"capability"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     ApprovalStatus `json:"status"`
	ApprovedBy string         `json:"approved_by,omitempty"`
	CreatedBy  string         `json:"created_by,omitempty"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ── Tasks ───────────────────────────────────────────────────

// TaskStatus mirrors the approval outcome on the correlated unit of work.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is the unit-of-work record correlated 1:1 with an approval's
// execution. JobID carries the queue job id for traceability.
type Task struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	ApprovalID string         `json:"approval_id"`
	JobID      string         `json:"job_id,omitempty"`
	Status     TaskStatus     `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// ── Usage Rollups ───────────────────────────────────────────

// UsageRollup is the per-tenant, per-day billing/usage bucket. Writes use
// merge semantics: first write of the day inserts the row, later writes
// increment counters and shallow-merge Metadata.
type UsageRollup struct {
	TenantID        string         `json:"tenant_id"`
	Day             string         `json:"day"` // YYYY-MM-DD, UTC
	AlertsFired     int64          `json:"alerts_fired"`
	ActionsExecuted int64          `json:"actions_executed"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// DayBucket formats t into the rollup day key.
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ── Metrics ─────────────────────────────────────────────────

// MetricPoint is one observation in a tenant metric time series.
type MetricPoint struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// ── Dead Letters ────────────────────────────────────────────

// DeadLetterRecord holds a job that exhausted its retry budget. Records are
// never auto-pruned; they exist for operator inspection.
type DeadLetterRecord struct {
	ID            string         `json:"id"`
	OriginalQueue string         `json:"original_queue"`
	OriginalJobID string         `json:"original_job_id"`
	TenantID      string         `json:"tenant_id"`
	FailedData    map[string]any `json:"failed_data,omitempty"`
	FailureReason string         `json:"failure_reason"`
	FailedAt      time.Time      `json:"failed_at"`
	AttemptsMade  int            `json:"attempts_made"`
}

// ── Notification Channels ───────────────────────────────────

// ChannelKind identifies a notification transport.
type ChannelKind string

const (
	ChannelWebhook ChannelKind = "webhook"
)

// NotificationChannel is a tenant-registered notification target.
// Empty Events means "subscribe to everything".
type NotificationChannel struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id"`
	Name      string      `json:"name"`
	Kind      ChannelKind `json:"kind"`
	URL       string      `json:"url"`
	Secret    string      `json:"secret,omitempty"`
	Events    []string    `json:"events,omitempty"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
}

// NotifyResult records one dispatch attempt to a channel.
type NotifyResult struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
