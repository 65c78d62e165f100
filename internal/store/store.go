// Package store provides the storage interface and implementations for the
// automation engine. The in-memory store backs tests and single-node
// deployments; the PostgreSQL store adds durable transactions and the
// open-alert uniqueness constraint.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sparky9/csuite-engine/pkg/models"
)

// Store is the primary storage interface for the engine. All engine code
// depends on this interface, making it easy to swap between in-memory
// (tests) and PostgreSQL (production) implementations.
type Store interface {
	TriggerRuleStore
	AlertStore
	ApprovalStore
	TaskStore
	AuditStore
	MetricStore
	UsageStore
	DeadLetterStore
	ChannelStore

	// WithTx runs fn inside one durable transaction where the backend
	// supports it. The memory store runs fn against itself: each operation
	// is individually atomic, which is sufficient for a single process.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Trigger Rule Store ──────────────────────────────────────

type TriggerRuleStore interface {
	// ListEnabledRules returns a tenant's enabled rules ordered by creation
	// time ascending (deterministic sweep order).
	ListEnabledRules(ctx context.Context, tenantID string) ([]models.TriggerRule, error)
	GetRule(ctx context.Context, tenantID, id string) (*models.TriggerRule, error)
	CreateRule(ctx context.Context, rule *models.TriggerRule) error
	UpdateRule(ctx context.Context, rule *models.TriggerRule) error

	// ListRuleTenants returns the distinct tenants with at least one
	// enabled rule; the sweep scheduler iterates this set.
	ListRuleTenants(ctx context.Context) ([]string, error)
}

// ── Alert Store ─────────────────────────────────────────────

type AlertStore interface {
	// CreateAlert persists a new alert. Returns ErrAlertOpen when an open
	// (pending/snoozed) alert already exists for the same rule.
	CreateAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, tenantID, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, tenantID string, status models.AlertStatus, limit int) ([]models.Alert, error)
	UpdateAlertStatus(ctx context.Context, tenantID, id string, status models.AlertStatus) error
	OpenAlertExists(ctx context.Context, tenantID, ruleID string) (bool, error)
}

// ── Approval Store ──────────────────────────────────────────

type ApprovalStore interface {
	GetApproval(ctx context.Context, tenantID, id string) (*models.ActionApproval, error)
	CreateApproval(ctx context.Context, approval *models.ActionApproval) error
	UpdateApproval(ctx context.Context, approval *models.ActionApproval) error
}

// ── Task Store ──────────────────────────────────────────────

type TaskStore interface {
	// GetTaskByApproval returns the task correlated with an approval's
	// execution, or ErrNotFound when none exists yet.
	GetTaskByApproval(ctx context.Context, tenantID, approvalID string) (*models.Task, error)
	UpsertTask(ctx context.Context, task *models.Task) error
}

// ── Audit Store ─────────────────────────────────────────────

// AuditStore is insert-only: events are appended per approval and listed in
// append order. Nothing ever updates or deletes an audit row.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, approvalID string, event models.AuditEvent) error
	ListAuditEvents(ctx context.Context, approvalID string) ([]models.AuditEvent, error)
}

// ── Metric Store ────────────────────────────────────────────

type MetricStore interface {
	RecordMetric(ctx context.Context, tenantID, category, field string, value float64, at time.Time) error

	// LatestMetric returns the most recent value for category.field, or nil
	// when no data exists. nil is the single "no data" sentinel; it is
	// never an error.
	LatestMetric(ctx context.Context, tenantID, category, field string) (*float64, error)

	// MetricSeries returns points recorded at or after since, ascending by time.
	MetricSeries(ctx context.Context, tenantID, category, field string, since time.Time) ([]models.MetricPoint, error)

	// LatestMetrics returns the latest value per category.field for a tenant.
	LatestMetrics(ctx context.Context, tenantID string) (map[string]map[string]float64, error)

	// PruneMetrics deletes metric points recorded before the cutoff and
	// returns how many were removed.
	PruneMetrics(ctx context.Context, before time.Time) (int64, error)
}

// ── Usage Store ─────────────────────────────────────────────

type UsageStore interface {
	// MergeUsageRollup applies merge semantics to the (tenant, day) bucket:
	// insert on first write, otherwise increment counters and shallow-merge
	// Metadata (new keys overwrite same-named old keys).
	MergeUsageRollup(ctx context.Context, rollup *models.UsageRollup) error
	GetUsageRollup(ctx context.Context, tenantID, day string) (*models.UsageRollup, error)
}

// ── Dead Letter Store ───────────────────────────────────────

type DeadLetterStore interface {
	CreateDeadLetter(ctx context.Context, record *models.DeadLetterRecord) error
	ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]models.DeadLetterRecord, error)
}

// ── Channel Store ───────────────────────────────────────────

type ChannelStore interface {
	ListChannels(ctx context.Context, tenantID string) ([]models.NotificationChannel, error)
	CreateChannel(ctx context.Context, channel *models.NotificationChannel) error
	DeleteChannel(ctx context.Context, tenantID, id string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist, including
// cross-tenant lookups (a tenant can never observe another tenant's rows).
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ErrAlertOpen is returned by CreateAlert when the rule already has an open
// alert; the evaluator treats it as "debounced", not a failure.
var ErrAlertOpen = errors.New("an open alert already exists for this rule")
