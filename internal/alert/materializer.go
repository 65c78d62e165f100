// Package alert materializes trigger firings into persisted alerts and fans
// out the side effects of a firing: notifications, trace events, and usage
// accounting.
package alert

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sparky9/csuite-engine/internal/store"
	"github.com/sparky9/csuite-engine/pkg/models"
)

// Notifier delivers best-effort alert notifications. Implementations must
// never block materialization on delivery failures.
type Notifier interface {
	AlertFired(ctx context.Context, alert *models.Alert)
}

// Details is the fire-time evidence a rule evaluation attaches to its alert.
type Details struct {
	Title   string
	Summary string
	Payload map[string]any
}

// Materializer turns rule firings into alerts. Creation is the only
// must-succeed step; notification and usage accounting are best effort.
type Materializer struct {
	store    store.Store
	notifier Notifier
	tracer   trace.Tracer
}

func NewMaterializer(st store.Store, notifier Notifier) *Materializer {
	return &Materializer{
		store:    st,
		notifier: notifier,
		tracer:   otel.Tracer("csuite-engine/alert"),
	}
}

// Fire persists a new pending alert for rule. When the rule already has an
// open alert, Fire returns store.ErrAlertOpen and performs no side effects;
// the caller treats that as a debounced no-fire.
func (m *Materializer) Fire(ctx context.Context, rule *models.TriggerRule, details Details) (*models.Alert, error) {
	now := time.Now().UTC()
	a := &models.Alert{
		ID:        uuid.NewString(),
		TenantID:  rule.TenantID,
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Title:     details.Title,
		Summary:   details.Summary,
		Payload:   details.Payload,
		Status:    models.AlertPending,
		CreatedAt: now,
	}

	if err := m.store.CreateAlert(ctx, a); err != nil {
		if errors.Is(err, store.ErrAlertOpen) {
			log.Debug().
				Str("tenant", rule.TenantID).
				Str("rule", rule.ID).
				Msg("alert debounced, rule already has an open alert")
		}
		return nil, err
	}

	m.finalize(ctx, rule, a)
	return a, nil
}

// finalize runs the post-creation side effects. Failures are logged, never
// propagated: the alert row is already durable.
func (m *Materializer) finalize(ctx context.Context, rule *models.TriggerRule, a *models.Alert) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("alert.fired", trace.WithAttributes(
		attribute.String("alert.id", a.ID),
		attribute.String("alert.rule_id", rule.ID),
		attribute.String("alert.severity", string(a.Severity)),
	))

	if m.notifier != nil {
		m.notifier.AlertFired(ctx, a)
	}

	rollup := &models.UsageRollup{
		TenantID:    a.TenantID,
		Day:         models.DayBucket(a.CreatedAt),
		AlertsFired: 1,
	}
	if err := m.store.MergeUsageRollup(ctx, rollup); err != nil {
		log.Error().Err(err).
			Str("tenant", a.TenantID).
			Str("alert", a.ID).
			Msg("usage rollup update failed after alert fire")
	}

	log.Info().
		Str("tenant", a.TenantID).
		Str("rule", rule.ID).
		Str("alert", a.ID).
		Str("severity", string(a.Severity)).
		Msg("alert fired")
}
