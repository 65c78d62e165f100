// Package trigger evaluates tenant trigger rules during sweep jobs. Three
// rule types are supported: cron schedules, metric threshold crossings, and
// statistical anomaly detection on metric time series.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sparky9/csuite-engine/internal/alert"
	"github.com/sparky9/csuite-engine/internal/store"
	"github.com/sparky9/csuite-engine/pkg/models"
)

const (
	// MinAnomalyPoints is the fewest series points an anomaly rule will
	// evaluate; shorter series silently no-fire.
	MinAnomalyPoints = 5

	// DefaultAnomalyWindowDays bounds the lookback when a rule leaves
	// WindowDays unset.
	DefaultAnomalyWindowDays = 14

	// DefaultZThreshold is the anomaly fire boundary when a rule leaves
	// Threshold unset.
	DefaultZThreshold = 2.5
)

// Evaluator runs one tenant's enabled rules and materializes alerts for
// those that fire.
type Evaluator struct {
	store        store.Store
	materializer *alert.Materializer
	tracer       trace.Tracer
}

func NewEvaluator(st store.Store, materializer *alert.Materializer) *Evaluator {
	return &Evaluator{
		store:        st,
		materializer: materializer,
		tracer:       otel.Tracer("csuite-engine/trigger"),
	}
}

// EvaluateTenant evaluates every enabled rule for a tenant and returns the
// number of alerts fired. Rules are evaluated independently: one rule's
// failure is logged and does not abort the rest. LastRunAt is updated for
// every rule regardless of outcome; LastTriggeredAt only on fire.
func (e *Evaluator) EvaluateTenant(ctx context.Context, tenantID string, now time.Time) (int, error) {
	ctx, span := e.tracer.Start(ctx, "trigger.evaluate_tenant",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	now = now.UTC()
	rules, err := e.store.ListEnabledRules(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list rules for tenant %s: %w", tenantID, err)
	}

	fired := 0
	for i := range rules {
		rule := &rules[i]
		didFire, err := e.evaluateRule(ctx, rule, now)
		if err != nil {
			log.Error().Err(err).
				Str("tenant", tenantID).
				Str("rule", rule.ID).
				Str("type", string(rule.Type)).
				Msg("rule evaluation failed")
		}
		if didFire {
			fired++
			rule.LastTriggeredAt = &now
		}
		rule.LastRunAt = &now
		if err := e.store.UpdateRule(ctx, rule); err != nil {
			log.Error().Err(err).
				Str("tenant", tenantID).
				Str("rule", rule.ID).
				Msg("rule bookkeeping update failed")
		}
	}

	span.SetAttributes(
		attribute.Int("rules.evaluated", len(rules)),
		attribute.Int("alerts.fired", fired),
	)
	return fired, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule *models.TriggerRule, now time.Time) (bool, error) {
	var (
		details *alert.Details
		err     error
	)
	switch rule.Type {
	case models.RuleSchedule:
		details, err = e.evaluateSchedule(rule, now)
	case models.RuleMetricThreshold:
		details, err = e.evaluateThreshold(ctx, rule)
	case models.RuleAnomaly:
		details, err = e.evaluateAnomaly(ctx, rule, now)
	default:
		return false, fmt.Errorf("unknown rule type %q", rule.Type)
	}
	if err != nil || details == nil {
		return false, err
	}

	if rule.Filter != "" {
		pass, err := e.passesFilter(ctx, rule)
		if err != nil {
			return false, fmt.Errorf("rule filter: %w", err)
		}
		if !pass {
			return false, nil
		}
	}

	if _, err := e.materializer.Fire(ctx, rule, *details); err != nil {
		if errors.Is(err, store.ErrAlertOpen) {
			return false, nil
		}
		return false, fmt.Errorf("materialize alert: %w", err)
	}
	return true, nil
}

func (e *Evaluator) evaluateSchedule(rule *models.TriggerRule, now time.Time) (*alert.Details, error) {
	if !ScheduleDue(rule.Schedule, rule.LastRunAt, now) {
		return nil, nil
	}
	return &alert.Details{
		Title:   rule.Name,
		Summary: fmt.Sprintf("scheduled trigger %q is due", rule.Schedule),
		Payload: map[string]any{
			"schedule":     rule.Schedule,
			"triggered_at": now.Format(time.RFC3339),
		},
	}, nil
}

func (e *Evaluator) evaluateThreshold(ctx context.Context, rule *models.TriggerRule) (*alert.Details, error) {
	category, field, err := ParseMetricKey(rule.MetricKey)
	if err != nil {
		return nil, err
	}
	value, err := e.store.LatestMetric(ctx, rule.TenantID, category, field)
	if err != nil {
		return nil, fmt.Errorf("resolve metric %s: %w", rule.MetricKey, err)
	}
	// Missing data suppresses firing; it is never an error.
	if value == nil || *value < rule.Threshold {
		return nil, nil
	}
	return &alert.Details{
		Title:   rule.Name,
		Summary: fmt.Sprintf("%s reached %.4g (threshold %.4g)", rule.MetricKey, *value, rule.Threshold),
		Payload: map[string]any{
			"metric_key": rule.MetricKey,
			"value":      *value,
			"threshold":  rule.Threshold,
		},
	}, nil
}

func (e *Evaluator) evaluateAnomaly(ctx context.Context, rule *models.TriggerRule, now time.Time) (*alert.Details, error) {
	category, field, err := ParseMetricKey(rule.MetricKey)
	if err != nil {
		return nil, err
	}

	windowDays := rule.WindowDays
	if windowDays <= 0 {
		windowDays = DefaultAnomalyWindowDays
	}
	since := now.AddDate(0, 0, -windowDays)

	points, err := e.store.MetricSeries(ctx, rule.TenantID, category, field, since)
	if err != nil {
		return nil, fmt.Errorf("resolve metric series %s: %w", rule.MetricKey, err)
	}
	if len(points) < MinAnomalyPoints {
		return nil, nil
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	latest := values[len(values)-1]

	threshold := rule.Threshold
	if threshold <= 0 {
		threshold = DefaultZThreshold
	}

	z := ZScore(latest, values)
	if z < threshold {
		return nil, nil
	}
	return &alert.Details{
		Title:   rule.Name,
		Summary: fmt.Sprintf("%s deviates %.2f standard deviations from its %d-day mean", rule.MetricKey, z, windowDays),
		Payload: map[string]any{
			"metric_key": rule.MetricKey,
			"z_score":    z,
			"mean":       Mean(values),
			"deviation":  StdDev(values),
			"latest":     latest,
			"threshold":  threshold,
			"points":     len(values),
		},
	}, nil
}

// passesFilter evaluates the rule's optional expr predicate against the
// tenant's latest metric snapshot. The snapshot is exposed by category, so a
// filter can read e.g. usage.active_seats > 10.
func (e *Evaluator) passesFilter(ctx context.Context, rule *models.TriggerRule) (bool, error) {
	snapshot, err := e.store.LatestMetrics(ctx, rule.TenantID)
	if err != nil {
		return false, err
	}
	env := make(map[string]any, len(metricCategories))
	for category := range metricCategories {
		fields := snapshot[category]
		if fields == nil {
			fields = map[string]float64{}
		}
		env[category] = fields
	}

	program, err := expr.Compile(rule.Filter, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile filter %q: %w", rule.Filter, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("run filter %q: %w", rule.Filter, err)
	}
	pass, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter %q did not evaluate to a boolean", rule.Filter)
	}
	return pass, nil
}
