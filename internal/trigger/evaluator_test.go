package trigger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sparky9/csuite-engine/internal/alert"
	"github.com/sparky9/csuite-engine/internal/store"
	"github.com/sparky9/csuite-engine/internal/trigger"
	"github.com/sparky9/csuite-engine/pkg/models"
)

func newEvaluator(t *testing.T) (*trigger.Evaluator, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return trigger.NewEvaluator(s, alert.NewMaterializer(s, nil)), s
}

func mustCreateRule(t *testing.T, s store.Store, rule *models.TriggerRule) {
	t.Helper()
	if rule.Severity == "" {
		rule.Severity = models.SeverityWarning
	}
	rule.Enabled = true
	if err := s.CreateRule(context.Background(), rule); err != nil {
		t.Fatalf("CreateRule(%s) error = %v", rule.ID, err)
	}
}

func TestEvaluateTenant_ThresholdFires(t *testing.T) {
	e, s := newEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateRule(t, s, &models.TriggerRule{
		ID: "r1", TenantID: "acme", Name: "token burn",
		Type: models.RuleMetricThreshold, MetricKey: "usage.tokens_used",
		Threshold: 100, CreatedAt: now,
	})
	if err := s.RecordMetric(ctx, "acme", "usage", "tokens_used", 150, now); err != nil {
		t.Fatalf("RecordMetric() error = %v", err)
	}

	fired, err := e.EvaluateTenant(ctx, "acme", now)
	if err != nil {
		t.Fatalf("EvaluateTenant() error = %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	alerts, err := s.ListAlerts(ctx, "acme", models.AlertPending, 10)
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("len(alerts) = %d, want 1", len(alerts))
	}
	if alerts[0].RuleID != "r1" || alerts[0].Type != models.RuleMetricThreshold {
		t.Errorf("alert = %+v, want rule r1 metric_threshold", alerts[0])
	}

	rule, err := s.GetRule(ctx, "acme", "r1")
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if rule.LastRunAt == nil || !rule.LastRunAt.Equal(now) {
		t.Errorf("LastRunAt = %v, want %v", rule.LastRunAt, now)
	}
	if rule.LastTriggeredAt == nil {
		t.Error("LastTriggeredAt not set after fire")
	}
}

func TestEvaluateTenant_OpenAlertDebounce(t *testing.T) {
	e, s := newEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateRule(t, s, &models.TriggerRule{
		ID: "r1", TenantID: "acme",
		Type: models.RuleMetricThreshold, MetricKey: "usage.tokens_used",
		Threshold: 100, CreatedAt: now,
	})
	s.RecordMetric(ctx, "acme", "usage", "tokens_used", 150, now)

	if fired, _ := e.EvaluateTenant(ctx, "acme", now); fired != 1 {
		t.Fatalf("first sweep fired = %d, want 1", fired)
	}
	// Metric still above threshold on the next sweep, but the alert from the
	// first sweep is still pending.
	fired, err := e.EvaluateTenant(ctx, "acme", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("EvaluateTenant() error = %v", err)
	}
	if fired != 0 {
		t.Errorf("second sweep fired = %d, want 0", fired)
	}

	alerts, _ := s.ListAlerts(ctx, "acme", "", 10)
	if len(alerts) != 1 {
		t.Errorf("len(alerts) = %d, want exactly 1", len(alerts))
	}
}

func TestEvaluateTenant_RefiresAfterResolve(t *testing.T) {
	e, s := newEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateRule(t, s, &models.TriggerRule{
		ID: "r1", TenantID: "acme",
		Type: models.RuleMetricThreshold, MetricKey: "usage.tokens_used",
		Threshold: 100, CreatedAt: now,
	})
	s.RecordMetric(ctx, "acme", "usage", "tokens_used", 150, now)

	e.EvaluateTenant(ctx, "acme", now)
	alerts, _ := s.ListAlerts(ctx, "acme", "", 10)
	if err := s.UpdateAlertStatus(ctx, "acme", alerts[0].ID, models.AlertResolved); err != nil {
		t.Fatalf("UpdateAlertStatus() error = %v", err)
	}

	fired, _ := e.EvaluateTenant(ctx, "acme", now.Add(time.Minute))
	if fired != 1 {
		t.Errorf("fired = %d after resolving prior alert, want 1", fired)
	}
}

func TestEvaluateTenant_MissingMetricSuppresses(t *testing.T) {
	e, s := newEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateRule(t, s, &models.TriggerRule{
		ID: "r1", TenantID: "acme",
		Type: models.RuleMetricThreshold, MetricKey: "usage.never_recorded",
		Threshold: 1, CreatedAt: now,
	})

	fired, err := e.EvaluateTenant(ctx, "acme", now)
	if err != nil {
		t.Fatalf("EvaluateTenant() error = %v", err)
	}
	if fired != 0 {
		t.Errorf("fired = %d for missing metric, want 0", fired)
	}
	rule, _ := s.GetRule(ctx, "acme", "r1")
	if rule.LastRunAt == nil {
		t.Error("LastRunAt not updated on no-data evaluation")
	}
}

func TestEvaluateTenant_PartialFailureIsolation(t *testing.T) {
	e, s := newEvaluator(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	mustCreateRule(t, s, &models.TriggerRule{
		ID: "ok-1", TenantID: "acme",
		Type: models.RuleMetricThreshold, MetricKey: "usage.tokens_used",
		Threshold: 100, CreatedAt: base,
	})
	mustCreateRule(t, s, &models.TriggerRule{
		ID: "broken", TenantID: "acme",
		Type: models.RuleMetricThreshold, MetricKey: "not-a-metric-key",
		Threshold: 1, CreatedAt: base.Add(time.Second),
	})
	mustCreateRule(t, s, &models.TriggerRule{
		ID: "ok-2", TenantID: "acme",
		Type: models.RuleMetricThreshold, MetricKey: "analytics.churn_rate",
		Threshold: 0.2, CreatedAt: base.Add(2 * time.Second),
	})

	now := time.Now().UTC()
	s.RecordMetric(ctx, "acme", "usage", "tokens_used", 150, now)
	s.RecordMetric(ctx, "acme", "analytics", "churn_rate", 0.5, now)

	fired, err := e.EvaluateTenant(ctx, "acme", now)
	if err != nil {
		t.Fatalf("EvaluateTenant() error = %v", err)
	}
	if fired != 2 {
		t.Errorf("fired = %d, want 2 despite one broken rule", fired)
	}
	for _, id := range []string{"ok-1", "broken", "ok-2"} {
		rule, err := s.GetRule(ctx, "acme", id)
		if err != nil {
			t.Fatalf("GetRule(%s) error = %v", id, err)
		}
		if rule.LastRunAt == nil {
			t.Errorf("rule %s LastRunAt not updated", id)
		}
	}
}

func TestEvaluateTenant_AnomalyMinPoints(t *testing.T) {
	e, s := newEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateRule(t, s, &models.TriggerRule{
		ID: "r1", TenantID: "acme",
		Type: models.RuleAnomaly, MetricKey: "usage.api_calls",
		CreatedAt: now,
	})
	// Four points, one of them a huge spike: still under the minimum.
	for i, v := range []float64{10, 10, 10, 1000} {
		s.RecordMetric(ctx, "acme", "usage", "api_calls", v, now.Add(time.Duration(i-4)*time.Hour))
	}

	fired, err := e.EvaluateTenant(ctx, "acme", now)
	if err != nil {
		t.Fatalf("EvaluateTenant() error = %v", err)
	}
	if fired != 0 {
		t.Errorf("fired = %d with %d points, want 0", fired, 4)
	}
}

func TestEvaluateTenant_AnomalyBoundary(t *testing.T) {
	e, s := newEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateRule(t, s, &models.TriggerRule{
		ID: "r1", TenantID: "acme",
		Type: models.RuleAnomaly, MetricKey: "usage.api_calls",
		CreatedAt: now,
	})
	// z-score of the last point is 4/sqrt(5) ≈ 1.79, below the default 2.5.
	for i, v := range []float64{10, 10, 10, 10, 100} {
		s.RecordMetric(ctx, "acme", "usage", "api_calls", v, now.Add(time.Duration(i-5)*time.Hour))
	}

	fired, err := e.EvaluateTenant(ctx, "acme", now)
	if err != nil {
		t.Fatalf("EvaluateTenant() error = %v", err)
	}
	if fired != 0 {
		t.Errorf("fired = %d for a sub-threshold z-score, want 0", fired)
	}
}

func TestEvaluateTenant_AnomalyFires(t *testing.T) {
	e, s := newEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateRule(t, s, &models.TriggerRule{
		ID: "r1", TenantID: "acme",
		Type: models.RuleAnomaly, MetricKey: "usage.api_calls",
		CreatedAt: now,
	})
	// Nine flat points then a spike: z ≈ 2.85, above the default 2.5.
	values := []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 100}
	for i, v := range values {
		s.RecordMetric(ctx, "acme", "usage", "api_calls", v, now.Add(time.Duration(i-len(values))*time.Hour))
	}

	fired, err := e.EvaluateTenant(ctx, "acme", now)
	if err != nil {
		t.Fatalf("EvaluateTenant() error = %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	alerts, _ := s.ListAlerts(ctx, "acme", models.AlertPending, 10)
	if len(alerts) != 1 {
		t.Fatalf("len(alerts) = %d, want 1", len(alerts))
	}
	payload := alerts[0].Payload
	for _, key := range []string{"z_score", "mean", "deviation", "latest", "threshold"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("alert payload missing %q", key)
		}
	}
}

func TestEvaluateTenant_FilterGate(t *testing.T) {
	e, s := newEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateRule(t, s, &models.TriggerRule{
		ID: "r1", TenantID: "acme",
		Type: models.RuleMetricThreshold, MetricKey: "usage.tokens_used",
		Threshold: 100, Filter: "usage.active_seats > 5",
		CreatedAt: now,
	})
	s.RecordMetric(ctx, "acme", "usage", "tokens_used", 150, now)
	s.RecordMetric(ctx, "acme", "usage", "active_seats", 3, now)

	if fired, _ := e.EvaluateTenant(ctx, "acme", now); fired != 0 {
		t.Errorf("fired = %d with blocking filter, want 0", fired)
	}

	s.RecordMetric(ctx, "acme", "usage", "active_seats", 10, now.Add(time.Second))
	if fired, _ := e.EvaluateTenant(ctx, "acme", now.Add(time.Minute)); fired != 1 {
		t.Errorf("fired = %d with passing filter, want 1", fired)
	}
}

func TestEvaluateTenant_ScheduleFires(t *testing.T) {
	e, s := newEvaluator(t)
	ctx := context.Background()

	lastRun := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mustCreateRule(t, s, &models.TriggerRule{
		ID: "r1", TenantID: "acme", Name: "weekly digest",
		Type: models.RuleSchedule, Schedule: "0 * * * *",
		LastRunAt: &lastRun, CreatedAt: lastRun,
	})

	fired, err := e.EvaluateTenant(ctx, "acme", lastRun.Add(61*time.Minute))
	if err != nil {
		t.Fatalf("EvaluateTenant() error = %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	alerts, _ := s.ListAlerts(ctx, "acme", models.AlertPending, 10)
	if len(alerts) != 1 {
		t.Fatalf("len(alerts) = %d, want 1", len(alerts))
	}
	if alerts[0].Payload["schedule"] != "0 * * * *" {
		t.Errorf("alert payload schedule = %v, want the cron expression", alerts[0].Payload["schedule"])
	}
}

func TestEvaluateTenant_TenantIsolation(t *testing.T) {
	e, s := newEvaluator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateRule(t, s, &models.TriggerRule{
		ID: "r1", TenantID: "acme",
		Type: models.RuleMetricThreshold, MetricKey: "usage.tokens_used",
		Threshold: 100, CreatedAt: now,
	})
	// Only the other tenant crosses the threshold.
	s.RecordMetric(ctx, "globex", "usage", "tokens_used", 500, now)

	if fired, _ := e.EvaluateTenant(ctx, "acme", now); fired != 0 {
		t.Error("rule fired on another tenant's metric")
	}
}

func TestEvaluateTenant_DeterministicOrder(t *testing.T) {
	_, s := newEvaluator(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		mustCreateRule(t, s, &models.TriggerRule{
			ID: fmt.Sprintf("r%d", i), TenantID: "acme",
			Type: models.RuleSchedule, Schedule: "0 0 1 1 *",
			CreatedAt: base.Add(time.Duration(5-i) * time.Second),
		})
	}

	rules, err := s.ListEnabledRules(ctx, "acme")
	if err != nil {
		t.Fatalf("ListEnabledRules() error = %v", err)
	}
	for i := 1; i < len(rules); i++ {
		if rules[i].CreatedAt.Before(rules[i-1].CreatedAt) {
			t.Fatalf("rules not ordered by creation time: %v after %v", rules[i].CreatedAt, rules[i-1].CreatedAt)
		}
	}
}
