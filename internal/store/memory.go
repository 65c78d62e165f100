package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sparky9/csuite-engine/pkg/models"
)

// MemoryStore is the in-memory Store implementation. It is safe for
// concurrent use and backs tests and zero-config single-node deployments.
type MemoryStore struct {
	mu sync.RWMutex

	rules       map[string]*models.TriggerRule    // tenant/id
	alerts      map[string]*models.Alert          // tenant/id
	approvals   map[string]*models.ActionApproval // tenant/id
	tasks       map[string]*models.Task           // tenant/approvalID
	audit       map[string][]models.AuditEvent    // approvalID → append-ordered events
	metrics     map[string][]metricRow            // tenant/category/field → ascending rows
	rollups     map[string]*models.UsageRollup    // tenant/day
	deadLetters []models.DeadLetterRecord
	channels    map[string]*models.NotificationChannel // tenant/id
}

type metricRow struct {
	at    time.Time
	value float64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:     make(map[string]*models.TriggerRule),
		alerts:    make(map[string]*models.Alert),
		approvals: make(map[string]*models.ActionApproval),
		tasks:     make(map[string]*models.Task),
		audit:     make(map[string][]models.AuditEvent),
		metrics:   make(map[string][]metricRow),
		rollups:   make(map[string]*models.UsageRollup),
		channels:  make(map[string]*models.NotificationChannel),
	}
}

func scopedKey(tenantID, id string) string { return tenantID + "/" + id }

// WithTx runs fn against the store itself. Each operation is individually
// atomic under the store's lock; cross-operation atomicity is provided only
// by the PostgreSQL store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// ── Trigger Rules ───────────────────────────────────────────

func (s *MemoryStore) ListEnabledRules(ctx context.Context, tenantID string) ([]models.TriggerRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []models.TriggerRule
	for _, r := range s.rules {
		if r.TenantID == tenantID && r.Enabled {
			rules = append(rules, *r)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules, nil
}

func (s *MemoryStore) GetRule(ctx context.Context, tenantID, id string) (*models.TriggerRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[scopedKey(tenantID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "trigger rule", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) CreateRule(ctx context.Context, rule *models.TriggerRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rule
	s.rules[scopedKey(rule.TenantID, rule.ID)] = &cp
	return nil
}

func (s *MemoryStore) UpdateRule(ctx context.Context, rule *models.TriggerRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(rule.TenantID, rule.ID)
	if _, ok := s.rules[key]; !ok {
		return &ErrNotFound{Entity: "trigger rule", Key: rule.ID}
	}
	cp := *rule
	s.rules[key] = &cp
	return nil
}

func (s *MemoryStore) ListRuleTenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, r := range s.rules {
		if r.Enabled {
			seen[r.TenantID] = true
		}
	}
	tenants := make([]string, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// ── Alerts ──────────────────────────────────────────────────

func (s *MemoryStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check-then-insert is atomic here because both happen under one lock;
	// the Postgres store enforces the same invariant with a unique index.
	for _, a := range s.alerts {
		if a.TenantID == alert.TenantID && a.RuleID == alert.RuleID && a.Status.Open() {
			return ErrAlertOpen
		}
	}
	cp := *alert
	s.alerts[scopedKey(alert.TenantID, alert.ID)] = &cp
	return nil
}

func (s *MemoryStore) GetAlert(ctx context.Context, tenantID, id string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[scopedKey(tenantID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "alert", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, tenantID string, status models.AlertStatus, limit int) ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var alerts []models.Alert
	for _, a := range s.alerts {
		if a.TenantID != tenantID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		alerts = append(alerts, *a)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

func (s *MemoryStore) UpdateAlertStatus(ctx context.Context, tenantID, id string, status models.AlertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[scopedKey(tenantID, id)]
	if !ok {
		return &ErrNotFound{Entity: "alert", Key: id}
	}
	a.Status = status
	return nil
}

func (s *MemoryStore) OpenAlertExists(ctx context.Context, tenantID, ruleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.alerts {
		if a.TenantID == tenantID && a.RuleID == ruleID && a.Status.Open() {
			return true, nil
		}
	}
	return false, nil
}

// ── Approvals ───────────────────────────────────────────────

func (s *MemoryStore) GetApproval(ctx context.Context, tenantID, id string) (*models.ActionApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.approvals[scopedKey(tenantID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "action approval", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) CreateApproval(ctx context.Context, approval *models.ActionApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *approval
	s.approvals[scopedKey(approval.TenantID, approval.ID)] = &cp
	return nil
}

func (s *MemoryStore) UpdateApproval(ctx context.Context, approval *models.ActionApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(approval.TenantID, approval.ID)
	if _, ok := s.approvals[key]; !ok {
		return &ErrNotFound{Entity: "action approval", Key: approval.ID}
	}
	cp := *approval
	s.approvals[key] = &cp
	return nil
}

// ── Tasks ───────────────────────────────────────────────────

func (s *MemoryStore) GetTaskByApproval(ctx context.Context, tenantID, approvalID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[scopedKey(tenantID, approvalID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "task", Key: approvalID}
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpsertTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *task
	s.tasks[scopedKey(task.TenantID, task.ApprovalID)] = &cp
	return nil
}

// ── Audit Log ───────────────────────────────────────────────

func (s *MemoryStore) AppendAuditEvent(ctx context.Context, approvalID string, event models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit[approvalID] = append(s.audit[approvalID], event)
	return nil
}

func (s *MemoryStore) ListAuditEvents(ctx context.Context, approvalID string) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.audit[approvalID]
	out := make([]models.AuditEvent, len(events))
	copy(out, events)
	return out, nil
}

// ── Metrics ─────────────────────────────────────────────────

func metricKey(tenantID, category, field string) string {
	return tenantID + "/" + category + "/" + field
}

func (s *MemoryStore) RecordMetric(ctx context.Context, tenantID, category, field string, value float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := metricKey(tenantID, category, field)
	rows := append(s.metrics[key], metricRow{at: at.UTC(), value: value})
	sort.Slice(rows, func(i, j int) bool { return rows[i].at.Before(rows[j].at) })
	s.metrics[key] = rows
	return nil
}

func (s *MemoryStore) LatestMetric(ctx context.Context, tenantID, category, field string) (*float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.metrics[metricKey(tenantID, category, field)]
	if len(rows) == 0 {
		return nil, nil
	}
	v := rows[len(rows)-1].value
	return &v, nil
}

func (s *MemoryStore) MetricSeries(ctx context.Context, tenantID, category, field string, since time.Time) ([]models.MetricPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var points []models.MetricPoint
	for _, row := range s.metrics[metricKey(tenantID, category, field)] {
		if row.at.Before(since) {
			continue
		}
		points = append(points, models.MetricPoint{At: row.at, Value: row.value})
	}
	return points, nil
}

func (s *MemoryStore) LatestMetrics(ctx context.Context, tenantID string) (map[string]map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[string]map[string]float64)
	prefix := tenantID + "/"
	for key, rows := range s.metrics {
		if len(rows) == 0 || len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		rest := key[len(prefix):]
		sep := -1
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				sep = i
				break
			}
		}
		if sep < 0 {
			continue
		}
		category, field := rest[:sep], rest[sep+1:]
		if snapshot[category] == nil {
			snapshot[category] = make(map[string]float64)
		}
		snapshot[category][field] = rows[len(rows)-1].value
	}
	return snapshot, nil
}

func (s *MemoryStore) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for key, rows := range s.metrics {
		kept := rows[:0]
		for _, row := range rows {
			if row.at.Before(before) {
				pruned++
				continue
			}
			kept = append(kept, row)
		}
		if len(kept) == 0 {
			delete(s.metrics, key)
			continue
		}
		s.metrics[key] = kept
	}
	return pruned, nil
}

// ── Usage Rollups ───────────────────────────────────────────

func (s *MemoryStore) MergeUsageRollup(ctx context.Context, rollup *models.UsageRollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(rollup.TenantID, rollup.Day)
	existing, ok := s.rollups[key]
	if !ok {
		cp := *rollup
		cp.Metadata = copyMap(rollup.Metadata)
		cp.UpdatedAt = time.Now().UTC()
		s.rollups[key] = &cp
		return nil
	}

	existing.AlertsFired += rollup.AlertsFired
	existing.ActionsExecuted += rollup.ActionsExecuted
	if existing.Metadata == nil {
		existing.Metadata = make(map[string]any)
	}
	for k, v := range rollup.Metadata {
		existing.Metadata[k] = v
	}
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetUsageRollup(ctx context.Context, tenantID, day string) (*models.UsageRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rollups[scopedKey(tenantID, day)]
	if !ok {
		return nil, &ErrNotFound{Entity: "usage rollup", Key: tenantID + "/" + day}
	}
	cp := *r
	cp.Metadata = copyMap(r.Metadata)
	return &cp, nil
}

// ── Dead Letters ────────────────────────────────────────────

func (s *MemoryStore) CreateDeadLetter(ctx context.Context, record *models.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadLetters = append(s.deadLetters, *record)
	return nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]models.DeadLetterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []models.DeadLetterRecord
	for i := len(s.deadLetters) - 1; i >= 0; i-- {
		rec := s.deadLetters[i]
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

// ── Notification Channels ───────────────────────────────────

func (s *MemoryStore) ListChannels(ctx context.Context, tenantID string) ([]models.NotificationChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var channels []models.NotificationChannel
	for _, ch := range s.channels {
		if ch.TenantID == tenantID {
			channels = append(channels, *ch)
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	return channels, nil
}

func (s *MemoryStore) CreateChannel(ctx context.Context, channel *models.NotificationChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *channel
	s.channels[scopedKey(channel.TenantID, channel.ID)] = &cp
	return nil
}

func (s *MemoryStore) DeleteChannel(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(tenantID, id)
	if _, ok := s.channels[key]; !ok {
		return &ErrNotFound{Entity: "notification channel", Key: id}
	}
	delete(s.channels, key)
	return nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
