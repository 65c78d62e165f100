package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/sparky9/csuite-engine/pkg/models"
)

// pgQuerier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same query methods serve both pooled and transactional stores.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the pgx-backed Store implementation. The open-alert
// debounce is enforced by a partial unique index rather than check-then-insert.
type PostgresStore struct {
	db   pgQuerier
	pool *pgxpool.Pool // nil inside a transaction
}

// NewPostgresStore connects to PostgreSQL, verifies the connection, and runs
// migrations.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{db: pool, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS trigger_rules (
			id                TEXT NOT NULL,
			tenant_id         TEXT NOT NULL,
			name              TEXT NOT NULL DEFAULT '',
			type              TEXT NOT NULL,
			enabled           BOOLEAN NOT NULL DEFAULT TRUE,
			schedule          TEXT NOT NULL DEFAULT '',
			metric_key        TEXT NOT NULL DEFAULT '',
			threshold         DOUBLE PRECISION NOT NULL DEFAULT 0,
			window_days       INT NOT NULL DEFAULT 0,
			filter            TEXT NOT NULL DEFAULT '',
			severity          TEXT NOT NULL DEFAULT 'warning',
			last_run_at       TIMESTAMPTZ,
			last_triggered_at TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id         TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			rule_id    TEXT NOT NULL,
			type       TEXT NOT NULL,
			severity   TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			summary    TEXT NOT NULL DEFAULT '',
			payload    JSONB NOT NULL DEFAULT '{}',
			status     TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_open_per_rule
			ON alerts (tenant_id, rule_id)
			WHERE status IN ('pending', 'snoozed');

		CREATE TABLE IF NOT EXISTS action_approvals (
			id          TEXT NOT NULL,
			tenant_id   TEXT NOT NULL,
			module_slug TEXT NOT NULL DEFAULT '',
			capability  TEXT NOT NULL DEFAULT '',
			payload     JSONB NOT NULL DEFAULT '{}',
			status      TEXT NOT NULL DEFAULT 'approved',
			approved_by TEXT NOT NULL DEFAULT '',
			created_by  TEXT NOT NULL DEFAULT '',
			executed_at TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT NOT NULL,
			tenant_id   TEXT NOT NULL,
			approval_id TEXT NOT NULL,
			job_id      TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'pending',
			result      JSONB,
			error       TEXT NOT NULL DEFAULT '',
			started_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			PRIMARY KEY (tenant_id, approval_id)
		);

		CREATE TABLE IF NOT EXISTS audit_events (
			seq         BIGSERIAL PRIMARY KEY,
			approval_id TEXT NOT NULL,
			event       JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_approval ON audit_events (approval_id, seq);

		CREATE TABLE IF NOT EXISTS tenant_metrics (
			tenant_id   TEXT NOT NULL,
			category    TEXT NOT NULL,
			field       TEXT NOT NULL,
			value       DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tenant_metrics_lookup
			ON tenant_metrics (tenant_id, category, field, recorded_at);

		CREATE TABLE IF NOT EXISTS usage_rollups (
			tenant_id        TEXT NOT NULL,
			day              TEXT NOT NULL,
			alerts_fired     BIGINT NOT NULL DEFAULT 0,
			actions_executed BIGINT NOT NULL DEFAULT 0,
			metadata         JSONB NOT NULL DEFAULT '{}',
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, day)
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id             TEXT PRIMARY KEY,
			original_queue TEXT NOT NULL,
			original_job   TEXT NOT NULL,
			tenant_id      TEXT NOT NULL,
			failed_data    JSONB,
			failure_reason TEXT NOT NULL DEFAULT '',
			failed_at      TIMESTAMPTZ NOT NULL,
			attempts_made  INT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS notification_channels (
			id         TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			name       TEXT NOT NULL,
			kind       TEXT NOT NULL,
			url        TEXT NOT NULL DEFAULT '',
			secret     TEXT NOT NULL DEFAULT '',
			events     JSONB NOT NULL DEFAULT '[]',
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		);
	`
	_, err := s.db.Exec(ctx, ddl)
	return err
}

// WithTx runs fn inside a single database transaction. Calling WithTx on a
// transactional store runs fn directly (no nesting).
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ── Trigger Rules ───────────────────────────────────────────

const ruleColumns = `id, tenant_id, name, type, enabled, schedule, metric_key,
	threshold, window_days, filter, severity, last_run_at, last_triggered_at,
	created_at, updated_at`

func scanRule(row pgx.Row) (*models.TriggerRule, error) {
	var r models.TriggerRule
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Type, &r.Enabled, &r.Schedule,
		&r.MetricKey, &r.Threshold, &r.WindowDays, &r.Filter, &r.Severity,
		&r.LastRunAt, &r.LastTriggeredAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListEnabledRules(ctx context.Context, tenantID string) ([]models.TriggerRule, error) {
	rows, err := s.db.Query(ctx, `SELECT `+ruleColumns+` FROM trigger_rules
		WHERE tenant_id = $1 AND enabled ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []models.TriggerRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) GetRule(ctx context.Context, tenantID, id string) (*models.TriggerRule, error) {
	r, err := scanRule(s.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM trigger_rules
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "trigger rule", Key: id}
	}
	return r, err
}

func (s *PostgresStore) CreateRule(ctx context.Context, rule *models.TriggerRule) error {
	_, err := s.db.Exec(ctx, `INSERT INTO trigger_rules (`+ruleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		rule.ID, rule.TenantID, rule.Name, rule.Type, rule.Enabled, rule.Schedule,
		rule.MetricKey, rule.Threshold, rule.WindowDays, rule.Filter, rule.Severity,
		rule.LastRunAt, rule.LastTriggeredAt, rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateRule(ctx context.Context, rule *models.TriggerRule) error {
	tag, err := s.db.Exec(ctx, `UPDATE trigger_rules SET name=$3, type=$4, enabled=$5,
		schedule=$6, metric_key=$7, threshold=$8, window_days=$9, filter=$10,
		severity=$11, last_run_at=$12, last_triggered_at=$13, updated_at=NOW()
		WHERE tenant_id=$1 AND id=$2`,
		rule.TenantID, rule.ID, rule.Name, rule.Type, rule.Enabled, rule.Schedule,
		rule.MetricKey, rule.Threshold, rule.WindowDays, rule.Filter, rule.Severity,
		rule.LastRunAt, rule.LastTriggeredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "trigger rule", Key: rule.ID}
	}
	return nil
}

func (s *PostgresStore) ListRuleTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT tenant_id FROM trigger_rules WHERE enabled ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list rule tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// ── Alerts ──────────────────────────────────────────────────

func (s *PostgresStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	payload, err := json.Marshal(orEmpty(alert.Payload))
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO alerts
		(id, tenant_id, rule_id, type, severity, title, summary, payload, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		alert.ID, alert.TenantID, alert.RuleID, alert.Type, alert.Severity,
		alert.Title, alert.Summary, payload, alert.Status, alert.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlertOpen
	}
	return err
}

func scanAlert(row pgx.Row) (*models.Alert, error) {
	var a models.Alert
	var payload []byte
	err := row.Scan(&a.ID, &a.TenantID, &a.RuleID, &a.Type, &a.Severity,
		&a.Title, &a.Summary, &payload, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal alert payload: %w", err)
		}
	}
	return &a, nil
}

const alertColumns = `id, tenant_id, rule_id, type, severity, title, summary, payload, status, created_at`

func (s *PostgresStore) GetAlert(ctx context.Context, tenantID, id string) (*models.Alert, error) {
	a, err := scanAlert(s.db.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "alert", Key: id}
	}
	return a, err
}

func (s *PostgresStore) ListAlerts(ctx context.Context, tenantID string, status models.AlertStatus, limit int) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = $1`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, normalizeLimit(limit))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, tenantID, id string, status models.AlertStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE alerts SET status = $3 WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "alert", Key: id}
	}
	return nil
}

func (s *PostgresStore) OpenAlertExists(ctx context.Context, tenantID, ruleID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts
		WHERE tenant_id = $1 AND rule_id = $2 AND status IN ('pending','snoozed'))`,
		tenantID, ruleID).Scan(&exists)
	return exists, err
}

// ── Approvals ───────────────────────────────────────────────

const approvalColumns = `id, tenant_id, module_slug, capability, payload, status,
	approved_by, created_by, executed_at, created_at, updated_at`

func (s *PostgresStore) GetApproval(ctx context.Context, tenantID, id string) (*models.ActionApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM action_approvals
		WHERE tenant_id = $1 AND id = $2`
	// Inside WithTx the read is a claim: the row stays locked until the
	// orchestrator's state transition commits. Pooled reads are lock-free.
	if s.pool == nil {
		query += ` FOR UPDATE`
	}

	var a models.ActionApproval
	var payload []byte
	err := s.db.QueryRow(ctx, query, tenantID, id).Scan(
		&a.ID, &a.TenantID, &a.ModuleSlug, &a.Capability, &payload, &a.Status,
		&a.ApprovedBy, &a.CreatedBy, &a.ExecutedAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "action approval", Key: id}
	}
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal approval payload: %w", err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) CreateApproval(ctx context.Context, approval *models.ActionApproval) error {
	payload, err := json.Marshal(orEmpty(approval.Payload))
	if err != nil {
		return fmt.Errorf("marshal approval payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO action_approvals (`+approvalColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		approval.ID, approval.TenantID, approval.ModuleSlug, approval.Capability,
		payload, approval.Status, approval.ApprovedBy, approval.CreatedBy,
		approval.ExecutedAt, approval.CreatedAt, approval.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateApproval(ctx context.Context, approval *models.ActionApproval) error {
	tag, err := s.db.Exec(ctx, `UPDATE action_approvals SET status=$3, executed_at=$4,
		updated_at=NOW() WHERE tenant_id=$1 AND id=$2`,
		approval.TenantID, approval.ID, approval.Status, approval.ExecutedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "action approval", Key: approval.ID}
	}
	return nil
}

// ── Tasks ───────────────────────────────────────────────────

func (s *PostgresStore) GetTaskByApproval(ctx context.Context, tenantID, approvalID string) (*models.Task, error) {
	var t models.Task
	var result []byte
	err := s.db.QueryRow(ctx, `SELECT id, tenant_id, approval_id, job_id, status, result,
		error, started_at, finished_at FROM tasks WHERE tenant_id = $1 AND approval_id = $2`,
		tenantID, approvalID).Scan(&t.ID, &t.TenantID, &t.ApprovalID, &t.JobID,
		&t.Status, &result, &t.Error, &t.StartedAt, &t.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "task", Key: approvalID}
	}
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal task result: %w", err)
		}
	}
	return &t, nil
}

func (s *PostgresStore) UpsertTask(ctx context.Context, task *models.Task) error {
	var result any
	if task.Result != nil {
		b, err := json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("marshal task result: %w", err)
		}
		result = b
	}
	_, err := s.db.Exec(ctx, `INSERT INTO tasks
		(id, tenant_id, approval_id, job_id, status, result, error, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, approval_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		task.ID, task.TenantID, task.ApprovalID, task.JobID, task.Status,
		result, task.Error, task.StartedAt, task.FinishedAt)
	return err
}

// ── Audit Log ───────────────────────────────────────────────

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, approvalID string, event models.AuditEvent) error {
	encoded, err := models.EncodeAuditEvent(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO audit_events (approval_id, event) VALUES ($1, $2)`,
		approvalID, encoded)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, approvalID string) ([]models.AuditEvent, error) {
	rows, err := s.db.Query(ctx, `SELECT event FROM audit_events
		WHERE approval_id = $1 ORDER BY seq`, approvalID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		ev, err := models.DecodeAuditEvent(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ── Metrics ─────────────────────────────────────────────────

func (s *PostgresStore) RecordMetric(ctx context.Context, tenantID, category, field string, value float64, at time.Time) error {
	_, err := s.db.Exec(ctx, `INSERT INTO tenant_metrics
		(tenant_id, category, field, value, recorded_at) VALUES ($1,$2,$3,$4,$5)`,
		tenantID, category, field, value, at.UTC())
	return err
}

func (s *PostgresStore) LatestMetric(ctx context.Context, tenantID, category, field string) (*float64, error) {
	var v float64
	err := s.db.QueryRow(ctx, `SELECT value FROM tenant_metrics
		WHERE tenant_id = $1 AND category = $2 AND field = $3
		ORDER BY recorded_at DESC LIMIT 1`, tenantID, category, field).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) MetricSeries(ctx context.Context, tenantID, category, field string, since time.Time) ([]models.MetricPoint, error) {
	rows, err := s.db.Query(ctx, `SELECT recorded_at, value FROM tenant_metrics
		WHERE tenant_id = $1 AND category = $2 AND field = $3 AND recorded_at >= $4
		ORDER BY recorded_at`, tenantID, category, field, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("metric series: %w", err)
	}
	defer rows.Close()

	var points []models.MetricPoint
	for rows.Next() {
		var p models.MetricPoint
		if err := rows.Scan(&p.At, &p.Value); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *PostgresStore) LatestMetrics(ctx context.Context, tenantID string) (map[string]map[string]float64, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT ON (category, field) category, field, value
		FROM tenant_metrics WHERE tenant_id = $1
		ORDER BY category, field, recorded_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("latest metrics: %w", err)
	}
	defer rows.Close()

	snapshot := make(map[string]map[string]float64)
	for rows.Next() {
		var category, field string
		var value float64
		if err := rows.Scan(&category, &field, &value); err != nil {
			return nil, err
		}
		if snapshot[category] == nil {
			snapshot[category] = make(map[string]float64)
		}
		snapshot[category][field] = value
	}
	return snapshot, rows.Err()
}

func (s *PostgresStore) PruneMetrics(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM tenant_metrics WHERE recorded_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Usage Rollups ───────────────────────────────────────────

func (s *PostgresStore) MergeUsageRollup(ctx context.Context, rollup *models.UsageRollup) error {
	metadata, err := json.Marshal(orEmpty(rollup.Metadata))
	if err != nil {
		return fmt.Errorf("marshal rollup metadata: %w", err)
	}
	// jsonb || is a shallow merge: EXCLUDED keys overwrite, others survive.
	_, err = s.db.Exec(ctx, `INSERT INTO usage_rollups
		(tenant_id, day, alerts_fired, actions_executed, metadata, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (tenant_id, day) DO UPDATE SET
			alerts_fired = usage_rollups.alerts_fired + EXCLUDED.alerts_fired,
			actions_executed = usage_rollups.actions_executed + EXCLUDED.actions_executed,
			metadata = usage_rollups.metadata || EXCLUDED.metadata,
			updated_at = NOW()`,
		rollup.TenantID, rollup.Day, rollup.AlertsFired, rollup.ActionsExecuted, metadata)
	return err
}

func (s *PostgresStore) GetUsageRollup(ctx context.Context, tenantID, day string) (*models.UsageRollup, error) {
	var r models.UsageRollup
	var metadata []byte
	err := s.db.QueryRow(ctx, `SELECT tenant_id, day, alerts_fired, actions_executed,
		metadata, updated_at FROM usage_rollups WHERE tenant_id = $1 AND day = $2`,
		tenantID, day).Scan(&r.TenantID, &r.Day, &r.AlertsFired, &r.ActionsExecuted,
		&metadata, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "usage rollup", Key: tenantID + "/" + day}
	}
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal rollup metadata: %w", err)
		}
	}
	return &r, nil
}

// ── Dead Letters ────────────────────────────────────────────

func (s *PostgresStore) CreateDeadLetter(ctx context.Context, record *models.DeadLetterRecord) error {
	data, err := json.Marshal(orEmpty(record.FailedData))
	if err != nil {
		return fmt.Errorf("marshal dead letter data: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO dead_letters
		(id, original_queue, original_job, tenant_id, failed_data, failure_reason, failed_at, attempts_made)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		record.ID, record.OriginalQueue, record.OriginalJobID, record.TenantID,
		data, record.FailureReason, record.FailedAt, record.AttemptsMade)
	return err
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]models.DeadLetterRecord, error) {
	query := `SELECT id, original_queue, original_job, tenant_id, failed_data,
		failure_reason, failed_at, attempts_made FROM dead_letters`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += fmt.Sprintf(` ORDER BY failed_at DESC LIMIT %d`, normalizeLimit(limit))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var records []models.DeadLetterRecord
	for rows.Next() {
		var rec models.DeadLetterRecord
		var data []byte
		if err := rows.Scan(&rec.ID, &rec.OriginalQueue, &rec.OriginalJobID, &rec.TenantID,
			&data, &rec.FailureReason, &rec.FailedAt, &rec.AttemptsMade); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &rec.FailedData); err != nil {
				return nil, fmt.Errorf("unmarshal dead letter data: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ── Notification Channels ───────────────────────────────────

func (s *PostgresStore) ListChannels(ctx context.Context, tenantID string) ([]models.NotificationChannel, error) {
	rows, err := s.db.Query(ctx, `SELECT id, tenant_id, name, kind, url, secret, events,
		active, created_at FROM notification_channels WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []models.NotificationChannel
	for rows.Next() {
		var ch models.NotificationChannel
		var events []byte
		if err := rows.Scan(&ch.ID, &ch.TenantID, &ch.Name, &ch.Kind, &ch.URL,
			&ch.Secret, &events, &ch.Active, &ch.CreatedAt); err != nil {
			return nil, err
		}
		if len(events) > 0 {
			if err := json.Unmarshal(events, &ch.Events); err != nil {
				return nil, fmt.Errorf("unmarshal channel events: %w", err)
			}
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func (s *PostgresStore) CreateChannel(ctx context.Context, channel *models.NotificationChannel) error {
	events, err := json.Marshal(channel.Events)
	if err != nil {
		return fmt.Errorf("marshal channel events: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO notification_channels
		(id, tenant_id, name, kind, url, secret, events, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		channel.ID, channel.TenantID, channel.Name, channel.Kind, channel.URL,
		channel.Secret, events, channel.Active, channel.CreatedAt)
	return err
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, tenantID, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM notification_channels
		WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "notification channel", Key: id}
	}
	return nil
}

// ── Helpers ─────────────────────────────────────────────────

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
