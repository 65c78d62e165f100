// Package handlers implements the HTTP handlers for the automation engine.
// All handlers go through the Store interface and keep queue submission
// asynchronous: execution requests return 202 with a job id.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sparky9/csuite-engine/internal/api/middleware"
	"github.com/sparky9/csuite-engine/internal/queue"
	"github.com/sparky9/csuite-engine/internal/store"
	"github.com/sparky9/csuite-engine/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.Store
	Dispatcher *queue.Dispatcher
	Sweeper    *queue.Sweeper
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, d *queue.Dispatcher, sw *queue.Sweeper) *Handlers {
	return &Handlers{Store: s, Dispatcher: d, Sweeper: sw}
}

// ── Trigger Rule Handlers ───────────────────────────────────

func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	rules, err := h.Store.ListEnabledRules(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rules == nil {
		rules = []models.TriggerRule{}
	}
	respondJSON(w, http.StatusOK, rules)
}

func (h *Handlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req models.TriggerRule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Type {
	case models.RuleSchedule, models.RuleMetricThreshold, models.RuleAnomaly:
	default:
		respondError(w, http.StatusBadRequest, "unknown rule type")
		return
	}

	tenant := middleware.GetTenantID(r.Context())
	now := time.Now().UTC()
	req.ID = uuid.NewString()
	req.TenantID = tenant
	req.Enabled = true
	req.CreatedAt = now
	req.UpdatedAt = now
	if req.Severity == "" {
		req.Severity = models.SeverityWarning
	}

	if err := h.Store.CreateRule(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("rule", req.ID).Str("type", string(req.Type)).Str("tenant", tenant).Msg("trigger rule created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetRule(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	rule, err := h.Store.GetRule(r.Context(), tenant, chi.URLParam(r, "ruleId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// TriggerSweep enqueues sweep jobs for every tenant with enabled rules.
func (h *Handlers) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	enqueued := h.Sweeper.SweepOnce(r.Context())
	respondJSON(w, http.StatusAccepted, map[string]int{"tenants_enqueued": enqueued})
}

// ── Alert Handlers ──────────────────────────────────────────

func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	status := models.AlertStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	alerts, err := h.Store.ListAlerts(r.Context(), tenant, status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (h *Handlers) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.setAlertStatus(w, r, models.AlertAcknowledged)
}

func (h *Handlers) SnoozeAlert(w http.ResponseWriter, r *http.Request) {
	h.setAlertStatus(w, r, models.AlertSnoozed)
}

func (h *Handlers) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	h.setAlertStatus(w, r, models.AlertResolved)
}

func (h *Handlers) setAlertStatus(w http.ResponseWriter, r *http.Request, status models.AlertStatus) {
	tenant := middleware.GetTenantID(r.Context())
	alertID := chi.URLParam(r, "alertId")
	if err := h.Store.UpdateAlertStatus(r.Context(), tenant, alertID, status); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("alert", alertID).Str("tenant", tenant).Str("status", string(status)).Msg("alert status updated")
	respondJSON(w, http.StatusOK, map[string]string{"id": alertID, "status": string(status)})
}

// ── Approval Handlers ───────────────────────────────────────

func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	approval, err := h.Store.GetApproval(r.Context(), tenant, chi.URLParam(r, "approvalId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, approval)
}

func (h *Handlers) GetApprovalAudit(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	approvalID := chi.URLParam(r, "approvalId")

	// Confirm the approval belongs to the caller before exposing its log.
	if _, err := h.Store.GetApproval(r.Context(), tenant, approvalID); err != nil {
		respondStoreError(w, err)
		return
	}
	events, err := h.Store.ListAuditEvents(r.Context(), approvalID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	encoded, err := models.EncodeAuditLog(events)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(encoded)
}

type executeRequest struct {
	ActorID string `json:"actor_id"`
}

// ExecuteApproval enqueues an execution job for an approved action. The
// orchestrator picks it up from the actions queue.
func (h *Handlers) ExecuteApproval(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	approvalID := chi.URLParam(r, "approvalId")

	var req executeRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	approval, err := h.Store.GetApproval(r.Context(), tenant, approvalID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	jobID, err := h.Dispatcher.Enqueue(r.Context(), queue.QueueActions, queue.Job{
		Kind:     queue.KindActionExecution,
		TenantID: tenant,
		Payload: map[string]any{
			"approval_id": approval.ID,
			"actor_id":    req.ActorID,
		},
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("approval", approval.ID).Str("job", jobID).Str("tenant", tenant).Msg("execution enqueued")
	respondJSON(w, http.StatusAccepted, map[string]string{
		"approval_id": approval.ID,
		"job_id":      jobID,
		"status":      string(approval.Status),
	})
}

// ── Dead Letter Handlers ────────────────────────────────────

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := h.Store.ListDeadLetters(r.Context(), tenant, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.DeadLetterRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// ── Queue Handlers ──────────────────────────────────────────

func (h *Handlers) QueueHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Dispatcher.Health())
}

// ── Usage Handlers ──────────────────────────────────────────

func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	day := chi.URLParam(r, "day")
	rollup, err := h.Store.GetUsageRollup(r.Context(), tenant, day)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rollup)
}

// ── Metric Handlers ─────────────────────────────────────────

type metricIngest struct {
	Category string  `json:"category"`
	Field    string  `json:"field"`
	Value    float64 `json:"value"`
}

func (h *Handlers) RecordMetric(w http.ResponseWriter, r *http.Request) {
	var req metricIngest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Category == "" || req.Field == "" {
		respondError(w, http.StatusBadRequest, "category and field are required")
		return
	}

	tenant := middleware.GetTenantID(r.Context())
	if err := h.Store.RecordMetric(r.Context(), tenant, req.Category, req.Field, req.Value, time.Now().UTC()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// ── Channel Handlers ────────────────────────────────────────

func (h *Handlers) ListChannels(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	channels, err := h.Store.ListChannels(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if channels == nil {
		channels = []models.NotificationChannel{}
	}
	// Never leak signing secrets to API consumers.
	for i := range channels {
		channels[i].Secret = ""
	}
	respondJSON(w, http.StatusOK, channels)
}

func (h *Handlers) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req models.NotificationChannel
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.URL == "" {
		respondError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	if req.Kind == "" {
		req.Kind = models.ChannelWebhook
	}

	tenant := middleware.GetTenantID(r.Context())
	req.ID = uuid.NewString()
	req.TenantID = tenant
	req.Active = true
	req.CreatedAt = time.Now().UTC()

	if err := h.Store.CreateChannel(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("channel", req.Name).Str("tenant", tenant).Msg("notification channel created")
	req.Secret = ""
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	if err := h.Store.DeleteChannel(r.Context(), tenant, chi.URLParam(r, "channelId")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	if store.IsNotFound(err) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
