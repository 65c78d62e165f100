// Package notify dispatches engine events to tenant-registered notification
// channels. The webhook driver ships built in; other kinds plug in via
// RegisterDriver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sparky9/csuite-engine/internal/store"
	"github.com/sparky9/csuite-engine/pkg/models"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened.
type EventType string

const (
	EventAlertFired     EventType = "alert_fired"
	EventActionExecuted EventType = "action_executed"
	EventActionFailed   EventType = "action_failed"
)

// Event is the notification payload posted to channels.
type Event struct {
	Type      EventType      `json:"type"`
	TenantID  string         `json:"tenant_id"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ChannelDriver sends events over one channel kind.
type ChannelDriver interface {
	Kind() models.ChannelKind
	Send(ctx context.Context, channel *models.NotificationChannel, event Event) error
}

// ── Service ─────────────────────────────────────────────────

// Service fans events out to a tenant's active channels. All dispatch is
// best effort; callers never see delivery errors.
type Service struct {
	store   store.ChannelStore
	client  *http.Client
	drivers map[models.ChannelKind]ChannelDriver
	drvMu   sync.RWMutex
}

// NewService creates a notification service with the built-in webhook driver.
func NewService(s store.ChannelStore) *Service {
	svc := &Service{
		store: s,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		drivers: make(map[models.ChannelKind]ChannelDriver),
	}
	svc.RegisterDriver(&WebhookChannelDriver{client: svc.client})
	return svc
}

// RegisterDriver adds or replaces a channel driver for its kind.
func (s *Service) RegisterDriver(driver ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", string(driver.Kind())).Msg("registered notification channel driver")
}

// GetDriver returns the driver for a channel kind, or nil.
func (s *Service) GetDriver(kind models.ChannelKind) ChannelDriver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// ── Dispatch ────────────────────────────────────────────────

// DispatchToChannel sends one event through one channel.
func (s *Service) DispatchToChannel(ctx context.Context, channel *models.NotificationChannel, event Event) models.NotifyResult {
	result := models.NotifyResult{
		Channel:   fmt.Sprintf("%s/%s", channel.Kind, channel.Name),
		Timestamp: time.Now().UTC(),
	}

	if !channel.Active {
		result.Error = fmt.Sprintf("channel %s is inactive", channel.Name)
		return result
	}
	if !channelSubscribes(channel, event.Type) {
		result.Error = fmt.Sprintf("channel %s does not subscribe to %s events", channel.Name, event.Type)
		return result
	}

	driver := s.GetDriver(channel.Kind)
	if driver == nil {
		result.Error = fmt.Sprintf("no driver registered for channel kind %s", channel.Kind)
		log.Warn().Str("kind", string(channel.Kind)).Str("channel", channel.Name).Msg("no channel driver")
		return result
	}

	if err := driver.Send(ctx, channel, event); err != nil {
		result.Error = err.Error()
		log.Warn().Err(err).
			Str("channel", channel.Name).
			Str("kind", string(channel.Kind)).
			Str("event", string(event.Type)).
			Msg("channel notification failed")
		return result
	}

	result.Success = true
	log.Info().
		Str("channel", channel.Name).
		Str("event", string(event.Type)).
		Str("tenant", event.TenantID).
		Msg("notification dispatched")
	return result
}

// DispatchAll sends an event to every matching channel of the tenant,
// concurrently, and collects the per-channel results.
func (s *Service) DispatchAll(ctx context.Context, tenantID string, event Event) []models.NotifyResult {
	channels, err := s.store.ListChannels(ctx, tenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenantID).Msg("failed to list notification channels")
		return nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []models.NotifyResult
	)
	for i := range channels {
		ch := channels[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := s.DispatchToChannel(ctx, &ch, event)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// ── Engine hooks ────────────────────────────────────────────

// AlertFired notifies the tenant's channels of a freshly fired alert.
func (s *Service) AlertFired(ctx context.Context, a *models.Alert) {
	s.DispatchAll(ctx, a.TenantID, Event{
		Type:     EventAlertFired,
		TenantID: a.TenantID,
		Subject:  a.Title,
		Payload: map[string]any{
			"alert_id": a.ID,
			"rule_id":  a.RuleID,
			"severity": string(a.Severity),
			"summary":  a.Summary,
		},
		Timestamp: time.Now().UTC(),
	})
}

// ActionExecuted notifies the tenant's channels of a completed execution.
func (s *Service) ActionExecuted(ctx context.Context, approval *models.ActionApproval, durationMs int64) {
	s.DispatchAll(ctx, approval.TenantID, Event{
		Type:     EventActionExecuted,
		TenantID: approval.TenantID,
		Subject:  approval.ModuleSlug + "/" + approval.Capability,
		Payload: map[string]any{
			"approval_id": approval.ID,
			"duration_ms": durationMs,
		},
		Timestamp: time.Now().UTC(),
	})
}

// ActionFailed notifies the tenant's channels of a failed execution.
func (s *Service) ActionFailed(ctx context.Context, approval *models.ActionApproval, reason string) {
	s.DispatchAll(ctx, approval.TenantID, Event{
		Type:     EventActionFailed,
		TenantID: approval.TenantID,
		Subject:  approval.ModuleSlug + "/" + approval.Capability,
		Payload: map[string]any{
			"approval_id": approval.ID,
			"error":       reason,
		},
		Timestamp: time.Now().UTC(),
	})
}

func channelSubscribes(ch *models.NotificationChannel, eventType EventType) bool {
	if len(ch.Events) == 0 {
		return true // empty means "all events"
	}
	for _, e := range ch.Events {
		if e == string(eventType) || e == "*" {
			return true
		}
	}
	return false
}

// ── Webhook Channel Driver ──────────────────────────────────

// WebhookChannelDriver posts events as JSON to a webhook URL with optional
// HMAC-SHA256 signing.
type WebhookChannelDriver struct {
	client *http.Client
}

// Kind returns ChannelWebhook.
func (d *WebhookChannelDriver) Kind() models.ChannelKind {
	return models.ChannelWebhook
}

// Send posts the event to the channel's URL, retrying up to 3 times.
func (d *WebhookChannelDriver) Send(ctx context.Context, channel *models.NotificationChannel, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var signature string
	if channel.Secret != "" {
		mac := hmac.New(sha256.New, []byte(channel.Secret))
		mac.Write(body)
		signature = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "CSuite-Webhook/1.0")
		req.Header.Set("X-CSuite-Event", string(event.Type))
		req.Header.Set("X-CSuite-Tenant", event.TenantID)
		if signature != "" {
			req.Header.Set("X-CSuite-Signature", signature)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, channel.URL)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
