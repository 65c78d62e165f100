package models_test

import (
	"strings"
	"testing"
	"time"

	"github.com/sparky9/csuite-engine/pkg/models"
)

func TestAuditEventRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	cases := []struct {
		name  string
		event models.AuditEvent
	}{
		{"requested", models.RequestedEvent{Actor: "ceo", Reason: "quarterly sync", At: at}},
		{"executing", models.ExecutingEvent{Actor: "system", TaskID: "t1", JobID: "j1", At: at}},
		{"completed", models.CompletedEvent{
			Actor: "system", TaskID: "t1", PayloadHash: "deadbeef",
			ModuleSlug: "crm", Capability: "contact.sync", DurationMs: 120, At: at,
		}},
		{"failed", models.FailedEvent{Actor: "system", TaskID: "t1", Error: "upstream 502", At: at}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := models.EncodeAuditEvent(tc.event)
			if err != nil {
				t.Fatalf("EncodeAuditEvent() error = %v", err)
			}
			if !strings.Contains(string(data), `"event":"`+tc.name+`"`) {
				t.Errorf("wire form %s missing discriminator %q", data, tc.name)
			}

			got, err := models.DecodeAuditEvent(data)
			if err != nil {
				t.Fatalf("DecodeAuditEvent() error = %v", err)
			}
			if got != tc.event {
				t.Errorf("round trip = %+v, want %+v", got, tc.event)
			}
		})
	}
}

func TestAuditLogRoundTrip_PreservesOrder(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	log := []models.AuditEvent{
		models.RequestedEvent{Actor: "ceo", At: at},
		models.ExecutingEvent{Actor: "system", TaskID: "t1", At: at.Add(time.Second)},
		models.FailedEvent{Actor: "system", TaskID: "t1", Error: "timeout", At: at.Add(2 * time.Second)},
		models.ExecutingEvent{Actor: "system", TaskID: "t2", At: at.Add(time.Minute)},
		models.CompletedEvent{Actor: "system", TaskID: "t2", PayloadHash: "abc", At: at.Add(time.Minute + time.Second)},
	}

	data, err := models.EncodeAuditLog(log)
	if err != nil {
		t.Fatalf("EncodeAuditLog() error = %v", err)
	}
	got, err := models.DecodeAuditLog(data)
	if err != nil {
		t.Fatalf("DecodeAuditLog() error = %v", err)
	}
	if len(got) != len(log) {
		t.Fatalf("len(decoded) = %d, want %d", len(got), len(log))
	}
	for i := range log {
		if got[i] != log[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], log[i])
		}
	}
}

func TestDecodeAuditEvent_UnknownType(t *testing.T) {
	if _, err := models.DecodeAuditEvent([]byte(`{"event":"rebooted","at":"2026-03-14T09:26:53Z"}`)); err == nil {
		t.Error("DecodeAuditEvent() accepted an unknown event type")
	}
}

func TestDecodeAuditLog_Malformed(t *testing.T) {
	if _, err := models.DecodeAuditLog([]byte(`{"not":"an array"}`)); err == nil {
		t.Error("DecodeAuditLog() accepted a non-array document")
	}
}
