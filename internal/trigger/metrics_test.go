package trigger

import "testing"

func TestParseMetricKey(t *testing.T) {
	category, field, err := ParseMetricKey("usage.tokens_used")
	if err != nil {
		t.Fatalf("ParseMetricKey() error = %v", err)
	}
	if category != "usage" || field != "tokens_used" {
		t.Errorf("ParseMetricKey() = %q.%q, want usage.tokens_used", category, field)
	}

	// Dotted fields stay intact past the first separator.
	_, field, err = ParseMetricKey("analytics.revenue.monthly")
	if err != nil {
		t.Fatalf("ParseMetricKey() error = %v", err)
	}
	if field != "revenue.monthly" {
		t.Errorf("field = %q, want revenue.monthly", field)
	}
}

func TestParseMetricKey_Invalid(t *testing.T) {
	for _, key := range []string{"", "usage", "usage.", ".tokens", "billing.total"} {
		if _, _, err := ParseMetricKey(key); err == nil {
			t.Errorf("ParseMetricKey(%q) succeeded, want error", key)
		}
	}
}
