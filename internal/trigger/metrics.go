package trigger

import (
	"fmt"
	"strings"
)

// metricCategories enumerates the tenant metric namespaces a rule may
// reference.
var metricCategories = map[string]bool{
	"usage":     true,
	"analytics": true,
	"insights":  true,
	"knowledge": true,
}

// ParseMetricKey splits a dotted metric reference like "usage.tokens_used"
// into its category and field, validating the category against the known
// namespaces. The field may itself contain dots.
func ParseMetricKey(key string) (category, field string, err error) {
	category, field, ok := strings.Cut(key, ".")
	if !ok || category == "" || field == "" {
		return "", "", fmt.Errorf("metric key %q is not of the form category.field", key)
	}
	if !metricCategories[category] {
		return "", "", fmt.Errorf("unknown metric category %q in key %q", category, key)
	}
	return category, field, nil
}
