// Package retention bounds the growth of the tenant metric time series.
// Alerts, audit events, and dead letters are deliberately exempt: the audit
// log is append-only and dead letters are never auto-pruned.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sparky9/csuite-engine/internal/store"
)

// DefaultRetentionDays keeps comfortably more history than the widest
// anomaly lookback window.
const DefaultRetentionDays = 90

// Janitor periodically prunes metric points past the retention window.
type Janitor struct {
	store         store.MetricStore
	interval      time.Duration
	retentionDays int
}

// NewJanitor creates a janitor that prunes on the given interval.
func NewJanitor(s store.MetricStore, interval time.Duration, retentionDays int) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Janitor{store: s, interval: interval, retentionDays: retentionDays}
}

// Start runs the janitor until ctx is cancelled. One cycle runs immediately
// on startup.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("retention_days", j.retentionDays).
		Msg("metric retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("metric retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one prune pass and returns how many points were removed.
func (j *Janitor) RunCycle(ctx context.Context) int64 {
	cutoff := time.Now().UTC().AddDate(0, 0, -j.retentionDays)
	pruned, err := j.store.PruneMetrics(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("metric prune cycle failed")
		return 0
	}
	if pruned > 0 {
		log.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("metric prune cycle complete")
	}
	return pruned
}
