package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sparky9/csuite-engine/internal/store"
)

// Sweeper periodically enqueues one trigger-sweep job per tenant that has at
// least one enabled rule.
type Sweeper struct {
	store      store.TriggerRuleStore
	dispatcher *Dispatcher
	interval   time.Duration
}

func NewSweeper(st store.TriggerRuleStore, dispatcher *Dispatcher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: st, dispatcher: dispatcher, interval: interval}
}

// Run sweeps on a fixed interval until ctx is cancelled. The first sweep
// happens one interval after startup.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("trigger sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("trigger sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce enqueues a sweep job for every tenant with enabled rules and
// returns the number of jobs enqueued.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	tenants, err := s.store.ListRuleTenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep tenant listing failed")
		return 0
	}

	enqueued := 0
	for _, tenant := range tenants {
		_, err := s.dispatcher.Enqueue(ctx, QueueTriggers, Job{
			Kind:     KindTriggerSweep,
			TenantID: tenant,
		})
		if err != nil {
			log.Error().Err(err).Str("tenant", tenant).Msg("sweep enqueue failed")
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		log.Debug().Int("tenants", enqueued).Msg("sweep jobs enqueued")
	}
	return enqueued
}
