package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sparky9/csuite-engine/internal/store"
	"github.com/sparky9/csuite-engine/pkg/models"
)

// DeadLetterRouter persists jobs that exhausted their retry budget. Records
// are held for operator inspection and never auto-pruned.
type DeadLetterRouter struct {
	store store.DeadLetterStore
}

func NewDeadLetterRouter(st store.DeadLetterStore) *DeadLetterRouter {
	return &DeadLetterRouter{store: st}
}

// Route writes the failed job to the dead-letter store. A store failure is
// logged and swallowed: dead-lettering must never re-raise into the original
// job's completion path.
func (r *DeadLetterRouter) Route(ctx context.Context, job Job, reason error) {
	record := &models.DeadLetterRecord{
		ID:            uuid.NewString(),
		OriginalQueue: job.Queue,
		OriginalJobID: job.ID,
		TenantID:      job.TenantID,
		FailedData:    job.Payload,
		FailureReason: reason.Error(),
		FailedAt:      time.Now().UTC(),
		AttemptsMade:  job.Attempt,
	}
	if err := r.store.CreateDeadLetter(ctx, record); err != nil {
		log.Error().Err(err).
			Str("queue", job.Queue).
			Str("job", job.ID).
			Str("tenant", job.TenantID).
			Msg("dead letter write failed, record lost")
		return
	}
	log.Info().
		Str("queue", job.Queue).
		Str("job", job.ID).
		Str("tenant", job.TenantID).
		Int("attempts", job.Attempt).
		Msg("job dead-lettered")
}
