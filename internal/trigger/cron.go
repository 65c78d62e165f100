package trigger

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// cronParser accepts standard five-field cron expressions plus descriptors
// like @hourly and @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ScheduleDue reports whether a cron schedule has a fire time in the window
// (lastRunAt, now]. A nil lastRunAt falls back to one sweep interval before
// now so a freshly created rule does not replay its entire history. All
// matching happens in UTC. A malformed expression logs and never fires.
func ScheduleDue(expr string, lastRunAt *time.Time, now time.Time) bool {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		log.Warn().Err(err).Str("schedule", expr).Msg("unparseable cron expression, skipping")
		return false
	}

	now = now.UTC()
	since := now.Add(-defaultSweepLookback)
	if lastRunAt != nil {
		since = lastRunAt.UTC()
	}
	if !since.Before(now) {
		return false
	}

	next := schedule.Next(since)
	return !next.After(now)
}

// defaultSweepLookback bounds the catch-up window for rules that have never
// run. It matches the default sweep interval.
const defaultSweepLookback = time.Minute
