package categorize

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailflow/internal/store"
)

// ResetSummary reports a monthly reset run.
type ResetSummary struct {
	UsersReset  int `json:"users_reset"`
	UsersFailed int `json:"users_failed"`
}

// Resetter zeroes monthly categorization counters.
type Resetter struct {
	store  store.Store
	now    func() time.Time
	logger zerolog.Logger
}

// NewResetter creates a Resetter.
func NewResetter(s store.Store, logger zerolog.Logger) *Resetter {
	return &Resetter{
		store:  s,
		now:    time.Now,
		logger: logger.With().Str("component", "quota_reset").Logger(),
	}
}

// ResetMonthlyCounters resets every user whose last reset is more than one
// calendar month old, or who was never reset. Each user is stamped with
// its own clock reading.
func (r *Resetter) ResetMonthlyCounters(ctx context.Context) (ResetSummary, error) {
	cutoff := r.now().UTC().AddDate(0, -1, 0)
	users, err := r.store.ListUsersDueForReset(ctx, cutoff)
	if err != nil {
		return ResetSummary{}, fmt.Errorf("listing users due for reset: %w", err)
	}

	var summary ResetSummary
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		ok, err := r.store.ResetCategorizationCounter(ctx, userID, cutoff, r.now().UTC())
		if err != nil {
			summary.UsersFailed++
			r.logger.Error().Err(err).Str("user_id", userID).Msg("resetting counter")
			continue
		}
		if ok {
			summary.UsersReset++
		}
	}

	r.logger.Info().Int("reset", summary.UsersReset).Int("failed", summary.UsersFailed).Msg("monthly reset complete")
	return summary, nil
}
