package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailflow/internal/metrics"
	"github.com/nhle/mailflow/internal/store"
)

const (
	DefaultHorizonDays = 14
	DefaultBatchSize   = 1000
)

// Result reports a purge run.
type Result struct {
	Deleted int64 `json:"deleted"`
	Batches int   `json:"batches"`
}

// Purger deletes emails older than the retention horizon.
type Purger struct {
	store     store.Store
	horizon   time.Duration
	batchSize int
	now       func() time.Time
	logger    zerolog.Logger
}

// NewPurger creates a Purger. Non-positive values fall back to the
// defaults.
func NewPurger(s store.Store, horizonDays, batchSize int, logger zerolog.Logger) *Purger {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Purger{
		store:     s,
		horizon:   time.Duration(horizonDays) * 24 * time.Hour,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger.With().Str("component", "retention").Logger(),
	}
}

// Purge deletes in batches until a batch comes back short. A failed batch
// aborts the run; batches already deleted stay deleted.
func (p *Purger) Purge(ctx context.Context) (Result, error) {
	cutoff := p.now().UTC().Add(-p.horizon)
	var res Result

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := p.store.DeleteEmailsBefore(ctx, cutoff, p.batchSize)
		if err != nil {
			p.logger.Error().Err(err).
				Int("batch", res.Batches+1).
				Int64("deleted", res.Deleted).
				Msg("purge batch failed, aborting")
			return res, fmt.Errorf("purge batch %d: %w", res.Batches+1, err)
		}
		res.Batches++
		res.Deleted += n
		metrics.RecordPurged(n)

		if n < int64(p.batchSize) {
			break
		}
	}

	p.logger.Info().
		Time("cutoff", cutoff).
		Int64("deleted", res.Deleted).
		Int("batches", res.Batches).
		Msg("purge complete")
	return res, nil
}
