package classifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/nhle/mailflow/internal/metrics"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("classifier temporarily unavailable")

// Guard applies the classifier's rate budget and a circuit breaker in front
// of a provider.
type Guard struct {
	next     Classifier
	provider string
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

// NewGuard wraps next. ratePerMinute <= 0 disables the rate budget.
func NewGuard(next Classifier, provider string, ratePerMinute int, logger zerolog.Logger) *Guard {
	limit := rate.Inf
	burst := 1
	if ratePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(ratePerMinute))
		burst = max(1, ratePerMinute/10)
	}
	logger = logger.With().Str("component", "classifier").Str("provider", provider).Logger()

	settings := gobreaker.Settings{
		Name:        "classifier-" + provider,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || clientError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("classifier breaker state changed")
		},
	}

	return &Guard{
		next:     next,
		provider: provider,
		limiter:  rate.NewLimiter(limit, burst),
		cb:       gobreaker.NewCircuitBreaker(settings),
		logger:   logger,
	}
}

// Classify waits for rate budget, then calls the provider through the
// breaker.
func (g *Guard) Classify(ctx context.Context, in Input) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for classifier budget: %w", err)
	}

	start := time.Now()
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.Classify(ctx, in)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.RecordClassifierCall(g.provider, "rejected", time.Since(start))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		metrics.RecordClassifierCall(g.provider, "error", time.Since(start))
		return "", err
	}
	metrics.RecordClassifierCall(g.provider, "ok", time.Since(start))
	return out.(string), nil
}

// State returns the breaker state name.
func (g *Guard) State() string {
	return g.cb.State().String()
}
