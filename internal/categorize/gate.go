package categorize

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mailflow/internal/actions"
	"github.com/nhle/mailflow/internal/classifier"
	"github.com/nhle/mailflow/internal/metrics"
	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/store"
)

// ErrQuotaExceeded marks a skip because the user's monthly quota is used
// up. It is an outcome, not a failure.
var ErrQuotaExceeded = errors.New("monthly categorization quota reached")

// Outcome is the result of running the gate on one email.
type Outcome string

const (
	OutcomeCategorized Outcome = "categorized"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFailed      Outcome = "failed"
)

// Decision is the gate's verdict for one email.
type Decision struct {
	EmailID  string
	Category string
	Outcome  Outcome
	Action   model.Action

	// Err explains a skip or failure.
	Err error
}

// Summary aggregates a CategorizePending run.
type Summary struct {
	Processed      int `json:"processed"`
	Categorized    int `json:"categorized"`
	Skipped        int `json:"skipped"`
	Failed         int `json:"failed"`
	ActionsApplied int `json:"actions_applied"`
	ActionsFailed  int `json:"actions_failed"`
}

// ActionApplier carries out the user's per-category actions.
type ActionApplier interface {
	ApplyAll(ctx context.Context, items []actions.Item) actions.Result
}

// QuotaFunc returns the monthly quota for a billing plan.
type QuotaFunc func(plan string) int

// Gate classifies emails while a user's monthly counter is under quota.
type Gate struct {
	store      store.Store
	classifier classifier.Classifier
	quota      QuotaFunc
	actions    ActionApplier
	logger     zerolog.Logger
}

// NewGate creates a Gate. applier may be nil to skip actions.
func NewGate(
	s store.Store,
	c classifier.Classifier,
	quota QuotaFunc,
	applier ActionApplier,
	logger zerolog.Logger,
) *Gate {
	return &Gate{
		store:      s,
		classifier: c,
		quota:      quota,
		actions:    applier,
		logger:     logger.With().Str("component", "categorize").Logger(),
	}
}

// MaybeCategorize classifies e when the user has quota left. A classifier
// error leaves the category null. On success the in-memory settings
// counter is advanced to match the store.
func (g *Gate) MaybeCategorize(ctx context.Context, e *model.Email, settings *model.UserSettings) Decision {
	d := g.decide(ctx, e, settings)
	metrics.RecordCategorization(string(d.Outcome))
	return d
}

func (g *Gate) decide(ctx context.Context, e *model.Email, settings *model.UserSettings) Decision {
	d := Decision{EmailID: e.ID}
	log := g.logger.With().Str("email_id", e.ID).Str("user_id", settings.UserID).Logger()

	if e.Category != nil {
		d.Outcome = OutcomeSkipped
		d.Category = *e.Category
		d.Err = store.ErrAlreadyCategorized
		return d
	}

	quota := g.quota(settings.Plan)
	if settings.EmailsSinceReset >= quota {
		d.Outcome = OutcomeSkipped
		d.Err = ErrQuotaExceeded
		return d
	}

	label, err := g.classifier.Classify(ctx, classifier.Input{
		Subject:     model.Deref(e.Subject),
		From:        model.Deref(e.FromAddress),
		Body:        body(e),
		WorkProfile: settings.WorkProfile,
	})
	if err != nil {
		log.Warn().Err(err).Msg("classifier failed, leaving email uncategorized")
		d.Outcome = OutcomeFailed
		d.Err = err
		return d
	}
	if !model.IsCategory(label) {
		label = model.CategoryUncategorizable
	}

	ok, err := g.store.ApplyCategory(ctx, e.ID, settings.UserID, label, quota)
	switch {
	case errors.Is(err, store.ErrAlreadyCategorized):
		d.Outcome = OutcomeSkipped
		d.Err = err
		return d
	case err != nil:
		log.Error().Err(err).Msg("persisting category")
		d.Outcome = OutcomeFailed
		d.Err = err
		return d
	case !ok:
		// Another run used the last of the quota.
		settings.EmailsSinceReset = quota
		d.Outcome = OutcomeSkipped
		d.Err = ErrQuotaExceeded
		return d
	}

	settings.EmailsSinceReset++
	e.Category = &label
	d.Category = label
	d.Outcome = OutcomeCategorized
	d.Action = settings.Preference(label).Action
	log.Debug().Str("category", label).Msg("email categorized")
	return d
}

// CategorizePending runs the gate over uncategorized emails matching f,
// then applies the resulting actions. Settings are loaded once per user.
func (g *Gate) CategorizePending(ctx context.Context, f store.UncategorizedFilter) (Summary, error) {
	emails, err := g.store.ListUncategorized(ctx, f)
	if err != nil {
		return Summary{}, fmt.Errorf("listing uncategorized emails: %w", err)
	}

	var (
		summary  Summary
		pending  []actions.Item
		settings = make(map[string]*model.UserSettings)
	)
	for i := range emails {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		e := &emails[i]

		us, ok := settings[e.UserID]
		if !ok {
			us, err = g.store.EnsureUserSettings(ctx, e.UserID)
			if err != nil {
				return summary, fmt.Errorf("loading settings for %s: %w", e.UserID, err)
			}
			settings[e.UserID] = us
		}

		d := g.MaybeCategorize(ctx, e, us)
		summary.Processed++
		switch d.Outcome {
		case OutcomeCategorized:
			summary.Categorized++
			if d.Action != model.ActionNone {
				pending = append(pending, actions.Item{Email: e, Action: d.Action})
			}
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeFailed:
			summary.Failed++
		}
	}

	if g.actions != nil && len(pending) > 0 {
		res := g.actions.ApplyAll(ctx, pending)
		summary.ActionsApplied = res.Applied
		summary.ActionsFailed = res.Failed
	}

	g.logger.Info().
		Int("processed", summary.Processed).
		Int("categorized", summary.Categorized).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("categorization run complete")
	return summary, nil
}

func body(e *model.Email) string {
	if e.BodyText != nil {
		return *e.BodyText
	}
	return model.Deref(e.Preview)
}
