package digest

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailflow/internal/account"
	"github.com/nhle/mailflow/internal/metrics"
	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/source"
	"github.com/nhle/mailflow/internal/store"
)

// DefaultWindowDays is how far back a digest looks.
const DefaultWindowDays = 7

// CredentialResolver produces connection credentials for an account.
type CredentialResolver interface {
	Resolve(ctx context.Context, a *model.EmailAccount) (source.Credentials, error)
}

// Summary aggregates a run over all users.
type Summary struct {
	UsersProcessed int `json:"users_processed"`
	UsersFailed    int `json:"users_failed"`
	DigestsSent    int `json:"digests_sent"`
}

// UserResult reports one user's digests.
type UserResult struct {
	UserID     string   `json:"user_id"`
	Categories []string `json:"categories"`
	Sent       int      `json:"sent"`
}

// Composer builds and sends weekly per-category digests.
type Composer struct {
	store     store.Store
	connector source.Connector
	resolver  CredentialResolver
	window    time.Duration
	workers   int
	now       func() time.Time
	logger    zerolog.Logger
}

// NewComposer creates a Composer.
func NewComposer(
	s store.Store,
	c source.Connector,
	r CredentialResolver,
	windowDays, workers int,
	logger zerolog.Logger,
) *Composer {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	if workers <= 0 {
		workers = 1
	}
	return &Composer{
		store:     s,
		connector: c,
		resolver:  r,
		window:    time.Duration(windowDays) * 24 * time.Hour,
		workers:   workers,
		now:       time.Now,
		logger:    logger.With().Str("component", "digest").Logger(),
	}
}

// ProcessAllUserDigests runs every user through a bounded worker pool. A
// user's failure is counted and never stops the others.
func (c *Composer) ProcessAllUserDigests(ctx context.Context) (Summary, error) {
	users, err := c.store.ListUserIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("listing users: %w", err)
	}

	var (
		mu      gosync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for _, userID := range users {
		g.Go(func() error {
			res, err := c.ProcessUserDigest(gctx, userID)

			mu.Lock()
			defer mu.Unlock()
			summary.DigestsSent += res.Sent
			if err != nil {
				summary.UsersFailed++
				metrics.RecordDigestUser("failed", res.Sent)
				c.logger.Error().Err(err).Str("user_id", userID).Msg("digest failed")
				return nil
			}
			summary.UsersProcessed++
			metrics.RecordDigestUser("ok", res.Sent)
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info().
		Int("processed", summary.UsersProcessed).
		Int("failed", summary.UsersFailed).
		Int("sent", summary.DigestsSent).
		Msg("digest run complete")
	return summary, nil
}

// ProcessUserDigest sends one digest per enabled category that has mail
// in the window. The user's default account is both sender and recipient.
func (c *Composer) ProcessUserDigest(ctx context.Context, userID string) (UserResult, error) {
	res := UserResult{UserID: userID}

	settings, err := c.store.GetUserSettings(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("loading settings: %w", err)
	}
	categories := settings.DigestCategories()
	if len(categories) == 0 {
		return res, nil
	}

	until := c.now().UTC()
	since := until.Add(-c.window)

	var digests []Digest
	for _, category := range categories {
		emails, err := c.store.ListEmailsForDigest(ctx, userID, category, since)
		if err != nil {
			return res, fmt.Errorf("loading %s emails: %w", category, err)
		}
		if len(emails) == 0 {
			continue
		}
		digests = append(digests, NewDigest(category, emails, since, until))
		res.Categories = append(res.Categories, category)
	}
	if len(digests) == 0 {
		return res, nil
	}

	sender, err := account.DefaultSender(ctx, c.store, userID)
	if err != nil {
		return res, fmt.Errorf("choosing sender: %w", err)
	}
	creds, err := c.resolver.Resolve(ctx, sender)
	if err != nil {
		return res, fmt.Errorf("resolving credentials: %w", err)
	}
	smtp, err := c.connector.OpenSMTP(ctx, creds)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := smtp.Close(); err != nil {
			c.logger.Debug().Err(err).Str("user_id", userID).Msg("closing smtp session")
		}
	}()

	for _, d := range digests {
		msg, err := Render(d, sender.EmailAddress, sender.EmailAddress, until)
		if err != nil {
			return res, err
		}
		if err := smtp.Send(ctx, sender.EmailAddress, []string{sender.EmailAddress}, msg); err != nil {
			return res, fmt.Errorf("sending %s digest: %w", d.Category, err)
		}
		res.Sent++
		c.logger.Debug().
			Str("user_id", userID).
			Str("category", d.Category).
			Int("emails", len(d.Items)).
			Msg("digest sent")
	}
	return res, nil
}
