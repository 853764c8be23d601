package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/source"
	"github.com/nhle/mailflow/internal/store"
)

// Candidate mailbox names per action, in preference order. Providers name
// their special-use folders differently.
var (
	spamMailboxes    = []string{"[Gmail]/Spam", "Junk", "Junk E-mail", "Spam"}
	archiveMailboxes = []string{"[Gmail]/All Mail", "Archive", "Archives"}
	trashMailboxes   = []string{"[Gmail]/Trash", "Trash", "Deleted Items", "Deleted Messages"}
)

// CredentialResolver produces connection credentials for an account.
type CredentialResolver interface {
	Resolve(ctx context.Context, a *model.EmailAccount) (source.Credentials, error)
}

// Item is one pending action.
type Item struct {
	Email  *model.Email
	Action model.Action
}

// Result counts applied and failed actions.
type Result struct {
	Applied int
	Failed  int
}

// Applier carries out post-categorization actions on the mail server.
type Applier struct {
	store     store.Store
	connector source.Connector
	resolver  CredentialResolver
	logger    zerolog.Logger
}

// NewApplier creates an Applier.
func NewApplier(s store.Store, c source.Connector, r CredentialResolver, logger zerolog.Logger) *Applier {
	return &Applier{
		store:     s,
		connector: c,
		resolver:  r,
		logger:    logger.With().Str("component", "actions").Logger(),
	}
}

// ApplyAll applies items with one IMAP session per account. A failing
// account or item is logged and counted; the rest still run.
func (a *Applier) ApplyAll(ctx context.Context, items []Item) Result {
	var (
		res       Result
		order     []string
		byAccount = make(map[string][]Item)
	)
	for _, it := range items {
		if it.Action == "" || it.Action == model.ActionNone {
			continue
		}
		id := it.Email.AccountID
		if _, ok := byAccount[id]; !ok {
			order = append(order, id)
		}
		byAccount[id] = append(byAccount[id], it)
	}

	for _, accountID := range order {
		group := byAccount[accountID]
		applied, err := a.applyAccount(ctx, accountID, group)
		res.Applied += applied
		res.Failed += len(group) - applied
		if err != nil {
			a.logger.Error().Err(err).Str("account_id", accountID).Msg("applying actions")
		}
	}
	return res
}

func (a *Applier) applyAccount(ctx context.Context, accountID string, items []Item) (int, error) {
	account, err := a.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	creds, err := a.resolver.Resolve(ctx, account)
	if err != nil {
		return 0, err
	}
	session, err := a.connector.OpenIMAP(ctx, creds)
	if err != nil {
		return 0, err
	}
	defer session.Close()

	if _, err := session.Select(ctx, account.MailboxName()); err != nil {
		return 0, err
	}

	applied := 0
	var errs []error
	for _, it := range items {
		if err := a.apply(ctx, session, it); err != nil {
			errs = append(errs, fmt.Errorf("email %s: %w", it.Email.ID, err))
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

func (a *Applier) apply(ctx context.Context, session source.MailboxSession, it Item) error {
	log := a.logger.With().Str("email_id", it.Email.ID).Uint32("uid", it.Email.UID).Logger()

	switch it.Action {
	case model.ActionMarkRead:
		if err := session.AddFlags(ctx, it.Email.UID, source.FlagSeen); err != nil {
			return err
		}
		if err := a.store.SetEmailRead(ctx, it.Email.ID, true); err != nil {
			return err
		}
		it.Email.IsRead = true
		log.Debug().Msg("marked read")
		return nil
	case model.ActionMarkSpam:
		return a.move(ctx, session, it, spamMailboxes, log)
	case model.ActionArchive:
		return a.move(ctx, session, it, archiveMailboxes, log)
	case model.ActionTrash:
		return a.move(ctx, session, it, trashMailboxes, log)
	default:
		return fmt.Errorf("unknown action %q", it.Action)
	}
}

func (a *Applier) move(
	ctx context.Context,
	session source.MailboxSession,
	it Item,
	candidates []string,
	log zerolog.Logger,
) error {
	dest, err := session.Move(ctx, it.Email.UID, candidates)
	if err != nil {
		return err
	}
	log.Debug().Str("action", string(it.Action)).Str("mailbox", dest).Msg("moved")
	return nil
}
