package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailflow/internal/metrics"
	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/normalize"
	"github.com/nhle/mailflow/internal/source"
	"github.com/nhle/mailflow/internal/store"
)

// SyncState is the current step of an account sync.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncConnecting
	SyncMailboxOpen
	SyncFetching
	SyncPersisting
	SyncFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncConnecting:
		return "connecting"
	case SyncMailboxOpen:
		return "mailbox_open"
	case SyncFetching:
		return "fetching"
	case SyncPersisting:
		return "persisting"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncStatus holds the sync state for a single account. A failed run stays
// in SyncFailed until the account's next run starts.
type SyncStatus struct {
	AccountID string
	State     SyncState
	LastSync  time.Time
	Error     error
}

// Result describes one account run.
type Result struct {
	AccountID   string
	Inserted    int
	InsertedIDs []string
	Watermark   uint32
}

// Summary aggregates a SyncAll run.
type Summary struct {
	AccountsProcessed int `json:"accounts_processed"`
	AccountsFailed    int `json:"accounts_failed"`
	AccountsSkipped   int `json:"accounts_skipped"`
	EmailsInserted    int `json:"emails_inserted"`
}

// CredentialResolver produces connection credentials for an account.
type CredentialResolver interface {
	Resolve(ctx context.Context, a *model.EmailAccount) (source.Credentials, error)
}

// AfterSyncFunc runs after an account run that inserted emails.
type AfterSyncFunc func(ctx context.Context, a *model.EmailAccount, emailIDs []string)

// Options tunes the engine.
type Options struct {
	Workers       int
	InitialRecent int
	BatchSize     int
}

// Engine runs incremental, watermark-based syncs.
type Engine struct {
	store     store.Store
	connector source.Connector
	resolver  CredentialResolver
	parser    *normalize.Parser
	locker    Locker
	opts      Options
	afterSync AfterSyncFunc
	logger    zerolog.Logger
	now       func() time.Time

	mu       gosync.Mutex
	statuses map[string]*SyncStatus
}

// New creates an Engine. A nil locker defaults to an in-process keyed
// mutex.
func New(
	s store.Store,
	connector source.Connector,
	resolver CredentialResolver,
	locker Locker,
	opts Options,
	logger zerolog.Logger,
) *Engine {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Engine{
		store:     s,
		connector: connector,
		resolver:  resolver,
		parser:    normalize.NewParser(),
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "sync").Logger(),
		now:       time.Now,
		statuses:  make(map[string]*SyncStatus),
	}
}

// SetAfterSync registers a hook for newly inserted emails.
func (e *Engine) SetAfterSync(fn AfterSyncFunc) {
	e.afterSync = fn
}

// GetStatuses returns the status of every account seen so far, ordered by
// account id.
func (e *Engine) GetStatuses() []SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(e.statuses))
	for _, s := range e.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].AccountID < statuses[j].AccountID })
	return statuses
}

// Status returns one account's status.
func (e *Engine) Status(accountID string) (SyncStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.statuses[accountID]
	if !ok {
		return SyncStatus{}, false
	}
	return *s, true
}

// SyncAll syncs every account through a bounded worker pool. One
// account's failure never stops the others.
func (e *Engine) SyncAll(ctx context.Context) (Summary, error) {
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("listing accounts: %w", err)
	}

	var (
		mu      gosync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for i := range accounts {
		a := &accounts[i]
		g.Go(func() error {
			res, err := e.syncAccount(gctx, a)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrLocked):
				summary.AccountsSkipped++
			case err != nil:
				summary.AccountsFailed++
			default:
				summary.AccountsProcessed++
				summary.EmailsInserted += res.Inserted
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info().
		Int("processed", summary.AccountsProcessed).
		Int("failed", summary.AccountsFailed).
		Int("skipped", summary.AccountsSkipped).
		Int("inserted", summary.EmailsInserted).
		Msg("sync run complete")
	return summary, nil
}

// SyncAccount syncs one account by id.
func (e *Engine) SyncAccount(ctx context.Context, accountID string) (*Result, error) {
	a, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return e.syncAccount(ctx, a)
}

func (e *Engine) syncAccount(ctx context.Context, a *model.EmailAccount) (*Result, error) {
	log := e.logger.With().Str("account_id", a.ID).Logger()

	release, err := e.locker.Lock(ctx, a.ID)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			metrics.RecordSyncRun("skipped")
			log.Info().Msg("sync already in progress, skipping")
		}
		return nil, err
	}
	defer release()

	res, err := e.run(ctx, a, log)
	if err != nil {
		e.setStatus(a.ID, SyncFailed, err)
		metrics.RecordSyncRun("failed")
		log.Error().Err(err).
			Bool("auth_error", source.IsAuthError(err)).
			Msg("account sync failed")
		return res, err
	}

	e.setStatus(a.ID, SyncIdle, nil)
	metrics.RecordSyncRun("ok")
	metrics.RecordIngested(res.Inserted)

	if e.afterSync != nil && len(res.InsertedIDs) > 0 {
		e.afterSync(ctx, a, res.InsertedIDs)
	}
	return res, nil
}

// run performs connect, select, fetch and persist. The watermark advances
// after each fully persisted batch, never past an unpersisted UID.
func (e *Engine) run(ctx context.Context, a *model.EmailAccount, log zerolog.Logger) (*Result, error) {
	res := &Result{AccountID: a.ID, Watermark: a.LastSyncedUID}

	e.setStatus(a.ID, SyncConnecting, nil)
	creds, err := e.resolver.Resolve(ctx, a)
	if err != nil {
		return res, fmt.Errorf("resolving credentials: %w", err)
	}
	session, err := e.connector.OpenIMAP(ctx, creds)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug().Err(err).Msg("closing imap session")
		}
	}()

	mailbox := a.MailboxName()
	status, err := session.Select(ctx, mailbox)
	if err != nil {
		return res, fmt.Errorf("selecting %s: %w", mailbox, err)
	}
	e.setStatus(a.ID, SyncMailboxOpen, nil)

	folder, err := e.store.EnsureFolder(ctx, a.ID, mailbox)
	if err != nil {
		return res, err
	}

	e.setStatus(a.ID, SyncFetching, nil)
	var uids []uint32
	if a.LastSyncedUID == 0 && e.opts.InitialRecent > 0 {
		uids, err = session.RecentUIDs(ctx, e.opts.InitialRecent)
	} else {
		uids, err = session.SearchAfterUID(ctx, a.LastSyncedUID)
	}
	if err != nil {
		return res, fmt.Errorf("listing new uids: %w", err)
	}
	uids = after(uids, a.LastSyncedUID)

	log.Debug().
		Uint32("watermark", a.LastSyncedUID).
		Uint32("uid_next", status.UIDNext).
		Int("new", len(uids)).
		Msg("mailbox selected")

	for start := 0; start < len(uids); start += e.opts.BatchSize {
		end := min(start+e.opts.BatchSize, len(uids))
		if err := e.syncBatch(ctx, a, folder, session, uids[start:end], res, log); err != nil {
			return res, err
		}
	}

	if len(uids) == 0 {
		// Stamp the check even when nothing arrived.
		if err := e.store.AdvanceWatermark(ctx, a.ID, res.Watermark, res.Watermark, e.now()); err != nil {
			return res, err
		}
	}

	log.Info().Int("inserted", res.Inserted).Uint32("watermark", res.Watermark).Msg("account synced")
	return res, nil
}

func (e *Engine) syncBatch(
	ctx context.Context,
	a *model.EmailAccount,
	folder *model.Folder,
	session source.MailboxSession,
	uids []uint32,
	res *Result,
	log zerolog.Logger,
) error {
	e.setStatus(a.ID, SyncFetching, nil)
	msgs, err := session.FetchUIDs(ctx, uids)
	if err != nil {
		return fmt.Errorf("fetching %d messages: %w", len(uids), err)
	}

	e.setStatus(a.ID, SyncPersisting, nil)
	maxUID := res.Watermark
	for i := range msgs {
		msg := &msgs[i]
		if msg.UID <= res.Watermark {
			continue
		}
		id, inserted, err := e.persist(ctx, a, folder, msg)
		if err != nil {
			return err
		}
		if inserted {
			res.Inserted++
			res.InsertedIDs = append(res.InsertedIDs, id)
		} else {
			log.Debug().Uint32("uid", msg.UID).Msg("duplicate message ignored")
		}
		maxUID = max(maxUID, msg.UID)
	}

	if maxUID == res.Watermark {
		return nil
	}
	if err := e.store.AdvanceWatermark(ctx, a.ID, res.Watermark, maxUID, e.now()); err != nil {
		return fmt.Errorf("advancing watermark to %d: %w", maxUID, err)
	}
	res.Watermark = maxUID
	a.LastSyncedUID = maxUID
	return nil
}

func (e *Engine) persist(
	ctx context.Context,
	a *model.EmailAccount,
	folder *model.Folder,
	msg *source.FetchedMessage,
) (string, bool, error) {
	parsed, err := e.parser.Parse(msg.Raw)
	if err != nil {
		return "", false, fmt.Errorf("uid %d: %w", msg.UID, err)
	}

	email := &model.Email{
		AccountID:      a.ID,
		FolderID:       folder.ID,
		UID:            msg.UID,
		MessageID:      parsed.MessageID,
		FromAddress:    parsed.FromAddress,
		FromName:       parsed.FromName,
		ToAddress:      parsed.ToAddress,
		ToName:         parsed.ToName,
		Cc:             parsed.Cc,
		Subject:        parsed.Subject,
		BodyText:       parsed.TextBody,
		BodyHTML:       parsed.HTMLBody,
		Preview:        e.parser.PreviewOf(parsed, normalize.DefaultPreviewLength),
		ReceivedAt:     receivedAt(msg, parsed, e.now()),
		IsRead:         msg.HasFlag(source.FlagSeen),
		IsStarred:      msg.HasFlag(source.FlagFlagged),
		HasAttachments: parsed.HasAttachments(),
	}

	attachments := make([]model.Attachment, 0, len(parsed.Attachments))
	for _, att := range parsed.Attachments {
		attachments = append(attachments, model.Attachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}

	inserted, err := e.store.InsertEmail(ctx, email, attachments)
	if err != nil {
		return "", false, err
	}
	return email.ID, inserted, nil
}

// receivedAt prefers the server's internal date, then the Date header.
func receivedAt(msg *source.FetchedMessage, parsed *normalize.NormalizedEmail, now time.Time) time.Time {
	if !msg.InternalDate.IsZero() {
		return msg.InternalDate
	}
	if parsed.Date != nil {
		return *parsed.Date
	}
	return now
}

// after keeps UIDs strictly greater than watermark, sorted ascending.
func after(uids []uint32, watermark uint32) []uint32 {
	out := make([]uint32, 0, len(uids))
	for _, u := range uids {
		if u > watermark {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// setStatus updates the sync status for an account.
func (e *Engine) setStatus(accountID string, state SyncState, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	status, ok := e.statuses[accountID]
	if !ok {
		status = &SyncStatus{AccountID: accountID}
		e.statuses[accountID] = status
	}
	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = e.now()
	}
}
