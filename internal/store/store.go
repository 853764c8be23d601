package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailflow/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrWatermarkConflict is returned when the stored watermark no longer
	// matches the value a sync started from.
	ErrWatermarkConflict = errors.New("watermark changed concurrently")

	// ErrAlreadyCategorized is returned when an email already has a category.
	ErrAlreadyCategorized = errors.New("email already categorized")
)

// PersistenceError wraps a failure from the underlying database.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err (or any error in its chain) is a
// PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// UncategorizedFilter selects emails awaiting categorization.
type UncategorizedFilter struct {
	AccountID *string
	UserID    *string
	EmailIDs  []string
	Limit     int
}

// Store defines the persistence interface for accounts, folders, emails,
// attachments and per-user settings.
type Store interface {
	// === Accounts ===

	CreateAccount(ctx context.Context, a *model.EmailAccount) error
	GetAccount(ctx context.Context, id string) (*model.EmailAccount, error)
	ListAccounts(ctx context.Context) ([]model.EmailAccount, error)
	// ListAccountsByUser returns the default account first, then by creation.
	ListAccountsByUser(ctx context.Context, userID string) ([]model.EmailAccount, error)
	DeleteAccount(ctx context.Context, id string) error
	UpdateAccountTokens(ctx context.Context, id string, access, refresh *string, expiresAt *time.Time) error
	// AdvanceWatermark moves last_synced_uid from `from` to `to` only if the
	// stored value still equals `from`.
	AdvanceWatermark(ctx context.Context, id string, from, to uint32, at time.Time) error

	// === Folders ===

	EnsureFolder(ctx context.Context, accountID, name string) (*model.Folder, error)

	// === Emails ===

	// InsertEmail stores e and its attachments. It reports false without
	// error when the message was already ingested.
	InsertEmail(ctx context.Context, e *model.Email, attachments []model.Attachment) (bool, error)
	GetEmail(ctx context.Context, id string) (*model.Email, error)
	ListAttachments(ctx context.Context, emailID string) ([]model.Attachment, error)
	CountEmails(ctx context.Context, accountID string) (int, error)
	ListUncategorized(ctx context.Context, f UncategorizedFilter) ([]model.Email, error)
	SetEmailRead(ctx context.Context, id string, read bool) error
	ListEmailsForDigest(ctx context.Context, userID, category string, since time.Time) ([]model.Email, error)
	// DeleteEmailsBefore removes at most limit emails received before cutoff.
	DeleteEmailsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	// === User settings ===

	EnsureUserSettings(ctx context.Context, userID string) (*model.UserSettings, error)
	GetUserSettings(ctx context.Context, userID string) (*model.UserSettings, error)
	UpsertUserSettings(ctx context.Context, s *model.UserSettings) error
	ListUserIDs(ctx context.Context) ([]string, error)
	// ApplyCategory sets the email category and increments the user's
	// counter in one transaction. It reports false when the counter has
	// reached quota.
	ApplyCategory(ctx context.Context, emailID, userID, category string, quota int) (bool, error)
	ListUsersDueForReset(ctx context.Context, cutoff time.Time) ([]string, error)
	ResetCategorizationCounter(ctx context.Context, userID string, cutoff, at time.Time) (bool, error)

	Close() error
}
