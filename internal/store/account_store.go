package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailflow/internal/model"
)

const accountColumns = `
	id, user_id, email_address, provider,
	imap_host, imap_port, imap_security,
	smtp_host, smtp_port, smtp_security, username,
	encrypted_password, encrypted_access_token, encrypted_refresh_token, token_expires_at,
	mailbox, is_default, last_synced_uid, last_synced_at,
	created_at, updated_at`

// CreateAccount inserts a new account. Generates a UUID if ID is empty.
func (s *SQLStore) CreateAccount(ctx context.Context, a *model.EmailAccount) error {
	if strings.TrimSpace(a.UserID) == "" || strings.TrimSpace(a.EmailAddress) == "" {
		return fmt.Errorf("account user id and email address must not be empty")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Mailbox == "" {
		a.Mailbox = "INBOX"
	}
	if a.Username == "" {
		a.Username = a.EmailAddress
	}
	if a.TokenExpiresAt != nil {
		utc := a.TokenExpiresAt.UTC()
		a.TokenExpiresAt = &utc
	}
	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO email_accounts (`+accountColumns+`
		) VALUES (
			:id, :user_id, :email_address, :provider,
			:imap_host, :imap_port, :imap_security,
			:smtp_host, :smtp_port, :smtp_security, :username,
			:encrypted_password, :encrypted_access_token, :encrypted_refresh_token, :token_expires_at,
			:mailbox, :is_default, :last_synced_uid, :last_synced_at,
			:created_at, :updated_at
		)`, a)
	if err != nil {
		return persistErr("creating account", err)
	}
	return nil
}

// GetAccount retrieves a single account by ID.
func (s *SQLStore) GetAccount(ctx context.Context, id string) (*model.EmailAccount, error) {
	var a model.EmailAccount
	err := s.db.GetContext(ctx, &a, s.rebind(`SELECT `+accountColumns+` FROM email_accounts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("getting account", err)
	}
	return &a, nil
}

// ListAccounts returns every account ordered by creation time.
func (s *SQLStore) ListAccounts(ctx context.Context) ([]model.EmailAccount, error) {
	var accounts []model.EmailAccount
	err := s.db.SelectContext(ctx, &accounts,
		`SELECT `+accountColumns+` FROM email_accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, persistErr("listing accounts", err)
	}
	return accounts, nil
}

// ListAccountsByUser returns a user's accounts, default first.
func (s *SQLStore) ListAccountsByUser(ctx context.Context, userID string) ([]model.EmailAccount, error) {
	var accounts []model.EmailAccount
	err := s.db.SelectContext(ctx, &accounts, s.rebind(`
		SELECT `+accountColumns+` FROM email_accounts
		WHERE user_id = ?
		ORDER BY is_default DESC, created_at ASC, id ASC`), userID)
	if err != nil {
		return nil, persistErr("listing accounts for user", err)
	}
	return accounts, nil
}

// DeleteAccount removes an account. Folders, emails and attachments
// cascade.
func (s *SQLStore) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM email_accounts WHERE id = ?`), id)
	if err != nil {
		return persistErr("deleting account", err)
	}
	return expectOneRow(result, "account", id)
}

// UpdateAccountTokens replaces the encrypted OAuth tokens.
func (s *SQLStore) UpdateAccountTokens(
	ctx context.Context,
	id string,
	access, refresh *string,
	expiresAt *time.Time,
) error {
	if expiresAt != nil {
		utc := expiresAt.UTC()
		expiresAt = &utc
	}
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE email_accounts SET
			encrypted_access_token = ?,
			encrypted_refresh_token = COALESCE(?, encrypted_refresh_token),
			token_expires_at = ?,
			updated_at = ?
		WHERE id = ?`),
		access, refresh, expiresAt, s.now(), id,
	)
	if err != nil {
		return persistErr("updating account tokens", err)
	}
	return expectOneRow(result, "account", id)
}

// AdvanceWatermark is a compare-and-swap on last_synced_uid. The watermark
// never moves backwards.
func (s *SQLStore) AdvanceWatermark(ctx context.Context, id string, from, to uint32, at time.Time) error {
	if to < from {
		return fmt.Errorf("advancing watermark for %s: %d is below %d", id, to, from)
	}
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE email_accounts SET
			last_synced_uid = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ? AND last_synced_uid = ?`),
		to, at.UTC(), s.now(), id, from,
	)
	if err != nil {
		return persistErr("advancing watermark", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return persistErr("advancing watermark", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetAccount(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("account %s at uid %d: %w", id, from, ErrWatermarkConflict)
}

func expectOneRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return persistErr("checking rows affected", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
