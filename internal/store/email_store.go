package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailflow/internal/model"
)

const emailColumns = `
	e.id, e.account_id, e.folder_id, e.uid, e.message_id,
	e.from_address, e.from_name, e.to_address, e.to_name, e.cc,
	e.subject, e.body_text, e.body_html, e.preview,
	e.received_at, e.is_read, e.is_starred, e.has_attachments,
	e.category, e.created_at, a.user_id`

const emailFrom = `emails e JOIN email_accounts a ON a.id = e.account_id`

// InsertEmail inserts an email and its attachment metadata in one
// transaction. A duplicate (account, message id) or (folder, uid) is
// ignored and reported as false.
func (s *SQLStore) InsertEmail(ctx context.Context, e *model.Email, attachments []model.Attachment) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := s.now()
	e.CreatedAt = now
	e.ReceivedAt = e.ReceivedAt.UTC()
	e.HasAttachments = e.HasAttachments || len(attachments) > 0

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, persistErr("beginning transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.NamedExecContext(ctx, `
		INSERT INTO emails (
			id, account_id, folder_id, uid, message_id,
			from_address, from_name, to_address, to_name, cc,
			subject, body_text, body_html, preview,
			received_at, is_read, is_starred, has_attachments,
			category, created_at
		) VALUES (
			:id, :account_id, :folder_id, :uid, :message_id,
			:from_address, :from_name, :to_address, :to_name, :cc,
			:subject, :body_text, :body_html, :preview,
			:received_at, :is_read, :is_starred, :has_attachments,
			:category, :created_at
		)
		ON CONFLICT DO NOTHING`, e)
	if err != nil {
		return false, persistErr(fmt.Sprintf("inserting email uid %d", e.UID), err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, persistErr("checking rows affected", err)
	}
	if inserted == 0 {
		return false, nil
	}

	if len(attachments) > 0 {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
			INSERT INTO attachments (
				id, email_id, filename, content_type, size, storage_locator, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return false, persistErr("preparing attachment insert", err)
		}
		defer stmt.Close()

		for i := range attachments {
			att := &attachments[i]
			if att.ID == "" {
				att.ID = uuid.New().String()
			}
			att.EmailID = e.ID
			att.CreatedAt = now
			_, err := stmt.ExecContext(ctx,
				att.ID, att.EmailID, att.Filename, att.ContentType, att.Size, att.StorageLocator, att.CreatedAt,
			)
			if err != nil {
				return false, persistErr(fmt.Sprintf("inserting attachment %q", att.Filename), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, persistErr("committing email", err)
	}
	return true, nil
}

// GetEmail retrieves a single email by ID.
func (s *SQLStore) GetEmail(ctx context.Context, id string) (*model.Email, error) {
	var e model.Email
	err := s.db.GetContext(ctx, &e, s.rebind(`SELECT `+emailColumns+` FROM `+emailFrom+` WHERE e.id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("getting email", err)
	}
	return &e, nil
}

// ListAttachments returns the attachment metadata of an email.
func (s *SQLStore) ListAttachments(ctx context.Context, emailID string) ([]model.Attachment, error) {
	var out []model.Attachment
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT id, email_id, filename, content_type, size, storage_locator, created_at
		FROM attachments WHERE email_id = ? ORDER BY filename ASC, id ASC`), emailID)
	if err != nil {
		return nil, persistErr("listing attachments", err)
	}
	return out, nil
}

// CountEmails returns the number of stored emails for an account.
func (s *SQLStore) CountEmails(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.rebind(`SELECT COUNT(*) FROM emails WHERE account_id = ?`), accountID)
	if err != nil {
		return 0, persistErr("counting emails", err)
	}
	return n, nil
}

// ListUncategorized returns emails with a null category, newest first.
func (s *SQLStore) ListUncategorized(ctx context.Context, f UncategorizedFilter) ([]model.Email, error) {
	conditions := []string{"e.category IS NULL"}
	var args []interface{}

	if f.AccountID != nil {
		conditions = append(conditions, "e.account_id = ?")
		args = append(args, *f.AccountID)
	}
	if f.UserID != nil {
		conditions = append(conditions, "a.user_id = ?")
		args = append(args, *f.UserID)
	}
	if len(f.EmailIDs) > 0 {
		in, inArgs, err := sqlx.In("e.id IN (?)", f.EmailIDs)
		if err != nil {
			return nil, fmt.Errorf("building id filter: %w", err)
		}
		conditions = append(conditions, in)
		args = append(args, inArgs...)
	}

	query := `SELECT ` + emailColumns + ` FROM ` + emailFrom +
		` WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY e.received_at DESC, e.id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var out []model.Email
	if err := s.db.SelectContext(ctx, &out, s.rebind(query), args...); err != nil {
		return nil, persistErr("listing uncategorized emails", err)
	}
	return out, nil
}

// SetEmailRead updates the read flag.
func (s *SQLStore) SetEmailRead(ctx context.Context, id string, read bool) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`UPDATE emails SET is_read = ? WHERE id = ?`), read, id)
	if err != nil {
		return persistErr("updating email read flag", err)
	}
	return expectOneRow(result, "email", id)
}

// ListEmailsForDigest returns a user's emails in category received at or
// after since, across all of the user's accounts, newest first.
func (s *SQLStore) ListEmailsForDigest(
	ctx context.Context,
	userID, category string,
	since time.Time,
) ([]model.Email, error) {
	var out []model.Email
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT `+emailColumns+` FROM `+emailFrom+`
		WHERE a.user_id = ? AND e.category = ? AND e.received_at >= ?
		ORDER BY e.received_at DESC, e.id ASC`),
		userID, category, since.UTC(),
	)
	if err != nil {
		return nil, persistErr("listing digest emails", err)
	}
	return out, nil
}

// DeleteEmailsBefore deletes up to limit emails received before cutoff,
// oldest first, and returns the number removed.
func (s *SQLStore) DeleteEmailsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM emails WHERE id IN (
			SELECT id FROM emails WHERE received_at < ?
			ORDER BY received_at ASC
			LIMIT ?
		)`), cutoff.UTC(), limit)
	if err != nil {
		return 0, persistErr("deleting expired emails", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, persistErr("checking rows affected", err)
	}
	return n, nil
}
