package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailflow/internal/model"
)

const settingsColumns = `
	id, user_id, category_preferences, work_profile,
	emails_since_reset, last_categorization_reset_at, tutorial_completed,
	plan, subscription_status, created_at, updated_at`

// EnsureUserSettings returns a user's settings, creating the default row
// when none exists.
func (s *SQLStore) EnsureUserSettings(ctx context.Context, userID string) (*model.UserSettings, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO user_settings (id, user_id, category_preferences, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`),
		uuid.New().String(), userID, "{}", now, now,
	)
	if err != nil {
		return nil, persistErr("creating user settings", err)
	}
	return s.GetUserSettings(ctx, userID)
}

// GetUserSettings retrieves a user's settings.
func (s *SQLStore) GetUserSettings(ctx context.Context, userID string) (*model.UserSettings, error) {
	var us model.UserSettings
	err := s.db.GetContext(ctx, &us, s.rebind(`SELECT `+settingsColumns+` FROM user_settings WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settings for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("getting user settings", err)
	}
	if us.CategoryPreferences == nil {
		us.CategoryPreferences = model.CategoryPreferences{}
	}
	return &us, nil
}

// UpsertUserSettings writes the user-editable fields. The counter and
// reset timestamp are owned by the categorization gate and left untouched
// on update.
func (s *SQLStore) UpsertUserSettings(ctx context.Context, us *model.UserSettings) error {
	if us.ID == "" {
		us.ID = uuid.New().String()
	}
	if us.Plan == "" {
		us.Plan = "free"
	}
	now := s.now()
	if us.CreatedAt.IsZero() {
		us.CreatedAt = now
	}
	us.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO user_settings (`+settingsColumns+`
		) VALUES (
			:id, :user_id, :category_preferences, :work_profile,
			:emails_since_reset, :last_categorization_reset_at, :tutorial_completed,
			:plan, :subscription_status, :created_at, :updated_at
		)
		ON CONFLICT (user_id) DO UPDATE SET
			category_preferences = excluded.category_preferences,
			work_profile = excluded.work_profile,
			tutorial_completed = excluded.tutorial_completed,
			plan = excluded.plan,
			subscription_status = excluded.subscription_status,
			updated_at = excluded.updated_at`, us)
	if err != nil {
		return persistErr("upserting user settings", err)
	}
	return nil
}

// ListUserIDs returns every user with settings, in stable order.
func (s *SQLStore) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT user_id FROM user_settings ORDER BY user_id ASC`); err != nil {
		return nil, persistErr("listing users", err)
	}
	return ids, nil
}

// ApplyCategory increments the counter only while it is below quota and
// sets the category only while it is still null. Either guard failing
// rolls back both writes.
func (s *SQLStore) ApplyCategory(ctx context.Context, emailID, userID, category string, quota int) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, persistErr("beginning transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE user_settings SET
			emails_since_reset = emails_since_reset + 1,
			updated_at = ?
		WHERE user_id = ? AND emails_since_reset < ?`),
		s.now(), userID, quota,
	)
	if err != nil {
		return false, persistErr("incrementing categorization counter", err)
	}
	counted, err := result.RowsAffected()
	if err != nil {
		return false, persistErr("checking rows affected", err)
	}
	if counted == 0 {
		return false, nil
	}

	result, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE emails SET category = ? WHERE id = ? AND category IS NULL`),
		category, emailID,
	)
	if err != nil {
		return false, persistErr("setting email category", err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return false, persistErr("checking rows affected", err)
	}
	if updated == 0 {
		return false, fmt.Errorf("email %s: %w", emailID, ErrAlreadyCategorized)
	}

	if err := tx.Commit(); err != nil {
		return false, persistErr("committing category", err)
	}
	return true, nil
}

// ListUsersDueForReset returns users whose last reset is before cutoff or
// who were never reset.
func (s *SQLStore) ListUsersDueForReset(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, s.rebind(`
		SELECT user_id FROM user_settings
		WHERE last_categorization_reset_at IS NULL OR last_categorization_reset_at < ?
		ORDER BY user_id ASC`), cutoff.UTC())
	if err != nil {
		return nil, persistErr("listing users due for reset", err)
	}
	return ids, nil
}

// ResetCategorizationCounter zeroes one user's counter and stamps at. The
// cutoff guard makes a concurrent or repeated reset a no-op.
func (s *SQLStore) ResetCategorizationCounter(ctx context.Context, userID string, cutoff, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE user_settings SET
			emails_since_reset = 0,
			last_categorization_reset_at = ?,
			updated_at = ?
		WHERE user_id = ?
			AND (last_categorization_reset_at IS NULL OR last_categorization_reset_at < ?)`),
		at.UTC(), s.now(), userID, cutoff.UTC(),
	)
	if err != nil {
		return false, persistErr("resetting categorization counter", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, persistErr("checking rows affected", err)
	}
	return n == 1, nil
}
