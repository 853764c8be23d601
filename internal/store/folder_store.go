package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nhle/mailflow/internal/model"
)

// EnsureFolder returns the folder row for a mailbox, creating it on first
// sight. Names are stored uppercase.
func (s *SQLStore) EnsureFolder(ctx context.Context, accountID, name string) (*model.Folder, error) {
	normalized := model.NormalizeFolderName(name)
	if normalized == "" {
		return nil, fmt.Errorf("folder name must not be empty")
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO folders (id, account_id, name, type, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, name) DO NOTHING`),
		uuid.New().String(), accountID, normalized, model.FolderTypeFor(name), s.now(),
	)
	if err != nil {
		return nil, persistErr("creating folder", err)
	}

	var f model.Folder
	err = s.db.GetContext(ctx, &f, s.rebind(`
		SELECT id, account_id, name, type, created_at
		FROM folders WHERE account_id = ? AND name = ?`),
		accountID, normalized,
	)
	if err != nil {
		return nil, persistErr("getting folder", err)
	}
	return &f, nil
}
