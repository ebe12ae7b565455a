package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const userColumns = `id, username, email, display_name, password_hash, role,
	created_at, updated_at, deleted_at`

// UserByID looks up a User by surrogate id. Returns ErrNotFound if absent
// or tombstoned (a tombstoned user owns no accessible bots).
func (s *Session) UserByID(ctx context.Context, id int64) (*User, error) {
	row := s.tx.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+`
		FROM users WHERE id = ? AND deleted_at IS NULL`), id)

	var u User
	var deletedAt sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.PasswordHash,
		&u.Role, &u.CreatedAt, &u.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user %d: %w", id, err)
	}
	if deletedAt.Valid {
		u.DeletedAt = &deletedAt.Time
	}
	return &u, nil
}
