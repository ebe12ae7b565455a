package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

const botColumns = `id, bot_id, bot_name, user_id, image, version, api_url, strategy,
	exchange, stake_currency, state, is_active, is_strategy, configuration,
	created_at, updated_at, deleted_at`

func scanBot(row interface{ Scan(...interface{}) error }) (*Bot, error) {
	var b Bot
	var userID sql.NullInt64
	var deletedAt sql.NullTime
	if err := row.Scan(&b.ID, &b.BotID, &b.BotName, &userID, &b.Image, &b.Version,
		&b.APIURL, &b.Strategy, &b.Exchange, &b.StakeCurrency, &b.State,
		&b.IsActive, &b.IsStrategy, &b.Configuration, &b.CreatedAt, &b.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	if userID.Valid {
		b.UserID = &userID.Int64
	}
	if deletedAt.Valid {
		b.DeletedAt = &deletedAt.Time
	}
	return &b, nil
}

// BotByID looks up a Bot by its pod/service name, including tombstoned rows
// (callers must check Tombstoned()).
func (s *Session) BotByID(ctx context.Context, botID string) (*Bot, error) {
	row := s.tx.QueryRowContext(ctx, s.rebind(`SELECT `+botColumns+` FROM bots WHERE bot_id = ?`), botID)
	b, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up bot %s: %w", botID, err)
	}
	return b, nil
}

// GetActiveBots returns all Bots with is_active=true and deleted_at IS NULL.
func (s *Session) GetActiveBots(ctx context.Context) ([]*Bot, error) {
	rows, err := s.tx.QueryContext(ctx, s.rebind(`SELECT `+botColumns+` FROM bots
		WHERE is_active = TRUE AND deleted_at IS NULL ORDER BY id`))
	if err != nil {
		return nil, fmt.Errorf("listing active bots: %w", err)
	}
	defer rows.Close()

	var out []*Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning active bot: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateBot inserts a new Bot row and sets its ID.
func (s *Session) CreateBot(ctx context.Context, b *Bot) error {
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now

	var userID interface{}
	if b.UserID != nil {
		userID = *b.UserID
	}

	id, err := s.insert(ctx, `INSERT INTO bots
		(bot_id, bot_name, user_id, image, version, api_url, strategy, exchange,
		 stake_currency, state, is_active, is_strategy, configuration, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BotID, b.BotName, userID, b.Image, b.Version, b.APIURL, b.Strategy,
		b.Exchange, b.StakeCurrency, b.State, b.IsActive, b.IsStrategy, b.Configuration,
		b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating bot %s: %w", b.BotID, err)
	}
	b.ID = id
	return nil
}

// UpdateBot writes back the mutable fields of a Bot row.
func (s *Session) UpdateBot(ctx context.Context, b *Bot, bumpUpdatedAt bool) error {
	if bumpUpdatedAt {
		b.UpdatedAt = time.Now().UTC()
	}

	var deletedAt interface{}
	if b.DeletedAt != nil {
		deletedAt = *b.DeletedAt
	}

	_, err := s.tx.ExecContext(ctx, s.rebind(`UPDATE bots SET
		bot_name = ?, image = ?, version = ?, api_url = ?, strategy = ?,
		exchange = ?, stake_currency = ?, state = ?, is_active = ?,
		is_strategy = ?, configuration = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?`),
		b.BotName, b.Image, b.Version, b.APIURL, b.Strategy, b.Exchange,
		b.StakeCurrency, b.State, b.IsActive, b.IsStrategy, b.Configuration,
		b.UpdatedAt, deletedAt, b.ID)
	if err != nil {
		return fmt.Errorf("updating bot %s: %w", b.BotID, err)
	}
	return nil
}

// Tombstone sets deleted_at permanently; is_active is set to false
// alongside it.
func (s *Session) Tombstone(ctx context.Context, botID string, when time.Time) error {
	_, err := s.tx.ExecContext(ctx, s.rebind(`UPDATE bots SET is_active = FALSE, deleted_at = ?, updated_at = ?
		WHERE bot_id = ?`), when, when, botID)
	if err != nil {
		return fmt.Errorf("tombstoning bot %s: %w", botID, err)
	}
	return nil
}

// Deactivate sets is_active=false without tombstoning.
func (s *Session) Deactivate(ctx context.Context, botID string, when time.Time) error {
	_, err := s.tx.ExecContext(ctx, s.rebind(`UPDATE bots SET is_active = FALSE, updated_at = ? WHERE bot_id = ?`),
		when, botID)
	if err != nil {
		return fmt.Errorf("deactivating bot %s: %w", botID, err)
	}
	return nil
}

// BotExists reports whether any Bot row (tombstoned or not) uses this id,
// used by the generated-id collision check.
func (s *Session) BotExists(ctx context.Context, botID string) (bool, error) {
	var n int
	err := s.tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM bots WHERE bot_id = ?`), botID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking bot id collision: %w", err)
	}
	return n > 0, nil
}
