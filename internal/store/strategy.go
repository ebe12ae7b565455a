package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const strategyColumns = `id, strategy_name, bot_id, category, tags, short_description,
	long_description, profit_ratio_mean, profit_ratio_sum, trade_count,
	best_pair_duration, worst_pair_duration, latest_refresh, created_at, updated_at`

func scanStrategy(row interface{ Scan(...interface{}) error }) (*Strategy, error) {
	var st Strategy
	var tags string
	var latestRefresh sql.NullTime
	if err := row.Scan(&st.ID, &st.StrategyName, &st.BotID, &st.Category, &tags,
		&st.ShortDescription, &st.LongDescription, &st.ProfitRatioMean, &st.ProfitRatioSum,
		&st.TradeCount, &st.BestPairDuration, &st.WorstPairDuration, &latestRefresh,
		&st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if tags != "" {
		st.Tags = strings.Split(tags, ",")
	}
	if latestRefresh.Valid {
		st.LatestRefresh = &latestRefresh.Time
	}
	return &st, nil
}

// StrategyByName looks up a Strategy by its unique name.
func (s *Session) StrategyByName(ctx context.Context, name string) (*Strategy, error) {
	row := s.tx.QueryRowContext(ctx, s.rebind(`SELECT `+strategyColumns+`
		FROM strategies WHERE strategy_name = ?`), name)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up strategy %s: %w", name, err)
	}
	return st, nil
}

// StrategyByBotID looks up the Strategy hosted by the given Bot surrogate id.
func (s *Session) StrategyByBotID(ctx context.Context, botID int64) (*Strategy, error) {
	row := s.tx.QueryRowContext(ctx, s.rebind(`SELECT `+strategyColumns+`
		FROM strategies WHERE bot_id = ?`), botID)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up strategy for bot %d: %w", botID, err)
	}
	return st, nil
}

// StrategyNames returns the set of all known strategy names (active or
// not), used by check_strategies to detect newly discovered plugins.
func (s *Session) StrategyNames(ctx context.Context) (map[string]bool, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT strategy_name FROM strategies`)
	if err != nil {
		return nil, fmt.Errorf("listing strategy names: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning strategy name: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// GetActiveStrategies returns Strategies whose hosting Bot is active and
// not tombstoned.
func (s *Session) GetActiveStrategies(ctx context.Context) ([]*Strategy, error) {
	rows, err := s.tx.QueryContext(ctx, s.rebind(`
		SELECT st.id, st.strategy_name, st.bot_id, st.category, st.tags,
		       st.short_description, st.long_description, st.profit_ratio_mean,
		       st.profit_ratio_sum, st.trade_count, st.best_pair_duration,
		       st.worst_pair_duration, st.latest_refresh, st.created_at, st.updated_at
		FROM strategies st
		JOIN bots b ON b.id = st.bot_id
		WHERE b.is_active = TRUE AND b.deleted_at IS NULL
		ORDER BY st.id`))
	if err != nil {
		return nil, fmt.Errorf("listing active strategies: %w", err)
	}
	defer rows.Close()

	var out []*Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning active strategy: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CreateStrategy inserts a new Strategy row.
func (s *Session) CreateStrategy(ctx context.Context, st *Strategy) error {
	now := time.Now().UTC()
	st.CreatedAt, st.UpdatedAt = now, now
	var latestRefresh interface{}
	if st.LatestRefresh != nil {
		latestRefresh = *st.LatestRefresh
	}

	id, err := s.insert(ctx, `INSERT INTO strategies
		(strategy_name, bot_id, category, tags, short_description, long_description,
		 latest_refresh, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.StrategyName, st.BotID, st.Category, strings.Join(st.Tags, ","),
		st.ShortDescription, st.LongDescription, latestRefresh, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating strategy %s: %w", st.StrategyName, err)
	}
	st.ID = id
	return nil
}

// UpdateStrategyStats writes back the statistics refresh output; only
// stats fields and latest_refresh are touched.
func (s *Session) UpdateStrategyStats(ctx context.Context, st *Strategy) error {
	st.UpdatedAt = time.Now().UTC()
	var latestRefresh interface{}
	if st.LatestRefresh != nil {
		latestRefresh = *st.LatestRefresh
	}
	_, err := s.tx.ExecContext(ctx, s.rebind(`UPDATE strategies SET
		profit_ratio_mean = ?, profit_ratio_sum = ?, trade_count = ?,
		best_pair_duration = ?, worst_pair_duration = ?, latest_refresh = ?, updated_at = ?
		WHERE id = ?`),
		st.ProfitRatioMean, st.ProfitRatioSum, st.TradeCount, st.BestPairDuration,
		st.WorstPairDuration, latestRefresh, st.UpdatedAt, st.ID)
	if err != nil {
		return fmt.Errorf("updating strategy stats for %s: %w", st.StrategyName, err)
	}
	return nil
}
