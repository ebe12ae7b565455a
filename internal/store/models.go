// Package store is the persistence layer: Bot, Strategy, and User records
// behind a transactional, per-request/per-tick session over database/sql.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Role is a User's privilege level.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// BotState is a Bot's lifecycle state, mirroring the bot image's own
// running/stopped/reload vocabulary.
type BotState string

const (
	BotStateRunning BotState = "running"
	BotStateStopped BotState = "stopped"
	BotStateReload  BotState = "reload"
)

// User is a principal that owns zero or more Bots.
type User struct {
	ID           int64
	Username     string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Bot is a single managed trading instance. bot_id is also the pod/service
// name and must be DNS-1123-safe and lowercased.
type Bot struct {
	ID            int64
	BotID         string
	BotName       string
	UserID        *int64
	Image         string
	Version       string
	APIURL        string
	Strategy      string
	Exchange      string
	StakeCurrency string
	State         BotState
	IsActive      bool
	IsStrategy    bool
	Configuration BotConfig
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// Tombstoned reports whether the Bot has been permanently deleted.
func (b *Bot) Tombstoned() bool { return b.DeletedAt != nil }

// Strategy is the statistics shell for a strategy-plugin-backed Bot.
type Strategy struct {
	ID                int64
	StrategyName      string
	BotID             int64
	Category          string
	Tags              []string
	ShortDescription  string
	LongDescription   string
	ProfitRatioMean   float64
	ProfitRatioSum    float64
	TradeCount        int64
	BestPairDuration  string
	WorstPairDuration string
	LatestRefresh     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NeedsRefresh reports whether the strategy's stats are missing or older
// than the given max age.
func (s *Strategy) NeedsRefresh(now time.Time, maxAge time.Duration) bool {
	return s.LatestRefresh == nil || now.Sub(*s.LatestRefresh) > maxAge
}

// BotConfig is the bot's own JSON configuration blob. It is a generic map
// except for one non-obvious serialization rule: max_open_trades = +Inf
// serializes to -1.
type BotConfig map[string]interface{}

// Value implements driver.Valuer for storage as a JSON text column.
func (c BotConfig) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	normalized := make(map[string]interface{}, len(c))
	for k, v := range c {
		normalized[k] = normalizeForJSON(v)
	}
	b, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("marshaling bot configuration: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner, restoring -1 stored for max_open_trades back
// to +Inf is NOT performed here: the reconciler treats -1 as the canonical
// "unlimited" sentinel on read, matching how the bot image itself interprets
// its own config.
func (c *BotConfig) Scan(src interface{}) error {
	if src == nil {
		*c = BotConfig{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported scan type %T for BotConfig", src)
	}
	m := make(map[string]interface{})
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("unmarshaling bot configuration: %w", err)
		}
	}
	*c = m
	return nil
}

func normalizeForJSON(v interface{}) interface{} {
	if f, ok := v.(float64); ok && math.IsInf(f, 1) {
		return -1
	}
	return v
}

// Clone returns a deep-enough copy of the configuration suitable for
// per-bot mutation without aliasing the original map.
func (c BotConfig) Clone() BotConfig {
	out := make(BotConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
