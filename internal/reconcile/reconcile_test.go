package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"fleetd/internal/botclient"
	"fleetd/internal/cluster"
	"fleetd/internal/podspec"
	"fleetd/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open("sqlite3", "file::memory:?cache=shared&_busy_timeout=5000")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() Config {
	return Config{
		Image:                        "fleetbot:1.0.0",
		Version:                      "1.0.0",
		DefaultStrategyExchange:      "binance",
		DefaultStrategyStakeCurrency: "USDT",
		InitialState:                 store.BotStateStopped,
		DefaultBotConfig:             store.BotConfig{"max_open_trades": 3.0},
		StrategyPath:                 "",
		APIPort:                      8080,
		PodConfig: podspec.Config{
			Image:              "fleetbot:1.0.0",
			UserDataDir:        "/coingro/user_data",
			StrategiesPVCClaim: "strategies-pvc",
		},
	}
}

func noopBotClientFactory(apiURL string) botclient.BotAPI {
	return &botclient.MockBotAPI{}
}

// A bot with no live pod gets a Pod + Service named after it on the next
// tick; the row stays active.
func TestCheckBots_MissingPodCreatesInstance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bot := &store.Bot{BotID: "coingro01", BotName: "Coingro01", Version: "1.0.0", IsActive: true, State: store.BotStateRunning}
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		return s.CreateBot(ctx, bot)
	}))

	facade := cluster.NewMockFacade()
	r := New(db, facade, noopBotClientFactory, testConfig(), nil)

	require.NoError(t, r.CheckBots(ctx))

	pod, err := facade.GetPod(ctx, "coingro01")
	require.NoError(t, err)
	require.NotNil(t, pod)

	svc, err := facade.GetService(ctx, "coingro01")
	require.NoError(t, err)
	require.NotNil(t, svc)

	var reloaded *store.Bot
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		var err error
		reloaded, err = s.BotByID(ctx, "coingro01")
		return err
	}))
	assert.True(t, reloaded.IsActive)
}

// An outdated pod is replaced on the next tick and Bot.version is bumped
// to the controller's version.
func TestCheckBots_OutdatedPodIsReplaced(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bot := &store.Bot{BotID: "coingro01", BotName: "Coingro01", Version: "0.0.1", IsActive: true, State: store.BotStateRunning}
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		return s.CreateBot(ctx, bot)
	}))
	originalUpdatedAt := bot.UpdatedAt

	facade := cluster.NewMockFacade()
	facade.Pods["coingro01"] = &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "coingro01"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}

	time.Sleep(time.Millisecond)
	r := New(db, facade, noopBotClientFactory, testConfig(), nil)
	require.NoError(t, r.CheckBots(ctx))

	var reloaded *store.Bot
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		var err error
		reloaded, err = s.BotByID(ctx, "coingro01")
		return err
	}))
	assert.Equal(t, "1.0.0", reloaded.Version)
	assert.True(t, reloaded.UpdatedAt.After(originalUpdatedAt))
}

// DeactivateBot with tombstone removes Pod+Service, sets is_active=false
// and deleted_at, and a subsequent CheckBots ignores the bot.
func TestDeactivateBot_TombstoneIsPermanentAndIgnoredAfterwards(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bot := &store.Bot{BotID: "coingro01", BotName: "Coingro01", Version: "1.0.0", IsActive: true, State: store.BotStateRunning}
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		return s.CreateBot(ctx, bot)
	}))

	facade := cluster.NewMockFacade()
	facade.Pods["coingro01"] = &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "coingro01"}}
	facade.Services["coingro01"] = &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "coingro01"}}

	r := New(db, facade, noopBotClientFactory, testConfig(), nil)
	_, err := r.DeactivateBot(ctx, "coingro01", true)
	require.NoError(t, err)

	pod, err := facade.GetPod(ctx, "coingro01")
	require.NoError(t, err)
	assert.Nil(t, pod)
	svc, err := facade.GetService(ctx, "coingro01")
	require.NoError(t, err)
	assert.Nil(t, svc)

	var reloaded *store.Bot
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		var err error
		reloaded, err = s.BotByID(ctx, "coingro01")
		return err
	}))
	assert.False(t, reloaded.IsActive)
	assert.NotNil(t, reloaded.DeletedAt)

	require.NoError(t, r.CheckBots(ctx))
	pod, err = facade.GetPod(ctx, "coingro01")
	require.NoError(t, err)
	assert.Nil(t, pod)
}

// CreateBot with no bot_id never collides with an existing row.
func TestCreateBot_GeneratedIDNeverCollides(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	facade := cluster.NewMockFacade()
	r := New(db, facade, noopBotClientFactory, testConfig(), nil)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		id, _, err := r.CreateBot(ctx, CreateBotParams{})
		require.NoError(t, err)
		assert.False(t, seen[id], "bot id %s must be unique", id)
		seen[id] = true
	}
}

func writePluginDir(t *testing.T, root, pkgName, strategyName string) {
	t.Helper()
	dir := filepath.Join(root, pkgName)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "// strategy-name: " + strategyName + "\n// category: trend\n// tags: sma\n// short-description: test strategy\npackage " + pkgName + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "strategy.go"), []byte(content), 0o644))
}

// A newly discovered plugin materializes a strategy bot (row, Strategy
// record, Pod) named after the plugin, with the bot_id lowercased.
func TestCheckStrategies_NewPluginCreatesStrategyBot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	root := t.TempDir()
	writePluginDir(t, root, "strategy01", "Strategy01")

	cfg := testConfig()
	cfg.StrategyPath = root
	cfg.RecursiveStrategySearch = true

	facade := cluster.NewMockFacade()
	r := New(db, facade, noopBotClientFactory, cfg, nil)
	require.NoError(t, r.CheckStrategies(ctx))

	var bot *store.Bot
	var strat *store.Strategy
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		b, err := s.BotByID(ctx, "strategy01")
		if err != nil {
			return err
		}
		bot = b
		st, err := s.StrategyByName(ctx, "Strategy01")
		strat = st
		return err
	}))
	assert.True(t, bot.IsStrategy)
	assert.True(t, bot.IsActive)
	assert.Equal(t, "Strategy01", bot.BotName)
	assert.Equal(t, store.BotStateRunning, bot.State)
	assert.Equal(t, "binance", bot.Exchange)
	assert.Equal(t, bot.ID, strat.BotID)
	assert.Equal(t, "trend", strat.Category)

	pod, err := facade.GetPod(ctx, "strategy01")
	require.NoError(t, err)
	require.NotNil(t, pod)

	// A second pass discovers nothing new and must not duplicate anything.
	require.NoError(t, r.CheckStrategies(ctx))
}

// A vanished plugin deactivates its backing bot and removes its Pod +
// Service.
func TestCheckStrategies_VanishedPluginDeactivatesBot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	root := t.TempDir()
	writePluginDir(t, root, "strategy01", "Strategy01")

	cfg := testConfig()
	cfg.StrategyPath = root
	cfg.RecursiveStrategySearch = true

	facade := cluster.NewMockFacade()
	r := New(db, facade, noopBotClientFactory, cfg, nil)
	require.NoError(t, r.CheckStrategies(ctx))

	require.NoError(t, os.RemoveAll(filepath.Join(root, "strategy01")))
	require.NoError(t, r.CheckStrategies(ctx))

	var bot *store.Bot
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		b, err := s.BotByID(ctx, "strategy01")
		bot = b
		return err
	}))
	assert.False(t, bot.IsActive)
	assert.Nil(t, bot.DeletedAt, "plugin disappearance deactivates, never tombstones")

	pod, err := facade.GetPod(ctx, "strategy01")
	require.NoError(t, err)
	assert.Nil(t, pod)
	svc, err := facade.GetService(ctx, "strategy01")
	require.NoError(t, err)
	assert.Nil(t, svc)
}

// RefreshStrategies updates a stale strategy's stats from the bot's
// endpoints and stamps latest_refresh.
func TestRefreshStrategies_UpdatesStatsForStaleStrategyOnly(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bot := &store.Bot{BotID: "strategy01", BotName: "Strategy01", Version: "1.0.0", IsActive: true, IsStrategy: true, State: store.BotStateRunning, APIURL: "http://strategy01"}
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		return s.CreateBot(ctx, bot)
	}))

	freshBot := &store.Bot{BotID: "strategy02", BotName: "Strategy02", Version: "1.0.0", IsActive: true, IsStrategy: true, State: store.BotStateRunning, APIURL: "http://strategy02"}
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		return s.CreateBot(ctx, freshBot)
	}))

	stale := time.Now().UTC().Add(-2 * time.Hour)
	fresh := time.Now().UTC().Add(-time.Minute)
	strat := &store.Strategy{StrategyName: "Strategy01", BotID: bot.ID, LatestRefresh: &stale}
	freshStrat := &store.Strategy{StrategyName: "Strategy02", BotID: freshBot.ID, LatestRefresh: &fresh}
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		if err := s.CreateStrategy(ctx, strat); err != nil {
			return err
		}
		return s.CreateStrategy(ctx, freshStrat)
	}))

	factory := func(apiURL string) botclient.BotAPI {
		return &botclient.MockBotAPI{
			ProfitFunc: func(ctx context.Context) (map[string]interface{}, error) {
				return map[string]interface{}{
					"profit_all_ratio_mean": 0.05,
					"profit_all_ratio_sum":  1.5,
					"winning_trades":        float64(10),
					"losing_trades":         float64(2),
				}, nil
			},
			SummaryFunc: func(ctx context.Context) (map[string]interface{}, error) {
				return map[string]interface{}{"best_pair_duration": "2h"}, nil
			},
		}
	}

	facade := cluster.NewMockFacade()
	r := New(db, facade, factory, testConfig(), nil)
	require.NoError(t, r.RefreshStrategies(ctx))

	var reloaded *store.Strategy
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		var err error
		reloaded, err = s.StrategyByName(ctx, "Strategy01")
		return err
	}))
	assert.Equal(t, 0.05, reloaded.ProfitRatioMean)
	assert.Equal(t, int64(12), reloaded.TradeCount)
	assert.Equal(t, "2h", reloaded.BestPairDuration)
	require.NotNil(t, reloaded.LatestRefresh)
	assert.True(t, reloaded.LatestRefresh.After(stale))

	// the recently-refreshed strategy is untouched
	var untouched *store.Strategy
	require.NoError(t, store.WithTx(ctx, db, func(ctx context.Context, s *store.Session) error {
		var err error
		untouched, err = s.StrategyByName(ctx, "Strategy02")
		return err
	}))
	assert.Zero(t, untouched.ProfitRatioMean)
	require.NotNil(t, untouched.LatestRefresh)
	assert.WithinDuration(t, fresh, *untouched.LatestRefresh, time.Second)
}
