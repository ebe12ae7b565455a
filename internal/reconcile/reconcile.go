// Package reconcile is the core reconciliation logic: it reads
// bot and strategy intent from the persistence layer and cluster facade and
// drives the observed world toward it, one entity at a time so that a
// single broken bot never stops progress on the rest.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetd/internal/botclient"
	"fleetd/internal/cgversion"
	"fleetd/internal/cluster"
	"fleetd/internal/podspec"
	"fleetd/internal/randname"
	"fleetd/internal/store"
	"fleetd/internal/strategydisc"
)

// RefreshMaxAge is how stale a Strategy's stats may get before
// RefreshStrategies touches it again.
const RefreshMaxAge = time.Hour

// BotClientFactory builds a bot API client for a bot's api_url, so the
// reconciler never owns transport details directly.
type BotClientFactory func(apiURL string) botclient.BotAPI

// Config is the subset of controller configuration the reconciler needs.
type Config struct {
	Image                        string
	Version                      string
	APIRouterPrefix              string
	DefaultStrategyExchange      string
	DefaultStrategyStakeCurrency string
	InitialState                 store.BotState
	DefaultBotConfig             store.BotConfig
	StrategyPath                 string
	RecursiveStrategySearch      bool
	APIPort                      int32
	PodConfig                    podspec.Config
}

// Reconciler owns one reconciliation pass's worth of dependencies. It holds
// no mutable state of its own; everything it needs to make a decision comes
// from the database or the cluster on each call.
type Reconciler struct {
	db          *store.DB
	cluster     cluster.Facade
	botClientOf BotClientFactory
	cfg         Config
	logger      *zap.Logger
}

// New builds a Reconciler.
func New(db *store.DB, facade cluster.Facade, botClientOf BotClientFactory, cfg Config, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, cluster: facade, botClientOf: botClientOf, cfg: cfg, logger: logger}
}

func (r *Reconciler) apiURL(botID string) string {
	if r.cfg.APIRouterPrefix != "" {
		return fmt.Sprintf("http://%s/%s", botID, r.cfg.APIRouterPrefix)
	}
	return fmt.Sprintf("http://%s", botID)
}

// Process runs one full RUNNING-state tick: CheckBots, RefreshStrategies,
// CheckStrategies, in that order. It satisfies the supervisor package's
// Reconciler interface structurally.
func (r *Reconciler) Process(ctx context.Context) error {
	if err := r.CheckBots(ctx); err != nil {
		return err
	}
	if err := r.RefreshStrategies(ctx); err != nil {
		return err
	}
	return r.CheckStrategies(ctx)
}

// ProcessStopped runs the STOPPED-state tick, which does no cluster
// work.
func (r *Reconciler) ProcessStopped(ctx context.Context) error {
	return nil
}

// Startup runs once when entering RUNNING from a different state. The
// reconciler holds no state across ticks, so there is nothing to warm up.
func (r *Reconciler) Startup(ctx context.Context) error {
	return nil
}

// Cleanup releases resources owned by this reconciler instance. The
// database and cluster facade are owned by the process, not the
// reconciler, so a config reload that rebuilds the reconciler has nothing
// to release here.
func (r *Reconciler) Cleanup() error {
	return nil
}

// CheckBots ensures that every active, non-tombstoned Bot has a live Pod
// at the configured version.
func (r *Reconciler) CheckBots(ctx context.Context) error {
	var bots []*store.Bot
	err := store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		var err error
		bots, err = s.GetActiveBots(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing active bots: %w", err)
	}

	for _, bot := range bots {
		if err := r.checkBot(ctx, bot); err != nil {
			r.logger.Warn("check_bots: bot failed", zap.String("bot_id", bot.BotID), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) checkBot(ctx context.Context, bot *store.Bot) error {
	pod, err := r.cluster.GetPod(ctx, bot.BotID)
	if err != nil {
		return err
	}
	outdated, err := cgversion.Outdated(bot.Version, r.cfg.Version)
	if err != nil {
		return fmt.Errorf("comparing bot version: %w", err)
	}

	status := ""
	if pod != nil {
		status = string(pod.Status.Phase)
	}
	live := status == "Running" || status == "Pending"
	if live && !outdated {
		return nil
	}

	envOverrides := map[string]string{}
	if bot.IsStrategy {
		var hasStrategy bool
		err := store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
			_, err := s.StrategyByBotID(ctx, bot.ID)
			if errors.Is(err, store.ErrNotFound) {
				hasStrategy = false
				return nil
			}
			if err != nil {
				return err
			}
			hasStrategy = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("looking up strategy for bot %s: %w", bot.BotID, err)
		}
		if hasStrategy {
			envOverrides = strategyBotEnv(bot.BotName)
		}
	}

	_, _, err = r.CreateBot(ctx, CreateBotParams{
		BotID:        bot.BotID,
		Update:       outdated,
		EnvOverrides: envOverrides,
	})
	return err
}

func strategyName(plugin strategydisc.Plugin) string {
	if plugin.StrategyName != "" {
		return plugin.StrategyName
	}
	return plugin.Name
}

func strategyBotEnv(botName string) map[string]string {
	return map[string]string{
		"COINGRO__STRATEGY":        botName,
		"COINGRO__INITIAL_STATE":   "running",
		"COINGRO__MAX_OPEN_TRADES": "-1",
		"COINGRO__DRY_RUN_WALLET":  "100000",
	}
}

// CreateBotParams describes a requested CreateBot invocation.
type CreateBotParams struct {
	BotID        string
	BotName      string
	UserID       *int64
	IsStrategy   bool
	Update       bool
	EnvOverrides map[string]string
}

// CreateBot is the authoritative bot upsert. It always
// returns the bot's id and name, even when the bot is tombstoned (in which
// case it aborts without mutating anything further).
func (r *Reconciler) CreateBot(ctx context.Context, p CreateBotParams) (botID, botName string, err error) {
	botID, err = r.resolveBotID(ctx, p.BotID)
	if err != nil {
		return "", "", err
	}

	var existing *store.Bot
	err = store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		b, err := s.BotByID(ctx, botID)
		if errors.Is(err, store.ErrNotFound) {
			existing = nil
			return nil
		}
		existing = b
		return err
	})
	if err != nil {
		return "", "", fmt.Errorf("looking up bot %s: %w", botID, err)
	}

	botName = p.BotName
	if botName == "" {
		if existing != nil {
			botName = existing.BotName
		} else {
			botName, err = randname.Name(randname.CryptoSource{})
			if err != nil {
				return "", "", fmt.Errorf("generating bot name: %w", err)
			}
		}
	}

	env := cloneEnv(p.EnvOverrides)
	env["COINGRO__BOT_NAME"] = botName
	if existing != nil {
		env["COINGRO__INITIAL_STATE"] = strings.ToLower(string(existing.State))
	}

	if existing != nil && existing.Tombstoned() {
		return existing.BotID, existing.BotName, nil
	}

	botConfig := r.cfg.DefaultBotConfig.Clone()
	if existing != nil && len(existing.Configuration) > 0 {
		botConfig = existing.Configuration.Clone()
	}
	botConfig["bot_name"] = botName

	pod, svc, err := podspec.Render(botID, botConfig, env, r.cfg.PodConfig, r.cfg.APIPort)
	if err != nil {
		return "", "", fmt.Errorf("rendering pod spec for %s: %w", botID, err)
	}

	livePod, err := r.cluster.GetPod(ctx, botID)
	if err != nil {
		return "", "", err
	}
	if livePod != nil {
		if err := r.cluster.ReplaceBotInstance(ctx, botID, pod); err != nil {
			return "", "", err
		}
	} else {
		if err := r.cluster.CreateBotInstance(ctx, pod, svc); err != nil {
			return "", "", err
		}
	}

	bot := existing
	if bot == nil {
		bot = &store.Bot{
			BotID:      botID,
			BotName:    botName,
			UserID:     p.UserID,
			IsStrategy: p.IsStrategy,
			State:      store.BotStateStopped,
		}
		switch {
		case p.IsStrategy:
			bot.State = store.BotStateRunning
			bot.Strategy = botName
			bot.Exchange = r.cfg.DefaultStrategyExchange
			bot.StakeCurrency = r.cfg.DefaultStrategyStakeCurrency
		case r.cfg.InitialState != "":
			bot.State = r.cfg.InitialState
		}
	}

	bot.Configuration = botConfig
	bot.IsActive = true
	bot.Image = r.cfg.Image
	bot.Version = r.cfg.Version
	bot.APIURL = r.apiURL(botID)

	err = store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		if existing == nil {
			return s.CreateBot(ctx, bot)
		}
		return s.UpdateBot(ctx, bot, p.Update)
	})
	if err != nil {
		return "", "", fmt.Errorf("committing bot %s: %w", botID, err)
	}

	return bot.BotID, bot.BotName, nil
}

func (r *Reconciler) resolveBotID(ctx context.Context, requested string) (string, error) {
	if requested != "" {
		return strings.ToLower(requested), nil
	}
	for {
		candidate, err := randname.BotID()
		if err != nil {
			return "", fmt.Errorf("generating bot id: %w", err)
		}
		var exists bool
		err = store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
			var err error
			exists, err = s.BotExists(ctx, candidate)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("checking bot id collision: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
}

func cloneEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// DeactivateBot idempotently removes the cluster instance, with an
// optional permanent tombstone.
func (r *Reconciler) DeactivateBot(ctx context.Context, botID string, tombstone bool) (string, error) {
	var bot *store.Bot
	err := store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		b, err := s.BotByID(ctx, botID)
		if errors.Is(err, store.ErrNotFound) {
			bot = nil
			return nil
		}
		bot = b
		return err
	})
	if err != nil {
		return "", fmt.Errorf("looking up bot %s: %w", botID, err)
	}
	if bot == nil {
		return "", nil
	}

	if err := r.cluster.DeleteBotInstance(ctx, botID); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	err = store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		if tombstone {
			return s.Tombstone(ctx, botID, now)
		}
		return s.Deactivate(ctx, botID, now)
	})
	if err != nil {
		return "", fmt.Errorf("deactivating bot %s: %w", botID, err)
	}
	return bot.BotID, nil
}

// CheckStrategies reconciles discovered strategy plugins against Strategy
// rows.
func (r *Reconciler) CheckStrategies(ctx context.Context) error {
	plugins, err := strategydisc.Scan(r.cfg.StrategyPath, r.cfg.RecursiveStrategySearch)
	if err != nil {
		return fmt.Errorf("scanning strategy plugins: %w", err)
	}

	var known map[string]bool
	err = store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		var err error
		known, err = s.StrategyNames(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing known strategy names: %w", err)
	}

	present := make(map[string]bool, len(plugins))
	for _, plugin := range plugins {
		name := strategyName(plugin)
		present[name] = true
		if known[name] {
			continue
		}
		if err := r.createStrategyBot(ctx, plugin); err != nil {
			r.logger.Warn("check_strategies: failed creating strategy bot",
				zap.String("strategy", name), zap.Error(err))
		}
	}

	var activeStrategies []*store.Strategy
	err = store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		var err error
		activeStrategies, err = s.GetActiveStrategies(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing active strategies: %w", err)
	}

	for _, strat := range activeStrategies {
		if present[strat.StrategyName] {
			continue
		}
		bot, err := r.botForStrategy(ctx, strat)
		if err != nil || bot == nil {
			continue
		}
		if _, err := r.DeactivateBot(ctx, bot.BotID, false); err != nil {
			r.logger.Warn("check_strategies: failed deactivating vanished strategy bot",
				zap.String("strategy", strat.StrategyName), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) botForStrategy(ctx context.Context, strat *store.Strategy) (*store.Bot, error) {
	var bot *store.Bot
	err := store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		rows, err := s.GetActiveBots(ctx)
		if err != nil {
			return err
		}
		for _, b := range rows {
			if b.ID == strat.BotID {
				bot = b
				return nil
			}
		}
		return nil
	})
	return bot, err
}

func (r *Reconciler) createStrategyBot(ctx context.Context, plugin strategydisc.Plugin) error {
	// The declared strategy name is the bot_name and the Strategy row's
	// key; bot_id is its lowercased form.
	name := strategyName(plugin)
	env := strategyBotEnv(name)
	botID, _, err := r.CreateBot(ctx, CreateBotParams{
		BotID:        name,
		BotName:      name,
		IsStrategy:   true,
		EnvOverrides: env,
	})
	if err != nil {
		return err
	}

	var bot *store.Bot
	err = store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		b, err := s.BotByID(ctx, botID)
		bot = b
		return err
	})
	if err != nil {
		return fmt.Errorf("looking up newly created strategy bot %s: %w", botID, err)
	}

	strat := &store.Strategy{
		StrategyName:     name,
		BotID:            bot.ID,
		Category:         plugin.Category,
		Tags:             plugin.Tags,
		ShortDescription: plugin.ShortDescription,
		LongDescription:  plugin.LongDescription,
	}
	return store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		return s.CreateStrategy(ctx, strat)
	})
}

// RefreshStrategies fetches fresh stats for every active Strategy stale
// by more than RefreshMaxAge. A single strategy's failure is logged at
// WARN and does not stop the others.
func (r *Reconciler) RefreshStrategies(ctx context.Context) error {
	var strategies []*store.Strategy
	err := store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		var err error
		strategies, err = s.GetActiveStrategies(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing active strategies: %w", err)
	}

	now := time.Now().UTC()
	for _, strat := range strategies {
		if !strat.NeedsRefresh(now, RefreshMaxAge) {
			continue
		}
		if err := r.refreshStrategy(ctx, strat); err != nil {
			r.logger.Warn("could not update trade statistics for strategy",
				zap.String("strategy", strat.StrategyName), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) refreshStrategy(ctx context.Context, strat *store.Strategy) error {
	bot, err := r.botForStrategy(ctx, strat)
	if err != nil {
		return err
	}
	if bot == nil {
		return fmt.Errorf("no active bot backs strategy %s", strat.StrategyName)
	}

	client := r.botClientOf(bot.APIURL)

	profit, err := client.Profit(ctx)
	if err != nil {
		return fmt.Errorf("fetching profit: %w", err)
	}
	summary, err := client.Summary(ctx)
	if err != nil {
		return fmt.Errorf("fetching summary: %w", err)
	}

	applyProfitStats(strat, profit)
	applySummaryStats(strat, summary)
	stamp := time.Now().UTC()
	strat.LatestRefresh = &stamp

	return store.WithTx(ctx, r.db, func(ctx context.Context, s *store.Session) error {
		return s.UpdateStrategyStats(ctx, strat)
	})
}

func applyProfitStats(strat *store.Strategy, profit map[string]interface{}) {
	if v, ok := toFloat(profit["profit_all_ratio_mean"]); ok {
		strat.ProfitRatioMean = v
	}
	if v, ok := toFloat(profit["profit_all_ratio_sum"]); ok {
		strat.ProfitRatioSum = v
	}
	winning, _ := toFloat(profit["winning_trades"])
	losing, _ := toFloat(profit["losing_trades"])
	strat.TradeCount = int64(winning + losing)
}

func applySummaryStats(strat *store.Strategy, summary map[string]interface{}) {
	if v, ok := summary["best_pair_duration"].(string); ok {
		strat.BestPairDuration = v
	}
	if v, ok := summary["worst_pair_duration"].(string); ok {
		strat.WorstPairDuration = v
	}
}

func toFloat(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
