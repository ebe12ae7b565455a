// Command fleetd runs the controller's single "start" subcommand: it wires
// the persistence layer, cluster facade, reconciler, supervisor loop, and
// aggregation HTTP server together and blocks until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"fleetd/internal/aggregator"
	"fleetd/internal/botclient"
	"fleetd/internal/cluster"
	"fleetd/internal/config"
	"fleetd/internal/fleeterr"
	"fleetd/internal/logger"
	"fleetd/internal/podspec"
	"fleetd/internal/reconcile"
	"fleetd/internal/store"
	"fleetd/internal/supervisor"
)

const controllerVersion = "1.0.0"

func newApp() *cli.App {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "print the version and exit",
	}

	return &cli.App{
		Name:    "fleetd",
		Usage:   "Kubernetes-resident trading-bot fleet controller",
		Version: controllerVersion,
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Start the controller's reconcile loop and aggregation server",
				Flags:  startFlags,
				Action: runStart,
			},
		},
		// Running with no subcommand is an error, not a help screen with a
		// zero exit code.
		Action: func(c *cli.Context) error {
			_ = cli.ShowAppHelp(c)
			return fmt.Errorf("a subcommand is required")
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		if fleeterr.IsOperational(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var startFlags = []cli.Flag{
	&cli.StringSliceFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a JSON configuration file (repeatable)"},
	&cli.StringFlag{Name: "userdir", Usage: "bot user-data directory override"},
	&cli.StringFlag{Name: "strategy-path", Usage: "strategy plugin directory override"},
	&cli.StringFlag{Name: "db-url", Usage: "database connection string (sqlite://path or postgres://...)"},
	&cli.StringFlag{Name: "logfile", Value: "default", Usage: "log destination: path, syslog[:addr], journald, or default"},
	&cli.BoolFlag{Name: "sd-notify", Usage: "enable systemd sd_notify readiness/watchdog integration"},
	&cli.IntFlag{Name: "verbose", Usage: "verbosity level, 0-3 (shorthand -v/-vv/-vvv is also recognized)"},
}

// verbosityFromArgs recognizes the bare "-v", "-vv", "-vvv" shorthand,
// which urfave/cli v2 has no built-in repeat-counting support for;
// --verbose=N remains the authoritative long form.
func verbosityFromArgs(args []string) int {
	for _, a := range args {
		switch a {
		case "-v":
			return 1
		case "-vv":
			return 2
		case "-vvv":
			return 3
		}
	}
	return 0
}

func runStart(c *cli.Context) error {
	verbosity := c.Int("verbose")
	if verbosity == 0 {
		verbosity = verbosityFromArgs(os.Args)
	}

	// reload re-reads the same config files with the same flag overrides,
	// both at startup and on every RELOAD_CONFIG transition.
	reload := func() (*config.Controller, error) {
		cfg, err := config.Load(c.StringSlice("config"))
		if err != nil {
			return nil, err
		}
		applyFlagOverrides(cfg, c)
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg, err := reload()
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(verbosity, cfg.LogFile)
	if err != nil {
		return fleeterr.NewOperational("main:logger", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	return run(ctx, cfg, reload, log, c.Bool("sd-notify"))
}

func applyFlagOverrides(cfg *config.Controller, c *cli.Context) {
	if v := c.String("userdir"); v != "" {
		cfg.UserDir = v
	}
	if v := c.String("strategy-path"); v != "" {
		cfg.StrategyPath = v
	}
	if v := c.String("db-url"); v != "" {
		cfg.DBURL = v
	}
	if v := c.String("logfile"); v != "" && v != "default" {
		cfg.LogFile = v
	}
	if c.Bool("sd-notify") {
		cfg.Internals.SDNotify = true
	}
}

// run wires every component together and blocks until ctx is cancelled or
// either long-running goroutine reports a fatal error.
func run(ctx context.Context, cfg *config.Controller, reload func() (*config.Controller, error), log *zap.Logger, sdNotify bool) error {
	driver, dsn, err := parseDatabase(cfg.DBURL)
	if err != nil {
		return fleeterr.NewOperational("main:db", err)
	}
	db, err := store.Open(driver, dsn)
	if err != nil {
		return fleeterr.NewOperational("main:db", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fleeterr.NewOperational("main:migrate", err)
	}

	cl, err := cluster.New(cluster.Config{Kubeconfig: cfg.Kubeconfig, Namespace: cfg.Namespace}, log)
	if err != nil {
		return fleeterr.NewOperational("main:cluster", err)
	}

	botClientOf := func(apiURL string) botclient.BotAPI {
		return botclient.New(botclient.Config{
			BaseURL:  apiURL,
			Username: cfg.APIServer.Username,
			Password: cfg.APIServer.Password,
		})
	}
	fullBotClientOf := func(apiURL string) *botclient.Client {
		return botclient.New(botclient.Config{
			BaseURL:  apiURL,
			Username: cfg.APIServer.Username,
			Password: cfg.APIServer.Password,
		})
	}

	// newReconciler rebuilds the reconciler on a RELOAD_CONFIG transition,
	// reusing the already-open database and cluster facade.
	newReconciler := func() (supervisor.Reconciler, error) {
		reloaded, err := reload()
		if err != nil {
			return nil, err
		}
		return reconcile.New(db, cl, botClientOf, reconcilerConfig(reloaded), log), nil
	}

	recon := reconcile.New(db, cl, botClientOf, reconcilerConfig(cfg), log)

	state := supervisor.NewStateStore(supervisorInitialState(cfg))
	sv, err := supervisor.New(supervisor.Config{
		ThrottleSecs:      cfg.Internals.ProcessThrottleSecs,
		HeartbeatInterval: 0,
		SDNotify:          cfg.Internals.SDNotify || sdNotify,
	}, state, newReconciler, log)
	if err != nil {
		return err
	}

	srv := aggregator.New(aggregator.Config{
		ListenAddr:         fmt.Sprintf("%s:%d", cfg.APIServer.ListenIPAddress, cfg.APIServer.ListenPort),
		ControllerVersion:  controllerVersion,
		RateLimitPerMinute: 120,
	}, db, recon, fullBotClientOf, state, sv, log)

	errCh := make(chan error, 2)
	go func() {
		if err := sv.Run(ctx); err != nil && err != context.Canceled {
			errCh <- err
		}
	}()
	if cfg.APIServer.Enabled {
		go func() {
			if err := srv.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func reconcilerConfig(cfg *config.Controller) reconcile.Config {
	return reconcile.Config{
		Image:                        cfg.CGImage,
		Version:                      cfg.CGVersion,
		APIRouterPrefix:              cfg.CGAPIRouterPrefix,
		DefaultStrategyExchange:      cfg.DefaultStrategyExchange,
		DefaultStrategyStakeCurrency: cfg.DefaultStrategyStakeCurrency,
		InitialState:                 cfg.InitialBotState(),
		DefaultBotConfig:             cfg.DefaultBotConfig,
		StrategyPath:                 cfg.StrategyPath,
		RecursiveStrategySearch:      cfg.RecursiveStrategySearch,
		APIPort:                      cfg.CGAPIServerPort,
		PodConfig: podspec.Config{
			Image:               cfg.CGImage,
			UserDataDir:         cfg.UserDir,
			StrategiesPVCClaim:  cfg.CGStrategiesPVCClaim,
			EnvVars:             cfg.CGEnvVars,
			FSGroup:             cfg.CGUserGroupID,
			ResourceRequestsCPU: cfg.ResourceRequestsCPU,
			ResourceRequestsMem: cfg.ResourceRequestsMem,
			ResourceLimitsCPU:   cfg.ResourceLimitsCPU,
			ResourceLimitsMem:   cfg.ResourceLimitsMem,
		},
	}
}

func supervisorInitialState(cfg *config.Controller) supervisor.State {
	if cfg.InitialBotState() == store.BotStateRunning {
		return supervisor.StateRunning
	}
	return supervisor.StateStopped
}

// parseDatabase splits a db-url into the driver name Open expects and its
// DSN.
func parseDatabase(dbURL string) (driver, dsn string, err error) {
	if dbURL == "" {
		return "", "", fmt.Errorf("db-url is required")
	}
	switch {
	case strings.HasPrefix(dbURL, "sqlite://"):
		driver = "sqlite3"
		dsn = strings.TrimPrefix(dbURL, "sqlite://")
		if dsn != ":memory:" {
			if dir := filepath.Dir(dsn); dir != "." {
				if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
					return "", "", fmt.Errorf("creating database directory %s: %w", dir, mkErr)
				}
			}
		}
		return driver, dsn, nil
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		u, parseErr := url.Parse(dbURL)
		if parseErr != nil {
			return "", "", fmt.Errorf("parsing postgres db-url: %w", parseErr)
		}
		return "postgres", u.String(), nil
	default:
		return "", "", fmt.Errorf("unsupported db-url scheme in %q (expected sqlite:// or postgres://)", dbURL)
	}
}
