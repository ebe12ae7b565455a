// Package aggregator is the controller's own REST API: it serves
// controller-local endpoints, bot-control endpoints that delegate to the
// reconciler, and a per-bot dispatch surface that forwards a request to
// one bot's own REST API via the bot client.
package aggregator

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"fleetd/internal/authctx"
	"fleetd/internal/botclient"
	"fleetd/internal/logger"
	"fleetd/internal/reconcile"
	"fleetd/internal/store"
	"fleetd/internal/supervisor"
)

// BotClientFactory builds a full bot client (every endpoint, not just
// the reconciler's narrow BotAPI subset) for a bot's api_url.
type BotClientFactory func(apiURL string) *botclient.Client

// Config carries what the server needs beyond its collaborators.
type Config struct {
	ListenAddr              string
	ControllerVersion       string
	SupportedExchanges      []string
	SupportedStakeCurrencies []string
	AllowedOrigins          []string
	RateLimitPerMinute      int
}

// Server is the aggregation server, owned explicitly by the process
// rather than living in any package-global state.
type Server struct {
	cfg       Config
	db        *store.DB
	recon     *reconcile.Reconciler
	clientOf  BotClientFactory
	state     *supervisor.StateStore
	health    *supervisor.Supervisor
	logger    *zap.Logger
	startedAt time.Time

	httpServer *http.Server
}

// New builds a Server and its router; call Start to begin serving.
func New(cfg Config, db *store.DB, recon *reconcile.Reconciler, clientOf BotClientFactory,
	state *supervisor.StateStore, health *supervisor.Supervisor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		db:        db,
		recon:     recon,
		clientOf:  clientOf,
		state:     state,
		health:    health,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.router(),
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(s.cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-User-Id", "X-Bot-Id"},
		AllowCredentials: true,
	}))
	if s.cfg.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMinute, time.Minute))
	}
	r.Use(s.requestLogger)
	r.Use(s.principalMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", s.handlePing)
		r.Get("/controller_version", s.handleControllerVersion)
		r.Get("/controller_sysinfo", s.handleControllerSysinfo)
		r.Get("/controller_health", s.handleControllerHealth)
		r.Get("/strategies", s.handleStrategies)
		r.Get("/strategy/{name}", s.handleStrategyByName)
		r.Get("/settings_options", s.handleSettingsOptions)

		r.Post("/create_bot", s.handleCreateBot)
		r.Post("/activate_bot", s.handleActivateBot)
		r.Post("/deactivate_bot", s.handleDeactivateBot)
		r.Post("/delete_bot", s.handleDeleteBot)

		r.Route("/bot/{botId}", func(r chi.Router) {
			r.Get("/ping", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Ping(rq.Context())
			}, schemaObject, nil))
			r.Get("/version", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Version(rq.Context())
			}, schemaObject, nil))
			r.Get("/balance", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Balance(rq.Context())
			}, schemaObject, nil))
			r.Get("/count", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Count(rq.Context())
			}, schemaObject, nil))
			r.Get("/performance", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Performance(rq.Context())
			}, schemaArray, nil))
			r.Get("/profit", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Profit(rq.Context())
			}, schemaObject, nil))
			r.Get("/stats", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Stats(rq.Context())
			}, schemaObject, nil))
			r.Get("/daily", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Daily(rq.Context(), queryInt(rq, "timescale", 7))
			}, schemaObject, nil))
			r.Get("/status", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Status(rq.Context())
			}, schemaArray, nil))
			r.Get("/trades", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Trades(rq.Context(), queryInt(rq, "limit", 500), queryInt(rq, "offset", 0))
			}, schemaObject, nil))
			r.Get("/trade/{id}", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Trade(rq.Context(), pathInt64(rq, "id"))
			}, schemaObject, nil))
			r.Delete("/trades/{id}", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.DeleteTrade(rq.Context(), pathInt64(rq, "id"))
			}, schemaObject, nil))
			r.Get("/show_config", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.ShowConfig(rq.Context())
			}, schemaObject, nil))
			r.Post("/forceenter", s.proxyBody(func(c *botclient.Client, rq *http.Request, body map[string]interface{}) (interface{}, error) {
				return c.ForceEnter(rq.Context(), body)
			}, schemaObject, nil))
			r.Post("/forceexit", s.proxyBody(func(c *botclient.Client, rq *http.Request, body map[string]interface{}) (interface{}, error) {
				return c.ForceExit(rq.Context(), body)
			}, schemaObject, nil))
			r.Get("/blacklist", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.GetBlacklist(rq.Context())
			}, schemaObject, nil))
			r.Post("/blacklist", s.proxyBody(func(c *botclient.Client, rq *http.Request, body map[string]interface{}) (interface{}, error) {
				return c.AddBlacklist(rq.Context(), body)
			}, schemaObject, nil))
			r.Delete("/blacklist", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.DeleteBlacklist(rq.Context())
			}, schemaObject, nil))
			r.Get("/whitelist", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Whitelist(rq.Context())
			}, schemaObject, nil))
			r.Get("/locks", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Locks(rq.Context())
			}, schemaObject, nil))
			r.Delete("/locks/{id}", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.DeleteLock(rq.Context(), pathInt64(rq, "id"))
			}, schemaObject, nil))
			r.Post("/locks/delete", s.proxyBody(func(c *botclient.Client, rq *http.Request, body map[string]interface{}) (interface{}, error) {
				return c.DeleteLockByPair(rq.Context(), body)
			}, schemaObject, nil))
			r.Get("/logs", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Logs(rq.Context(), queryInt(rq, "limit", 100))
			}, schemaObject, nil))
			r.Post("/start", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Start(rq.Context())
			}, schemaObject, mutateState(store.BotStateRunning)))
			r.Post("/stop", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Stop(rq.Context())
			}, schemaObject, mutateState(store.BotStateStopped)))
			r.Post("/stopbuy", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.StopBuy(rq.Context())
			}, schemaObject, nil))
			r.Post("/reload_config", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.ReloadConfig(rq.Context())
			}, schemaObject, mutateState(store.BotStateReload)))
			r.Get("/sysinfo", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.SysInfo(rq.Context())
			}, schemaObject, nil))
			r.Get("/health", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Health(rq.Context())
			}, schemaObject, nil))
			r.Get("/state", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.State(rq.Context())
			}, schemaObject, nil))
			r.Post("/exchange", s.proxyBody(func(c *botclient.Client, rq *http.Request, body map[string]interface{}) (interface{}, error) {
				return c.SetExchange(rq.Context(), body)
			}, schemaObject, mutateExchange))
			r.Post("/strategy", s.proxyBody(func(c *botclient.Client, rq *http.Request, body map[string]interface{}) (interface{}, error) {
				return c.SetStrategy(rq.Context(), body)
			}, schemaObject, nil))
			r.Post("/settings", s.proxyBody(func(c *botclient.Client, rq *http.Request, body map[string]interface{}) (interface{}, error) {
				return c.SetSettings(rq.Context(), body)
			}, schemaObject, mutateConfiguration))
			r.Post("/reset_original_config", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.ResetOriginalConfig(rq.Context())
			}, schemaObject, nil))
			r.Get("/timeunit_profit", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.TimeunitProfit(rq.Context(), queryString(rq, "timeunit", "days"), queryInt(rq, "timescale", 7))
			}, schemaObject, nil))
			r.Get("/summary", s.proxyGet(func(c *botclient.Client, rq *http.Request) (interface{}, error) {
				return c.Summary(rq.Context())
			}, schemaObject, nil))
		})
	})

	return r
}

// requestLogger seeds each request's context with a request-scoped logger
// so downstream helpers log with the component and request id attached.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithComponent(logger.WithLogger(r.Context(), s.logger), "aggregator")
		if reqID := chimw.GetReqID(ctx); reqID != "" {
			ctx = logger.WithFields(ctx, zap.String("request_id", reqID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// Start begins serving and blocks until the context is cancelled, at
// which point it gracefully shuts down, refusing new connections while
// draining in-flight ones.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("aggregation server listening", zap.String("addr", s.cfg.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close shuts the server down gracefully, waiting up to 5s for in-flight
// requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "pong"})
}

func (s *Server) handleControllerVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"version": s.cfg.ControllerVersion})
}

func (s *Server) handleControllerSysinfo(w http.ResponseWriter, r *http.Request) {
	snap := sysinfoSnapshot(r.Context())
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleControllerHealth(w http.ResponseWriter, r *http.Request) {
	var last *time.Time
	if s.health != nil {
		t := s.health.LastReconcile()
		if !t.IsZero() {
			last = &t
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":          string(s.state.Get()),
		"last_reconcile": last,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	})
}

func (s *Server) handleSettingsOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exchanges":        s.cfg.SupportedExchanges,
		"stake_currencies": s.cfg.SupportedStakeCurrencies,
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	var strategies []*store.Strategy
	err := store.WithTx(r.Context(), s.db, func(ctx context.Context, sess *store.Session) error {
		var err error
		strategies, err = sess.GetActiveStrategies(ctx)
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, strategies)
}

func (s *Server) handleStrategyByName(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var strat *store.Strategy
	err := store.WithTx(r.Context(), s.db, func(ctx context.Context, sess *store.Session) error {
		var err error
		strat, err = sess.StrategyByName(ctx, name)
		return err
	})
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "strategy not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, strat)
}

type createBotRequest struct {
	BotID   string `json:"bot_id"`
	BotName string `json:"bot_name"`
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var userID *int64
	if p, err := authctx.FromContextSafe(r.Context()); err == nil {
		id := p.UserID
		userID = &id
	}
	botID, botName, err := s.recon.CreateBot(r.Context(), reconcile.CreateBotParams{
		BotID: req.BotID, BotName: req.BotName, UserID: userID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"bot_id": botID, "bot_name": botName})
}

func (s *Server) handleActivateBot(w http.ResponseWriter, r *http.Request) {
	botID := queryString(r, "botId", "")
	botID, _, err := s.recon.CreateBot(r.Context(), reconcile.CreateBotParams{BotID: botID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"bot_id": botID})
}

func (s *Server) handleDeactivateBot(w http.ResponseWriter, r *http.Request) {
	s.deactivate(w, r, false)
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	s.deactivate(w, r, true)
}

func (s *Server) deactivate(w http.ResponseWriter, r *http.Request, tombstone bool) {
	botID := queryString(r, "botId", "")
	botID, err := s.recon.DeactivateBot(r.Context(), botID, tombstone)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"bot_id": botID})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func queryString(r *http.Request, name, def string) string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	return v
}

func pathInt64(r *http.Request, name string) int64 {
	v := chi.URLParam(r, name)
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
