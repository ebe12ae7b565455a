// Package supervisor drives the throttled tick loop that owns the
// reconciler's lifecycle: state machine, heartbeat, systemd readiness
// notification, and graceful shutdown.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"fleetd/internal/fleeterr"
)

// State is the supervisor's run state.
type State string

const (
	StateStopped      State = "STOPPED"
	StateRunning      State = "RUNNING"
	StateReloadConfig State = "RELOAD_CONFIG"
)

// RetryTimeout is how long the supervisor sleeps after a transient error
// surfaces from the reconciler.
const RetryTimeout = 30 * time.Second

// Reconciler is the subset of the reconciliation engine the supervisor
// drives. A real implementation wraps reconcile.Reconciler's three passes
// into a single Process call so the supervisor stays agnostic of exactly
// which passes run and in what order within a tick.
type Reconciler interface {
	// Process runs one full tick: check bots, refresh strategy stats,
	// reconcile discovered strategy plugins.
	Process(ctx context.Context) error
	// ProcessStopped runs whatever bookkeeping happens while stopped;
	// the reconciler does no cluster work here.
	ProcessStopped(ctx context.Context) error
	// Startup runs once when entering RUNNING from a different state.
	Startup(ctx context.Context) error
	// Cleanup releases whatever the reconciler instance owns; it runs on
	// shutdown and before a config reload.
	Cleanup() error
}

// ReconcilerFactory builds a fresh Reconciler after a config reload.
type ReconcilerFactory func() (Reconciler, error)

// StateStore lets the aggregation server and the supervisor share the
// controller's run state, so a server-driven stop/start/reload request can
// steer the supervisor. It is the one piece of mutable in-memory state
// they share; everything else flows through the database and the cluster.
type StateStore struct {
	mu    sync.RWMutex
	state State
}

// NewStateStore builds a StateStore seeded with the given initial state.
func NewStateStore(initial State) *StateStore {
	return &StateStore{state: initial}
}

func (s *StateStore) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *StateStore) Set(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Config carries the supervisor's throttle/heartbeat/notify knobs.
type Config struct {
	ThrottleSecs       int
	HeartbeatInterval  time.Duration
	SDNotify           bool
}

// Supervisor is the throttled tick driver.
type Supervisor struct {
	cfg        Config
	state      *StateStore
	newRecon   ReconcilerFactory
	logger     *zap.Logger
	sdNotify   bool

	recon          Reconciler
	lastHeartbeat  time.Time
	lastReconcile  time.Time
	lastReconcileMu sync.RWMutex
}

// New builds a Supervisor. The first Reconciler is built immediately so
// that a configuration error at startup fails fast.
func New(cfg Config, state *StateStore, newRecon ReconcilerFactory, logger *zap.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	recon, err := newRecon()
	if err != nil {
		return nil, fleeterr.NewOperational("supervisor:init", err)
	}

	return &Supervisor{
		cfg:      cfg,
		state:    state,
		newRecon: newRecon,
		logger:   logger,
		sdNotify: cfg.SDNotify,
		recon:    recon,
	}, nil
}

// notify sends a systemd readiness/watchdog message via sd_notify(3) when
// internals.sd_notify is enabled; it is a silent no-op outside systemd
// (NOTIFY_SOCKET unset).
func (sv *Supervisor) notify(state string) {
	if !sv.sdNotify {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		sv.logger.Debug("sd_notify failed", zap.Error(err))
		return
	}
	if sent {
		sv.logger.Debug("sd_notify sent", zap.String("state", state))
	}
}

// LastReconcile returns the timestamp of the most recent completed tick,
// consumed by the aggregation server's /controller_health endpoint.
func (sv *Supervisor) LastReconcile() time.Time {
	sv.lastReconcileMu.RLock()
	defer sv.lastReconcileMu.RUnlock()
	return sv.lastReconcile
}

// Run loops forever, computing the next state by invoking worker(old). It
// returns only when ctx is cancelled, after running one final cleanup
// pass.
func (sv *Supervisor) Run(ctx context.Context) error {
	sv.notify("READY=1")
	var old State
	first := true

	for {
		select {
		case <-ctx.Done():
			sv.shutdown()
			return ctx.Err()
		default:
		}

		state := sv.worker(ctx, old, first)
		first = false
		if state == StateReloadConfig {
			if err := sv.reconfigure(); err != nil {
				sv.logger.Error("config reload failed, remaining on previous reconciler", zap.Error(err))
				sv.state.Set(StateStopped)
				state = StateStopped
			} else {
				state = sv.state.Get()
			}
		}
		old = state
	}
}

// worker runs one iteration: log transitions, notify the watchdog, and
// dispatch to the throttled process function for the current state.
func (sv *Supervisor) worker(ctx context.Context, old State, first bool) State {
	state := sv.state.Get()

	if state != old || first {
		sv.logger.Info("state transition", zap.String("from", string(old)), zap.String("to", string(state)))
		if state == StateRunning {
			if err := sv.recon.Startup(ctx); err != nil {
				sv.logger.Warn("reconciler startup failed", zap.Error(err))
			}
		}
		sv.lastHeartbeat = time.Time{}
	}

	switch state {
	case StateStopped:
		sv.notify(fmt.Sprintf("WATCHDOG=1\nSTATUS=%s", StateStopped))
		sv.throttle(ctx, "process_stopped", sv.recon.ProcessStopped)
	case StateRunning:
		sv.notify(fmt.Sprintf("WATCHDOG=1\nSTATUS=%s", StateRunning))
		sv.throttle(ctx, "process", sv.processRunning)
	}

	sv.maybeHeartbeat(state)
	return state
}

func (sv *Supervisor) maybeHeartbeat(state State) {
	if sv.cfg.HeartbeatInterval <= 0 {
		return
	}
	now := time.Now()
	if sv.lastHeartbeat.IsZero() || now.Sub(sv.lastHeartbeat) > sv.cfg.HeartbeatInterval {
		sv.logger.Info("heartbeat", zap.Int("pid", os.Getpid()), zap.String("state", string(state)))
		sv.lastHeartbeat = now
	}
}

// throttle floor-pads the call to at least ThrottleSecs.
func (sv *Supervisor) throttle(ctx context.Context, name string, fn func(ctx context.Context) error) {
	floor := time.Duration(sv.cfg.ThrottleSecs) * time.Second
	start := time.Now()
	if err := fn(ctx); err != nil {
		sv.logger.Warn("throttled call returned error", zap.String("call", name), zap.Error(err))
	}
	elapsed := time.Since(start)
	if sleep := floor - elapsed; sleep > 0 {
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
		}
	}
}

// processRunning runs a tick and classifies its error: a Transient error
// sleeps RetryTimeout; an Operational error parks the reconciler into
// STOPPED.
func (sv *Supervisor) processRunning(ctx context.Context) error {
	err := sv.recon.Process(ctx)
	sv.lastReconcileMu.Lock()
	sv.lastReconcile = time.Now().UTC()
	sv.lastReconcileMu.Unlock()

	if err == nil {
		return nil
	}

	switch {
	case fleeterr.IsTransient(err):
		sv.logger.Warn("transient error during tick, retrying after timeout", zap.Error(err))
		select {
		case <-time.After(RetryTimeout):
		case <-ctx.Done():
		}
		return nil
	case fleeterr.IsOperational(err):
		sv.logger.Error("operational error during tick, parking in STOPPED", zap.Error(err))
		sv.state.Set(StateStopped)
		return nil
	default:
		sv.logger.Error("unclassified error during tick", zap.Error(err))
		return nil
	}
}

// reconfigure re-reads configuration and instantiates a fresh reconciler
// in place.
func (sv *Supervisor) reconfigure() error {
	sv.notify("RELOADING=1")
	if err := sv.recon.Cleanup(); err != nil {
		sv.logger.Warn("cleanup before reconfigure failed", zap.Error(err))
	}
	recon, err := sv.newRecon()
	if err != nil {
		return fmt.Errorf("building reconciler for reload: %w", err)
	}
	sv.recon = recon
	sv.notify("READY=1")
	return nil
}

// shutdown notifies STOPPING and cleans up.
func (sv *Supervisor) shutdown() {
	sv.notify("STOPPING=1")
	if err := sv.recon.Cleanup(); err != nil {
		sv.logger.Warn("cleanup on shutdown failed", zap.Error(err))
	}
}
