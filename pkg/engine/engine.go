// Package engine assembles a sagaflow runtime from configuration: the saga store,
// the lifecycle event publisher, metrics and the recovery supervisor.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/eventbus"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/metrics"
	"github.com/goclaw/sagaflow/pkg/recovery"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/saga/postgres"
)

// ErrNotRunning is returned by operations that need a started engine.
var ErrNotRunning = errors.New("engine is not running")

// State represents the current state of the engine.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Engine owns the process-wide saga infrastructure.
type Engine struct {
	cfg  *config.Config
	base logger.Logger
	log  logger.Logger

	mu    sync.RWMutex
	state State

	store      saga.Store
	metrics    *metrics.Manager
	bus        *eventbus.MemoryBus
	transport  eventbus.Transport
	redis      redis.UniversalClient
	publisher  *eventbus.Publisher
	events     saga.EventPublisher
	supervisor *recovery.Supervisor

	checks  map[string]Check
	closers []func() error
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithStore uses store instead of opening the configured backend.
func WithStore(store saga.Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithMetrics sets the metrics manager for the engine.
func WithMetrics(manager *metrics.Manager) Option {
	return func(e *Engine) {
		if manager != nil {
			e.metrics = manager
		}
	}
}

// WithRedisClient sets the shared Redis client used by the redis event transport.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(e *Engine) {
		if client != nil {
			e.redis = client
		}
	}
}

// WithTransport overrides the configured event transport.
func WithTransport(transport eventbus.Transport) Option {
	return func(e *Engine) {
		if transport != nil {
			e.transport = transport
		}
	}
}

// New opens every configured component. On error, whatever was opened is closed.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if log == nil {
		log = logger.Global()
	}
	e := &Engine{
		cfg:    cfg,
		base:   log,
		log:    log.With("component", "engine"),
		state:  StateIdle,
		events: saga.NopPublisher{},
		checks: make(map[string]Check),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.metrics == nil {
		e.metrics = metrics.NewManager(metricsConfig(cfg.Metrics))
	}

	if err := e.openStore(ctx); err != nil {
		e.close()
		return nil, err
	}
	if err := e.openEvents(ctx); err != nil {
		e.close()
		return nil, err
	}
	if err := e.openRecovery(); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func metricsConfig(cfg config.MetricsConfig) metrics.Config {
	out := metrics.DefaultConfig()
	out.Enabled = cfg.Enabled
	out.Port = cfg.Port
	out.Path = cfg.Path
	return out
}

func (e *Engine) openStore(ctx context.Context) error {
	if e.store == nil {
		switch e.cfg.Storage.Type {
		case "", "memory":
			e.store = saga.NewMemoryStore()
		case "badger":
			store, err := saga.OpenBadgerStore(saga.BadgerConfig{
				Path:       e.cfg.Storage.Badger.Path,
				InMemory:   e.cfg.Storage.Badger.InMemory,
				SyncWrites: e.cfg.Storage.Badger.SyncWrites,
			})
			if err != nil {
				return fmt.Errorf("open badger store: %w", err)
			}
			e.store = store
			e.closers = append(e.closers, store.Close)
		case "postgres":
			db, err := e.openPostgres(ctx)
			if err != nil {
				return err
			}
			store, err := postgres.NewStore(db)
			if err != nil {
				_ = db.Close()
				return err
			}
			e.store = store
			e.closers = append(e.closers, db.Close)
			e.checks["postgres"] = db.PingContext
		default:
			return fmt.Errorf("unsupported storage type %q", e.cfg.Storage.Type)
		}
		e.log.Info("Initialized saga store", "type", e.cfg.Storage.Type)
	}

	store := e.store
	e.checks["store"] = func(ctx context.Context) error {
		_, err := store.GetInstance(ctx, "__health__")
		if err == nil || errors.Is(err, saga.ErrSagaNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) openPostgres(ctx context.Context) (*sql.DB, error) {
	pg := e.cfg.Storage.Postgres
	db, err := postgres.Open(ctx, postgres.Config{
		URL:             pg.URL,
		PingTimeout:     pg.PingTimeout,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: pg.ConnMaxLifetime,
		ConnMaxIdleTime: pg.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if pg.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (e *Engine) openEvents(ctx context.Context) error {
	if !e.cfg.Events.Enabled {
		return nil
	}
	if e.transport == nil {
		switch e.cfg.Events.Transport {
		case "", "memory":
			e.bus = eventbus.NewMemoryBus()
			e.transport = e.bus
		case "redis":
			if e.redis == nil {
				client := redis.NewClient(&redis.Options{
					Addr:     e.cfg.Events.Redis.Address,
					Password: e.cfg.Events.Redis.Password,
					DB:       e.cfg.Events.Redis.DB,
				})
				e.redis = client
				e.closers = append(e.closers, client.Close)
			}
			if err := e.redis.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("connect redis %s: %w", e.cfg.Events.Redis.Address, err)
			}
			transport, err := eventbus.NewRedisTransport(e.redis)
			if err != nil {
				return err
			}
			e.transport = transport
			client := e.redis
			e.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		default:
			return fmt.Errorf("unsupported event transport %q", e.cfg.Events.Transport)
		}
	}

	pub := e.cfg.Events.Publish
	publisher, err := eventbus.NewPublisher(e.cfg.Events.NodeID, e.transport, eventbus.RetryConfig{
		MaxRetries:     pub.MaxRetries,
		InitialBackoff: pub.InitialBackoff,
		MaxBackoff:     pub.MaxBackoff,
		BackoffFactor:  pub.BackoffFactor,
		Jitter:         pub.Jitter,
	}, e.metrics, eventbus.WithSchemaRouter(eventbus.NewSagaSchemaRouter()))
	if err != nil {
		return fmt.Errorf("create event publisher: %w", err)
	}
	e.publisher = publisher
	e.events = eventbus.NewSagaPublisher(publisher)
	e.log.Info("Initialized saga event publisher", "transport", e.cfg.Events.Transport, "node_id", e.cfg.Events.NodeID)
	return nil
}

func (e *Engine) openRecovery() error {
	if !e.cfg.Recovery.Enabled {
		return nil
	}
	rc := e.cfg.Recovery
	supervisor, err := recovery.New(e.store, recovery.Config{
		Interval:       rc.Interval,
		StuckThreshold: rc.StuckThreshold,
		Retention:      rc.Retention,
		ResumeRate:     rc.ResumeRate,
		ResumeBurst:    rc.ResumeBurst,
	},
		recovery.WithPublisher(e.events),
		recovery.WithLogger(e.base),
		recovery.WithMetrics(e.metrics),
	)
	if err != nil {
		return fmt.Errorf("create recovery supervisor: %w", err)
	}
	e.supervisor = supervisor
	return nil
}

// Start starts background components.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		return fmt.Errorf("engine is already running")
	}
	if e.state == StateStopped {
		return fmt.Errorf("engine has been stopped")
	}
	if e.supervisor != nil {
		if err := e.supervisor.Start(ctx); err != nil {
			e.state = StateError
			return fmt.Errorf("start recovery supervisor: %w", err)
		}
	}
	e.state = StateRunning
	e.log.Info("Engine started",
		"storage", e.cfg.Storage.Type,
		"events", e.cfg.Events.Enabled,
		"recovery", e.supervisor != nil,
	)
	return nil
}

// Stop stops background components and releases the store and transports.
func (e *Engine) Stop(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStopped {
		return nil
	}
	if e.supervisor != nil {
		e.supervisor.Stop()
	}
	err := e.close()
	e.state = StateStopped
	e.log.Info("Engine stopped")
	return err
}

func (e *Engine) close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// State returns the current state of the engine.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// IsHealthy reports whether the engine has not failed.
func (e *Engine) IsHealthy() bool {
	return e.State() != StateError
}

// IsReady reports whether the engine is running.
func (e *Engine) IsReady() bool {
	return e.State() == StateRunning
}

// Checks returns the readiness checks of the opened components.
func (e *Engine) Checks() map[string]Check {
	out := make(map[string]Check, len(e.checks)+1)
	for name, check := range e.checks {
		out[name] = check
	}
	out["engine"] = func(context.Context) error {
		if !e.IsReady() {
			return fmt.Errorf("engine is %s", e.State())
		}
		return nil
	}
	return out
}

// Store returns the saga store.
func (e *Engine) Store() saga.Store { return e.store }

// Metrics returns the metrics manager.
func (e *Engine) Metrics() *metrics.Manager { return e.metrics }

// Events returns the lifecycle publisher handed to orchestrators.
func (e *Engine) Events() saga.EventPublisher { return e.events }

// Bus returns the in-process bus when the memory transport is configured.
func (e *Engine) Bus() *eventbus.MemoryBus { return e.bus }

// Supervisor returns the recovery supervisor, or nil when recovery is disabled.
func (e *Engine) Supervisor() *recovery.Supervisor { return e.supervisor }

// OrchestratorOptions wires an orchestrator to this engine's store, events, logger and metrics.
func (e *Engine) OrchestratorOptions(extra ...saga.Option) []saga.Option {
	opts := []saga.Option{
		saga.WithStore(e.store),
		saga.WithPublisher(e.events),
		saga.WithLogger(e.base),
		saga.WithMetrics(e.metrics),
	}
	return append(opts, extra...)
}

// NewContext creates an execution context carrying the configured saga-level retry budget.
func (e *Engine) NewContext(sagaType string, opts ...saga.ContextOption) *saga.ExecutionContext {
	all := append([]saga.ContextOption{saga.WithMaxRetries(e.cfg.Saga.MaxRetries)}, opts...)
	return saga.NewExecutionContext(sagaType, e.cfg.Events.NodeID, all...)
}

// StepRetry returns the configured default step retry budget and delay.
func (e *Engine) StepRetry() (int, time.Duration) {
	return e.cfg.Saga.StepRetries, e.cfg.Saga.StepRetryDelay
}

// Register installs the resumer the recovery supervisor uses for sagaType.
func (e *Engine) Register(sagaType string, resumer recovery.Resumer) error {
	if e.supervisor == nil {
		return fmt.Errorf("register %s: recovery is disabled", sagaType)
	}
	return e.supervisor.Register(sagaType, resumer)
}
