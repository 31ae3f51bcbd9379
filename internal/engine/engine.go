// Package engine is the multi-tenant document store. Every tenant database
// is identified by (owner id, database name) and lives in one shared index
// backend under its own name prefix.
//
// All engine state sits behind one reader/writer lock: reads share it,
// every mutation takes it exclusively. Optimization runs synchronously at
// the tail of mutations and observer callbacks run after the lock is
// released, so no goroutine outlives a call.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Aman-CERP/searchstore/internal/errors"
	"github.com/Aman-CERP/searchstore/internal/index"
	"github.com/Aman-CERP/searchstore/internal/migrate"
	"github.com/Aman-CERP/searchstore/internal/model"
	"github.com/Aman-CERP/searchstore/internal/observer"
	"github.com/Aman-CERP/searchstore/internal/optimize"
	"github.com/Aman-CERP/searchstore/internal/prefix"
	"github.com/Aman-CERP/searchstore/internal/telemetry"
	"github.com/Aman-CERP/searchstore/internal/visibility"
)

// Config configures an Engine.
type Config struct {
	Optimize            optimize.Config
	Migration           migrate.Config
	VisibilityCacheSize int

	// Registerer receives the engine's metrics. Nil keeps them private.
	Registerer prometheus.Registerer
	Logger     *slog.Logger

	// Now is the clock for the optimize scheduler.
	Now func() time.Time
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Optimize:            optimize.DefaultConfig(),
		Migration:           migrate.Config{Parallelism: 4},
		VisibilityCacheSize: visibility.DefaultCacheSize,
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	mu sync.RWMutex

	backend    index.Backend
	visibility *visibility.Store
	scheduler  *optimize.Scheduler
	observers  *observer.Manager
	metrics    *telemetry.Metrics
	queries    *telemetry.QueryStats
	logger     *slog.Logger
	cfg        Config

	// databases maps a prefix to its prefixed schema types.
	databases map[string]map[string]struct{}
	// namespaces maps a prefix to the prefixed namespaces it has written.
	namespaces map[string]map[string]struct{}

	closed bool
}

// New opens an engine over backend and rebuilds the database and namespace
// maps from what the backend already holds.
func New(ctx context.Context, backend index.Backend, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Migration.Logger = logger

	vis, err := visibility.New(backend,
		visibility.WithLogger(logger),
		visibility.WithCacheSize(cfg.VisibilityCacheSize))
	if err != nil {
		return nil, err
	}
	if err := vis.Initialize(ctx); err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}

	var schedOpts []optimize.Option
	if cfg.Now != nil {
		schedOpts = append(schedOpts, optimize.WithClock(cfg.Now))
	}

	e := &Engine{
		backend:    backend,
		visibility: vis,
		scheduler:  optimize.NewScheduler(cfg.Optimize, schedOpts...),
		observers:  observer.NewManager(),
		metrics:    metrics,
		queries:    telemetry.NewQueryStats(100, 100),
		logger:     logger,
		cfg:        cfg,
	}
	if err := e.rebuildMaps(ctx); err != nil {
		return nil, err
	}

	logger.Info("engine_opened",
		slog.Int("databases", len(e.databases)),
		slog.Bool("auto_optimize", !e.scheduler.Disabled()))
	return e, nil
}

// rebuildMaps reloads the database and namespace maps from the backend.
func (e *Engine) rebuildMaps(ctx context.Context) error {
	s, err := e.backend.GetSchema(ctx)
	if err != nil {
		return errors.Backend("get schema", err)
	}
	e.databases = make(map[string]map[string]struct{})
	for _, t := range s.Types {
		p, err := prefix.Get(t.Name)
		if err != nil {
			return err
		}
		if p == visibility.Prefix {
			continue
		}
		addTo(e.databases, p, t.Name)
	}

	e.namespaces = make(map[string]map[string]struct{})
	return e.refreshNamespaces(ctx)
}

// refreshNamespaces rebuilds the namespace map from the backend's live
// namespaces.
func (e *Engine) refreshNamespaces(ctx context.Context) error {
	all, err := e.backend.Namespaces(ctx)
	if err != nil {
		return errors.Backend("namespaces", err)
	}
	next := make(map[string]map[string]struct{})
	for _, ns := range all {
		p, err := prefix.Get(ns)
		if err != nil {
			return err
		}
		if p == visibility.Prefix {
			continue
		}
		addTo(next, p, ns)
	}
	e.namespaces = next
	e.metrics.SetDatabases(len(e.databases))
	return nil
}

func addTo(m map[string]map[string]struct{}, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[value] = struct{}{}
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) checkOpen() error {
	if e.closed {
		return errors.StoreClosed("engine")
	}
	return nil
}

// prefixFor validates a tenant's coordinates and returns its prefix.
func prefixFor(ownerID, databaseName string) (string, error) {
	if ownerID == visibility.OwnerID {
		return "", errors.InvalidArgumentf("owner id %q is reserved", ownerID)
	}
	return prefix.Create(ownerID, databaseName)
}

// observe records the outcome of an operation in the metrics.
func (e *Engine) observe(op string, start time.Time, err *error) {
	e.metrics.Observe(op, start, *err)
	if *err != nil {
		e.logger.Debug("operation_failed",
			append([]any{slog.String("op", op)}, errors.FormatForLog(*err)...)...)
	}
}

// dispatch delivers queued observer notifications. Deferred before the
// lock so it runs once the lock is released.
func (e *Engine) dispatch() {
	e.observers.Dispatch(func(caller model.CallerIdentity, pkg, prefixedType string) bool {
		return caller.PackageName == pkg || e.visibility.IsSearchableByCaller(prefixedType, caller)
	})
}

// Prefixes returns the prefixes of every database with a schema.
func (e *Engine) Prefixes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.databases))
	for p := range e.databases {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// QueryStats returns a digest of recent query terms.
func (e *Engine) QueryStats(limit int) telemetry.QueryStatsSnapshot {
	return e.queries.Snapshot(limit)
}

// RegisterObserver subscribes obs, acting for caller, to changes in the
// databases of targetPackage.
func (e *Engine) RegisterObserver(caller model.CallerIdentity, targetPackage string, spec observer.Spec, obs observer.Observer) error {
	if targetPackage == "" {
		return errors.InvalidArgument("target package cannot be empty")
	}
	if obs == nil {
		return errors.InvalidArgument("observer cannot be nil")
	}
	e.observers.Register(caller, targetPackage, spec, obs)
	return nil
}

// UnregisterObserver removes obs from targetPackage.
func (e *Engine) UnregisterObserver(targetPackage string, obs observer.Observer) {
	e.observers.Unregister(targetPackage, obs)
}

// Reset drops every database, document and visibility record.
func (e *Engine) Reset(ctx context.Context) (err error) {
	defer e.observe("reset", time.Now(), &err)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.backend.Reset(ctx); err != nil {
		return errors.Backend("reset", err)
	}
	e.visibility.Reset()
	if err := e.visibility.Initialize(ctx); err != nil {
		return err
	}
	e.databases = make(map[string]map[string]struct{})
	e.namespaces = make(map[string]map[string]struct{})
	e.observers.Discard()
	e.metrics.SetDatabases(0)
	e.logger.Info("engine_reset")
	return nil
}

// Close persists and closes the backend. Further calls fail.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.backend.PersistToDisk(context.Background()); err != nil {
		e.logger.Warn("persist_on_close_failed", errors.FormatForLog(err)...)
	}
	return errors.Backend("close", e.backend.Close())
}
