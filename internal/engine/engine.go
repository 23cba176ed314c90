// Package engine wires the texture store, the streaming scheduler and the
// eviction loops into one handle owned by the host application.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"texstream/internal/asset"
	"texstream/internal/cache"
	"texstream/internal/filter"
	"texstream/internal/logging"
	"texstream/internal/optimizer"
	"texstream/internal/storage"
	"texstream/internal/streaming"
	"texstream/pkg/config"
)

// ErrEngineClosed is returned by Start on a closed engine.
var ErrEngineClosed = errors.New("engine closed")

// Options configures an Engine.
type Options struct {
	Config *config.Config // nil uses config.Default()
	Source asset.Source
	Logger *logging.Logger
	// Now overrides the store clock, for tests.
	Now func() time.Time
}

// Statistics is a snapshot of the whole engine.
type Statistics struct {
	CachedCount  int     `json:"cached_count"`
	CurrentBytes int64   `json:"current_bytes"`
	MaxBytes     int64   `json:"max_bytes"`
	UsagePercent float64 `json:"usage_percent"`

	Hits                  uint64  `json:"hits"`
	Misses                uint64  `json:"misses"`
	HitRate               float64 `json:"hit_rate"`
	Loads                 uint64  `json:"loads"`
	LoadFailures          uint64  `json:"load_failures"`
	OptimizationFallbacks uint64  `json:"optimization_fallbacks"`
	Evictions             uint64  `json:"evictions"`
	Referenced            int     `json:"referenced"`

	PressureLevel string                    `json:"pressure_level"`
	Candidates    streaming.CandidateCounts `json:"candidates"`
	Ticks         uint64                    `json:"ticks"`
	IdleSweeps    uint64                    `json:"idle_sweeps"`
	Filter        filter.FilterStats        `json:"filter"`
}

// Engine is the texture streaming engine. Construct one per process and
// pass it to whatever needs textures.
type Engine struct {
	cfg       *config.Config
	logger    *logging.Logger
	optimizer *optimizer.Optimizer
	store     *storage.Store
	scheduler *streaming.Scheduler

	viewMu    sync.RWMutex
	viewpoint streaming.Vec3

	lifecycle sync.Mutex
	started   bool
	closed    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	ticks      atomic.Uint64
	idleSweeps atomic.Uint64
}

// New builds an engine from configuration.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("engine requires an asset source")
	}

	profile, err := optimizer.ParseProfile(cfg.PlatformEncodingProfile)
	if err != nil {
		return nil, err
	}
	opt, err := optimizer.New(optimizer.Options{
		MaxResidentDimension: cfg.MaxResidentDimension,
		Profile:              profile,
		GenerateMipChain:     cfg.GenerateMipChain,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}

	maxMemory, err := cfg.MaxMemoryBytes()
	if err != nil {
		return nil, err
	}
	budget, err := storage.NewMemoryBudget("textures", maxMemory)
	if err != nil {
		return nil, err
	}
	warning, critical, panicLevel := cfg.PressureThresholds()
	if err := budget.SetPressureThresholds(warning, critical, panicLevel); err != nil {
		return nil, fmt.Errorf("invalid pressure thresholds: %w", err)
	}

	policy, err := cache.NewIdlePolicy(cache.IdlePolicyConfig{
		IdleTimeout:      cfg.IdleTimeout,
		CriticalPressure: critical,
		PanicPressure:    panicLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create eviction policy: %w", err)
	}

	store, err := storage.NewStore(storage.Options{
		Name:                       "textures",
		Budget:                     budget,
		Source:                     opts.Source,
		Optimizer:                  opt,
		Policy:                     policy,
		AsyncLoaders:               cfg.AsyncLoaders,
		DetailLevelExpansionFactor: cfg.DetailLevelExpansionFactor,
		Logger:                     opts.Logger,
		Now:                        opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create texture store: %w", err)
	}

	scheduler, err := streaming.NewScheduler(store, budget, streaming.Options{
		BatchSize:         cfg.StreamingBatchSize,
		StreamingDistance: cfg.StreamingDistanceThreshold,
		Compress:          cfg.Compress,
		Priority: streaming.PriorityParams{
			DetailLevelWeight: cfg.DetailLevelWeight,
			PressureThreshold: cfg.MemoryPressureThreshold,
			PressureDampening: cfg.PressureDampening,
		},
		Logger: opts.Logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Engine{
		cfg:       cfg,
		logger:    opts.Logger,
		optimizer: opt,
		store:     store,
		scheduler: scheduler,
	}, nil
}

// Acquire returns the texture at path, loading it on a miss. Each successful
// call must be paired with Release.
func (e *Engine) Acquire(ctx context.Context, path string, compress bool) (*asset.Asset, error) {
	return e.store.Acquire(ctx, path, compress)
}

// AcquireAsync loads path in the background and calls onComplete once.
func (e *Engine) AcquireAsync(path string, compress bool, onComplete func(*asset.Asset, error)) {
	e.store.AcquireAsync(path, compress, onComplete)
}

func (e *Engine) Release(path string) {
	e.store.Release(path)
}

// RegisterCandidate asks the scheduler to stream path while pos is near the viewpoint.
func (e *Engine) RegisterCandidate(path string, pos streaming.Vec3, detail int) {
	e.scheduler.Register(path, pos, detail)
}

func (e *Engine) UnregisterCandidate(path string) {
	e.scheduler.Unregister(path)
}

// Tick runs one scheduling pass. Hosts that drive their own loop call this
// instead of Start.
func (e *Engine) Tick(ctx context.Context, viewpoint streaming.Vec3) streaming.TickReport {
	e.SetViewpoint(viewpoint)
	report := e.scheduler.Tick(ctx, viewpoint)
	e.ticks.Add(1)
	return report
}

// EvictIdle frees unreferenced textures idle for longer than maxIdle.
func (e *Engine) EvictIdle(maxIdle time.Duration) int {
	return e.store.EvictIdle(maxIdle)
}

// ClearAll drops every resident texture. Loaded candidates, and candidates
// whose loads were still in flight, go back to NotLoaded and are streamed
// again by later ticks.
func (e *Engine) ClearAll() {
	e.scheduler.Reset(e.store.ClearAll)
}

// Decode expands a resident texture to RGBA pixels.
func (e *Engine) Decode(a *asset.Asset) (*image.RGBA, error) {
	return e.optimizer.Decode(a)
}

// SetViewpoint moves the camera the background scheduler loop ticks against.
func (e *Engine) SetViewpoint(v streaming.Vec3) {
	e.viewMu.Lock()
	e.viewpoint = v
	e.viewMu.Unlock()
}

func (e *Engine) Viewpoint() streaming.Vec3 {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.viewpoint
}

// Statistics returns a snapshot of cache, budget and scheduler state.
func (e *Engine) Statistics() Statistics {
	s := e.store.Stats()
	return Statistics{
		CachedCount:           s.CachedCount,
		CurrentBytes:          s.CurrentBytes,
		MaxBytes:              s.MaxBytes,
		UsagePercent:          s.UsagePercent,
		Hits:                  s.Hits,
		Misses:                s.Misses,
		HitRate:               s.HitRate(),
		Loads:                 s.Loads,
		LoadFailures:          s.LoadFailures,
		OptimizationFallbacks: s.OptimizationFallbacks,
		Evictions:             s.Evictions,
		Referenced:            s.Referenced,
		PressureLevel:         e.store.Budget().Level().String(),
		Candidates:            e.scheduler.Counts(),
		Ticks:                 e.ticks.Load(),
		IdleSweeps:            e.idleSweeps.Load(),
		Filter:                e.store.FilterStats(),
	}
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Start launches the idle eviction and scheduler loops. They stop when ctx
// is cancelled or the engine is closed.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return nil
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(2)
	go e.runIdleEviction(ctx)
	go e.runScheduler(ctx)

	e.logger.Info(ctx, logging.ComponentEngine, logging.ActionStart, "texture engine started", logging.Fields{
		"config": e.cfg.String(),
	})
	return nil
}

// Close stops the loops and waits for in-flight loads. Safe to call twice.
func (e *Engine) Close() error {
	e.lifecycle.Lock()
	if e.closed {
		e.lifecycle.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.lifecycle.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	err := e.store.Close()
	e.logger.Info(context.Background(), logging.ComponentEngine, logging.ActionStop, "texture engine stopped", logging.Fields{
		"ticks":       e.ticks.Load(),
		"idle_sweeps": e.idleSweeps.Load(),
	})
	return err
}

func (e *Engine) runIdleEviction(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.IdleEvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.store.Sweep()
			e.idleSweeps.Add(1)
		}
	}
}

func (e *Engine) runScheduler(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SchedulerTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scheduler.Tick(logging.WithCorrelationID(ctx, logging.NewCorrelationID()), e.Viewpoint())
			e.ticks.Add(1)
		}
	}
}
