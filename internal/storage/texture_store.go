// Package storage owns resident texture memory: the path-keyed entry table,
// reference counts, the memory budget and the eviction primitives the
// scheduler and the idle sweeper build on.
package storage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"golang.org/x/sync/singleflight"

	"texstream/internal/asset"
	"texstream/internal/cache"
	"texstream/internal/filter"
	"texstream/internal/logging"
	"texstream/internal/optimizer"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("texture store closed")

// DefaultExpansionFactor accounts for a full mip chain on top of the base level.
const DefaultExpansionFactor = 1.33

// entry is one resident texture. All fields are guarded by Store.mutex.
type entry struct {
	asset    *asset.Asset
	refCount int
	lastUsed time.Time
	size     int64
}

// Options configures a Store.
type Options struct {
	Name      string
	MaxMemory int64
	// Budget overrides MaxMemory when the caller needs custom pressure thresholds.
	Budget *MemoryBudget

	Source    asset.Source
	Optimizer *optimizer.Optimizer // nil stores raw RGBA
	Policy    cache.EvictionPolicy // nil uses cache.DefaultIdlePolicyConfig
	// Filter sizes the residency filter; nil picks a default sized for 1024 textures.
	Filter *filter.FilterConfig

	AsyncLoaders               int
	DetailLevelExpansionFactor float64

	Logger *logging.Logger
	Now    func() time.Time
}

// Store is the texture cache. Every table and budget mutation happens under
// one mutex that is never held across source I/O or optimization.
type Store struct {
	name      string
	source    asset.Source
	optimizer *optimizer.Optimizer
	policy    cache.EvictionPolicy
	budget    *MemoryBudget
	logger    *logging.Logger
	now       func() time.Time
	expansion float64

	mutex   sync.RWMutex
	entries map[string]*entry

	// residency filter; swapped under mutex when it has to grow
	filterConfig  filter.FilterConfig
	residency     atomic.Pointer[filter.CuckooFilter]
	filterTrusted atomic.Bool

	flights singleflight.Group
	loaders sizedwaitgroup.SizedWaitGroup

	closeMu sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	hits         atomic.Uint64
	misses       atomic.Uint64
	loads        atomic.Uint64
	loadFailures atomic.Uint64
	fallbacks    atomic.Uint64
	evictions    atomic.Uint64
}

// NewStore creates a store. Source is required.
func NewStore(opts Options) (*Store, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("texture store requires a source")
	}
	if opts.Name == "" {
		opts.Name = "textures"
	}

	budget := opts.Budget
	if budget == nil {
		var err error
		if budget, err = NewMemoryBudget(opts.Name, opts.MaxMemory); err != nil {
			return nil, err
		}
	}

	policy := opts.Policy
	if policy == nil {
		p, err := cache.NewIdlePolicy(cache.DefaultIdlePolicyConfig())
		if err != nil {
			return nil, err
		}
		policy = p
	}

	if opts.AsyncLoaders <= 0 {
		opts.AsyncLoaders = 4
	}
	if opts.DetailLevelExpansionFactor < 1 {
		opts.DetailLevelExpansionFactor = DefaultExpansionFactor
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	filterConfig := filter.DefaultConfig(opts.Name+"-residency", 1024)
	if opts.Filter != nil {
		filterConfig = opts.Filter
	}
	residency, err := filter.NewCuckooFilter(filterConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create residency filter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		name:         opts.Name,
		source:       opts.Source,
		optimizer:    opts.Optimizer,
		policy:       policy,
		budget:       budget,
		logger:       opts.Logger,
		now:          opts.Now,
		expansion:    opts.DetailLevelExpansionFactor,
		entries:      make(map[string]*entry),
		filterConfig: *filterConfig,
		loaders:      sizedwaitgroup.New(opts.AsyncLoaders),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.residency.Store(residency)
	s.filterTrusted.Store(true)
	return s, nil
}

// Acquire returns the resident asset for path, loading and optimizing it on
// a miss. Every successful call adds one reference that must be returned
// with Release. Concurrent misses for one path share a single load.
func (s *Store) Acquire(ctx context.Context, path string, compress bool) (*asset.Asset, error) {
	s.closeMu.RLock()
	closed := s.closed
	s.closeMu.RUnlock()
	if closed {
		return nil, ErrStoreClosed
	}
	return s.acquire(ctx, path, compress)
}

func (s *Store) acquire(ctx context.Context, path string, compress bool) (*asset.Asset, error) {
	if path == "" {
		return nil, &asset.AssetError{Op: "acquire", Path: path, Code: asset.CodeInvalidPath, Cause: errors.New("empty path")}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if a := s.acquireResident(path); a != nil {
		s.hits.Add(1)
		return a, nil
	}
	s.misses.Add(1)

	// The shared load runs on the store's lifetime context so one caller
	// giving up does not fail the others waiting on the same path.
	ch := s.flights.DoChan(path, func() (interface{}, error) {
		return s.load(path, compress)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return s.adopt(path, res.Val.(*asset.Asset)), nil
	}
}

// AcquireAsync loads path on a loader goroutine and invokes onComplete
// exactly once with the result. It never blocks the caller.
func (s *Store) AcquireAsync(path string, compress bool, onComplete func(*asset.Asset, error)) {
	if onComplete == nil {
		onComplete = func(*asset.Asset, error) {}
	}

	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		onComplete(nil, ErrStoreClosed)
		return
	}
	s.pending.Add(1)
	s.closeMu.RUnlock()

	go func() {
		defer s.pending.Done()
		if err := s.loaders.AddWithContext(s.ctx); err != nil {
			onComplete(nil, fmt.Errorf("async load of %q abandoned: %w", path, err))
			return
		}
		a, err := s.acquire(s.ctx, path, compress)
		s.loaders.Done()
		onComplete(a, err)
	}()
}

// Release drops one reference. Reaching zero keeps the texture resident
// until an eviction pass reclaims it. Releasing an unknown path or an entry
// already at zero does nothing.
func (s *Store) Release(path string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[path]
	if !ok || e.refCount == 0 {
		return
	}
	e.refCount--
	e.lastUsed = s.now()
}

// ReleaseAsset is Release for a caller that may have lost its reference to
// ClearAll: it only drops a reference if path is still resident as a.
func (s *Store) ReleaseAsset(path string, a *asset.Asset) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[path]
	if !ok || e.asset != a || e.refCount == 0 {
		return false
	}
	e.refCount--
	e.lastUsed = s.now()
	return true
}

// EvictIdle frees every unreferenced texture idle for longer than maxIdle.
func (s *Store) EvictIdle(maxIdle time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	evicted := 0
	for path, e := range s.entries {
		if e.refCount == 0 && now.Sub(e.lastUsed) > maxIdle {
			s.removeLocked(path, e)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug(context.Background(), logging.ComponentStore, logging.ActionEvict, "idle textures evicted", logging.Fields{
			"count":    evicted,
			"max_idle": maxIdle.String(),
		})
	}
	return evicted
}

// Sweep runs the eviction policy at the current memory pressure and, if the
// budget is still exceeded afterwards, relieves pressure.
func (s *Store) Sweep() int {
	s.mutex.Lock()
	now := s.now()
	pressure := s.budget.MemoryPressure()
	evicted := 0
	for path, e := range s.entries {
		view := cache.Entry{Path: path, Size: e.size, RefCount: e.refCount, LastUsed: e.lastUsed}
		if s.policy.ShouldEvict(&view, now, pressure) {
			s.removeLocked(path, e)
			evicted++
		}
	}
	exceeded := s.budget.Exceeded()
	s.mutex.Unlock()

	if exceeded {
		evicted += s.RelievePressure()
	}
	if evicted > 0 {
		s.logger.Info(context.Background(), logging.ComponentStore, logging.ActionCleanup, "eviction sweep completed", logging.Fields{
			"evicted":  evicted,
			"pressure": pressure,
			"policy":   s.policy.PolicyName(),
		})
	}
	return evicted
}

// Evict frees path now if nothing references it.
func (s *Store) Evict(path string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.entries[path]
	if !ok || e.refCount > 0 {
		return false
	}
	s.removeLocked(path, e)
	return true
}

// RelievePressure frees unreferenced textures, least recently used first,
// until the budget is back under its ceiling.
func (s *Store) RelievePressure() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.budget.Exceeded() {
		return 0
	}

	type victim struct {
		path string
		e    *entry
	}
	victims := make([]victim, 0, len(s.entries))
	for path, e := range s.entries {
		if e.refCount == 0 {
			victims = append(victims, victim{path, e})
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		if !victims[i].e.lastUsed.Equal(victims[j].e.lastUsed) {
			return victims[i].e.lastUsed.Before(victims[j].e.lastUsed)
		}
		return victims[i].path < victims[j].path
	})

	evicted := 0
	for _, v := range victims {
		if !s.budget.Exceeded() {
			break
		}
		s.removeLocked(v.path, v.e)
		evicted++
	}
	if s.budget.Exceeded() {
		s.logger.Warn(context.Background(), logging.ComponentStore, logging.ActionPressure, "budget still exceeded after relieving pressure", nil, logging.Fields{
			"current_bytes": s.budget.CurrentUsage(),
			"max_bytes":     s.budget.MaxSize(),
			"referenced":    len(s.entries),
		})
	}
	return evicted
}

// ClearAll frees every texture regardless of outstanding references.
// Later Release calls for those paths are no-ops.
func (s *Store) ClearAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	count := len(s.entries)
	for path, e := range s.entries {
		s.budget.Release(e.size)
		delete(s.entries, path)
	}
	s.evictions.Add(uint64(count))
	s.residency.Load().Clear()
	s.filterTrusted.Store(true)

	s.logger.Info(context.Background(), logging.ComponentStore, logging.ActionClear, "texture cache cleared", logging.Fields{
		"count": count,
	})
}

// Contains reports whether path is resident.
func (s *Store) Contains(path string) bool {
	if s.filterTrusted.Load() && !s.residency.Load().Contains(path) {
		return false
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.entries[path]
	return ok
}

// RefCount returns the outstanding references for path, or zero if it is not resident.
func (s *Store) RefCount(path string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if e, ok := s.entries[path]; ok {
		return e.refCount
	}
	return 0
}

// ResidentBytes recomputes the sum of recorded entry sizes.
func (s *Store) ResidentBytes() int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var total int64
	for _, e := range s.entries {
		total += e.size
	}
	return total
}

// EstimatedSize is the number of bytes a resident asset is charged against the budget.
func (s *Store) EstimatedSize(a *asset.Asset) int64 {
	size := a.ByteSize()
	if a != nil && a.MipChain {
		size = int64(math.Ceil(float64(size) * s.expansion))
	}
	return size
}

// Budget exposes the memory budget for pressure queries.
func (s *Store) Budget() *MemoryBudget {
	return s.budget
}

// FilterStats reports residency filter statistics.
func (s *Store) FilterStats() filter.FilterStats {
	return s.residency.Load().Stats()
}

// Stats returns a snapshot of the store.
func (s *Store) Stats() cache.Statistics {
	s.mutex.RLock()
	cached := len(s.entries)
	referenced := 0
	for _, e := range s.entries {
		if e.refCount > 0 {
			referenced++
		}
	}
	s.mutex.RUnlock()

	current := s.budget.CurrentUsage()
	maxBytes := s.budget.MaxSize()
	return cache.Statistics{
		CachedCount:           cached,
		CurrentBytes:          current,
		MaxBytes:              maxBytes,
		UsagePercent:          float64(current) / float64(maxBytes) * 100.0,
		Hits:                  s.hits.Load(),
		Misses:                s.misses.Load(),
		Loads:                 s.loads.Load(),
		LoadFailures:          s.loadFailures.Load(),
		OptimizationFallbacks: s.fallbacks.Load(),
		Evictions:             s.evictions.Load(),
		Referenced:            referenced,
	}
}

// Close waits for in-flight async loads and rejects further acquires.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.pending.Wait()
	s.cancel()

	s.mutex.RLock()
	resident := len(s.entries)
	s.mutex.RUnlock()
	s.logger.Info(context.Background(), logging.ComponentStore, logging.ActionStop, "texture store closed", logging.Fields{
		"resident": resident,
	})
	return nil
}

// acquireResident bumps and returns a resident entry, or nil on a miss.
func (s *Store) acquireResident(path string) *asset.Asset {
	if s.filterTrusted.Load() && !s.residency.Load().Contains(path) {
		return nil
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.entries[path]
	if !ok {
		return nil
	}
	e.refCount++
	e.lastUsed = s.now()
	return e.asset
}

// load produces the resident form of path. It does not touch the table;
// adopt inserts the result once a caller claims it.
func (s *Store) load(path string, compress bool) (*asset.Asset, error) {
	// A concurrent adopt may have landed between the filter check and the flight.
	s.mutex.RLock()
	if e, ok := s.entries[path]; ok {
		s.mutex.RUnlock()
		return e.asset, nil
	}
	s.mutex.RUnlock()

	start := s.now()
	img, err := s.source.Load(s.ctx, path)
	if err != nil {
		s.loadFailures.Add(1)
		var assetErr *asset.AssetError
		if !errors.As(err, &assetErr) {
			err = &asset.AssetError{Op: "load", Path: path, Code: asset.CodeLoadFailed, Cause: err}
		}
		if asset.IsNotFound(err) {
			s.logger.Debug(s.ctx, logging.ComponentStore, logging.ActionLoad, "texture not found", logging.Fields{"path": path})
		} else {
			s.logger.Error(s.ctx, logging.ComponentStore, logging.ActionLoad, "texture load failed", err, logging.Fields{"path": path})
		}
		return nil, err
	}
	if img == nil {
		s.loadFailures.Add(1)
		return nil, &asset.AssetError{Op: "load", Path: path, Code: asset.CodeDecodeFailed, Cause: errors.New("source returned no image")}
	}

	a, err := s.optimize(path, img, compress)
	if err != nil {
		s.loadFailures.Add(1)
		return nil, err
	}
	s.loads.Add(1)

	s.logger.WithDuration(s.ctx, logging.DEBUG, logging.ComponentStore, logging.ActionLoad, "texture loaded", s.now().Sub(start), logging.Fields{
		"path":   path,
		"width":  a.Width,
		"height": a.Height,
		"format": a.Format.String(),
		"bytes":  a.ByteSize(),
	})
	return a, nil
}

// optimize applies the optimizer, falling back to the resized or raw form
// when it fails.
func (s *Store) optimize(path string, img image.Image, compress bool) (*asset.Asset, error) {
	if s.optimizer == nil {
		return rawAsset(path, img)
	}
	a, err := s.optimizer.Optimize(path, img, compress)
	if err == nil {
		return a, nil
	}

	s.fallbacks.Add(1)
	s.logger.Warn(s.ctx, logging.ComponentOptimizer, logging.ActionOptimize, "optimization failed, keeping fallback form", err, logging.Fields{
		"path":     path,
		"compress": compress,
		"resized":  a != nil,
	})
	if a != nil {
		return a, nil
	}
	return rawAsset(path, img)
}

func rawAsset(path string, img image.Image) (*asset.Asset, error) {
	if img.Bounds().Empty() {
		return nil, &asset.AssetError{Op: "load", Path: path, Code: asset.CodeDecodeFailed, Cause: fmt.Errorf("empty image bounds %v", img.Bounds())}
	}
	return asset.FromImage(path, img), nil
}

// removeLocked frees one entry. Caller holds s.mutex.
func (s *Store) removeLocked(path string, e *entry) {
	delete(s.entries, path)
	s.budget.Release(e.size)
	if s.filterTrusted.Load() {
		s.residency.Load().Delete(path)
	}
	s.evictions.Add(1)
}

// adopt takes one reference on the result of a load, inserting it if no
// entry for path exists.
func (s *Store) adopt(path string, a *asset.Asset) *asset.Asset {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	if e, ok := s.entries[path]; ok {
		e.refCount++
		e.lastUsed = now
		return e.asset
	}

	size := s.EstimatedSize(a)
	s.entries[path] = &entry{asset: a, refCount: 1, lastUsed: now, size: size}
	if over := s.budget.Reserve(size); over {
		s.logger.Debug(s.ctx, logging.ComponentStore, logging.ActionPressure, "budget overshoot", logging.Fields{
			"path":          path,
			"current_bytes": s.budget.CurrentUsage(),
			"max_bytes":     s.budget.MaxSize(),
		})
	}
	s.addToFilterLocked(path)
	return a
}

// addToFilterLocked records path in the residency filter, rebuilding the
// filter larger when it fills. If even the rebuild fails, lookups bypass the
// filter until the next ClearAll. Caller holds s.mutex.
func (s *Store) addToFilterLocked(path string) {
	if !s.filterTrusted.Load() {
		return
	}
	if err := s.residency.Load().Add(path); err == nil {
		return
	}

	cfg := s.filterConfig
	cfg.ExpectedItems = max(cfg.ExpectedItems*2, uint64(len(s.entries))*2)
	rebuilt, err := filter.NewCuckooFilter(&cfg)
	if err == nil {
		for p := range s.entries {
			if err = rebuilt.Add(p); err != nil {
				break
			}
		}
	}
	if err != nil {
		s.filterTrusted.Store(false)
		s.logger.Warn(s.ctx, logging.ComponentStore, logging.ActionLoad, "residency filter disabled", err, logging.Fields{
			"entries": len(s.entries),
		})
		return
	}
	s.filterConfig = cfg
	s.residency.Store(rebuilt)
}
