// Package streaming decides which textures should be resident based on how
// close they are to the viewpoint. A Scheduler holds the registered
// candidates and, once per tick, folds in finished loads, evicts what drifted
// out of range, sheds load while the budget is exceeded and admits the
// highest-priority candidates that are not yet loaded.
package streaming

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"texstream/internal/asset"
	"texstream/internal/cache"
	"texstream/internal/logging"
)

// Loader is the part of the texture store the scheduler drives.
type Loader interface {
	AcquireAsync(path string, compress bool, onComplete func(*asset.Asset, error))
	Release(path string)
	// ReleaseAsset drops one reference only if path is still resident as a.
	ReleaseAsset(path string, a *asset.Asset) bool
	// Evict frees path now if nothing else references it.
	Evict(path string) bool
	EstimatedSize(a *asset.Asset) int64
}

// Options configures a Scheduler.
type Options struct {
	// BatchSize caps admissions per tick.
	BatchSize int
	// StreamingDistance is the radius beyond which loaded candidates are dropped.
	StreamingDistance float64
	// Compress selects the compressed resident form for streamed loads.
	Compress bool
	Priority PriorityParams

	Logger *logging.Logger
}

// TickReport summarizes one scheduling pass.
type TickReport struct {
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Orphaned        int           `json:"orphaned"`
	Stale           int           `json:"stale"`
	DistanceEvicted int           `json:"distance_evicted"`
	Shed            int           `json:"shed"`
	Admitted        int           `json:"admitted"`
	Deferred        int           `json:"deferred"`
	Pressure        float64       `json:"pressure"`
	Duration        time.Duration `json:"duration"`
}

type completion struct {
	path  string
	asset *asset.Asset
	err   error
	epoch uint64
}

// Scheduler is safe for concurrent use. Ticks are serialized.
type Scheduler struct {
	loader Loader
	budget cache.Budget
	opts   Options
	logger *logging.Logger

	tickMu sync.Mutex

	mutex      sync.Mutex
	candidates map[string]*Candidate
	// inFlight outlives unregistration so a path is never loaded twice at once.
	inFlight map[string]struct{}
	// epoch advances on Reset; loads admitted in an older epoch are stale.
	epoch uint64

	queueMu sync.Mutex
	queue   []completion
}

// NewScheduler creates a scheduler admitting loads through loader.
func NewScheduler(loader Loader, budget cache.Budget, opts Options) (*Scheduler, error) {
	if loader == nil || budget == nil {
		return nil, fmt.Errorf("scheduler requires a loader and a budget")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be greater than 0, got %d", opts.BatchSize)
	}
	if opts.StreamingDistance <= 0 {
		return nil, fmt.Errorf("streaming distance must be greater than 0, got %v", opts.StreamingDistance)
	}
	if opts.Priority == (PriorityParams{}) {
		opts.Priority = DefaultPriorityParams()
	}
	return &Scheduler{
		loader:     loader,
		budget:     budget,
		opts:       opts,
		logger:     opts.Logger,
		candidates: make(map[string]*Candidate),
		inFlight:   make(map[string]struct{}),
	}, nil
}

// Register adds a candidate, or moves an existing one. Re-registering keeps
// the candidate's load state.
func (s *Scheduler) Register(path string, anchor Vec3, detailLevel int) {
	if path == "" {
		return
	}
	if detailLevel < 0 {
		detailLevel = 0
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if c, ok := s.candidates[path]; ok {
		c.Anchor = anchor
		c.DetailLevel = detailLevel
		return
	}
	s.candidates[path] = &Candidate{Path: path, Anchor: anchor, DetailLevel: detailLevel, State: NotLoaded}
}

// Unregister drops a candidate and its cache reference. A load still in
// flight completes into the cache and is released when the next tick drains it.
func (s *Scheduler) Unregister(path string) {
	s.mutex.Lock()
	c, ok := s.candidates[path]
	if ok {
		delete(s.candidates, path)
	}
	s.mutex.Unlock()

	if ok && c.State == Loaded {
		s.loader.Release(path)
	}
}

// Tick runs one scheduling pass against viewpoint.
func (s *Scheduler) Tick(ctx context.Context, viewpoint Vec3) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	var report TickReport

	s.mutex.Lock()

	orphans, stale := s.drainLocked(&report)

	pressure := s.budget.MemoryPressure()
	report.Pressure = pressure
	for _, c := range s.candidates {
		c.LastDistance = Distance(c.Anchor, viewpoint)
		c.Priority = s.opts.Priority.Priority(c.LastDistance, c.DetailLevel, pressure)
	}

	var outOfRange []string
	var freed int64
	for path, c := range s.candidates {
		if c.State == Loaded && c.LastDistance > s.opts.StreamingDistance {
			delete(s.candidates, path)
			outOfRange = append(outOfRange, path)
			freed += c.KnownBytes
			report.DistanceEvicted++
		}
	}

	shed := s.planShedLocked(freed)
	report.Shed = len(shed)

	s.mutex.Unlock()

	// The store takes its own lock; call it without holding ours.
	// Orphaned loads only lose their reference and stay idle-evictable.
	for _, path := range orphans {
		s.loader.Release(path)
	}
	for _, d := range stale {
		s.loader.ReleaseAsset(d.path, d.asset)
	}
	for _, path := range outOfRange {
		s.loader.Release(path)
		s.loader.Evict(path)
	}
	for _, path := range shed {
		s.loader.Release(path)
		s.loader.Evict(path)
	}
	if len(shed) > 0 {
		s.logger.Info(ctx, logging.ComponentScheduler, logging.ActionShed, "shed streamed textures over budget", logging.Fields{
			"shed":          len(shed),
			"current_bytes": s.budget.CurrentUsage(),
			"max_bytes":     s.budget.MaxSize(),
		})
	}

	s.mutex.Lock()
	var admitted []string
	if ctx == nil || ctx.Err() == nil {
		admitted = s.admitLocked(&report)
	}
	epoch := s.epoch
	s.mutex.Unlock()

	for _, path := range admitted {
		path := path
		s.loader.AcquireAsync(path, s.opts.Compress, func(a *asset.Asset, err error) {
			s.post(completion{path: path, asset: a, err: err, epoch: epoch})
		})
	}

	report.Duration = time.Since(start)
	if report.DistanceEvicted+report.Shed+report.Admitted+report.Completed+report.Failed+report.Stale > 0 {
		s.logger.Debug(ctx, logging.ComponentScheduler, logging.ActionTick, "tick completed", logging.Fields{
			"completed":        report.Completed,
			"failed":           report.Failed,
			"orphaned":         report.Orphaned,
			"stale":            report.Stale,
			"distance_evicted": report.DistanceEvicted,
			"shed":             report.Shed,
			"admitted":         report.Admitted,
			"deferred":         report.Deferred,
			"pressure":         report.Pressure,
			"duration_ms":      report.Duration.Milliseconds(),
		})
	}
	return report
}

// post queues a finished load for the next tick.
func (s *Scheduler) post(c completion) {
	s.queueMu.Lock()
	s.queue = append(s.queue, c)
	s.queueMu.Unlock()
}

// drainLocked folds finished loads into candidate state. It returns the
// paths whose loads finished after their candidate went away, and the
// successful loads admitted before the last Reset.
func (s *Scheduler) drainLocked(report *TickReport) (orphans []string, stale []completion) {
	s.queueMu.Lock()
	done := s.queue
	s.queue = nil
	s.queueMu.Unlock()

	for _, d := range done {
		delete(s.inFlight, d.path)
		c, ok := s.candidates[d.path]

		if d.err != nil {
			report.Failed++
			if ok && c.State == Streaming {
				c.State = NotLoaded
			}
			s.logger.Warn(context.Background(), logging.ComponentScheduler, logging.ActionLoad, "streamed load failed", d.err, logging.Fields{
				"path":       d.path,
				"registered": ok,
			})
			continue
		}

		// The store was cleared while this load was in flight. Its reference
		// may already be gone, so give it back only if the same asset is
		// still resident, and stream the candidate again.
		if d.epoch != s.epoch {
			report.Stale++
			stale = append(stale, d)
			if ok && c.State == Streaming {
				c.State = NotLoaded
			}
			continue
		}

		if !ok || c.State == Loaded {
			report.Orphaned++
			orphans = append(orphans, d.path)
			continue
		}
		c.State = Loaded
		c.KnownBytes = s.loader.EstimatedSize(d.asset)
		report.Completed++
	}
	return orphans, stale
}

// planShedLocked picks loaded candidates, lowest priority first, whose
// known sizes cover the budget overshoot left after freed bytes are
// returned. Picked candidates go back to NotLoaded and stay registered; the
// caller releases and evicts them after unlocking.
func (s *Scheduler) planShedLocked(freed int64) []string {
	if !s.budget.Exceeded() {
		return nil
	}
	excess := s.budget.CurrentUsage() - s.budget.MaxSize() - freed
	if excess <= 0 {
		return nil
	}

	loaded := make([]*Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		if c.State == Loaded {
			loaded = append(loaded, c)
		}
	}
	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].Priority != loaded[j].Priority {
			return loaded[i].Priority < loaded[j].Priority
		}
		return loaded[i].Path > loaded[j].Path
	})

	var shed []string
	for _, c := range loaded {
		if excess <= 0 {
			break
		}
		c.State = NotLoaded
		excess -= c.KnownBytes
		shed = append(shed, c.Path)
	}
	return shed
}

// admitLocked picks up to BatchSize NotLoaded candidates by priority and
// marks them Streaming. The caller starts the loads after unlocking.
func (s *Scheduler) admitLocked(report *TickReport) []string {
	maxBytes := s.budget.MaxSize()
	planned := s.budget.CurrentUsage()
	if planned >= maxBytes {
		return nil
	}

	ready := make([]*Candidate, 0, len(s.candidates))
	for path, c := range s.candidates {
		if c.State != NotLoaded {
			continue
		}
		if _, busy := s.inFlight[path]; busy {
			continue
		}
		// out of range: leave it registered until the viewpoint comes closer
		if c.LastDistance > s.opts.StreamingDistance {
			report.Deferred++
			continue
		}
		ready = append(ready, c)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].Path < ready[j].Path
	})

	admitted := make([]string, 0, min(len(ready), s.opts.BatchSize))
	for _, c := range ready {
		if len(admitted) == s.opts.BatchSize {
			break
		}
		if c.KnownBytes > 0 && planned+c.KnownBytes > maxBytes {
			report.Deferred++
			continue
		}
		if !s.admit(c) {
			continue
		}
		planned += c.KnownBytes
		admitted = append(admitted, c.Path)
	}
	report.Admitted = len(admitted)
	return admitted
}

// admit moves c to Streaming and records it in flight. Caller holds s.mutex.
func (s *Scheduler) admit(c *Candidate) bool {
	_, busy := s.inFlight[c.Path]
	if busy || c.State != NotLoaded {
		doubleAdmission(c.Path, c.State)
		return false
	}
	s.inFlight[c.Path] = struct{}{}
	c.State = Streaming
	return true
}

// Reset runs clear, if non-nil, with ticks held off, then marks every
// loaded candidate NotLoaded without releasing it and invalidates loads
// still in flight. The engine passes the store's ClearAll as clear.
func (s *Scheduler) Reset(clear func()) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if clear != nil {
		clear()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.epoch++
	for _, c := range s.candidates {
		if c.State == Loaded {
			c.State = NotLoaded
		}
	}
}

// Candidate returns a copy of the candidate registered for path.
func (s *Scheduler) Candidate(path string) (Candidate, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c, ok := s.candidates[path]
	if !ok {
		return Candidate{}, false
	}
	return *c, true
}

// Counts summarizes candidates by state.
func (s *Scheduler) Counts() CandidateCounts {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	counts := CandidateCounts{Total: len(s.candidates), InFlight: len(s.inFlight)}
	for _, c := range s.candidates {
		switch c.State {
		case NotLoaded:
			counts.NotLoaded++
		case Streaming:
			counts.Streaming++
		case Loaded:
			counts.Loaded++
		}
	}
	return counts
}
