package storage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texstream/internal/asset"
	"texstream/internal/cache"
	"texstream/internal/filter"
	"texstream/internal/optimizer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingSource wraps a MapSource, counting loads and optionally blocking
// them until gate is closed.
type countingSource struct {
	*asset.MapSource
	loads atomic.Int32
	gate  chan struct{}
}

func newCountingSource() *countingSource {
	return &countingSource{MapSource: asset.NewMapSource()}
}

func (c *countingSource) Load(ctx context.Context, path string) (image.Image, error) {
	c.loads.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.MapSource.Load(ctx, path)
}

// putTexture registers a w x h texture, which resides as w*h*4 raw bytes.
func (c *countingSource) putTexture(path string, w, h int) {
	c.Put(path, image.NewRGBA(image.Rect(0, 0, w, h)))
}

type brokenCodec struct{}

func (brokenCodec) Format() asset.Format          { return asset.FormatZstd }
func (brokenCodec) Encode([]byte) ([]byte, error) { return nil, errors.New("encoder unavailable") }
func (brokenCodec) Decode([]byte) ([]byte, error) { return nil, errors.New("unused") }

func newTestStore(t *testing.T, src asset.Source, maxMemory int64, mutate ...func(*Options)) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts := Options{
		Name:      "test",
		MaxMemory: maxMemory,
		Source:    src,
		Now:       clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := NewStore(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestStore_AcquireReleaseRoundTrip(t *testing.T) {
	src := newCountingSource()
	src.putTexture("hero.png", 8, 8)
	s, _ := newTestStore(t, src, 1<<20)
	ctx := context.Background()

	first, err := s.Acquire(ctx, "hero.png", false)
	require.NoError(t, err)
	assert.Equal(t, 1, s.RefCount("hero.png"))
	assert.Equal(t, int64(8*8*4), s.Budget().CurrentUsage())

	s.Release("hero.png")
	assert.Equal(t, 0, s.RefCount("hero.png"))
	assert.True(t, s.Contains("hero.png"), "zero references must not free the texture")

	second, err := s.Acquire(ctx, "hero.png", false)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), src.loads.Load())

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.CachedCount)
	assert.Equal(t, 1, stats.Referenced)
}

func TestStore_ReleaseIsIdempotentAtZero(t *testing.T) {
	src := newCountingSource()
	src.putTexture("a.png", 4, 4)
	s, _ := newTestStore(t, src, 1<<20)

	_, err := s.Acquire(context.Background(), "a.png", false)
	require.NoError(t, err)

	s.Release("a.png")
	s.Release("a.png")
	s.Release("a.png")
	s.Release("never-loaded.png")

	assert.Equal(t, 0, s.RefCount("a.png"))
	assert.True(t, s.Contains("a.png"))
	assert.False(t, s.Contains("never-loaded.png"))
}

func TestStore_NotFound(t *testing.T) {
	s, _ := newTestStore(t, newCountingSource(), 1<<20)

	a, err := s.Acquire(context.Background(), "missing.png", false)
	assert.Nil(t, a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, asset.ErrAssetNotFound))
	assert.False(t, s.Contains("missing.png"))
	assert.Equal(t, int64(0), s.Budget().CurrentUsage())
	assert.Equal(t, uint64(1), s.Stats().LoadFailures)

	_, err = s.Acquire(context.Background(), "", false)
	var assetErr *asset.AssetError
	require.ErrorAs(t, err, &assetErr)
	assert.Equal(t, asset.CodeInvalidPath, assetErr.Code)
}

func TestStore_OptimizationFallback(t *testing.T) {
	opt, err := optimizer.New(optimizer.Options{MaxResidentDimension: 16, Profile: optimizer.ProfileDesktop})
	require.NoError(t, err)
	opt.RegisterCodec(optimizer.ProfileDesktop, brokenCodec{})

	src := newCountingSource()
	src.putTexture("big.png", 64, 32)
	s, _ := newTestStore(t, src, 1<<20, func(o *Options) { o.Optimizer = opt })

	a, err := s.Acquire(context.Background(), "big.png", true)
	require.NoError(t, err, "a codec failure must not fail the acquire")
	assert.Equal(t, asset.FormatRGBA8, a.Format)
	assert.Equal(t, 16, a.Width)
	assert.Equal(t, 8, a.Height)
	assert.Equal(t, uint64(1), s.Stats().OptimizationFallbacks)
	assert.Equal(t, a.ByteSize(), s.Budget().CurrentUsage())
}

func TestStore_CompressedResidentForm(t *testing.T) {
	opt, err := optimizer.New(optimizer.Options{MaxResidentDimension: 64, Profile: optimizer.ProfileMobile})
	require.NoError(t, err)

	src := newCountingSource()
	src.putTexture("flat.png", 64, 64)
	s, _ := newTestStore(t, src, 1<<20, func(o *Options) { o.Optimizer = opt })

	a, err := s.Acquire(context.Background(), "flat.png", true)
	require.NoError(t, err)
	assert.Equal(t, asset.FormatS2, a.Format)
	assert.Less(t, a.ByteSize(), int64(64*64*4))

	// the resident form is keyed by path; a later uncompressed request hits it
	b, err := s.Acquire(context.Background(), "flat.png", false)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestStore_MipChainExpansion(t *testing.T) {
	opt, err := optimizer.New(optimizer.Options{MaxResidentDimension: 128, GenerateMipChain: true})
	require.NoError(t, err)

	src := newCountingSource()
	src.putTexture("mips.png", 10, 10)
	s, _ := newTestStore(t, src, 1<<20, func(o *Options) {
		o.Optimizer = opt
		o.DetailLevelExpansionFactor = 1.33
	})

	a, err := s.Acquire(context.Background(), "mips.png", false)
	require.NoError(t, err)
	assert.True(t, a.MipChain)
	assert.Equal(t, int64(532), s.EstimatedSize(a)) // ceil(400 * 1.33)
	assert.Equal(t, int64(532), s.Budget().CurrentUsage())
}

func TestStore_EvictIdleTiming(t *testing.T) {
	src := newCountingSource()
	src.putTexture("idle.png", 4, 4)
	src.putTexture("held.png", 4, 4)
	s, clock := newTestStore(t, src, 1<<20)
	ctx := context.Background()

	_, err := s.Acquire(ctx, "idle.png", false)
	require.NoError(t, err)
	_, err = s.Acquire(ctx, "held.png", false)
	require.NoError(t, err)
	s.Release("idle.png")

	clock.Advance(29 * time.Second)
	assert.Equal(t, 0, s.EvictIdle(30*time.Second))
	assert.True(t, s.Contains("idle.png"))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, s.EvictIdle(30*time.Second))
	assert.False(t, s.Contains("idle.png"))

	clock.Advance(time.Hour)
	assert.Equal(t, 0, s.EvictIdle(0), "referenced textures are never idle-evicted")
	assert.True(t, s.Contains("held.png"))
	assert.Equal(t, int64(4*4*4), s.Budget().CurrentUsage())
}

func TestStore_ReleaseRefreshesLastUsed(t *testing.T) {
	src := newCountingSource()
	src.putTexture("a.png", 2, 2)
	s, clock := newTestStore(t, src, 1<<20)

	_, err := s.Acquire(context.Background(), "a.png", false)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	s.Release("a.png")

	clock.Advance(20 * time.Second)
	assert.Equal(t, 0, s.EvictIdle(30*time.Second), "idle time counts from the last release")
}

func TestStore_SweepEscalatesWithPressure(t *testing.T) {
	policy, err := cache.NewIdlePolicy(cache.IdlePolicyConfig{
		IdleTimeout:      time.Minute,
		CriticalPressure: 0.9,
		PanicPressure:    0.95,
	})
	require.NoError(t, err)

	src := newCountingSource()
	for i := 0; i < 4; i++ {
		src.putTexture(fmt.Sprintf("t%d.png", i), 4, 4) // 64 bytes each
	}
	s, clock := newTestStore(t, src, 256, func(o *Options) { o.Policy = policy })
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		path := fmt.Sprintf("t%d.png", i)
		_, err := s.Acquire(ctx, path, false)
		require.NoError(t, err)
		s.Release(path)
	}
	require.Equal(t, 1.0, s.Budget().MemoryPressure())

	clock.Advance(time.Second)
	assert.Equal(t, 4, s.Sweep(), "panic pressure reclaims every unreferenced texture")
	assert.Equal(t, int64(0), s.Budget().CurrentUsage())
	assert.Equal(t, uint64(4), s.Stats().Evictions)
}

func TestStore_RelievePressureLeastRecentlyUsedFirst(t *testing.T) {
	src := newCountingSource()
	for i := 0; i < 5; i++ {
		src.putTexture(fmt.Sprintf("t%d.png", i), 4, 4)
	}
	s, clock := newTestStore(t, src, 200)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		path := fmt.Sprintf("t%d.png", i)
		_, err := s.Acquire(ctx, path, false)
		require.NoError(t, err)
		if i != 0 {
			s.Release(path)
		}
		clock.Advance(time.Second)
	}
	require.True(t, s.Budget().Exceeded())

	evicted := s.RelievePressure()
	assert.Equal(t, 2, evicted)
	assert.False(t, s.Budget().Exceeded())
	assert.True(t, s.Contains("t0.png"), "referenced textures survive pressure relief")
	assert.False(t, s.Contains("t1.png"))
	assert.False(t, s.Contains("t2.png"))
	assert.True(t, s.Contains("t3.png"))
	assert.True(t, s.Contains("t4.png"))
}

func TestStore_EvictRespectsReferences(t *testing.T) {
	src := newCountingSource()
	src.putTexture("a.png", 2, 2)
	s, _ := newTestStore(t, src, 1<<20)

	_, err := s.Acquire(context.Background(), "a.png", false)
	require.NoError(t, err)
	assert.False(t, s.Evict("a.png"))
	s.Release("a.png")
	assert.True(t, s.Evict("a.png"))
	assert.False(t, s.Evict("a.png"))
	assert.Equal(t, int64(0), s.Budget().CurrentUsage())
}

func TestStore_ClearAll(t *testing.T) {
	src := newCountingSource()
	src.putTexture("a.png", 2, 2)
	src.putTexture("b.png", 2, 2)
	s, _ := newTestStore(t, src, 1<<20)
	ctx := context.Background()

	_, err := s.Acquire(ctx, "a.png", false)
	require.NoError(t, err)
	_, err = s.Acquire(ctx, "b.png", false)
	require.NoError(t, err)

	s.ClearAll()
	assert.Equal(t, 0, s.Stats().CachedCount)
	assert.Equal(t, int64(0), s.Budget().CurrentUsage())
	assert.False(t, s.Contains("a.png"))

	s.Release("a.png") // stale reference after a clear is a no-op
	assert.Equal(t, 0, s.RefCount("a.png"))
}

func TestStore_ReleaseAssetMatchesInstance(t *testing.T) {
	src := newCountingSource()
	src.putTexture("a.png", 2, 2)
	s, _ := newTestStore(t, src, 1<<20)
	ctx := context.Background()

	old, err := s.Acquire(ctx, "a.png", false)
	require.NoError(t, err)
	s.ClearAll()

	fresh, err := s.Acquire(ctx, "a.png", false)
	require.NoError(t, err)
	require.NotSame(t, old, fresh)

	assert.False(t, s.ReleaseAsset("a.png", old), "a reference taken before ClearAll is gone")
	assert.Equal(t, 1, s.RefCount("a.png"))
	assert.True(t, s.ReleaseAsset("a.png", fresh))
	assert.Equal(t, 0, s.RefCount("a.png"))
	assert.False(t, s.ReleaseAsset("a.png", fresh), "never below zero")
}

func TestStore_ConcurrentMissesShareOneLoad(t *testing.T) {
	src := newCountingSource()
	src.gate = make(chan struct{})
	src.putTexture("shared.png", 8, 8)
	s, _ := newTestStore(t, src, 1<<20)

	const callers = 16
	results := make([]*asset.Asset, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := s.Acquire(context.Background(), "shared.png", false)
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}

	require.Eventually(t, func() bool { return src.loads.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	for _, a := range results {
		assert.Same(t, results[0], a)
	}
	assert.Equal(t, callers, s.RefCount("shared.png"))
	assert.Equal(t, int64(8*8*4), s.Budget().CurrentUsage(), "one resident copy is charged once")
}

func TestStore_AcquireHonoursCallerContext(t *testing.T) {
	src := newCountingSource()
	src.gate = make(chan struct{})
	src.putTexture("slow.png", 2, 2)
	s, _ := newTestStore(t, src, 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Acquire(ctx, "slow.png", false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(src.gate)
	a, err := s.Acquire(context.Background(), "slow.png", false)
	require.NoError(t, err)
	assert.NotNil(t, a)
	assert.Equal(t, 1, s.RefCount("slow.png"))
}

func TestStore_AcquireAsync(t *testing.T) {
	src := newCountingSource()
	src.putTexture("async.png", 4, 4)
	s, _ := newTestStore(t, src, 1<<20, func(o *Options) { o.AsyncLoaders = 2 })

	type result struct {
		a   *asset.Asset
		err error
	}
	done := make(chan result, 2)
	s.AcquireAsync("async.png", false, func(a *asset.Asset, err error) { done <- result{a, err} })
	s.AcquireAsync("missing.png", false, func(a *asset.Asset, err error) { done <- result{a, err} })

	var ok, failed int
	for i := 0; i < 2; i++ {
		select {
		case r := <-done:
			if r.err != nil {
				assert.Nil(t, r.a)
				assert.True(t, asset.IsNotFound(r.err))
				failed++
			} else {
				assert.Equal(t, "async.png", r.a.Path)
				ok++
			}
		case <-time.After(time.Second):
			t.Fatal("async completion never arrived")
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, s.RefCount("async.png"))
}

func TestStore_CloseWaitsForAsyncLoads(t *testing.T) {
	src := newCountingSource()
	src.gate = make(chan struct{})
	src.putTexture("a.png", 2, 2)
	s, _ := newTestStore(t, src, 1<<20)

	var completed atomic.Bool
	s.AcquireAsync("a.png", false, func(a *asset.Asset, err error) {
		completed.Store(err == nil)
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(src.gate)
	}()
	require.NoError(t, s.Close())
	assert.True(t, completed.Load())

	_, err := s.Acquire(context.Background(), "a.png", false)
	assert.ErrorIs(t, err, ErrStoreClosed)

	called := make(chan error, 1)
	s.AcquireAsync("a.png", false, func(_ *asset.Asset, err error) { called <- err })
	assert.ErrorIs(t, <-called, ErrStoreClosed)
}

func TestStore_FilterGrowsWithResidentSet(t *testing.T) {
	src := newCountingSource()
	for i := 0; i < 64; i++ {
		src.putTexture(fmt.Sprintf("tile_%02d.png", i), 1, 1)
	}
	s, _ := newTestStore(t, src, 1<<20, func(o *Options) {
		o.Filter = filter.DefaultConfig("tiny", 4)
	})

	for i := 0; i < 64; i++ {
		_, err := s.Acquire(context.Background(), fmt.Sprintf("tile_%02d.png", i), false)
		require.NoError(t, err)
	}
	for i := 0; i < 64; i++ {
		assert.True(t, s.Contains(fmt.Sprintf("tile_%02d.png", i)), "filter must never hide a resident texture")
	}
	assert.GreaterOrEqual(t, s.FilterStats().Capacity, uint64(64))
}

// TestStore_InvariantsUnderRandomOperations checks that reference counts
// never go negative and that the budget always equals the recomputed sum of
// resident sizes.
func TestStore_InvariantsUnderRandomOperations(t *testing.T) {
	src := newCountingSource()
	paths := make([]string, 12)
	for i := range paths {
		paths[i] = fmt.Sprintf("tex_%d.png", i)
		src.putTexture(paths[i], 2+i, 3)
	}
	s, clock := newTestStore(t, src, 400)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for step := 0; step < 2000; step++ {
		path := paths[rng.Intn(len(paths))]
		switch rng.Intn(6) {
		case 0, 1:
			_, err := s.Acquire(ctx, path, false)
			require.NoError(t, err)
		case 2, 3:
			s.Release(path)
		case 4:
			clock.Advance(time.Duration(rng.Intn(20)) * time.Second)
			s.EvictIdle(10 * time.Second)
		case 5:
			s.RelievePressure()
		}

		require.GreaterOrEqual(t, s.RefCount(path), 0)
		require.Equal(t, s.ResidentBytes(), s.Budget().CurrentUsage(), "step %d", step)
	}
}

func TestStore_ConcurrentAcquireRelease(t *testing.T) {
	src := newCountingSource()
	for i := 0; i < 8; i++ {
		src.putTexture(fmt.Sprintf("c%d.png", i), 4, 4)
	}
	s, _ := newTestStore(t, src, 512)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				path := fmt.Sprintf("c%d.png", (g+i)%8)
				if _, err := s.Acquire(context.Background(), path, false); err == nil {
					s.Release(path)
				}
				if i%17 == 0 {
					s.EvictIdle(0)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 0, s.Stats().Referenced)
	assert.Equal(t, s.ResidentBytes(), s.Budget().CurrentUsage())
}
