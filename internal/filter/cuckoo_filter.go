package filter

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const slotsPerBucket = 4

// bucket holds up to four 16-bit fingerprints; a zero fingerprint marks an empty slot.
type bucket [slotsPerBucket]uint16

// CuckooFilter implements ProbabilisticFilter with partial-key cuckoo hashing.
type CuckooFilter struct {
	name            string
	buckets         []bucket
	mask            uint64 // numBuckets-1; numBuckets is a power of two
	bucketSize      int
	fingerprintBits uint8
	maxKicks        uint32
	rng             *rand.Rand

	size     uint64
	capacity uint64

	lookups         atomic.Uint64
	negativeLookups atomic.Uint64
	failedAdds      atomic.Uint64
	evictionChains  atomic.Uint64

	mutex sync.RWMutex
}

// NewCuckooFilter creates a filter sized from config.
func NewCuckooFilter(config *FilterConfig) (*CuckooFilter, error) {
	if config == nil {
		return nil, ErrConfigInvalid
	}
	if config.ExpectedItems == 0 {
		return nil, &FilterError{Operation: "create", Message: "expected_items must be greater than 0"}
	}
	if config.FalsePositiveRate <= 0 || config.FalsePositiveRate >= 1 {
		return nil, &FilterError{Operation: "create", Message: "false_positive_rate must be between 0 and 1"}
	}
	bucketSize := int(config.BucketSize)
	if bucketSize == 0 {
		bucketSize = slotsPerBucket
	}
	if bucketSize > slotsPerBucket {
		return nil, &FilterError{Operation: "create", Message: "bucket_size must be between 1 and 4"}
	}
	maxKicks := config.MaxEvictionAttempts
	if maxKicks == 0 {
		maxKicks = 500
	}

	// Keep 85% headroom so insertion rarely needs long eviction chains.
	const loadFactor = 0.85
	numBuckets := nextPowerOfTwo(uint64(math.Ceil(float64(config.ExpectedItems) / (float64(bucketSize) * loadFactor))))

	return &CuckooFilter{
		name:            config.Name,
		buckets:         make([]bucket, numBuckets),
		mask:            numBuckets - 1,
		bucketSize:      bucketSize,
		fingerprintBits: fingerprintBits(config.FalsePositiveRate, bucketSize),
		maxKicks:        maxKicks,
		rng:             rand.New(rand.NewSource(int64(xxhash.Sum64String(config.Name)) ^ int64(numBuckets))),
		capacity:        uint64(float64(numBuckets) * float64(bucketSize) * loadFactor),
	}, nil
}

func (cf *CuckooFilter) Add(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	fp, i1 := cf.locate(key)
	i2 := cf.altIndex(i1, fp)

	cf.mutex.Lock()
	defer cf.mutex.Unlock()

	if cf.size >= cf.capacity {
		cf.failedAdds.Add(1)
		return ErrFilterFull
	}
	if cf.insert(i1, fp) || cf.insert(i2, fp) {
		cf.size++
		return nil
	}
	if cf.kick(i1, fp) {
		cf.size++
		return nil
	}
	cf.failedAdds.Add(1)
	return ErrFilterFull
}

func (cf *CuckooFilter) Contains(key string) bool {
	if key == "" {
		return false
	}
	cf.lookups.Add(1)
	fp, i1 := cf.locate(key)
	i2 := cf.altIndex(i1, fp)

	cf.mutex.RLock()
	found := cf.has(i1, fp) || cf.has(i2, fp)
	cf.mutex.RUnlock()

	if !found {
		cf.negativeLookups.Add(1)
	}
	return found
}

func (cf *CuckooFilter) Delete(key string) bool {
	if key == "" {
		return false
	}
	fp, i1 := cf.locate(key)
	i2 := cf.altIndex(i1, fp)

	cf.mutex.Lock()
	defer cf.mutex.Unlock()

	if cf.remove(i1, fp) || cf.remove(i2, fp) {
		cf.size--
		return true
	}
	return false
}

func (cf *CuckooFilter) Clear() {
	cf.mutex.Lock()
	defer cf.mutex.Unlock()
	for i := range cf.buckets {
		cf.buckets[i] = bucket{}
	}
	cf.size = 0
}

func (cf *CuckooFilter) Size() uint64 {
	cf.mutex.RLock()
	defer cf.mutex.RUnlock()
	return cf.size
}

func (cf *CuckooFilter) Capacity() uint64 {
	return cf.capacity
}

func (cf *CuckooFilter) LoadFactor() float64 {
	return float64(cf.Size()) / float64(cf.capacity)
}

func (cf *CuckooFilter) Stats() FilterStats {
	return FilterStats{
		Size:              cf.Size(),
		Capacity:          cf.capacity,
		LoadFactor:        cf.LoadFactor(),
		MemoryUsage:       uint64(len(cf.buckets)) * slotsPerBucket * 2,
		FalsePositiveRate: float64(2*cf.bucketSize) / math.Pow(2, float64(cf.fingerprintBits)),
		Lookups:           cf.lookups.Load(),
		NegativeLookups:   cf.negativeLookups.Load(),
		FailedAdds:        cf.failedAdds.Load(),
		EvictionChains:    cf.evictionChains.Load(),
	}
}

// locate derives the fingerprint and primary bucket from one xxhash of key.
func (cf *CuckooFilter) locate(key string) (uint16, uint64) {
	h := xxhash.Sum64String(key)
	fp := uint16((h >> 32) ^ h)
	fp &= uint16(1<<cf.fingerprintBits - 1)
	if fp == 0 {
		fp = 1
	}
	return fp, h & cf.mask
}

// altIndex is an involution: altIndex(altIndex(i, fp), fp) == i.
func (cf *CuckooFilter) altIndex(i uint64, fp uint16) uint64 {
	h := uint64(fp)
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return (i ^ h) & cf.mask
}

func (cf *CuckooFilter) insert(i uint64, fp uint16) bool {
	b := &cf.buckets[i]
	for s := 0; s < cf.bucketSize; s++ {
		if b[s] == 0 {
			b[s] = fp
			return true
		}
	}
	return false
}

func (cf *CuckooFilter) has(i uint64, fp uint16) bool {
	b := &cf.buckets[i]
	for s := 0; s < cf.bucketSize; s++ {
		if b[s] == fp {
			return true
		}
	}
	return false
}

func (cf *CuckooFilter) remove(i uint64, fp uint16) bool {
	b := &cf.buckets[i]
	for s := 0; s < cf.bucketSize; s++ {
		if b[s] == fp {
			b[s] = 0
			return true
		}
	}
	return false
}

type kickStep struct {
	bucket uint64
	slot   int
	prev   uint16
}

// kick relocates fingerprints along a random eviction chain. A failed chain
// is rolled back so no previously added key loses its fingerprint.
func (cf *CuckooFilter) kick(i uint64, fp uint16) bool {
	cf.evictionChains.Add(1)
	steps := make([]kickStep, 0, 16)
	cur := fp
	for n := uint32(0); n < cf.maxKicks; n++ {
		slot := cf.rng.Intn(cf.bucketSize)
		steps = append(steps, kickStep{bucket: i, slot: slot, prev: cf.buckets[i][slot]})
		cf.buckets[i][slot], cur = cur, cf.buckets[i][slot]
		i = cf.altIndex(i, cur)
		if cf.insert(i, cur) {
			return true
		}
	}
	for k := len(steps) - 1; k >= 0; k-- {
		s := steps[k]
		cf.buckets[s.bucket][s.slot] = s.prev
	}
	return false
}

// fingerprintBits picks the smallest fingerprint width meeting the target
// false positive rate, clamped to the 16-bit slot width.
func fingerprintBits(fpr float64, bucketSize int) uint8 {
	bits := math.Ceil(math.Log2(float64(2*bucketSize) / fpr))
	return uint8(min(16, max(4, bits)))
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
