// Package cache holds the contracts shared between the texture store, the
// streaming scheduler and the eviction policies.
package cache

import (
	"time"
)

// Entry is the eviction policy's read-only view of a resident texture.
type Entry struct {
	Path     string
	Size     int64
	RefCount int
	LastUsed time.Time
}

// EvictionPolicy decides which resident textures may be reclaimed.
type EvictionPolicy interface {
	// ShouldEvict reports whether entry can be freed now. Entries with a
	// non-zero RefCount must never be selected.
	ShouldEvict(entry *Entry, now time.Time, memoryPressure float64) bool

	// IdleThreshold is how long a zero-reference entry survives at the
	// given memory pressure (0.0 to 1.0+).
	IdleThreshold(memoryPressure float64) time.Duration

	PolicyName() string
}

// Budget is the memory budget monitor as seen by the scheduler and policies.
type Budget interface {
	CurrentUsage() int64
	MaxSize() int64
	// MemoryPressure is CurrentUsage/MaxSize; it may exceed 1.0 while an
	// overshoot is being corrected.
	MemoryPressure() float64
	Exceeded() bool
}

// Statistics is a read-only snapshot of the texture store.
type Statistics struct {
	CachedCount  int     `json:"cached_count"`
	CurrentBytes int64   `json:"current_bytes"`
	MaxBytes     int64   `json:"max_bytes"`
	UsagePercent float64 `json:"usage_percent"`

	Hits                  uint64 `json:"hits"`
	Misses                uint64 `json:"misses"`
	Loads                 uint64 `json:"loads"`
	LoadFailures          uint64 `json:"load_failures"`
	OptimizationFallbacks uint64 `json:"optimization_fallbacks"`
	Evictions             uint64 `json:"evictions"`
	Referenced            int    `json:"referenced"`
}

// HitRate returns hits as a percentage of lookups.
func (s Statistics) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total) * 100.0
}
