// Package filter provides the residency filter the cache store consults
// before taking its table lock: a cuckoo filter that answers "definitely not
// resident" without false negatives and supports deletion on eviction.
package filter

import (
	"fmt"
)

// ProbabilisticFilter defines probabilistic membership over asset paths.
// Implementations guarantee no false negatives for keys whose Add succeeded.
type ProbabilisticFilter interface {
	// Add inserts a key. Returns ErrFilterFull when no slot can be found.
	Add(key string) error

	// Contains reports whether key might be present.
	Contains(key string) bool

	// Delete removes one occurrence of key.
	Delete(key string) bool

	// Clear empties the filter.
	Clear()

	Size() uint64
	Capacity() uint64
	LoadFactor() float64
	Stats() FilterStats
}

// FilterStats is a point-in-time snapshot of filter state.
type FilterStats struct {
	Size              uint64  `json:"size"`
	Capacity          uint64  `json:"capacity"`
	LoadFactor        float64 `json:"load_factor"`
	MemoryUsage       uint64  `json:"memory_usage"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	Lookups           uint64  `json:"lookups"`
	NegativeLookups   uint64  `json:"negative_lookups"`
	FailedAdds        uint64  `json:"failed_adds"`
	EvictionChains    uint64  `json:"eviction_chains"`
}

// FilterConfig contains parameters for filter creation.
type FilterConfig struct {
	Name                string  `yaml:"name"`
	ExpectedItems       uint64  `yaml:"expected_items"`
	FalsePositiveRate   float64 `yaml:"false_positive_rate"`
	BucketSize          uint8   `yaml:"bucket_size"`
	MaxEvictionAttempts uint32  `yaml:"max_eviction_attempts"`
}

// DefaultConfig sizes a filter for expectedItems resident textures at a
// 0.1% false positive rate.
func DefaultConfig(name string, expectedItems uint64) *FilterConfig {
	return &FilterConfig{
		Name:                name,
		ExpectedItems:       expectedItems,
		FalsePositiveRate:   0.001,
		BucketSize:          4,
		MaxEvictionAttempts: 500,
	}
}

// FilterError represents errors that can occur during filter operations.
type FilterError struct {
	Operation string
	Message   string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter %s failed: %s", e.Operation, e.Message)
}

var (
	ErrFilterFull    = &FilterError{Operation: "add", Message: "filter is full, cannot add more items"}
	ErrInvalidKey    = &FilterError{Operation: "key", Message: "key cannot be empty"}
	ErrConfigInvalid = &FilterError{Operation: "config", Message: "filter configuration is invalid"}
)
