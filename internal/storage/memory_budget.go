package storage

import (
	"fmt"
	"sync/atomic"
)

// PressureLevel classifies budget usage against the configured thresholds.
type PressureLevel int

const (
	PressureNormal PressureLevel = iota
	PressureWarning
	PressureCritical
	PressurePanic
)

func (l PressureLevel) String() string {
	switch l {
	case PressureNormal:
		return "normal"
	case PressureWarning:
		return "warning"
	case PressureCritical:
		return "critical"
	case PressurePanic:
		return "panic"
	default:
		return "unknown"
	}
}

// MemoryBudget tracks resident texture bytes against a ceiling.
//
// Unlike an allocator it never refuses a reservation: going over the
// ceiling is a soft condition that the scheduler and the eviction policy
// correct on their next pass. Callers that need the counter to move together
// with another structure (the store's table) serialize around it themselves.
type MemoryBudget struct {
	name         string
	maxSize      atomic.Int64
	currentUsage atomic.Int64

	// Memory pressure thresholds
	warningThreshold  float64 // scheduler starts dampening admissions
	criticalThreshold float64 // idle threshold halves
	panicThreshold    float64 // every unreferenced texture is reclaimable

	reservations atomic.Int64
	releases     atomic.Int64
	overshoots   atomic.Int64
}

// BudgetStats is a snapshot of the budget counters.
type BudgetStats struct {
	Name              string        `json:"name"`
	MaxSize           int64         `json:"max_size"`
	CurrentUsage      int64         `json:"current_usage"`
	AvailableSpace    int64         `json:"available_space"`
	MemoryPressure    float64       `json:"memory_pressure"`
	Level             PressureLevel `json:"level"`
	Reservations      int64         `json:"reservations"`
	Releases          int64         `json:"releases"`
	Overshoots        int64         `json:"overshoots"`
	WarningThreshold  float64       `json:"warning_threshold"`
	CriticalThreshold float64       `json:"critical_threshold"`
	PanicThreshold    float64       `json:"panic_threshold"`
}

// NewMemoryBudget creates a budget with the default 0.80/0.90/0.95 thresholds.
func NewMemoryBudget(name string, maxSize int64) (*MemoryBudget, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("invalid budget size: %d", maxSize)
	}
	b := &MemoryBudget{
		name:              name,
		warningThreshold:  0.80,
		criticalThreshold: 0.90,
		panicThreshold:    0.95,
	}
	b.maxSize.Store(maxSize)
	return b, nil
}

// Reserve accounts size bytes and reports whether usage is now over the ceiling.
func (b *MemoryBudget) Reserve(size int64) bool {
	if size < 0 {
		size = 0
	}
	usage := b.currentUsage.Add(size)
	b.reservations.Add(1)
	if usage > b.maxSize.Load() {
		b.overshoots.Add(1)
		return true
	}
	return false
}

// Release returns size bytes to the budget. Usage never drops below zero.
func (b *MemoryBudget) Release(size int64) {
	if size <= 0 {
		b.releases.Add(1)
		return
	}
	for {
		cur := b.currentUsage.Load()
		next := cur - size
		if next < 0 {
			next = 0
		}
		if b.currentUsage.CompareAndSwap(cur, next) {
			break
		}
	}
	b.releases.Add(1)
}

func (b *MemoryBudget) CurrentUsage() int64 {
	return b.currentUsage.Load()
}

func (b *MemoryBudget) MaxSize() int64 {
	return b.maxSize.Load()
}

// AvailableSpace is negative while the budget is overshot.
func (b *MemoryBudget) AvailableSpace() int64 {
	return b.maxSize.Load() - b.currentUsage.Load()
}

// MemoryPressure returns usage/max; above 1.0 while overshot.
func (b *MemoryBudget) MemoryPressure() float64 {
	return float64(b.currentUsage.Load()) / float64(b.maxSize.Load())
}

// Exceeded reports whether usage is over the ceiling.
func (b *MemoryBudget) Exceeded() bool {
	return b.currentUsage.Load() > b.maxSize.Load()
}

// Fits reports whether size more bytes would stay within the ceiling.
func (b *MemoryBudget) Fits(size int64) bool {
	return b.currentUsage.Load()+size <= b.maxSize.Load()
}

// Level classifies the current pressure.
func (b *MemoryBudget) Level() PressureLevel {
	p := b.MemoryPressure()
	switch {
	case p >= b.panicThreshold:
		return PressurePanic
	case p >= b.criticalThreshold:
		return PressureCritical
	case p >= b.warningThreshold:
		return PressureWarning
	default:
		return PressureNormal
	}
}

// SetPressureThresholds allows customization of pressure detection levels.
// Must be called before the budget is shared.
func (b *MemoryBudget) SetPressureThresholds(warning, critical, panic float64) error {
	if warning <= 0 || warning > 1 || critical <= 0 || critical > 1 || panic <= 0 || panic > 1 {
		return fmt.Errorf("thresholds must be between 0.0 and 1.0")
	}
	if warning > critical || critical > panic {
		return fmt.Errorf("thresholds must be ordered: warning <= critical <= panic")
	}

	b.warningThreshold = warning
	b.criticalThreshold = critical
	b.panicThreshold = panic
	return nil
}

// Thresholds returns the warning, critical and panic thresholds.
func (b *MemoryBudget) Thresholds() (warning, critical, panic float64) {
	return b.warningThreshold, b.criticalThreshold, b.panicThreshold
}

// Resize changes the ceiling. Shrinking below current usage is allowed; the
// overshoot is corrected by eviction.
func (b *MemoryBudget) Resize(newMaxSize int64) error {
	if newMaxSize <= 0 {
		return fmt.Errorf("invalid budget size: %d", newMaxSize)
	}
	b.maxSize.Store(newMaxSize)
	return nil
}

func (b *MemoryBudget) Name() string {
	return b.name
}

// Stats returns a snapshot of the budget.
func (b *MemoryBudget) Stats() BudgetStats {
	usage := b.currentUsage.Load()
	maxSize := b.maxSize.Load()
	return BudgetStats{
		Name:              b.name,
		MaxSize:           maxSize,
		CurrentUsage:      usage,
		AvailableSpace:    maxSize - usage,
		MemoryPressure:    float64(usage) / float64(maxSize),
		Level:             b.Level(),
		Reservations:      b.reservations.Load(),
		Releases:          b.releases.Load(),
		Overshoots:        b.overshoots.Load(),
		WarningThreshold:  b.warningThreshold,
		CriticalThreshold: b.criticalThreshold,
		PanicThreshold:    b.panicThreshold,
	}
}
