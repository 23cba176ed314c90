package cache

import (
	"fmt"
	"sync"
	"time"
)

// IdlePolicyConfig configures an IdlePolicy.
type IdlePolicyConfig struct {
	// IdleTimeout is how long a zero-reference texture stays resident
	// under normal pressure.
	IdleTimeout time.Duration
	// GracePeriod is the floor the idle threshold drops to at panic
	// pressure. Zero lets panic pressure reclaim every unreferenced texture.
	GracePeriod time.Duration
	// CriticalPressure halves the idle threshold.
	CriticalPressure float64
	// PanicPressure drops the idle threshold to GracePeriod.
	PanicPressure float64
}

// DefaultIdlePolicyConfig returns a 30s idle timeout with the escalation
// points at 90% and 95% of the budget.
func DefaultIdlePolicyConfig() IdlePolicyConfig {
	return IdlePolicyConfig{
		IdleTimeout:      30 * time.Second,
		CriticalPressure: 0.90,
		PanicPressure:    0.95,
	}
}

// IdlePolicy reclaims unreferenced textures once they have been idle long
// enough, becoming more aggressive as the memory budget tightens.
type IdlePolicy struct {
	name   string
	mutex  sync.RWMutex
	config IdlePolicyConfig
}

// NewIdlePolicy creates an idle policy, validating the configuration.
func NewIdlePolicy(config IdlePolicyConfig) (*IdlePolicy, error) {
	p := &IdlePolicy{name: "idle"}
	if err := p.SetConfiguration(config); err != nil {
		return nil, err
	}
	return p, nil
}

// ShouldEvict implements EvictionPolicy.
func (p *IdlePolicy) ShouldEvict(entry *Entry, now time.Time, memoryPressure float64) bool {
	if entry == nil || entry.RefCount > 0 {
		return false
	}
	return now.Sub(entry.LastUsed) > p.IdleThreshold(memoryPressure)
}

// IdleThreshold implements EvictionPolicy.
func (p *IdlePolicy) IdleThreshold(memoryPressure float64) time.Duration {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	switch {
	case memoryPressure >= p.config.PanicPressure:
		return p.config.GracePeriod
	case memoryPressure >= p.config.CriticalPressure:
		return max(p.config.IdleTimeout/2, p.config.GracePeriod)
	default:
		return p.config.IdleTimeout
	}
}

// PolicyName returns the name of this eviction policy
func (p *IdlePolicy) PolicyName() string {
	return p.name
}

// Configuration returns the active configuration.
func (p *IdlePolicy) Configuration() IdlePolicyConfig {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.config
}

// SetConfiguration allows runtime configuration changes
func (p *IdlePolicy) SetConfiguration(config IdlePolicyConfig) error {
	if config.IdleTimeout < 0 || config.GracePeriod < 0 {
		return fmt.Errorf("idle timeout and grace period must be >= 0")
	}
	if config.GracePeriod > config.IdleTimeout {
		return fmt.Errorf("grace period %v exceeds idle timeout %v", config.GracePeriod, config.IdleTimeout)
	}
	if config.CriticalPressure <= 0 || config.PanicPressure < config.CriticalPressure {
		return fmt.Errorf("pressure thresholds must satisfy 0 < critical <= panic")
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.config = config
	return nil
}
