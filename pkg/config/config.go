package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	// Texture optimization
	MaxResidentDimension       int     `yaml:"max_resident_dimension"`
	PlatformEncodingProfile    string  `yaml:"platform_encoding_profile"` // mobile, high-end-mobile, desktop
	GenerateMipChain           bool    `yaml:"generate_mip_chain"`
	DetailLevelExpansionFactor float64 `yaml:"detail_level_expansion_factor"`
	Compress                   bool    `yaml:"compress"`

	// Memory budget and eviction
	MaxMemory            string        `yaml:"max_memory"` // human size, e.g. "256MB" or "1GiB"
	IdleEvictionInterval time.Duration `yaml:"idle_eviction_interval"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	AsyncLoaders         int           `yaml:"async_loaders"`

	// Streaming scheduler
	StreamingBatchSize         int           `yaml:"streaming_batch_size"`
	StreamingDistanceThreshold float64       `yaml:"streaming_distance_threshold"`
	SchedulerTickInterval      time.Duration `yaml:"scheduler_tick_interval"`
	MemoryPressureThreshold    float64       `yaml:"memory_pressure_threshold"`
	DetailLevelWeight          float64       `yaml:"detail_level_weight"`
	PressureDampening          float64       `yaml:"pressure_dampening"`

	Logging LoggingConfig `yaml:"logging"`

	// Path is the file the configuration was read from, empty for defaults.
	Path string `yaml:"-"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error
	EnableConsole bool   `yaml:"enable_console"` // Enable console output
	EnableFile    bool   `yaml:"enable_file"`    // Enable file output
	LogFile       string `yaml:"log_file"`       // Log file path
	BufferSize    int    `yaml:"buffer_size"`    // Async log buffer size
	LogDir        string `yaml:"log_dir"`        // Log directory
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxResidentDimension:       1024,
		PlatformEncodingProfile:    "desktop",
		GenerateMipChain:           true,
		DetailLevelExpansionFactor: 1.33,
		Compress:                   true,

		MaxMemory:            "256MB",
		IdleEvictionInterval: 10 * time.Second,
		IdleTimeout:          30 * time.Second,
		AsyncLoaders:         4,

		StreamingBatchSize:         4,
		StreamingDistanceThreshold: 100,
		SchedulerTickInterval:      time.Second,
		MemoryPressureThreshold:    0.8,
		DetailLevelWeight:          0.1,
		PressureDampening:          0.5,

		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			BufferSize:    1000,
			LogDir:        "logs",
		},
	}
}

// Load reads and parses the configuration file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, err
	}
	config.Path = path
	return config, nil
}

// Parse overlays a YAML document on the defaults, checks it against the
// schema and validates the result.
func Parse(data []byte) (*Config, error) {
	config := Default()

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if raw != nil {
		if err := validateSchema(raw); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MaxResidentDimension < 0 {
		return fmt.Errorf("max_resident_dimension must be >= 0")
	}
	if !isValidProfile(c.PlatformEncodingProfile) {
		return fmt.Errorf("invalid platform_encoding_profile: %s", c.PlatformEncodingProfile)
	}
	if c.DetailLevelExpansionFactor < 1 {
		return fmt.Errorf("detail_level_expansion_factor must be >= 1")
	}

	maxMemory, err := c.MaxMemoryBytes()
	if err != nil {
		return err
	}
	if maxMemory <= 0 {
		return fmt.Errorf("max_memory must be greater than 0")
	}

	if c.IdleEvictionInterval <= 0 {
		return fmt.Errorf("idle_eviction_interval must be greater than 0")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must be >= 0")
	}
	if c.AsyncLoaders < 1 {
		return fmt.Errorf("async_loaders must be >= 1")
	}

	if c.StreamingBatchSize < 1 {
		return fmt.Errorf("streaming_batch_size must be >= 1")
	}
	if c.StreamingDistanceThreshold <= 0 {
		return fmt.Errorf("streaming_distance_threshold must be greater than 0")
	}
	if c.SchedulerTickInterval <= 0 {
		return fmt.Errorf("scheduler_tick_interval must be greater than 0")
	}
	if c.MemoryPressureThreshold <= 0 || c.MemoryPressureThreshold >= 1 {
		return fmt.Errorf("memory_pressure_threshold must be between 0 and 1 (exclusive)")
	}
	if c.DetailLevelWeight < 0 {
		return fmt.Errorf("detail_level_weight must be >= 0")
	}
	if c.PressureDampening <= 0 || c.PressureDampening > 1 {
		return fmt.Errorf("pressure_dampening must be in (0, 1]")
	}

	return nil
}

// MaxMemoryBytes parses MaxMemory.
func (c *Config) MaxMemoryBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxMemory)
	if err != nil {
		return 0, fmt.Errorf("invalid max_memory %q: %w", c.MaxMemory, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("max_memory %q is too large", c.MaxMemory)
	}
	return int64(n), nil
}

// PressureThresholds derives the warning, critical and panic budget levels
// from MemoryPressureThreshold: critical and panic sit halfway and
// three-quarters of the way from it to a full budget.
func (c *Config) PressureThresholds() (warning, critical, panic float64) {
	warning = c.MemoryPressureThreshold
	critical = warning + (1-warning)*0.5
	panic = warning + (1-warning)*0.75
	return warning, critical, panic
}

// String renders the effective configuration on one line for startup logs.
func (c *Config) String() string {
	maxMemory, _ := c.MaxMemoryBytes()
	return fmt.Sprintf("profile=%s max_dim=%d max_memory=%s batch=%d distance=%g tick=%s idle=%s/%s",
		c.PlatformEncodingProfile, c.MaxResidentDimension, humanize.IBytes(uint64(maxMemory)),
		c.StreamingBatchSize, c.StreamingDistanceThreshold, c.SchedulerTickInterval,
		c.IdleTimeout, c.IdleEvictionInterval)
}

// isValidProfile checks if the platform encoding profile is supported
func isValidProfile(profile string) bool {
	validProfiles := map[string]bool{
		"mobile":          true, // s2 block codec
		"high-end-mobile": true, // zstd, fastest level
		"desktop":         true, // zstd, better compression
	}
	return validProfiles[strings.ToLower(profile)]
}
