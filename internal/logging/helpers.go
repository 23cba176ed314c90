package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// LogConfig represents logging configuration (matching the YAML structure)
type LogConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
	LogDir        string `yaml:"log_dir"`
}

// InitializeFromConfig builds a logger from configuration. The caller owns
// the returned logger and passes it to the components that need it.
func InitializeFromConfig(instance string, logConfig LogConfig) (*Logger, error) {
	if logConfig.LogDir != "" && logConfig.EnableFile {
		if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile := logConfig.LogFile
	if logFile == "" && logConfig.EnableFile {
		logFile = filepath.Join(logConfig.LogDir, fmt.Sprintf("%s.log", instance))
	}

	return NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		Instance:      instance,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		BufferSize:    logConfig.BufferSize,
	}), nil
}

// Component names for structured logging
const (
	ComponentStore     = "store"
	ComponentScheduler = "scheduler"
	ComponentOptimizer = "optimizer"
	ComponentEngine    = "engine"
	ComponentConfig    = "config"
	ComponentMain      = "main"
)

// Action names for structured logging
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionLoad       = "load"
	ActionOptimize   = "optimize"
	ActionEvict      = "evict"
	ActionRelease    = "release"
	ActionClear      = "clear"
	ActionTick       = "tick"
	ActionAdmit      = "admit"
	ActionShed       = "shed"
	ActionPressure   = "pressure"
	ActionValidation = "validation"
	ActionCleanup    = "cleanup"
)
