package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogLevel represents the severity of a log entry
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type contextKey string

const CorrelationIDKey contextKey = "correlation_id"

// Fields carries structured key/value pairs attached to an entry.
type Fields map[string]interface{}

// LogEntry represents a structured log entry for JSON serialization
type LogEntry struct {
	Timestamp     time.Time `json:"@timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Instance      string    `json:"instance,omitempty"`
	Component     string    `json:"component,omitempty"`
	Action        string    `json:"action,omitempty"`
	Duration      *int64    `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	Fields        Fields    `json:"fields,omitempty"`
	File          string    `json:"file,omitempty"`
	Line          int       `json:"line,omitempty"`
}

// Logger writes JSON lines asynchronously. A nil *Logger discards everything,
// so components can hold one unconditionally.
type Logger struct {
	level    LogLevel
	instance string
	writers  []io.Writer
	mu       sync.RWMutex
	logChan  chan LogEntry
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Config for logger initialization
type Config struct {
	Level         LogLevel
	Instance      string
	LogFile       string
	EnableConsole bool
	EnableFile    bool
	BufferSize    int
	Writers       []io.Writer
}

// NewLogger creates a new structured logger instance
func NewLogger(config Config) *Logger {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	logger := &Logger{
		level:    config.Level,
		instance: config.Instance,
		writers:  append([]io.Writer(nil), config.Writers...),
		logChan:  make(chan LogEntry, config.BufferSize),
		done:     make(chan struct{}),
	}

	if config.EnableConsole {
		logger.writers = append(logger.writers, os.Stdout)
	}

	if config.EnableFile && config.LogFile != "" {
		if file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			logger.writers = append(logger.writers, file)
		} else {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", config.LogFile, err)
		}
	}

	logger.wg.Add(1)
	go logger.processLogs()

	return logger
}

func (l *Logger) processLogs() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.logChan:
			l.writeEntry(entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.logChan:
					l.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeEntry(entry LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}
	data = append(data, '\n')

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, writer := range l.writers {
		writer.Write(data)
	}
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

func (l *Logger) log(ctx context.Context, level LogLevel, component, action, message string, fields Fields, err error, duration *time.Duration) {
	if l == nil || level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file = "unknown"
	}

	entry := LogEntry{
		Timestamp:     time.Now().UTC(),
		Level:         level.String(),
		Message:       message,
		CorrelationID: GetCorrelationID(ctx),
		Instance:      l.instance,
		Component:     component,
		Action:        action,
		Fields:        fields,
		File:          file,
		Line:          line,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if duration != nil {
		ms := duration.Milliseconds()
		entry.Duration = &ms
	}

	select {
	case <-l.done:
		l.writeEntry(entry)
	case l.logChan <- entry:
	default:
		// Buffer is full, write directly
		l.writeEntry(entry)
	}
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, DEBUG, component, action, message, first(fields), nil, nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, INFO, component, action, message, first(fields), nil, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, WARN, component, action, message, first(fields), err, nil)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, ERROR, component, action, message, first(fields), err, nil)
}

// WithDuration logs with timing information
func (l *Logger) WithDuration(ctx context.Context, level LogLevel, component, action, message string, duration time.Duration, fields ...Fields) {
	l.log(ctx, level, component, action, message, first(fields), nil, &duration)
}

// StartTimer returns a function that logs the elapsed time at DEBUG when called
func (l *Logger) StartTimer(ctx context.Context, component, action, message string) func() {
	if l == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		l.log(ctx, DEBUG, component, action, message, nil, nil, durationPtr(time.Since(start)))
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// Close flushes pending entries and closes file writers. Safe to call twice.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()

		l.mu.Lock()
		defer l.mu.Unlock()
		for _, writer := range l.writers {
			if closer, ok := writer.(io.Closer); ok && writer != os.Stdout && writer != os.Stderr {
				closer.Close()
			}
		}
	})
}

// AddWriter adds a new writer to the logger
func (l *Logger) AddWriter(writer io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writers = append(l.writers, writer)
}
