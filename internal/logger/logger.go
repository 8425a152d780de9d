package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// Logger wraps zerolog.Logger with component-scoped helpers
type Logger struct {
	zerolog.Logger
	level  zerolog.Level
	output io.Writer
}

// Config represents logger configuration
type Config struct {
	// Log level (trace, debug, info, warn, error, disabled)
	Level string `toml:"level"`

	// Output destination (stdout, stderr, or file path)
	Output string `toml:"output"`

	// Enable colored console output (stdout/stderr only)
	Color bool `toml:"color"`

	// Enable timestamp in logs
	Timestamp bool `toml:"timestamp"`

	// Enable caller information (file:line)
	Caller bool `toml:"caller"`
}

// DefaultConfig returns default logger configuration.
// Capture runs inside the user's prompt, so only errors are shown by default.
func DefaultConfig() *Config {
	return &Config{
		Level:     "error",
		Output:    "stderr",
		Color:     true,
		Timestamp: true,
		Caller:    false,
	}
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// Init initializes the global logger with the provided configuration
func Init(config *Config) error {
	if config == nil {
		config = DefaultConfig()
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}

	var output io.Writer
	switch config.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(config.Output), 0700); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	}

	if (config.Output == "" || config.Output == "stdout" || config.Output == "stderr") && config.Color {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	setGlobal(build(output, level, config.Timestamp, config.Caller))
	return nil
}

// New creates a standalone logger writing JSON lines to w. Used by tests
// that need to inspect log output.
func New(w io.Writer, level zerolog.Level) *Logger {
	return build(w, level, false, false)
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop(), level: zerolog.Disabled, output: io.Discard}
}

func build(output io.Writer, level zerolog.Level, timestamp, caller bool) *Logger {
	zl := zerolog.New(output).Level(level)
	if timestamp {
		zl = zl.With().Timestamp().Logger()
	}
	if caller {
		zl = zl.With().Caller().Logger()
	}
	return &Logger{Logger: zl, level: level, output: output}
}

func setGlobal(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	log.Logger = l.Logger
	globalMu.Unlock()
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l == nil {
		_ = Init(DefaultConfig())
		globalMu.RLock()
		l = globalLogger
		globalMu.RUnlock()
	}
	return l
}

// GetLevel returns the configured minimum level
func (l *Logger) GetLevel() zerolog.Level {
	return l.level
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With().Interface(key, value).Logger(),
		level:  l.level,
		output: l.output,
	}
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.Logger.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}
	return &Logger{
		Logger: ctx.Logger(),
		level:  l.level,
		output: l.output,
	}
}

// WithError adds an error field (with stack, when the error carries one)
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With().Stack().Err(err).Logger(),
		level:  l.level,
		output: l.output,
	}
}

// WithComponent adds a component field for structured logging
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithField("component", component)
}

// WithOperation adds an operation field for structured logging
func (l *Logger) WithOperation(operation string) *Logger {
	return l.WithField("operation", operation)
}

func (l *Logger) Database() *Logger { return l.WithComponent("database") }

func (l *Logger) Storage() *Logger { return l.WithComponent("storage") }

func (l *Logger) Search() *Logger { return l.WithComponent("search") }

func (l *Logger) Capture() *Logger { return l.WithComponent("capture") }

func (l *Logger) History() *Logger { return l.WithComponent("history") }

func (l *Logger) Shell() *Logger { return l.WithComponent("shell") }

func (l *Logger) Config() *Logger { return l.WithComponent("config") }

// Performance logs a timing at debug level
func (l *Logger) Performance(operation string, duration time.Duration, fields map[string]interface{}) {
	evt := l.Debug().
		Str("perf_operation", operation).
		Dur("duration", duration)

	for key, value := range fields {
		evt = evt.Interface(key, value)
	}
	evt.Msg("performance metric")
}

// Global convenience functions
func Debug() *zerolog.Event {
	return GetLogger().Debug()
}

func Info() *zerolog.Event {
	return GetLogger().Info()
}

func Warn() *zerolog.Event {
	return GetLogger().Warn()
}

func Error() *zerolog.Event {
	return GetLogger().Error()
}

func WithComponent(component string) *Logger {
	return GetLogger().WithComponent(component)
}

func WithError(err error) *Logger {
	return GetLogger().WithError(err)
}
