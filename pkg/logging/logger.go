// Package logging configures the zerolog logger shared by the cache, its
// storage backends and the HTTP session.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `env:"LOG_LEVEL" envDefault:"info"`

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool `env:"LOG_PRETTY" envDefault:"false"`

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer `env:"-"`
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Per-request decisions
//   - Read and write criteria that skipped the cache
//   - Cache hit/miss, cache key, resolved expiration
//   - Conditional requests (If-None-Match, If-Modified-Since)
//   - Background refreshes started by stale-while-revalidate
//
// Info: Normal operation events
//   - Backend opened or closed
//   - 304 Not Modified revalidations
//   - Bulk maintenance (expired responses removed, keys recreated)
//   - Server startup/shutdown
//
// Warn: Conditions that don't prevent operation
//   - Stale response served after a failed refresh
//   - Retry attempts
//   - Signed serializer used without a secret
//   - Storage errors on write (the live response is still returned)
//
// Error: Conditions requiring attention
//   - Cached values that failed to deserialize (entry is deleted)
//   - Failed background refreshes
//   - Backend connection failures
//   - Configuration errors
//
// Context Fields:
//   - component: package emitting the entry (cache, policy, session, backend name)
//   - cache_key: key of the request
//   - url: request URL
//   - status_code: HTTP status code
//   - expires: resolved expiration
//   - criteria: failed read/write criteria
//   - backend: storage backend name
