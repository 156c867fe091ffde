package observability

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	globalLogger zerolog.Logger
	initialized  bool
)

// InitLogger configures the global structured logger. Unknown level
// strings fall back to info. Pretty switches to console output for
// development; production emits JSON.
func InitLogger(level string, pretty bool) {
	if initialized {
		return
	}

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	var out = zerolog.New(os.Stdout)
	if pretty {
		out = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
	globalLogger = out.With().Timestamp().Logger()

	log.Logger = globalLogger
	initialized = true
}

// GetLogger returns the global logger, initializing it with defaults when
// InitLogger was never called.
func GetLogger() zerolog.Logger {
	if !initialized {
		InitLogger("info", false)
	}
	return globalLogger
}

// WithCallID scopes the logger to a single call.
func WithCallID(callID string) zerolog.Logger {
	return GetLogger().With().Str("call_id", callID).Logger()
}

// WithCorrelationID scopes the logger to a request chain, minting a fresh
// id when none is supplied.
func WithCorrelationID(correlationID string) zerolog.Logger {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return GetLogger().With().Str("correlation_id", correlationID).Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}
