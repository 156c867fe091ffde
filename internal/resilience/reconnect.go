package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/lexiqai/ari-agent/internal/observability"
)

// ReconnectConfig controls the exponential backoff between connection
// attempts.
type ReconnectConfig struct {
	// MaxAttempts of 0 retries forever.
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

// DefaultReconnectConfig retries five times starting at one second.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// Reconnect calls fn until it succeeds, the context is cancelled, or the
// attempt budget is exhausted.
func Reconnect(ctx context.Context, name string, fn func(context.Context) error, cfg ReconnectConfig) error {
	logger := observability.GetLogger().With().Str("target", name).Logger()
	backoff := cfg.Backoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().Int("attempts", attempt).Msg("Reconnected")
			}
			return nil
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return fmt.Errorf("failed to connect to %s after %d attempts: %w", name, attempt, err)
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Connection attempt failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}
