package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RegisterWithRetry registers the adapter with the platform, retrying
// with exponential backoff. Registration can fail right after an app
// install or update before the platform has settled, so a few retries
// are expected. The returned error wraps ErrRegistrationFailed; the
// caller logs it and continues in in-app-only call UI mode.
func RegisterWithRetry(ctx context.Context, a Adapter, attempts int, baseDelay time.Duration, logger *slog.Logger) error {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = a.Register(ctx); err == nil {
			return nil
		}

		backoff := baseDelay * time.Duration(1<<uint(i))
		logger.Warn("telephony registration attempt failed",
			"attempt", i+1, "attempts", attempts, "retry_in", backoff, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrRegistrationFailed, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrRegistrationFailed, attempts, err)
}
