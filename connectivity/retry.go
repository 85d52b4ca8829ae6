package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WithRetry retries failed calls with exponential backoff (baseBackoff,
// doubled each attempt). Cancelled contexts, open circuits and Permanent
// errors are returned without retrying.
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				lastErr = err

				if ctx.Err() != nil {
					return nil, lastErr
				}
				var open *ErrCircuitOpen
				if errors.As(err, &open) || IsPermanent(err) {
					return nil, err
				}

				if attempt < maxRetries {
					wait := baseBackoff * (1 << uint(attempt))
					if logger != nil {
						logger.WarnContext(ctx, "retrying call",
							"attempt", attempt+1,
							"max_retries", maxRetries,
							"backoff_ms", wait.Milliseconds(),
							"error", err)
					}
					t := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						t.Stop()
						return nil, lastErr
					case <-t.C:
					}
				}
			}
			return nil, lastErr
		}
	}
}
