package connectivity

import (
	"context"
	"log/slog"
)

// WithFallback returns a middleware that calls secondary when the wrapped
// handler fails. It is how the extractor degrades from local OCR to a
// vision-model transcription for a single page.
//
// The fallback is skipped when secondary is nil or the caller's context is
// done: a cancelled caller is not a failed primary.
func WithFallback(secondary Handler, service string, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		if secondary == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			resp, err := next(ctx, payload)
			if err == nil {
				return resp, nil
			}
			if ctx.Err() != nil {
				return nil, err
			}

			if logger != nil {
				logger.WarnContext(ctx, "primary failed, using fallback",
					"service", service,
					"primary_error", err)
			}
			return secondary(ctx, payload)
		}
	}
}
