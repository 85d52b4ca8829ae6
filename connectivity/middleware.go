package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"
)

// Logging returns a middleware that logs every call with its duration.
func Logging(logger *slog.Logger, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)

			if err != nil {
				logger.WarnContext(ctx, "call failed",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"error", err)
			} else {
				logger.DebugContext(ctx, "call ok",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"response_bytes", len(resp))
			}
			return resp, err
		}
	}
}

// WithTimeout bounds each call to d. When the call's own deadline fires
// while the caller's context is still live, the error becomes
// *ErrCallTimeout so callers can tell a slow provider from a cancelled
// request. A zero duration disables the timeout.
func WithTimeout(d time.Duration, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if d <= 0 {
				return next(ctx, payload)
			}
			callCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			resp, err := next(callCtx, payload)
			if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, &ErrCallTimeout{Service: service, Cause: err}
			}
			return resp, err
		}
	}
}

// Recovery catches panics in downstream handlers and converts them into
// *ErrPanic instead of crashing the worker.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					if logger != nil {
						logger.ErrorContext(ctx, "handler panic recovered",
							"panic", r,
							"stack", string(debug.Stack()))
					}
					resp, err = nil, &ErrPanic{Value: r}
				}
			}()
			return next(ctx, payload)
		}
	}
}
