package connectivity

import (
	"context"
	"time"

	"github.com/hazyhaar/planset/observability"
)

// Metric names emitted by WithObservability.
const (
	MetricCallDuration = "call.duration_ms"
	MetricCallError    = "call.error"
)

// WithObservability records call duration for every call and an error
// count on failures, labelled with the service name.
func WithObservability(mm *observability.MetricsManager, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		if mm == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)

			mm.Record(&observability.Metric{
				Name:      MetricCallDuration,
				Timestamp: start,
				Value:     float64(time.Since(start).Milliseconds()),
				Labels:    map[string]string{"service": service},
				Unit:      "milliseconds",
			})
			if err != nil {
				kind := "error"
				if IsTimeout(err) {
					kind = "timeout"
				}
				mm.Record(&observability.Metric{
					Name:      MetricCallError,
					Timestamp: start,
					Value:     1,
					Labels:    map[string]string{"service": service, "kind": kind},
					Unit:      "count",
				})
			}
			return resp, err
		}
	}
}
