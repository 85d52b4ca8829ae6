// Package connectivity wraps outbound calls (inference providers, OCR
// engines) in composable middleware: timeouts, retries, circuit breakers,
// fallbacks and metrics.
//
// Every guarded call is reduced to the same shape, bytes in and bytes out,
// so a provider, a local tesseract run and a vision-model transcription
// can be stacked behind one another without knowing about each other:
//
//	h := connectivity.Chain(
//		connectivity.Recovery(logger),
//		connectivity.WithRetry(2, 500*time.Millisecond, logger),
//		connectivity.WithCircuitBreaker(breakers.Get("openai"), "openai"),
//		connectivity.WithTimeout(90*time.Second, "openai"),
//	)(providerHandler)
package connectivity

import "context"

// Handler is a transport-agnostic call: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// HandlerMiddleware wraps a Handler without changing its signature.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares left-to-right: the first middleware in the
// slice is the outermost wrapper.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
