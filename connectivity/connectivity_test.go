package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func failing(n *atomic.Int32, err error) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		n.Add(1)
		return nil, err
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, p []byte) ([]byte, error) {
				order = append(order, name)
				return next(ctx, p)
			}
		}
	}
	h := Chain(mw("a"), mw("b"))(func(ctx context.Context, p []byte) ([]byte, error) {
		order = append(order, "call")
		return p, nil
	})
	if _, err := h(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "call" {
		t.Fatalf("order: %v", order)
	}
}

func TestWithRetry_EventuallySucceeds(t *testing.T) {
	var calls atomic.Int32
	h := WithRetry(3, time.Millisecond, nil)(func(ctx context.Context, p []byte) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	})
	resp, err := h(context.Background(), nil)
	if err != nil || string(resp) != "ok" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestWithRetry_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	h := WithRetry(5, time.Millisecond, nil)(failing(&calls, Permanent(errors.New("bad request"))))
	if _, err := h(context.Background(), nil); !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestWithTimeout_TypedError(t *testing.T) {
	slow := func(ctx context.Context, p []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := WithTimeout(10*time.Millisecond, "openai")(slow)
	_, err := h(context.Background(), nil)
	var te *ErrCallTimeout
	if !errors.As(err, &te) || te.Service != "openai" {
		t.Fatalf("expected *ErrCallTimeout, got %v", err)
	}
	if !IsTimeout(err) {
		t.Fatal("IsTimeout should report true")
	}
}

func TestWithTimeout_CallerCancelIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := WithTimeout(time.Second, "openai")(func(ctx context.Context, p []byte) ([]byte, error) {
		return nil, ctx.Err()
	})
	_, err := h(ctx, nil)
	var te *ErrCallTimeout
	if errors.As(err, &te) {
		t.Fatalf("caller cancellation must not be a call timeout: %v", err)
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(time.Minute),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(func() time.Time { return now }),
	)
	var calls atomic.Int32
	h := WithCircuitBreaker(cb, "gemini")(failing(&calls, errors.New("503")))

	h(context.Background(), nil)
	h(context.Background(), nil)
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	_, err := h(context.Background(), nil)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("open breaker must not call through, calls=%d", calls.Load())
	}

	now = now.Add(2 * time.Minute)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half_open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestBreakerSet_PerService(t *testing.T) {
	set := NewBreakerSet(WithBreakerThreshold(1))
	set.Get("openai").RecordFailure()
	if set.Get("openai") != set.Get("openai") {
		t.Fatal("Get must return the same breaker")
	}
	states := set.States()
	if states["openai"] != "open" {
		t.Fatalf("openai: %v", states)
	}
	if set.Get("gemini").State() != BreakerClosed {
		t.Fatal("gemini must be independent")
	}
}

func TestWithFallback(t *testing.T) {
	primary := func(ctx context.Context, p []byte) ([]byte, error) {
		return nil, errors.New("tesseract: exit status 1")
	}
	secondary := func(ctx context.Context, p []byte) ([]byte, error) {
		return []byte("vision:" + string(p)), nil
	}
	h := WithFallback(secondary, "ocr", nil)(primary)
	resp, err := h(context.Background(), []byte("page-3"))
	if err != nil || string(resp) != "vision:page-3" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(nil)(func(ctx context.Context, p []byte) ([]byte, error) {
		panic("boom")
	})
	_, err := h(context.Background(), nil)
	var pe *ErrPanic
	if !errors.As(err, &pe) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
}
