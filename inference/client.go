package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/planset/connectivity"
	"github.com/hazyhaar/planset/observability"
)

// ClientConfig configures the call policy around a provider.
type ClientConfig struct {
	Timeout     time.Duration // per attempt, default 2m
	MaxRetries  int           // default 2; negative disables retries
	BaseBackoff time.Duration // default 500ms
	Breakers    *connectivity.BreakerSet
	Metrics     *observability.MetricsManager
	Pricing     Pricing
	Logger      *slog.Logger
}

func (c *ClientConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.Breakers == nil {
		c.Breakers = connectivity.NewBreakerSet()
	}
	if c.Pricing == nil {
		c.Pricing = DefaultPricing()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client calls one provider through timeout, retry, circuit breaker,
// recovery and metrics middleware.
type Client struct {
	provider Provider
	cfg      ClientConfig
	call     connectivity.Handler
}

// Analysis is a completed call with its decoded output.
type Analysis struct {
	Completion Completion
	Decoded    Decoded
}

// NewClient wraps p.
func NewClient(p Provider, cfg ClientConfig) *Client {
	cfg.defaults()
	c := &Client{provider: p, cfg: cfg}
	service := "inference." + p.Name()
	c.call = connectivity.Chain(
		connectivity.Recovery(cfg.Logger),
		connectivity.Logging(cfg.Logger, service),
		connectivity.WithObservability(cfg.Metrics, service),
		connectivity.WithRetry(cfg.MaxRetries, cfg.BaseBackoff, cfg.Logger),
		connectivity.WithCircuitBreaker(cfg.Breakers.Get(service), service),
		connectivity.WithTimeout(cfg.Timeout, service),
	)(c.handle)
	return c
}

// Name is the provider name.
func (c *Client) Name() string { return c.provider.Name() }

func (c *Client) handle(ctx context.Context, payload []byte) ([]byte, error) {
	var p Prompt
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, connectivity.Permanent(err)
	}
	comp, err := c.provider.Complete(ctx, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(comp)
}

// Complete runs p through the middleware stack and prices the result.
func (c *Client) Complete(ctx context.Context, p Prompt) (Completion, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return Completion{}, fmt.Errorf("inference: encode prompt: %w", err)
	}
	raw, err := c.call(ctx, payload)
	if err != nil {
		return Completion{}, err
	}
	var comp Completion
	if err := json.Unmarshal(raw, &comp); err != nil {
		return Completion{}, fmt.Errorf("inference: decode completion: %w", err)
	}
	if comp.Provider == "" {
		comp.Provider = c.provider.Name()
	}
	if comp.Cost == 0 {
		comp.Cost = c.cfg.Pricing.Cost(comp.Model, comp.InputTokens, comp.OutputTokens)
	}
	return comp, nil
}

// Analyze completes p and decodes the response strictly.
func (c *Client) Analyze(ctx context.Context, p Prompt) (Analysis, error) {
	comp, err := c.Complete(ctx, p)
	if err != nil {
		return Analysis{}, err
	}
	return Analysis{Completion: comp, Decoded: Decode(comp.Text)}, nil
}

// Transcribe implements docpipe.Transcriber through the guarded call path.
func (c *Client) Transcribe(ctx context.Context, png []byte) (string, error) {
	p := Prompt{
		System: transcribeInstruction,
		User:   "Transcribe this page.",
		Images: []Image{{MIME: "image/png", Data: png}},
	}
	if v, ok := c.provider.(interface{ VisionModel() string }); ok {
		p.Model = v.VisionModel()
	}
	comp, err := c.Complete(ctx, p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(comp.Text), nil
}
