package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/hazyhaar/planset/connectivity"
)

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey      string
	Model       string // default "gemini-1.5-pro"
	VisionModel string // default Model
	MaxTokens   int32  // default 8192
	Loader      ImageLoader
}

// Gemini is the Google Gemini provider.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGemini creates the provider. Close releases the underlying client.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrNoAPIKey)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-pro"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Close releases the client.
func (g *Gemini) Close() error { return g.client.Close() }

// Complete runs one generateContent call.
func (g *Gemini) Complete(ctx context.Context, p Prompt) (Completion, error) {
	start := time.Now()
	name := p.Model
	if name == "" {
		name = g.cfg.Model
	}
	model := g.client.GenerativeModel(name)
	model.SetTemperature(0)
	model.SetMaxOutputTokens(g.cfg.MaxTokens)
	if p.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}
	}
	if p.JSON {
		model.ResponseMIMEType = "application/json"
	}

	parts := []genai.Part{genai.Text(p.User)}
	for _, u := range p.ImageURLs {
		if g.cfg.Loader == nil {
			return Completion{}, connectivity.Permanent(fmt.Errorf("gemini: cannot load image %s: no loader", u))
		}
		data, err := g.cfg.Loader.Fetch(ctx, u)
		if err != nil {
			return Completion{}, fmt.Errorf("gemini: load image %s: %w", u, err)
		}
		parts = append(parts, imagePart(Image{Data: data}))
	}
	for _, im := range p.Images {
		parts = append(parts, imagePart(im))
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return Completion{}, fmt.Errorf("gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Completion{}, ErrNoChoices
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	c := Completion{
		Text:     b.String(),
		Provider: g.Name(),
		Model:    name,
		Duration: time.Since(start),
	}
	if resp.UsageMetadata != nil {
		c.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		c.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return c, nil
}

// VisionModel is the model used for page transcription.
func (g *Gemini) VisionModel() string { return g.cfg.VisionModel }

func imagePart(im Image) genai.Part {
	format := strings.TrimPrefix(im.mime(), "image/")
	if i := strings.IndexByte(format, ';'); i >= 0 {
		format = format[:i]
	}
	return genai.ImageData(format, im.Data)
}
