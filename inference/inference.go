// Package inference talks to text/vision model providers. A Provider is
// one backend (OpenAI, Gemini); a Client wraps a Provider with the
// connectivity middleware stack and decodes its output strictly.
package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNoChoices = errors.New("inference: provider returned no choices")
	ErrNoAPIKey  = errors.New("inference: api key is required")
)

// Image is an inline image sent with a prompt.
type Image struct {
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// DataURL renders the image as a data: URL.
func (im Image) DataURL() string {
	return "data:" + im.mime() + ";base64," + base64.StdEncoding.EncodeToString(im.Data)
}

func (im Image) mime() string {
	if im.MIME != "" {
		return im.MIME
	}
	return http.DetectContentType(im.Data)
}

// Prompt is one provider request.
type Prompt struct {
	System    string   `json:"system"`
	User      string   `json:"user"`
	ImageURLs []string `json:"image_urls,omitempty"`
	Images    []Image  `json:"images,omitempty"`
	// JSON asks the provider for a JSON object response.
	JSON bool `json:"json,omitempty"`
	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`
}

// Completion is a provider response.
type Completion struct {
	Text         string        `json:"text"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"` // USD
	Duration     time.Duration `json:"duration"`
}

// Provider is one model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (Completion, error)
}

// ImageLoader resolves an image URL the provider cannot fetch itself.
type ImageLoader interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc struct {
	ID string
	Fn func(ctx context.Context, p Prompt) (Completion, error)
}

func (f ProviderFunc) Name() string { return f.ID }

func (f ProviderFunc) Complete(ctx context.Context, p Prompt) (Completion, error) {
	c, err := f.Fn(ctx, p)
	if err == nil && c.Provider == "" {
		c.Provider = f.ID
	}
	return c, err
}

const transcribeInstruction = "Transcribe every legible word and number on this construction drawing, " +
	"preserving line breaks. Return plain text only."

func isRemote(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "data:")
}
