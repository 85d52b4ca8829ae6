package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hazyhaar/planset/connectivity"
)

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // optional, for compatible servers
	Model       string // default "gpt-4o"
	VisionModel string // default Model
	MaxTokens   int    // default 4096
	Loader      ImageLoader
	HTTPClient  *http.Client
}

// OpenAI is the OpenAI chat completions provider.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI creates the provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrNoAPIKey)
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}
	return &OpenAI{client: openai.NewClientWithConfig(config), cfg: cfg}, nil
}

func (o *OpenAI) Name() string { return "openai" }

// Complete runs one chat completion.
func (o *OpenAI) Complete(ctx context.Context, p Prompt) (Completion, error) {
	start := time.Now()
	model := p.Model
	if model == "" {
		model = o.cfg.Model
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if p.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.System,
		})
	}
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(p.ImageURLs) == 0 && len(p.Images) == 0 {
		user.Content = p.User
	} else {
		parts, err := o.parts(ctx, p)
		if err != nil {
			return Completion{}, err
		}
		user.MultiContent = parts
	}
	messages = append(messages, user)

	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: o.cfg.MaxTokens,
	}
	if p.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, ErrNoChoices
	}
	return Completion{
		Text:         resp.Choices[0].Message.Content,
		Provider:     o.Name(),
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Duration:     time.Since(start),
	}, nil
}

func (o *OpenAI) parts(ctx context.Context, p Prompt) ([]openai.ChatMessagePart, error) {
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: p.User}}
	add := func(url string) {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailHigh},
		})
	}
	for _, u := range p.ImageURLs {
		if isRemote(u) {
			add(u)
			continue
		}
		if o.cfg.Loader == nil {
			return nil, connectivity.Permanent(fmt.Errorf("openai: cannot load image %s: no loader", u))
		}
		data, err := o.cfg.Loader.Fetch(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("openai: load image %s: %w", u, err)
		}
		add(Image{Data: data}.DataURL())
	}
	for _, im := range p.Images {
		add(im.DataURL())
	}
	return parts, nil
}

// VisionModel is the model used for page transcription.
func (o *OpenAI) VisionModel() string { return o.cfg.VisionModel }

// classifyOpenAI marks client errors other than rate limits as permanent.
func classifyOpenAI(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return connectivity.Permanent(fmt.Errorf("openai: %w", err))
	}
	return fmt.Errorf("openai: %w", err)
}
