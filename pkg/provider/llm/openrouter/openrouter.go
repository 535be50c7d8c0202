// Package openrouter implements the llm contract against the OpenRouter API,
// which speaks the OpenAI chat-completions dialect.
package openrouter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/scenecast/scenecast/pkg/provider/llm"
)

const (
	baseURL = "https://openrouter.ai/api/v1"

	// Overall budget for one completion including retries.
	requestTimeout = 120 * time.Second

	// Transport retries on 429/5xx with exponential backoff from one second,
	// three attempts total.
	maxRetries = 2
)

// Client implements llm.Client using OpenRouter.
type Client struct {
	client oai.Client
}

var _ llm.Client = (*Client)(nil)

// config holds optional construction parameters.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL overrides the OpenRouter endpoint, for tests.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout overrides the per-request budget.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an OpenRouter client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter: apiKey must not be empty")
	}

	cfg := &config{baseURL: baseURL, timeout: requestTimeout}
	for _, o := range opts {
		o(cfg)
	}

	client := oai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
		option.WithMaxRetries(maxRetries),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	)
	return &Client{client: client}, nil
}

// StreamChat implements llm.Client. The returned stream captures the usage
// record (including OpenRouter's cost extension) from the terminal chunk.
func (c *Client) StreamChat(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	params, reqOpts, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	upstream := c.client.Chat.Completions.NewStreaming(ctx, params, reqOpts...)
	if err := upstream.Err(); err != nil {
		return nil, fmt.Errorf("openrouter: start stream: %w", err)
	}

	s := &stream{tokens: make(chan string, 32)}
	go func() {
		defer close(s.tokens)
		defer upstream.Close()

		for upstream.Next() {
			chunk := upstream.Current()

			// The final chunk carries usage and an empty choice list.
			if chunk.Usage.TotalTokens > 0 || chunk.Usage.JSON.ExtraFields != nil {
				s.setUsage(extractUsage(chunk.Usage))
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			select {
			case s.tokens <- text:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}
		if err := upstream.Err(); err != nil {
			s.setErr(fmt.Errorf("openrouter: stream: %w", err))
		}
	}()

	return s, nil
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, req llm.ChatRequest) (llm.Completion, error) {
	params, reqOpts, err := buildParams(req)
	if err != nil {
		return llm.Completion{}, err
	}

	resp, err := c.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return llm.Completion{}, fmt.Errorf("openrouter: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Completion{}, fmt.Errorf("openrouter: empty choices in response")
	}
	return llm.Completion{
		Content: resp.Choices[0].Message.Content,
		Usage:   extractUsage(resp.Usage),
	}, nil
}

// stream adapts the SDK stream to llm.Stream.
type stream struct {
	tokens chan string

	mu       sync.Mutex
	usage    llm.Usage
	hasUsage bool
	err      error
}

var _ llm.Stream = (*stream)(nil)

func (s *stream) Tokens() <-chan string { return s.tokens }

func (s *stream) Usage() (llm.Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.hasUsage
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) setUsage(u llm.Usage) {
	s.mu.Lock()
	s.usage = u
	s.hasUsage = true
	s.mu.Unlock()
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// extractUsage converts SDK usage, pulling OpenRouter's cost extension out of
// the raw JSON extras.
func extractUsage(u oai.CompletionUsage) llm.Usage {
	usage := llm.Usage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
	if f, ok := u.JSON.ExtraFields["cost"]; ok {
		if cost, err := strconv.ParseFloat(f.Raw(), 64); err == nil {
			usage.Cost = cost
			usage.HasCost = true
		}
	}
	return usage
}

// buildParams converts a ChatRequest into SDK params plus the per-request
// body extensions OpenRouter understands (provider routing, usage include).
func buildParams(req llm.ChatRequest) (oai.ChatCompletionNewParams, []option.RequestOption, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, nil, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.ResponseSchema != nil {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.ResponseSchema.Name,
					Strict: oai.Bool(true),
					Schema: req.ResponseSchema.Schema,
				},
			},
		}
	}

	reqOpts := []option.RequestOption{
		// Ask OpenRouter to include cost accounting in the usage record.
		option.WithJSONSet("usage", map[string]any{"include": true}),
	}
	if len(req.ProviderOrder) > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("provider", map[string]any{
			"order":           req.ProviderOrder,
			"allow_fallbacks": false,
		}))
	}
	return params, reqOpts, nil
}

// convertMessage maps an llm.Message onto the SDK union type.
func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	if len(m.Parts) > 0 {
		if m.Role != "user" {
			return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openrouter: multimodal content on role %q", m.Role)
		}
		parts := make([]oai.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case "text":
				parts = append(parts, oai.TextContentPart(p.Text))
			case "image_url":
				parts = append(parts, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
					URL: p.ImageURL,
				}))
			default:
				return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openrouter: unknown content part type %q", p.Type)
			}
		}
		return oai.UserMessage(parts), nil
	}

	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "assistant":
		return oai.AssistantMessage(m.Content), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openrouter: unknown message role %q", m.Role)
	}
}

// ShortModelName trims the vendor prefix for log lines, e.g.
// "anthropic/claude-sonnet-4" becomes "claude-sonnet-4".
func ShortModelName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}
