// Package llm defines the contract for the upstream language-model client.
//
// One implementation exists (OpenRouter, see the openrouter subpackage); the
// contract stays provider-shaped so pipelines and the wish-session engine can
// run against an in-memory fake in tests.
package llm

import (
	"context"
	"encoding/json"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn. Content carries plain text; Parts, when non-nil,
// carries structured multimodal content instead (text plus inline images).
type Message struct {
	Role    string
	Content string
	Parts   []ContentPart
}

// ContentPart is one element of a multimodal user message.
type ContentPart struct {
	// Type is "text" or "image_url".
	Type string

	// Text is set when Type is "text".
	Text string

	// ImageURL is set when Type is "image_url" and holds a data URI.
	ImageURL string
}

type imageRef struct {
	URL string `json:"url"`
}

type contentPartWire struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

// MarshalJSON emits the conventional chat-completions part shape, with the
// image URL nested under image_url.url.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	wire := contentPartWire{Type: p.Type, Text: p.Text}
	if p.ImageURL != "" {
		wire.ImageURL = &imageRef{URL: p.ImageURL}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON accepts the same shape MarshalJSON produces.
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var wire contentPartWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	p.Type = wire.Type
	p.Text = wire.Text
	if wire.ImageURL != nil {
		p.ImageURL = wire.ImageURL.URL
	} else {
		p.ImageURL = ""
	}
	return nil
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart builds an inline-image content part from a media type and
// base64-encoded payload.
func ImagePart(mediaType, base64Data string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: "data:" + mediaType + ";base64," + base64Data}
}

// Usage is the token accounting captured from the terminal stream event.
// Cost is in USD and only present when the upstream reports it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	HasCost          bool
}

// ResponseSchema requests structured output: the model must reply with a JSON
// object matching Schema.
type ResponseSchema struct {
	Name   string
	Schema map[string]any
}

// ChatRequest is one completion request. A non-empty ProviderOrder pins the
// upstream provider routing and disables fallbacks.
type ChatRequest struct {
	Model          string
	Messages       []Message
	ProviderOrder  []string
	Temperature    float64
	MaxTokens      int
	ResponseSchema *ResponseSchema
}

// Stream is a lazy, finite, non-restartable sequence of content fragments.
// Usage and Err are meaningful only after Tokens is closed.
type Stream interface {
	// Tokens emits content fragments in order. Closed when the upstream sends
	// its terminal sentinel, on error, or when the request context ends.
	Tokens() <-chan string

	// Usage returns the accounting from the terminal event. The boolean is
	// false when the stream ended before a usage record arrived.
	Usage() (Usage, bool)

	// Err reports the terminal error, if any.
	Err() error
}

// Client is the upstream language-model client.
type Client interface {
	// StreamChat starts a streaming completion. Transient upstream failures
	// are retried internally before the stream is returned.
	StreamChat(ctx context.Context, req ChatRequest) (Stream, error)

	// Complete runs a non-streaming completion, used for structured-output
	// turns where the full object is needed before acting.
	Complete(ctx context.Context, req ChatRequest) (Completion, error)
}

// Completion is the result of a non-streaming request.
type Completion struct {
	Content string
	Usage   Usage
}
