package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/scenecast/scenecast/pkg/provider/llm"
	"github.com/scenecast/scenecast/pkg/provider/llm/openrouter"
)

const chatContextHeader = "\n\n---\nRecent Twitch chat (you can see what viewers are saying):\n"

// Image is one inline attachment on a user message.
type Image struct {
	MediaType string
	Base64    string
}

// ChatConfig is the prompt-assembly input for one chat turn.
type ChatConfig struct {
	SystemPrompt    string
	Model           string
	ProviderOrder   []string
	Temperature     float64
	MaxTokens       int
	LiveChatContext string
	History         []llm.Message
	UserMessage     string
	Images          []Image
}

// BuildChatMessages assembles the messages array: system prompt (with the
// live-chat block appended when present), history verbatim, then the user
// message, structured iff images are attached.
func BuildChatMessages(cfg ChatConfig) []llm.Message {
	system := cfg.SystemPrompt
	if cfg.LiveChatContext != "" {
		system += chatContextHeader + cfg.LiveChatContext
	}

	messages := make([]llm.Message, 0, len(cfg.History)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, cfg.History...)

	user := llm.Message{Role: llm.RoleUser, Content: cfg.UserMessage}
	if len(cfg.Images) > 0 {
		user.Content = ""
		user.Parts = append(user.Parts, llm.TextPart(cfg.UserMessage))
		for _, img := range cfg.Images {
			user.Parts = append(user.Parts, llm.ImagePart(img.MediaType, img.Base64))
		}
	}
	return append(messages, user)
}

// ChatPipeline runs one model-driven generation: it streams completion
// tokens straight into a TTS streamer. Single-use, like the streamer it
// wraps.
type ChatPipeline struct {
	client   llm.Client
	streamer *Streamer
	cfg      ChatConfig

	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
	closeDone sync.Once
}

// NewChatPipeline creates a single-use pipeline.
func NewChatPipeline(client llm.Client, streamer *Streamer, cfg ChatConfig) *ChatPipeline {
	return &ChatPipeline{
		client:   client,
		streamer: streamer,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
}

// Run streams the completion through the TTS streamer and returns the full
// generated text, which exceeds the spoken text when cancelled mid-flight.
func (p *ChatPipeline) Run(ctx context.Context) (string, error) {
	defer p.finish()

	stream, err := p.client.StreamChat(ctx, llm.ChatRequest{
		Model:         p.cfg.Model,
		Messages:      BuildChatMessages(p.cfg),
		ProviderOrder: p.cfg.ProviderOrder,
		Temperature:   p.cfg.Temperature,
		MaxTokens:     p.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: start completion: %w", err)
	}

	// Forwarding layer between the model stream and the TTS streamer, so a
	// cancel can abandon the upstream without stranding this goroutine on a
	// send nobody reads.
	tokens := make(chan string)
	go func() {
		defer close(tokens)
		for {
			select {
			case token, ok := <-stream.Tokens():
				if !ok || p.IsCancelled() {
					return
				}
				select {
				case tokens <- token:
				case <-p.done:
					return
				}
			case <-p.done:
				return
			}
		}
	}()

	fullText, streamErr := p.streamer.Stream(ctx, TokenSource(tokens))
	p.finish()

	if streamErr != nil && !p.IsCancelled() {
		return fullText, streamErr
	}
	if err := stream.Err(); err != nil && !p.IsCancelled() {
		return fullText, fmt.Errorf("pipeline: completion stream: %w", err)
	}

	p.logUsage(stream)
	return fullText, nil
}

func (p *ChatPipeline) logUsage(stream llm.Stream) {
	usage, ok := stream.Usage()
	if !ok {
		return
	}
	attrs := []any{
		"model", openrouter.ShortModelName(p.cfg.Model),
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
	}
	if usage.HasCost {
		attrs = append(attrs, "cost_usd", usage.Cost)
	}
	slog.Info("chat completion finished", attrs...)
}

// Cancel sets the pipeline flag and forwards to the streamer.
func (p *ChatPipeline) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
	p.finish()
	p.streamer.Cancel()
}

// IsCancelled reports whether Cancel has been called.
func (p *ChatPipeline) IsCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// SpokenText delegates to the streamer's accumulator.
func (p *ChatPipeline) SpokenText() string {
	return p.streamer.SpokenText()
}

func (p *ChatPipeline) finish() {
	p.closeDone.Do(func() { close(p.done) })
}
