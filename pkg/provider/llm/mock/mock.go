// Package mock provides an in-memory llm.Client for tests.
package mock

import (
	"context"
	"fmt"

	"github.com/scenecast/scenecast/pkg/provider/llm"
)

// Client implements llm.Client with injectable behavior. The zero value
// streams nothing and fails Complete.
type Client struct {
	// StreamFunc, when set, replaces the default streaming behavior.
	StreamFunc func(ctx context.Context, req llm.ChatRequest) (llm.Stream, error)

	// CompleteFunc, when set, replaces the default completion behavior.
	CompleteFunc func(ctx context.Context, req llm.ChatRequest) (llm.Completion, error)

	// Tokens feeds the default stream when StreamFunc is nil.
	Tokens []string

	// Usage is attached to default streams and completions.
	Usage llm.Usage

	// Requests records every request received, newest last.
	Requests []llm.ChatRequest
}

var _ llm.Client = (*Client)(nil)

// StreamChat implements llm.Client.
func (c *Client) StreamChat(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	c.Requests = append(c.Requests, req)
	if c.StreamFunc != nil {
		return c.StreamFunc(ctx, req)
	}
	return NewStream(c.Tokens, c.Usage), nil
}

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, req llm.ChatRequest) (llm.Completion, error) {
	c.Requests = append(c.Requests, req)
	if c.CompleteFunc != nil {
		return c.CompleteFunc(ctx, req)
	}
	return llm.Completion{}, fmt.Errorf("mock: no CompleteFunc configured")
}

// Stream is a pre-buffered llm.Stream.
type Stream struct {
	ch    chan string
	usage llm.Usage
	err   error
}

var _ llm.Stream = (*Stream)(nil)

// NewStream builds a stream that yields the given tokens then closes with
// the given usage.
func NewStream(tokens []string, usage llm.Usage) *Stream {
	ch := make(chan string, len(tokens))
	for _, tok := range tokens {
		ch <- tok
	}
	close(ch)
	return &Stream{ch: ch, usage: usage}
}

// NewErrStream builds a stream that closes immediately with err.
func NewErrStream(err error) *Stream {
	ch := make(chan string)
	close(ch)
	return &Stream{ch: ch, err: err}
}

func (s *Stream) Tokens() <-chan string { return s.ch }

func (s *Stream) Usage() (llm.Usage, bool) {
	return s.usage, s.usage != llm.Usage{}
}

func (s *Stream) Err() error { return s.err }
