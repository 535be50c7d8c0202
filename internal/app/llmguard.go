package app

import (
	"context"

	"github.com/scenecast/scenecast/internal/observe"
	"github.com/scenecast/scenecast/internal/resilience"
	"github.com/scenecast/scenecast/pkg/provider/llm"
)

// guardedLLM wraps the upstream client with a circuit breaker and the
// upstream metrics. When the upstream keeps failing, generations fail fast
// with [resilience.ErrCircuitOpen] instead of stacking timeouts.
type guardedLLM struct {
	inner   llm.Client
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

var _ llm.Client = (*guardedLLM)(nil)

func newGuardedLLM(inner llm.Client, metrics *observe.Metrics) *guardedLLM {
	return &guardedLLM{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "openrouter"}),
		metrics: metrics,
	}
}

// StreamChat opens a token stream through the breaker. The breaker sees the
// call that establishes the stream; mid-stream errors surface through the
// stream itself.
func (g *guardedLLM) StreamChat(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	var stream llm.Stream
	err := g.breaker.Execute(func() error {
		var innerErr error
		stream, innerErr = g.inner.StreamChat(ctx, req)
		return innerErr
	})
	g.record(ctx, "stream", err)
	return stream, err
}

func (g *guardedLLM) Complete(ctx context.Context, req llm.ChatRequest) (llm.Completion, error) {
	var completion llm.Completion
	err := g.breaker.Execute(func() error {
		var innerErr error
		completion, innerErr = g.inner.Complete(ctx, req)
		return innerErr
	})
	g.record(ctx, "complete", err)
	return completion, err
}

func (g *guardedLLM) record(ctx context.Context, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		g.metrics.RecordUpstreamError(ctx, "openrouter", kind)
	}
	g.metrics.RecordUpstreamRequest(ctx, "openrouter", kind, status)
}
