package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scenecast/scenecast/internal/memory"
	"github.com/scenecast/scenecast/internal/protocol"
	"github.com/scenecast/scenecast/pkg/provider/llm"
	"github.com/scenecast/scenecast/pkg/provider/llm/mock"
	"github.com/scenecast/scenecast/pkg/provider/tts"
)

// fakeSession is a scripted tts.Session. With autoFinish set it echoes every
// whitespace-separated word of the sent text as one timed chunk on
// CloseInput; otherwise the test drives emissions by hand.
type fakeSession struct {
	autoFinish bool
	chunks     chan tts.Chunk
	closeOnce  sync.Once

	mu          sync.Mutex
	sent        []string
	inputClosed bool
	closed      bool
}

func newFakeSession(autoFinish bool) *fakeSession {
	return &fakeSession{autoFinish: autoFinish, chunks: make(chan tts.Chunk, 64)}
}

func (f *fakeSession) SendText(_ context.Context, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("session closed")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSession) CloseInput(context.Context) error {
	f.mu.Lock()
	f.inputClosed = true
	sent := strings.Join(f.sent, "")
	f.mu.Unlock()

	if f.autoFinish {
		start := 0.0
		for _, w := range strings.Fields(sent) {
			f.chunks <- tts.Chunk{
				Words: []tts.Word{{Word: w, Start: start, End: start + 0.4}},
				Audio: []byte{0x01, 0x02},
			}
			start += 0.5
		}
		f.finish()
	}
	return nil
}

func (f *fakeSession) Chunks() <-chan tts.Chunk { return f.chunks }
func (f *fakeSession) Err() error               { return nil }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.finish()
	return nil
}

func (f *fakeSession) finish() {
	f.closeOnce.Do(func() { close(f.chunks) })
}

type fakeClient struct {
	session    *fakeSession
	connectErr error
}

func (f *fakeClient) Connect(context.Context) (tts.Session, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.session, nil
}

// hookLog records hook invocations in order and can be told to fail one.
type hookLog struct {
	mu     sync.Mutex
	events []string
	failOn string
}

func (l *hookLog) record(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, name)
	if name == l.failOn {
		return fmt.Errorf("%s failed", name)
	}
	return nil
}

func (l *hookLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func (l *hookLog) hooks() Hooks {
	return Hooks{
		TextStart:  func(context.Context) error { return l.record("text_start") },
		TextEnd:    func(context.Context) error { return l.record("text_end") },
		AudioStart: func(context.Context) error { return l.record("audio_start") },
		AudioChunk: func(context.Context, []byte) error { return l.record("audio") },
		AudioEnd:   func(context.Context) error { return l.record("audio_end") },
		WordTiming: func(_ context.Context, words []protocol.WordTiming) error {
			return l.record("timing:" + words[0].Word)
		},
	}
}

func TestStreamerFrameOrder(t *testing.T) {
	log := &hookLog{}
	session := newFakeSession(true)
	s := NewStreamer(&fakeClient{session: session}, log.hooks(), true)

	full, err := s.Stream(context.Background(), TextSource("hello brave world"))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if full != "hello brave world" {
		t.Errorf("full text = %q", full)
	}
	if got := s.SpokenText(); got != "hello brave world" {
		t.Errorf("spoken = %q", got)
	}

	events := log.snapshot()
	want := []string{
		"text_start", "audio_start",
		"timing:hello", "audio", "timing:brave", "audio", "timing:world", "audio",
		"audio_end", "text_end",
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (all: %v)", i, events[i], want[i], events)
		}
	}
}

func TestStreamerWithoutCaptions(t *testing.T) {
	log := &hookLog{}
	session := newFakeSession(true)
	s := NewStreamer(&fakeClient{session: session}, log.hooks(), false)

	if _, err := s.Stream(context.Background(), TextSource("quiet words")); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for _, e := range log.snapshot() {
		if e == "text_start" || e == "text_end" || strings.HasPrefix(e, "timing:") {
			t.Errorf("caption hook %q fired with captions off", e)
		}
	}
	if got := s.SpokenText(); got != "quiet words" {
		t.Errorf("spoken = %q, accumulator must run regardless of captions", got)
	}
}

func TestStreamerTokenSource(t *testing.T) {
	log := &hookLog{}
	session := newFakeSession(true)
	s := NewStreamer(&fakeClient{session: session}, log.hooks(), true)

	tokens := make(chan string, 3)
	tokens <- "one "
	tokens <- "two "
	tokens <- "three"
	close(tokens)

	full, err := s.Stream(context.Background(), TokenSource(tokens))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if full != "one two three" {
		t.Errorf("full = %q", full)
	}
}

func TestStreamerHookErrorTearsDown(t *testing.T) {
	log := &hookLog{failOn: "audio"}
	session := newFakeSession(true)
	s := NewStreamer(&fakeClient{session: session}, log.hooks(), true)

	_, err := s.Stream(context.Background(), TextSource("boom"))
	if err == nil {
		t.Fatal("Stream must propagate hook error")
	}

	events := log.snapshot()
	sawAudioEnd, sawTextEnd := false, false
	for _, e := range events {
		if e == "audio_end" {
			sawAudioEnd = true
		}
		if e == "text_end" {
			sawTextEnd = true
		}
	}
	if !sawAudioEnd || !sawTextEnd {
		t.Errorf("teardown incomplete after error: %v", events)
	}
}

func TestStreamerConnectErrorClosesCaption(t *testing.T) {
	log := &hookLog{}
	s := NewStreamer(&fakeClient{connectErr: errors.New("dial failed")}, log.hooks(), true)

	if _, err := s.Stream(context.Background(), TextSource("x")); err == nil {
		t.Fatal("Stream must fail when connect fails")
	}
	events := log.snapshot()
	if len(events) != 2 || events[0] != "text_start" || events[1] != "text_end" {
		t.Errorf("events = %v, want caption opened then closed", events)
	}
}

func TestStreamerCancelSuppressesError(t *testing.T) {
	log := &hookLog{}
	session := newFakeSession(false)
	s := NewStreamer(&fakeClient{session: session}, log.hooks(), false)

	done := make(chan error, 1)
	tokens := make(chan string)
	go func() {
		_, err := s.Stream(context.Background(), TokenSource(tokens))
		done <- err
	}()

	tokens <- "first "
	session.chunks <- tts.Chunk{Words: []tts.Word{{Word: "first", Start: 0, End: 0.3}}, Audio: []byte{1}}
	waitFor(t, func() bool { return s.SpokenText() == "first" })

	s.Cancel()
	close(tokens)

	if err := <-done; err != nil {
		t.Fatalf("cancelled stream must not report error, got %v", err)
	}
	if !s.IsCancelled() {
		t.Error("cancel flag not set")
	}
	if got := s.SpokenText(); got != "first" {
		t.Errorf("spoken = %q", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBuildChatMessages(t *testing.T) {
	cfg := ChatConfig{
		SystemPrompt:    "You are a moose.",
		LiveChatContext: "[bob]: hi",
		History: []llm.Message{
			{Role: llm.RoleUser, Content: "earlier"},
			{Role: llm.RoleAssistant, Content: "reply"},
		},
		UserMessage: "now",
	}

	msgs := BuildChatMessages(cfg)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	wantSystem := "You are a moose.\n\n---\nRecent Twitch chat (you can see what viewers are saying):\n[bob]: hi"
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != wantSystem {
		t.Errorf("system = %+v", msgs[0])
	}
	if msgs[1].Content != "earlier" || msgs[2].Content != "reply" {
		t.Errorf("history not verbatim: %+v", msgs[1:3])
	}
	if msgs[3].Role != llm.RoleUser || msgs[3].Content != "now" {
		t.Errorf("user = %+v", msgs[3])
	}
}

func TestBuildChatMessagesNoContext(t *testing.T) {
	msgs := BuildChatMessages(ChatConfig{SystemPrompt: "plain", UserMessage: "hi"})
	if msgs[0].Content != "plain" {
		t.Errorf("system = %q, chat block must be absent", msgs[0].Content)
	}
}

func TestBuildChatMessagesWithImages(t *testing.T) {
	msgs := BuildChatMessages(ChatConfig{
		SystemPrompt: "s",
		UserMessage:  "look",
		Images:       []Image{{MediaType: "image/png", Base64: "QUJD"}},
	})

	user := msgs[len(msgs)-1]
	if user.Content != "" || len(user.Parts) != 2 {
		t.Fatalf("user = %+v", user)
	}
	if user.Parts[0].Type != "text" || user.Parts[0].Text != "look" {
		t.Errorf("text part = %+v", user.Parts[0])
	}
	if user.Parts[1].ImageURL != "data:image/png;base64,QUJD" {
		t.Errorf("image part = %+v", user.Parts[1])
	}
}

func TestChatPipelineStreamsTokens(t *testing.T) {
	client := &mock.Client{Tokens: []string{"Hello ", "from ", "the ", "void"}}
	session := newFakeSession(true)
	log := &hookLog{}
	streamer := NewStreamer(&fakeClient{session: session}, log.hooks(), true)
	p := NewChatPipeline(client, streamer, ChatConfig{SystemPrompt: "s", Model: "openai/gpt-4o", UserMessage: "hi"})

	full, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if full != "Hello from the void" {
		t.Errorf("full = %q", full)
	}
	if p.SpokenText() != "Hello from the void" {
		t.Errorf("spoken = %q", p.SpokenText())
	}
	if len(client.Requests) != 1 || client.Requests[0].Model != "openai/gpt-4o" {
		t.Errorf("requests = %+v", client.Requests)
	}
}

func TestChatPipelineStreamError(t *testing.T) {
	client := &mock.Client{StreamFunc: func(context.Context, llm.ChatRequest) (llm.Stream, error) {
		return mock.NewErrStream(errors.New("upstream died")), nil
	}}
	session := newFakeSession(true)
	streamer := NewStreamer(&fakeClient{session: session}, (&hookLog{}).hooks(), false)
	p := NewChatPipeline(client, streamer, ChatConfig{Model: "m"})

	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("Run must surface stream error")
	}
}

// stopRecorder counts stop_stream fan-outs.
type stopRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *stopRecorder) StopStream(_ context.Context, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, channel)
	return true
}

func (r *stopRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestCoordinatorPreemptsIncumbent(t *testing.T) {
	stops := &stopRecorder{}
	c := NewCoordinator(stops, nil)
	ctx := context.Background()

	first := newFakeSession(false)
	firstStreamer := NewStreamer(&fakeClient{session: first}, (&hookLog{}).hooks(), false)
	firstDone := make(chan string, 1)
	go func() {
		spoken, _ := c.RunSpeak(ctx, "alice", firstStreamer, "a long speech")
		firstDone <- spoken
	}()

	first.chunks <- tts.Chunk{Words: []tts.Word{{Word: "a", Start: 0, End: 0.2}}, Audio: []byte{1}}
	waitFor(t, func() bool { return firstStreamer.SpokenText() == "a" })

	second := newFakeSession(true)
	secondStreamer := NewStreamer(&fakeClient{session: second}, (&hookLog{}).hooks(), false)
	spoken, err := c.RunSpeak(ctx, "alice", secondStreamer, "replacement")
	if err != nil {
		t.Fatalf("second RunSpeak: %v", err)
	}
	if spoken != "replacement" {
		t.Errorf("second spoken = %q", spoken)
	}

	if got := <-firstDone; got != "a" {
		t.Errorf("first spoken = %q", got)
	}
	if !firstStreamer.IsCancelled() {
		t.Error("incumbent not cancelled")
	}
	if stops.count() == 0 {
		t.Error("preemption must issue stop_stream")
	}
	if c.IsActive("alice") {
		t.Error("slot still active after both runs")
	}
}

func TestCoordinatorStop(t *testing.T) {
	stops := &stopRecorder{}
	c := NewCoordinator(stops, nil)
	ctx := context.Background()

	session := newFakeSession(false)
	streamer := NewStreamer(&fakeClient{session: session}, (&hookLog{}).hooks(), false)
	done := make(chan struct{})
	go func() {
		c.RunSpeak(ctx, "bob", streamer, "speech")
		close(done)
	}()

	session.chunks <- tts.Chunk{Words: []tts.Word{{Word: "speech", Start: 0, End: 0.4}}, Audio: []byte{1}}
	waitFor(t, func() bool { return streamer.SpokenText() == "speech" })

	wasActive, spoken := c.Stop(ctx, "bob")
	<-done

	if !wasActive {
		t.Error("Stop must report the active generation")
	}
	if spoken != "speech" {
		t.Errorf("spoken = %q", spoken)
	}
	if stops.count() != 1 {
		t.Errorf("stop_stream calls = %d, want 1", stops.count())
	}
}

func TestCoordinatorStopIdleStillStopsStream(t *testing.T) {
	stops := &stopRecorder{}
	c := NewCoordinator(stops, nil)

	wasActive, spoken := c.Stop(context.Background(), "ghost")
	if wasActive || spoken != "" {
		t.Errorf("wasActive=%v spoken=%q, want inactive", wasActive, spoken)
	}
	if stops.count() != 1 {
		t.Error("stop_stream must be issued unconditionally")
	}
}

func TestRunChatRecordsTurn(t *testing.T) {
	stops := &stopRecorder{}
	mem := memory.New(nil)
	c := NewCoordinator(stops, mem)
	ctx := context.Background()

	client := &mock.Client{Tokens: []string{"All ", "done"}}
	session := newFakeSession(true)
	streamer := NewStreamer(&fakeClient{session: session}, (&hookLog{}).hooks(), false)
	p := NewChatPipeline(client, streamer, ChatConfig{Model: "m", UserMessage: "hi"})

	res, err := c.RunChat(ctx, ChatTurn{
		Character:       "alice",
		Pipeline:        p,
		MemoryEnabled:   true,
		ContextSnapshot: "[bob]: yo",
		UserContent:     "hi",
	})
	if err != nil {
		t.Fatalf("RunChat: %v", err)
	}
	if res.Cancelled || res.Response != "All done" {
		t.Errorf("result = %+v", res)
	}

	msgs := mem.Get("alice")
	if len(msgs) != 3 {
		t.Fatalf("memory = %+v", msgs)
	}
	if msgs[0].Role != memory.RoleContext || msgs[1].Role != memory.RoleUser {
		t.Errorf("roles = %s %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[2].Role != memory.RoleAssistant || msgs[2].Content != "All done" || msgs[2].Interrupted {
		t.Errorf("assistant = %+v", msgs[2])
	}
}

func TestRunChatInterruptedThenReconciled(t *testing.T) {
	stops := &stopRecorder{}
	mem := memory.New(nil)
	c := NewCoordinator(stops, mem)
	ctx := context.Background()

	tokenGate := make(chan string)
	client := &mock.Client{StreamFunc: func(context.Context, llm.ChatRequest) (llm.Stream, error) {
		return &gateStream{ch: tokenGate}, nil
	}}
	session := newFakeSession(false)
	streamer := NewStreamer(&fakeClient{session: session}, (&hookLog{}).hooks(), false)
	p := NewChatPipeline(client, streamer, ChatConfig{Model: "m", UserMessage: "tell me a story"})

	resCh := make(chan ChatResult, 1)
	go func() {
		res, _ := c.RunChat(ctx, ChatTurn{
			Character:     "alice",
			Pipeline:      p,
			MemoryEnabled: true,
			UserContent:   "tell me a story",
		})
		resCh <- res
	}()

	tokenGate <- "Once upon "
	session.chunks <- tts.Chunk{Words: []tts.Word{
		{Word: "Once", Start: 0, End: 0.3}, {Word: "upon", Start: 0.3, End: 0.6},
	}, Audio: []byte{1}}
	waitFor(t, func() bool { return p.SpokenText() == "Once upon" })

	c.Stop(ctx, "alice")
	close(tokenGate)
	res := <-resCh

	if !res.Cancelled {
		t.Fatal("result must be cancelled")
	}
	msgs := mem.Get("alice")
	last := msgs[len(msgs)-1]
	if !last.Interrupted || last.Content != "Once upon" || last.GeneratedText != "Once upon " {
		t.Errorf("interrupted message = %+v", last)
	}

	c.ReconcileStreamStopped(ctx, "alice", "Once")
	last = mem.Get("alice")[len(msgs)-1]
	if last.Content != "Once" {
		t.Errorf("reconciled content = %q", last.Content)
	}

	// A second report must be a no-op: the pending entry is consumed.
	c.ReconcileStreamStopped(ctx, "alice", "different")
	last = mem.Get("alice")[len(msgs)-1]
	if last.Content != "Once" {
		t.Errorf("content after duplicate report = %q", last.Content)
	}
}

// gateStream yields tokens pushed by the test.
type gateStream struct{ ch chan string }

func (g *gateStream) Tokens() <-chan string    { return g.ch }
func (g *gateStream) Usage() (llm.Usage, bool) { return llm.Usage{}, false }
func (g *gateStream) Err() error               { return nil }
