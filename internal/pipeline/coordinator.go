package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/scenecast/scenecast/internal/memory"
)

// Generation is one in-flight speak or chat run: either a bare Streamer or a
// ChatPipeline.
type Generation interface {
	Cancel()
	IsCancelled() bool
	SpokenText() string
}

// StreamStopper truncates buffered overlay playback. Satisfied by
// *stage.Stage.
type StreamStopper interface {
	StopStream(ctx context.Context, channel string) bool
}

type pendingInterrupted struct {
	memoryIndex int
	persist     bool
	dbID        int64
}

// slot serializes generations for one character. The generation mutex is
// held for the whole run; the state mutex only guards the active pointer so
// a preempting request can reach the incumbent's Cancel without waiting for
// the run to finish.
type slot struct {
	genMu   sync.Mutex
	stateMu sync.Mutex
	active  Generation
}

func (s *slot) getActive() Generation {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.active
}

// Coordinator enforces at-most-one-active-generation-per-character with
// cancel-and-replace preemption, and owns the interrupted-message
// reconciliation handshake with the overlay.
type Coordinator struct {
	stage  StreamStopper
	memory *memory.Memory

	mu      sync.Mutex
	slots   map[string]*slot
	pending map[string]pendingInterrupted
}

// NewCoordinator creates a Coordinator. mem may be nil when conversation
// memory is disabled process-wide.
func NewCoordinator(stage StreamStopper, mem *memory.Memory) *Coordinator {
	return &Coordinator{
		stage:   stage,
		memory:  mem,
		slots:   make(map[string]*slot),
		pending: make(map[string]pendingInterrupted),
	}
}

func (c *Coordinator) slot(character string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[character]
	if !ok {
		s = &slot{}
		c.slots[character] = s
	}
	return s
}

// begin preempts any incumbent generation and claims the character's slot.
// The incumbent is cancelled first, which unblocks its caller inside the run
// and makes it release the slot; stop_stream then truncates whatever the
// overlay had buffered. Returns a release closure the caller must defer.
func (c *Coordinator) begin(ctx context.Context, character string, gen Generation) func() {
	s := c.slot(character)

	for {
		if incumbent := s.getActive(); incumbent != nil {
			slog.Info("preempting active generation", "character", character)
			incumbent.Cancel()
			c.stage.StopStream(ctx, character)

			// Wait for the incumbent to release, then race for the claim.
			s.genMu.Lock()
			s.genMu.Unlock()
			continue
		}

		// The active pointer is only ever set by a holder of the generation
		// mutex, so once we have it the slot is ours.
		s.genMu.Lock()
		s.stateMu.Lock()
		s.active = gen
		s.stateMu.Unlock()
		break
	}

	return func() {
		s.stateMu.Lock()
		s.active = nil
		s.stateMu.Unlock()
		s.genMu.Unlock()
	}
}

// RunSpeak runs a bare text-to-speech generation, preempting any incumbent.
// Returns the spoken text accumulated by generation end.
func (c *Coordinator) RunSpeak(ctx context.Context, character string, streamer *Streamer, text string) (string, error) {
	release := c.begin(ctx, character, streamer)
	defer release()

	if _, err := streamer.Stream(ctx, TextSource(text)); err != nil {
		c.stage.StopStream(ctx, character)
		return streamer.SpokenText(), err
	}
	return streamer.SpokenText(), nil
}

// ChatTurn is one resolved chat request handed to the coordinator.
type ChatTurn struct {
	Character     string
	Pipeline      *ChatPipeline
	MemoryEnabled bool
	Persist       bool

	// ContextSnapshot is the live-chat block captured for this turn, stored
	// as a context message when memory is on.
	ContextSnapshot string

	// UserContent is the serialized user message (plain string or JSON
	// parts array) for memory.
	UserContent string
}

// ChatResult reports one finished chat generation.
type ChatResult struct {
	Response   string
	SpokenText string
	Cancelled  bool
}

// RunChat runs a model-driven generation under the character's slot and
// applies the memory protocol: context and user messages are recorded up
// front, the assistant message after the run, in its interrupted variant
// when the generation was preempted.
func (c *Coordinator) RunChat(ctx context.Context, turn ChatTurn) (ChatResult, error) {
	release := c.begin(ctx, turn.Character, turn.Pipeline)
	defer release()

	if turn.MemoryEnabled && c.memory != nil {
		if turn.ContextSnapshot != "" {
			if _, _, err := c.memory.Append(ctx, turn.Character, memory.Message{
				Role:    memory.RoleContext,
				Content: turn.ContextSnapshot,
			}, turn.Persist); err != nil {
				return ChatResult{}, err
			}
		}
		if _, _, err := c.memory.Append(ctx, turn.Character, memory.Message{
			Role:    memory.RoleUser,
			Content: turn.UserContent,
		}, turn.Persist); err != nil {
			return ChatResult{}, err
		}
	}

	response, err := turn.Pipeline.Run(ctx)
	if err != nil {
		c.clearPending(turn.Character)
		c.stage.StopStream(ctx, turn.Character)
		return ChatResult{Response: response}, err
	}

	result := ChatResult{
		Response:   response,
		SpokenText: turn.Pipeline.SpokenText(),
		Cancelled:  turn.Pipeline.IsCancelled(),
	}

	if !turn.MemoryEnabled || c.memory == nil {
		return result, nil
	}

	if result.Cancelled {
		// The spoken accumulator is the generator-side estimate; the
		// overlay's stream_stopped report supersedes it via Reconcile.
		if result.SpokenText == "" {
			return result, nil
		}
		index, dbID, err := c.memory.Append(ctx, turn.Character, memory.Message{
			Role:          memory.RoleAssistant,
			Content:       result.SpokenText,
			Interrupted:   true,
			GeneratedText: response,
		}, turn.Persist)
		if err != nil {
			return result, err
		}
		c.mu.Lock()
		c.pending[turn.Character] = pendingInterrupted{
			memoryIndex: index,
			persist:     turn.Persist,
			dbID:        dbID,
		}
		c.mu.Unlock()
		return result, nil
	}

	if _, _, err := c.memory.Append(ctx, turn.Character, memory.Message{
		Role:    memory.RoleAssistant,
		Content: response,
	}, turn.Persist); err != nil {
		return result, err
	}
	return result, nil
}

// Stop cancels any active generation for a character and unconditionally
// issues stop_stream, since overlay audio can outlive the server-side
// generator. Reports whether a generation was active and its spoken text.
func (c *Coordinator) Stop(ctx context.Context, character string) (bool, string) {
	s := c.slot(character)

	wasActive := false
	spoken := ""
	if incumbent := s.getActive(); incumbent != nil {
		wasActive = true
		incumbent.Cancel()
		// Wait for the generation to unwind so SpokenText is final.
		s.genMu.Lock()
		s.genMu.Unlock()
		spoken = incumbent.SpokenText()
	}

	c.stage.StopStream(ctx, character)
	return wasActive, spoken
}

// IsActive reports whether a generation is in flight for a character.
func (c *Coordinator) IsActive(character string) bool {
	return c.slot(character).getActive() != nil
}

// ReconcileStreamStopped applies the overlay's authoritative account of what
// was heard to the pending interrupted message, if one is waiting.
func (c *Coordinator) ReconcileStreamStopped(ctx context.Context, character, spokenText string) {
	c.mu.Lock()
	p, ok := c.pending[character]
	if ok {
		delete(c.pending, character)
	}
	c.mu.Unlock()

	if !ok || c.memory == nil {
		return
	}
	if err := c.memory.UpdateContent(ctx, character, p.memoryIndex, p.dbID, p.persist, spokenText); err != nil {
		slog.Warn("interrupted-message reconciliation failed", "character", character, "err", err)
		return
	}
	slog.Info("reconciled interrupted message", "character", character, "words", len(spokenText))
}

func (c *Coordinator) clearPending(character string) {
	c.mu.Lock()
	delete(c.pending, character)
	c.mu.Unlock()
}

// ClearPending drops any pending reconciliation entry for a character, used
// when its memory is explicitly cleared.
func (c *Coordinator) ClearPending(character string) {
	c.clearPending(character)
}
