// Package pipeline contains the per-generation streaming machinery: the TTS
// streamer that drives one synthesis session onto an overlay, the chat
// pipeline that feeds it from a language-model stream, and the coordinator
// that enforces at-most-one-generation-per-character.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/scenecast/scenecast/internal/protocol"
	"github.com/scenecast/scenecast/pkg/provider/tts"
)

// Hooks are the streamer's callbacks into the overlay command surface. All
// six must be non-nil; the stage adapter in the app wiring provides them.
type Hooks struct {
	TextStart  func(ctx context.Context) error
	TextEnd    func(ctx context.Context) error
	AudioStart func(ctx context.Context) error
	AudioChunk func(ctx context.Context, audio []byte) error
	AudioEnd   func(ctx context.Context) error
	WordTiming func(ctx context.Context, words []protocol.WordTiming) error
}

// Source is the text input for one generation: either a literal string or a
// lazy token stream.
type Source struct {
	text   string
	tokens <-chan string
}

// TextSource wraps a complete string.
func TextSource(text string) Source { return Source{text: text} }

// TokenSource wraps a token stream. The channel must be closed by the
// producer when the stream ends.
func TokenSource(tokens <-chan string) Source { return Source{tokens: tokens} }

// Streamer drives one synthesis session: it pumps a text source through the
// TTS provider and forwards audio plus word timings to the overlay in the
// order the framing contract requires. A Streamer is single-use.
type Streamer struct {
	client   tts.Client
	hooks    Hooks
	showText bool

	mu        sync.Mutex
	session   tts.Session
	cancelled bool
	spoken    []string
}

// NewStreamer creates a single-use streamer. showText controls whether the
// caption hooks and word timings are invoked.
func NewStreamer(client tts.Client, hooks Hooks, showText bool) *Streamer {
	return &Streamer{client: client, hooks: hooks, showText: showText}
}

// Stream runs the full generation and returns the complete text that was
// sent into the synthesis session, which may exceed the spoken text when the
// generation was cancelled mid-flight.
func (s *Streamer) Stream(ctx context.Context, source Source) (string, error) {
	textStarted := false
	audioStarted := false

	fullText, err := func() (string, error) {
		if s.showText {
			if err := s.hooks.TextStart(ctx); err != nil {
				return "", fmt.Errorf("pipeline: text start: %w", err)
			}
			textStarted = true
		}

		session, err := s.client.Connect(ctx)
		if err != nil {
			return "", err
		}
		defer session.Close()

		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return "", nil
		}
		s.session = session
		s.mu.Unlock()

		if err := s.hooks.AudioStart(ctx); err != nil {
			return "", fmt.Errorf("pipeline: audio start: %w", err)
		}
		audioStarted = true

		recvDone := make(chan error, 1)
		go func() {
			recvDone <- s.receive(ctx, session)
		}()

		fullText, sendErr := s.drive(ctx, session, source)

		if err := session.CloseInput(ctx); err != nil && sendErr == nil && !s.IsCancelled() {
			sendErr = err
		}
		recvErr := <-recvDone

		if sendErr != nil && !s.IsCancelled() {
			return fullText, sendErr
		}
		if recvErr != nil && !s.IsCancelled() {
			return fullText, recvErr
		}
		return fullText, nil
	}()

	if err != nil {
		// Best-effort teardown so the overlay is not left half-open.
		if audioStarted {
			if endErr := s.hooks.AudioEnd(ctx); endErr != nil {
				slog.Debug("audio end after error failed", "err", endErr)
			}
		}
		if textStarted {
			if endErr := s.hooks.TextEnd(ctx); endErr != nil {
				slog.Debug("text end after error failed", "err", endErr)
			}
		}
		return fullText, err
	}

	if audioStarted {
		if err := s.hooks.AudioEnd(ctx); err != nil {
			return fullText, fmt.Errorf("pipeline: audio end: %w", err)
		}
	}
	if textStarted {
		if err := s.hooks.TextEnd(ctx); err != nil {
			return fullText, fmt.Errorf("pipeline: text end: %w", err)
		}
	}
	return fullText, nil
}

// drive feeds the source into the session. Token streams are checked against
// the cancel flag on every iteration; a pending send may still complete after
// cancel, subsequent ones are skipped.
func (s *Streamer) drive(ctx context.Context, session tts.Session, source Source) (string, error) {
	if source.tokens == nil {
		if err := session.SendText(ctx, source.text, false); err != nil && !s.IsCancelled() {
			return source.text, err
		}
		return source.text, nil
	}

	var full strings.Builder
	for token := range source.tokens {
		if s.IsCancelled() {
			break
		}
		full.WriteString(token)
		if err := session.SendText(ctx, token, false); err != nil {
			if s.IsCancelled() {
				break
			}
			return full.String(), err
		}
	}
	return full.String(), nil
}

// receive forwards synthesis output to the overlay: word timings first (when
// captions are on), then the audio bytes, so every word's timing precedes the
// audio containing its playback instant.
func (s *Streamer) receive(ctx context.Context, session tts.Session) error {
	for chunk := range session.Chunks() {
		if s.IsCancelled() {
			return nil
		}

		if len(chunk.Words) > 0 {
			s.appendSpoken(chunk.Words)
			if s.showText {
				words := make([]protocol.WordTiming, len(chunk.Words))
				for i, w := range chunk.Words {
					words[i] = protocol.WordTiming{Word: w.Word, Start: w.Start, End: w.End}
				}
				if err := s.hooks.WordTiming(ctx, words); err != nil {
					return fmt.Errorf("pipeline: word timing: %w", err)
				}
			}
		}

		if len(chunk.Audio) > 0 {
			if err := s.hooks.AudioChunk(ctx, chunk.Audio); err != nil {
				return fmt.Errorf("pipeline: audio chunk: %w", err)
			}
		}
	}

	if err := session.Err(); err != nil && !s.IsCancelled() {
		return fmt.Errorf("pipeline: tts receive: %w", err)
	}
	return nil
}

func (s *Streamer) appendSpoken(words []tts.Word) {
	s.mu.Lock()
	for _, w := range words {
		s.spoken = append(s.spoken, w.Word)
	}
	s.mu.Unlock()
}

// Cancel requests cooperative shutdown: the flag stops the send loop, and
// closing the upstream socket unblocks the receive loop.
func (s *Streamer) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	session := s.session
	s.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
}

// IsCancelled reports whether Cancel has been called.
func (s *Streamer) IsCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// SpokenText returns the words converted to audio so far, joined with single
// spaces. After a cancel this is the generator-side estimate of what was
// heard; the overlay's stream_stopped report is authoritative.
func (s *Streamer) SpokenText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.spoken, " ")
}
