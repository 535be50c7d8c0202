// Package tts defines the session contract for streaming Text-to-Speech backends.
//
// A TTS client wraps a speech synthesis service (ElevenLabs or Cartesia) and
// presents a uniform bidirectional streaming interface: text fragments go in,
// paired audio chunks and word timings come out. The pairing is what lets the
// caller reveal captions in sync with playback and track exactly which words
// have been converted to audio at any instant.
//
// Implementations must be safe for concurrent use of SendText against a
// running chunk reader.
package tts

import "context"

// Provider identifiers, stored on characters and used by the factory.
const (
	ProviderElevenLabs = "elevenlabs"
	ProviderCartesia   = "cartesia"
)

// Word is one synthesized word with its playback window in seconds, relative
// to the start of the session's audio timeline.
type Word struct {
	Word  string
	Start float64
	End   float64
}

// Chunk pairs a slice of raw PCM16LE audio with the words it contains. Either
// field may be empty: a timing-only chunk carries words whose audio was
// already delivered, an audio-only chunk carries sound for words not yet
// aligned.
type Chunk struct {
	Audio []byte
	Words []Word
}

// Session is one live synthesis stream. Obtained from a Client's Connect;
// torn down with Close.
type Session interface {
	// SendText pushes a text fragment into the session. flush requests
	// immediate synthesis of any buffered text.
	SendText(ctx context.Context, text string, flush bool) error

	// CloseInput signals end-of-input. The upstream drains its buffer and
	// eventually closes the chunk channel.
	CloseInput(ctx context.Context) error

	// Chunks returns the channel of synthesized output. It is closed when the
	// upstream finishes draining after CloseInput, when the session is closed,
	// or on a receive error; check Err afterwards to distinguish.
	Chunks() <-chan Chunk

	// Err reports the terminal receive error, if any, once Chunks is closed.
	Err() error

	// Close tears down the session. Safe to call more than once and
	// concurrently with a blocked chunk read, which it unblocks.
	Close() error
}

// Client opens synthesis sessions against one provider account.
type Client interface {
	// Connect opens a streaming session. Transient dial failures are retried
	// up to three times with exponential backoff before giving up.
	Connect(ctx context.Context) (Session, error)
}

// Voice is one catalogue entry from a provider's voice listing.
type Voice struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Provider    string            `json:"provider"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Model is one catalogue entry from a provider's model listing.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Catalogue lists the voices and models a provider account can use. Separate
// from Client because the REST surface needs listings without opening a
// synthesis stream.
type Catalogue interface {
	Voices(ctx context.Context) ([]Voice, error)
	Models(ctx context.Context) ([]Model, error)
}
