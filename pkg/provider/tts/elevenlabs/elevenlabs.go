// Package elevenlabs implements the tts contract against the ElevenLabs
// streaming WebSocket API.
//
// ElevenLabs reports timing as character-level alignment rather than word
// frames, so the session reconstructs word timings from the alignment stream
// (see alignment.go). Audio arrives base64-encoded inside JSON text messages.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/scenecast/scenecast/internal/resilience"
	"github.com/scenecast/scenecast/pkg/provider/tts"
)

const (
	wsEndpointFmt  = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=pcm_24000&sync_alignment=true"
	voicesEndpoint = "https://api.elevenlabs.io/v1/voices"
	modelsEndpoint = "https://api.elevenlabs.io/v1/models"
)

// Client opens ElevenLabs synthesis sessions for one voice configuration.
type Client struct {
	apiKey     string
	settings   tts.ElevenLabsSettings
	httpClient *http.Client
}

var (
	_ tts.Client    = (*Client)(nil)
	_ tts.Catalogue = (*Client)(nil)
)

// NewClient validates the settings and returns a Client. apiKey must be
// non-empty.
func NewClient(apiKey string, settings tts.ElevenLabsSettings) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		apiKey:     apiKey,
		settings:   settings,
		httpClient: &http.Client{},
	}, nil
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	Speed           float64 `json:"speed,omitempty"`
}

// textMessage is the JSON payload sent for each text fragment. An empty Text
// signals end-of-input.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// alignment carries character-level timing in seconds.
type alignment struct {
	Characters []string  `json:"characters"`
	Starts     []float64 `json:"character_start_times_seconds"`
	Ends       []float64 `json:"character_end_times_seconds"`
}

// wsResponse is one inbound message from the synthesis stream.
type wsResponse struct {
	Audio               string     `json:"audio"`
	IsFinal             bool       `json:"isFinal"`
	Alignment           *alignment `json:"alignment"`
	NormalizedAlignment *alignment `json:"normalizedAlignment"`
	Message             string     `json:"message,omitempty"`
	Error               string     `json:"error,omitempty"`
}

// Connect dials the streaming endpoint, retrying transient failures, and
// sends the initial voice-settings handshake.
func (c *Client) Connect(ctx context.Context) (tts.Session, error) {
	wsURL := fmt.Sprintf(wsEndpointFmt, c.settings.VoiceID, c.settings.ModelID)
	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": []string{c.apiKey}},
	}

	conn, err := resilience.RetryResult(ctx, resilience.DefaultRetryConfig("elevenlabs connect"),
		func(ctx context.Context) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, wsURL, opts)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: dial: %w", err)
			}
			return conn, nil
		})
	if err != nil {
		return nil, err
	}

	s := &session{
		conn:   conn,
		chunks: make(chan tts.Chunk, 64),
	}

	// The first message carries voice settings; ElevenLabs requires its text
	// to be a single space.
	handshake := textMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       c.settings.Stability,
			SimilarityBoost: c.settings.SimilarityBoost,
			Style:           c.settings.Style,
			Speed:           c.settings.Speed,
		},
	}
	if err := s.writeJSON(ctx, handshake); err != nil {
		s.Close()
		return nil, fmt.Errorf("elevenlabs: handshake: %w", err)
	}

	go s.receiveLoop(context.WithoutCancel(ctx))
	return s, nil
}

// session is one live synthesis stream.
type session struct {
	conn   *websocket.Conn
	chunks chan tts.Chunk
	parser alignmentParser

	mu         sync.Mutex
	err        error
	closed     bool
	inputEnded bool
}

var _ tts.Session = (*session)(nil)

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// SendText implements tts.Session.
func (s *session) SendText(ctx context.Context, text string, flush bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("elevenlabs: session closed")
	}
	if s.inputEnded {
		s.mu.Unlock()
		return errors.New("elevenlabs: input already ended")
	}
	s.mu.Unlock()

	if text == "" {
		return nil
	}
	if err := s.writeJSON(ctx, textMessage{Text: text, Flush: flush}); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", err)
	}
	return nil
}

// CloseInput implements tts.Session. ElevenLabs treats an empty text message
// as end-of-input and drains its buffer.
func (s *session) CloseInput(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.inputEnded {
		s.mu.Unlock()
		return nil
	}
	s.inputEnded = true
	s.mu.Unlock()

	if err := s.writeJSON(ctx, textMessage{Text: ""}); err != nil {
		return fmt.Errorf("elevenlabs: close input: %w", err)
	}
	return nil
}

// Chunks implements tts.Session.
func (s *session) Chunks() <-chan tts.Chunk { return s.chunks }

// Err implements tts.Session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements tts.Session. Closing the socket unblocks the receive loop,
// which then closes the chunk channel.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.conn.Close(websocket.StatusNormalClosure, "done")
}

// receiveLoop reads inbound messages, decodes audio, reconstructs word
// timings and publishes chunks until the terminal marker or an error.
func (s *session) receiveLoop(ctx context.Context) {
	defer close(s.chunks)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.setErrIfOpen(err)
			return
		}

		var resp wsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			s.setErrIfOpen(fmt.Errorf("elevenlabs: upstream error: %s", resp.Error))
			return
		}

		chunk := tts.Chunk{}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil {
				chunk.Audio = pcm
			}
		}

		al := resp.Alignment
		if al == nil {
			al = resp.NormalizedAlignment
		}
		if al != nil {
			chunk.Words = s.parser.feed(al.Characters, al.Starts, al.Ends)
		}

		if resp.IsFinal {
			// Flush a word the alignment stream left hanging at a chunk
			// boundary as a final timing-only chunk.
			if tail := s.parser.flush(); len(tail) > 0 {
				chunk.Words = append(chunk.Words, tail...)
			}
			if len(chunk.Audio) > 0 || len(chunk.Words) > 0 {
				s.chunks <- chunk
			}
			return
		}

		if len(chunk.Audio) > 0 || len(chunk.Words) > 0 {
			s.chunks <- chunk
		}
	}
}

// setErrIfOpen records a receive error unless the session was deliberately
// closed, in which case socket errors are expected noise.
func (s *session) setErrIfOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.err == nil {
		s.err = err
	}
}

// ---- catalogue ----

type voicesResponse struct {
	Voices []struct {
		VoiceID     string            `json:"voice_id"`
		Name        string            `json:"name"`
		Description string            `json:"description"`
		Labels      map[string]string `json:"labels"`
	} `json:"voices"`
}

type modelsResponse []struct {
	ModelID     string `json:"model_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Voices implements tts.Catalogue.
func (c *Client) Voices(ctx context.Context) ([]tts.Voice, error) {
	var vr voicesResponse
	if err := c.getJSON(ctx, voicesEndpoint, &vr); err != nil {
		return nil, err
	}
	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		voices = append(voices, tts.Voice{
			ID:          v.VoiceID,
			Name:        v.Name,
			Provider:    tts.ProviderElevenLabs,
			Description: v.Description,
			Labels:      v.Labels,
		})
	}
	return voices, nil
}

// Models implements tts.Catalogue.
func (c *Client) Models(ctx context.Context) ([]tts.Model, error) {
	var mr modelsResponse
	if err := c.getJSON(ctx, modelsEndpoint, &mr); err != nil {
		return nil, err
	}
	models := make([]tts.Model, 0, len(mr))
	for _, m := range mr {
		models = append(models, tts.Model{ID: m.ModelID, Name: m.Name, Description: m.Description})
	}
	return models, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("elevenlabs: %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("elevenlabs: decode %s: %w", url, err)
	}
	return nil
}
