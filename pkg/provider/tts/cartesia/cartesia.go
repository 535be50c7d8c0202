// Package cartesia implements the tts contract against the Cartesia streaming
// WebSocket API.
//
// Cartesia delivers native word-timestamp frames, but audio and timing arrive
// in separate messages. The session accumulates pending audio until a timing
// frame pairs with it, so downstream consumers always see a word's timing no
// later than its audio.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/scenecast/scenecast/internal/resilience"
	"github.com/scenecast/scenecast/pkg/provider/tts"
)

const (
	wsEndpoint      = "wss://api.cartesia.ai/tts/websocket"
	voicesEndpoint  = "https://api.cartesia.ai/voices"
	cartesiaVersion = "2024-06-10"
	sampleRate      = 24000
	outputEncoding  = "pcm_s16le"
)

// Client opens Cartesia synthesis sessions for one voice configuration.
type Client struct {
	apiKey     string
	settings   tts.CartesiaSettings
	httpClient *http.Client
}

var (
	_ tts.Client    = (*Client)(nil)
	_ tts.Catalogue = (*Client)(nil)
)

// NewClient validates the settings and returns a Client. apiKey must be
// non-empty.
func NewClient(apiKey string, settings tts.CartesiaSettings) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("cartesia: apiKey must not be empty")
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

// generateRequest is the outbound synthesis message. Continue=false marks the
// final fragment of the context.
type generateRequest struct {
	ModelID      string         `json:"model_id"`
	Transcript   string         `json:"transcript"`
	Voice        voiceRef       `json:"voice"`
	Language     string         `json:"language"`
	ContextID    string         `json:"context_id"`
	OutputFormat outputFormat   `json:"output_format"`
	AddTimes     bool           `json:"add_timestamps"`
	Continue     bool           `json:"continue"`
	GenConfig    *genConfig     `json:"generation_config,omitempty"`
}

type voiceRef struct {
	Mode     string        `json:"mode"`
	ID       string        `json:"id"`
	Controls *voiceControl `json:"__experimental_controls,omitempty"`
}

type voiceControl struct {
	Emotion []string `json:"emotion,omitempty"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type genConfig struct {
	Speed float64 `json:"speed"`
}

// wsResponse is one inbound message. Type is one of chunk, timestamps, done
// or error.
type wsResponse struct {
	Type           string          `json:"type"`
	ContextID      string          `json:"context_id"`
	Data           string          `json:"data"`
	WordTimestamps *wordTimestamps `json:"word_timestamps"`
	Code           string          `json:"code"`
	Message        string          `json:"message"`
}

type wordTimestamps struct {
	Words  []string  `json:"words"`
	Starts []float64 `json:"start"`
	Ends   []float64 `json:"end"`
}

// Connect dials the streaming endpoint, retrying transient failures, and
// assigns a fresh context ID for the session.
func (c *Client) Connect(ctx context.Context) (tts.Session, error) {
	wsURL := fmt.Sprintf("%s?cartesia_version=%s&api_key=%s",
		wsEndpoint, cartesiaVersion, url.QueryEscape(c.apiKey))

	conn, err := resilience.RetryResult(ctx, resilience.DefaultRetryConfig("cartesia connect"),
		func(ctx context.Context) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, wsURL, nil)
			if err != nil {
				return nil, fmt.Errorf("cartesia: dial: %w", err)
			}
			return conn, nil
		})
	if err != nil {
		return nil, err
	}

	s := &session{
		conn:      conn,
		client:    c,
		contextID: uuid.NewString(),
		chunks:    make(chan tts.Chunk, 64),
	}
	go s.receiveLoop(context.WithoutCancel(ctx))
	return s, nil
}

// session is one live synthesis stream, scoped to a single context ID.
type session struct {
	conn      *websocket.Conn
	client    *Client
	contextID string
	chunks    chan tts.Chunk

	mu         sync.Mutex
	err        error
	closed     bool
	inputEnded bool
}

var _ tts.Session = (*session)(nil)

func (s *session) buildRequest(text string, final bool) generateRequest {
	set := s.client.settings
	req := generateRequest{
		ModelID:    set.ModelID,
		Transcript: text,
		Voice:      voiceRef{Mode: "id", ID: set.VoiceID},
		Language:   set.Language,
		ContextID:  s.contextID,
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   outputEncoding,
			SampleRate: sampleRate,
		},
		AddTimes: true,
		Continue: !final,
	}
	if set.Speed != 0 && set.Speed != 1.0 {
		req.GenConfig = &genConfig{Speed: set.Speed}
	}
	if len(set.Emotion) > 0 {
		req.Voice.Controls = &voiceControl{Emotion: set.Emotion}
	}
	return req
}

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
		return errors.New("cartesia: session closed")
	}
	if s.inputEnded {
		s.mu.Unlock()
		return errors.New("cartesia: input already ended")
	}
	if flush {
		s.inputEnded = true
	}
	s.mu.Unlock()

	if err := s.writeJSON(ctx, s.buildRequest(text, flush)); err != nil {
		return fmt.Errorf("cartesia: send text: %w", err)
	}
	return nil
}

// CloseInput implements tts.Session. An empty transcript with continue=false
// finalizes the context.
func (s *session) CloseInput(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.inputEnded {
		s.mu.Unlock()
		return nil
	}
	s.inputEnded = true
	s.mu.Unlock()

	if err := s.writeJSON(ctx, s.buildRequest("", true)); err != nil {
		return fmt.Errorf("cartesia: close input: %w", err)
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

// Close implements tts.Session.
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

// receiveLoop pairs audio chunks with their timestamp frames. Audio received
// before its timing is held pending; a timestamps frame releases everything
// accumulated so far as one paired chunk; the done frame flushes any
// remainder.
func (s *session) receiveLoop(ctx context.Context) {
	defer close(s.chunks)

	pairer := newChunkPairer()

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
		// Another context's leftovers on a reused socket are not ours.
		if resp.ContextID != s.contextID {
			continue
		}

		switch resp.Type {
		case "chunk":
			if resp.Data == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(resp.Data)
			if err != nil {
				continue
			}
			if chunk, ok := pairer.addAudio(audio); ok {
				s.chunks <- chunk
			}

		case "timestamps":
			if resp.WordTimestamps == nil {
				continue
			}
			words := make([]tts.Word, 0, len(resp.WordTimestamps.Words))
			for i, w := range resp.WordTimestamps.Words {
				if i >= len(resp.WordTimestamps.Starts) || i >= len(resp.WordTimestamps.Ends) {
					break
				}
				words = append(words, tts.Word{
					Word:  w,
					Start: resp.WordTimestamps.Starts[i],
					End:   resp.WordTimestamps.Ends[i],
				})
			}
			if chunk, ok := pairer.addWords(words); ok {
				s.chunks <- chunk
			}

		case "done":
			if chunk, ok := pairer.flush(); ok {
				s.chunks <- chunk
			}
			return

		case "error":
			slog.Error("cartesia upstream error", "code", resp.Code, "message", resp.Message)
			s.setErrIfOpen(fmt.Errorf("cartesia: upstream error [%s]: %s", resp.Code, resp.Message))
			return
		}
	}
}

func (s *session) setErrIfOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.err == nil {
		s.err = err
	}
}

// ---- catalogue ----

type apiVoice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

// Voices implements tts.Catalogue.
func (c *Client) Voices(ctx context.Context) ([]tts.Voice, error) {
	var av []apiVoice
	if err := c.getJSON(ctx, voicesEndpoint, &av); err != nil {
		return nil, err
	}
	voices := make([]tts.Voice, 0, len(av))
	for _, v := range av {
		labels := map[string]string{}
		if v.Language != "" {
			labels["language"] = v.Language
		}
		voices = append(voices, tts.Voice{
			ID:          v.ID,
			Name:        v.Name,
			Provider:    tts.ProviderCartesia,
			Description: v.Description,
			Labels:      labels,
		})
	}
	return voices, nil
}

// Models implements tts.Catalogue. Cartesia has no model-listing endpoint, so
// the known sonic family is reported statically.
func (c *Client) Models(_ context.Context) ([]tts.Model, error) {
	return []tts.Model{
		{ID: "sonic-2024-12-12", Name: "Sonic", Description: "Low-latency streaming speech model"},
		{ID: "sonic-turbo-2025-03-07", Name: "Sonic Turbo", Description: "Fastest sonic variant"},
	}, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("cartesia: build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cartesia: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cartesia: %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cartesia: decode %s: %w", endpoint, err)
	}
	return nil
}
