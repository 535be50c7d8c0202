package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/scenecast/scenecast/internal/memory"
	"github.com/scenecast/scenecast/internal/pipeline"
	"github.com/scenecast/scenecast/internal/protocol"
	"github.com/scenecast/scenecast/internal/store"
	"github.com/scenecast/scenecast/pkg/provider/llm"
)

var errNoOverlay = errors.New("no overlay session connected")

// typographyFor maps a character's stored caption style onto the wire shape.
func typographyFor(c store.Character) protocol.Typography {
	return protocol.Typography{
		FontFamily:  c.TextFontFamily,
		FontSize:    c.TextFontSize,
		Color:       c.TextColor,
		StrokeColor: c.TextStrokeColor,
		StrokeWidth: c.TextStrokeWidth,
		PositionX:   c.TextPositionX,
		PositionY:   c.TextPositionY,
	}
}

// streamHooks binds the streamer's callbacks to the character's channel on
// the stage. A hook fails when no overlay session survives the write, which
// aborts the generation.
func (s *Server) streamHooks(character string, ty protocol.Typography) pipeline.Hooks {
	require := func(ok bool) error {
		if !ok {
			return errNoOverlay
		}
		return nil
	}
	return pipeline.Hooks{
		TextStart: func(ctx context.Context) error {
			return require(s.Stage.TextStreamStart(ctx, character, ty, false))
		},
		TextEnd: func(ctx context.Context) error {
			return require(s.Stage.TextStreamEnd(ctx, character))
		},
		AudioStart: func(ctx context.Context) error {
			return require(s.Stage.StreamStart(ctx, character, 0, 0))
		},
		AudioChunk: func(ctx context.Context, audio []byte) error {
			return require(s.Stage.StreamAudio(ctx, character, audio))
		},
		AudioEnd: func(ctx context.Context) error {
			return require(s.Stage.StreamEnd(ctx, character))
		},
		WordTiming: func(ctx context.Context, words []protocol.WordTiming) error {
			return require(s.Stage.WordTimings(ctx, character, words))
		},
	}
}

// newStreamer builds a single-use streamer for one character generation.
func (s *Server) newStreamer(c store.Character, showText bool) (*pipeline.Streamer, error) {
	client, err := s.NewTTSClient(c.TTSProvider, settingsBlob(c))
	if err != nil {
		return nil, err
	}
	return pipeline.NewStreamer(client, s.streamHooks(c.Name, typographyFor(c)), showText), nil
}

func settingsBlob(c store.Character) []byte {
	if c.TTSSettings == "" {
		return nil
	}
	return []byte(c.TTSSettings)
}

type speakRequest struct {
	Text     string `json:"text"`
	ShowText *bool  `json:"show_text"`
}

func showText(flag *bool) bool {
	return flag == nil || *flag
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req speakRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	c, err := s.DB.GetCharacter(r.Context(), name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !s.Hub.IsConnected(name) {
		writeError(w, http.StatusConflict, "%s", errNoOverlay)
		return
	}

	streamer, err := s.newStreamer(c, showText(req.ShowText))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	if _, err := s.Coordinator.RunSpeak(r.Context(), name, streamer, req.Text); err != nil {
		writeError(w, http.StatusBadGateway, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "character": name})
}

// SpeakText runs one caption-on speak generation outside the HTTP surface,
// used by the wish machinery to voice session speech on its character.
func (s *Server) SpeakText(ctx context.Context, character, text string) error {
	c, err := s.DB.GetCharacter(ctx, character)
	if err != nil {
		return err
	}
	if !s.Hub.IsConnected(character) {
		return errNoOverlay
	}
	streamer, err := s.newStreamer(c, true)
	if err != nil {
		return err
	}
	_, err = s.Coordinator.RunSpeak(ctx, character, streamer, text)
	return err
}

type chatImage struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type chatRequest struct {
	Message           string      `json:"message"`
	ShowText          *bool       `json:"show_text"`
	TwitchChatSeconds int         `json:"twitch_chat_seconds"`
	Images            []chatImage `json:"images"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	c, err := s.DB.GetCharacter(r.Context(), name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if c.Model == "" {
		writeError(w, http.StatusBadRequest, "character %q has no model configured", name)
		return
	}
	if !s.Hub.IsConnected(name) {
		writeError(w, http.StatusConflict, "%s", errNoOverlay)
		return
	}

	streamer, err := s.newStreamer(c, showText(req.ShowText))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	cfg := pipeline.ChatConfig{
		SystemPrompt:    c.SystemPrompt,
		Model:           c.Model,
		ProviderOrder:   splitProviderOrder(c.ProviderOrder),
		Temperature:     c.Temperature,
		MaxTokens:       c.MaxTokens,
		LiveChatContext: s.chatContext(c, req.TwitchChatSeconds),
		UserMessage:     req.Message,
	}
	for _, img := range req.Images {
		cfg.Images = append(cfg.Images, pipeline.Image{MediaType: img.MediaType, Base64: img.Data})
	}
	if c.MemoryEnabled && s.Memory != nil {
		cfg.History = s.Memory.History(name)
	}

	userContent := req.Message
	if len(cfg.Images) > 0 {
		parts := []llm.ContentPart{llm.TextPart(req.Message)}
		for _, img := range cfg.Images {
			parts = append(parts, llm.ImagePart(img.MediaType, img.Base64))
		}
		serialized, err := memory.SerializeParts(parts)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%s", err)
			return
		}
		userContent = serialized
	}

	result, err := s.Coordinator.RunChat(r.Context(), pipeline.ChatTurn{
		Character:       name,
		Pipeline:        pipeline.NewChatPipeline(s.LLM, streamer, cfg),
		MemoryEnabled:   c.MemoryEnabled,
		Persist:         c.PersistMemory,
		ContextSnapshot: cfg.LiveChatContext,
		UserContent:     userContent,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "%s", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"character":   name,
		"response":    result.Response,
		"spoken_text": result.SpokenText,
		"cancelled":   result.Cancelled,
	})
}

// chatContext renders the live-chat block for a turn. An explicit window on
// the request overrides the character's policy; otherwise the policy must be
// enabled.
func (s *Server) chatContext(c store.Character, overrideSeconds int) string {
	if s.Buffer == nil {
		return ""
	}
	seconds := c.TwitchChatWindowSeconds
	if overrideSeconds > 0 {
		seconds = overrideSeconds
	} else if !c.TwitchChatEnabled {
		return ""
	}
	return s.Buffer.Context(time.Duration(seconds)*time.Second, c.TwitchChatMaxMessages)
}

func splitProviderOrder(order string) []string {
	if order == "" {
		return nil
	}
	parts := strings.Split(order, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	wasActive, spoken := s.Coordinator.Stop(r.Context(), name)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"character":   name,
		"was_active":  wasActive,
		"spoken_text": spoken,
	})
}

// memoryEntry is the wire shape of one conversation message.
type memoryEntry struct {
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	Interrupted   bool      `json:"interrupted"`
	GeneratedText string    `json:"generated_text,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.DB.GetCharacter(r.Context(), name); err != nil {
		writeStoreError(w, err)
		return
	}

	var entries []memoryEntry
	if s.Memory != nil {
		for _, msg := range s.Memory.Get(name) {
			entries = append(entries, memoryEntry{
				Role:          msg.Role,
				Content:       msg.Content,
				Interrupted:   msg.Interrupted,
				GeneratedText: msg.GeneratedText,
				CreatedAt:     msg.CreatedAt,
			})
		}
	}
	if entries == nil {
		entries = []memoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"character": name, "messages": entries})
}

func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.DB.GetCharacter(r.Context(), name); err != nil {
		writeStoreError(w, err)
		return
	}

	if s.Memory != nil {
		if err := s.Memory.Clear(r.Context(), name); err != nil {
			writeError(w, http.StatusInternalServerError, "%s", err)
			return
		}
	}
	s.Coordinator.ClearPending(name)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "character": name})
}
