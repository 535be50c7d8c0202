package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/scenecast/scenecast/internal/store"
)

// requireOverlay resolves the character and checks for a live overlay
// session. Returns the zero Character with handled=true when a response was
// already written.
func (s *Server) requireOverlay(w http.ResponseWriter, r *http.Request) (store.Character, bool) {
	name := r.PathValue("name")
	c, err := s.DB.GetCharacter(r.Context(), name)
	if err != nil {
		writeStoreError(w, err)
		return store.Character{}, true
	}
	if !s.Hub.IsConnected(name) {
		writeError(w, http.StatusConflict, "%s", errNoOverlay)
		return store.Character{}, true
	}
	return c, false
}

type playAudioRequest struct {
	File   string   `json:"file"`
	Volume *float64 `json:"volume"`
	Loop   bool     `json:"loop"`
}

func (s *Server) handlePlayAudio(w http.ResponseWriter, r *http.Request) {
	var req playAudioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.File == "" {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}

	c, handled := s.requireOverlay(w, r)
	if handled {
		return
	}
	volume := c.DefaultVolume
	if req.Volume != nil {
		volume = *req.Volume
	}

	s.Stage.Play(r.Context(), c.Name, req.File, volume, req.Loop)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "character": c.Name})
}

func (s *Server) handleStopAudio(w http.ResponseWriter, r *http.Request) {
	c, handled := s.requireOverlay(w, r)
	if handled {
		return
	}
	s.Stage.Stop(r.Context(), c.Name)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "character": c.Name})
}

type volumeRequest struct {
	Level float64 `json:"level"`
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.Level < 0 || req.Level > 1 {
		writeError(w, http.StatusBadRequest, "level must be in [0,1]")
		return
	}

	c, handled := s.requireOverlay(w, r)
	if handled {
		return
	}
	s.Stage.SetVolume(r.Context(), c.Name, req.Level)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "character": c.Name})
}

type showTextRequest struct {
	Text     string `json:"text"`
	Style    string `json:"style"`
	Duration int    `json:"duration"`
}

func (s *Server) handleShowText(w http.ResponseWriter, r *http.Request) {
	var req showTextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	c, handled := s.requireOverlay(w, r)
	if handled {
		return
	}
	style := req.Style
	if style == "" {
		style = c.DefaultTextStyle
	}
	duration := req.Duration
	if duration == 0 {
		duration = c.TextDuration
	}

	s.Stage.ShowText(r.Context(), c.Name, req.Text, style, duration, typographyFor(c))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "character": c.Name})
}

func (s *Server) handleClearText(w http.ResponseWriter, r *http.Request) {
	c, handled := s.requireOverlay(w, r)
	if handled {
		return
	}
	s.Stage.ClearText(r.Context(), c.Name)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "character": c.Name})
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := s.DB.ListPresets(r.Context(), r.URL.Query().Get("character"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presets)
}

func (s *Server) handleCreatePreset(w http.ResponseWriter, r *http.Request) {
	var p store.TextPreset
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if p.Name == "" || p.Text == "" {
		writeError(w, http.StatusBadRequest, "name and text are required")
		return
	}

	stored, err := s.DB.CreatePreset(r.Context(), p)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid preset id")
		return
	}
	if err := s.DB.DeletePreset(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := s.DB.RecentPlayback(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	catalogue, err := s.NewCatalogue(r.PathValue("provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	voices, err := catalogue.Voices(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, voices)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	catalogue, err := s.NewCatalogue(r.PathValue("provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	models, err := catalogue.Models(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, models)
}
