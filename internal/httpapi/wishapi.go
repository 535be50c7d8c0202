package httpapi

import (
	"net/http"
	"strings"

	"github.com/scenecast/scenecast/internal/store"
)

func (s *Server) handleWishStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Wish.Status())
}

func (s *Server) handleGetWishConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.DB.GetWishConfig(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutWishConfig(w http.ResponseWriter, r *http.Request) {
	var cfg store.WishConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if cfg.MaxFollowups < 0 || cfg.DebounceSeconds < 0 ||
		cfg.ResponseTimeoutSeconds <= 0 || cfg.ChatVoteSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "invalid wish configuration")
		return
	}
	if cfg.Enabled && cfg.Character == "" {
		writeError(w, http.StatusBadRequest, "enabled wish sessions need a character")
		return
	}

	if err := s.DB.SaveWishConfig(r.Context(), cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	s.Wish.SetConfig(cfg)
	if s.OnWishConfigSaved != nil {
		s.OnWishConfigSaved(r.Context(), cfg)
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleWishSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.DB.ListWishSessions(r.Context(), 50)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type wishVerdictRequest struct {
	Verdict string `json:"verdict"`
}

func (s *Server) handleWishVerdict(w http.ResponseWriter, r *http.Request) {
	var req wishVerdictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	if !s.Wish.ForceVerdict(r.Context(), strings.ToLower(req.Verdict)) {
		writeError(w, http.StatusConflict, "no active session or invalid verdict")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleWishCancel(w http.ResponseWriter, r *http.Request) {
	s.Wish.CancelSession(r.Context(), "")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type wishMessageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleWishMessage(w http.ResponseWriter, r *http.Request) {
	var req wishMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if !s.Wish.SendAsChild(r.Context(), req.Message) {
		writeError(w, http.StatusConflict, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type wishSpeakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleWishSpeak(w http.ResponseWriter, r *http.Request) {
	var req wishSpeakRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if !s.Wish.SpeakDirect(r.Context(), req.Text) {
		writeError(w, http.StatusBadGateway, "speech failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleWishInterrupt(w http.ResponseWriter, r *http.Request) {
	var req wishMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if !s.Wish.InterruptWithMessage(r.Context(), req.Message) {
		writeError(w, http.StatusBadGateway, "interruption failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
