package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/scenecast/scenecast/internal/store"
	"github.com/scenecast/scenecast/internal/twitch"
)

// twitchAuth loads the stored token and revalidates it so callers get the
// broadcaster id alongside the credentials.
func (s *Server) twitchAuth(ctx context.Context) (store.TwitchToken, twitch.TokenInfo, error) {
	tok, err := s.DB.GetTwitchToken(ctx)
	if err != nil {
		return store.TwitchToken{}, twitch.TokenInfo{}, err
	}
	info, err := s.Helix.ValidateToken(ctx, tok.AccessToken)
	if err != nil {
		return store.TwitchToken{}, twitch.TokenInfo{}, err
	}
	return tok, info, nil
}

func (s *Server) handleTwitchStatus(w http.ResponseWriter, r *http.Request) {
	tok, err := s.DB.GetTwitchToken(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"connected": false})
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":  true,
		"user_login": tok.UserLogin,
		"scopes":     tok.Scopes,
		"expires_at": tok.ExpiresAt,
	})
}

type saveTokenRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleSaveTwitchToken(w http.ResponseWriter, r *http.Request) {
	var req saveTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "access_token is required")
		return
	}

	info, err := s.Helix.ValidateToken(r.Context(), req.AccessToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "%s", err)
		return
	}

	scopes := ""
	for i, scope := range info.Scopes {
		if i > 0 {
			scopes += " "
		}
		scopes += scope
	}
	tok := store.TwitchToken{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(info.ExpiresIn) * time.Second),
		Scopes:       scopes,
		UserLogin:    info.Login,
	}
	if err := s.DB.SaveTwitchToken(r.Context(), tok); err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connected":  true,
		"user_login": info.Login,
		"user_id":    info.UserID,
		"scopes":     info.Scopes,
	})
}

func (s *Server) handleDeleteTwitchToken(w http.ResponseWriter, r *http.Request) {
	if err := s.DB.DeleteTwitchToken(r.Context()); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": false})
}

func (s *Server) handleTwitchChat(w http.ResponseWriter, r *http.Request) {
	seconds := 300
	if raw := r.URL.Query().Get("seconds"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid seconds")
			return
		}
		seconds = parsed
	}

	messages := []twitch.ChatMessage{}
	if s.Buffer != nil {
		messages = s.Buffer.GetRecent(time.Duration(seconds) * time.Second)
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleListRewards(w http.ResponseWriter, r *http.Request) {
	tok, info, err := s.twitchAuth(r.Context())
	if err != nil {
		writeTwitchAuthError(w, err)
		return
	}
	rewards, err := s.Helix.GetRewards(r.Context(), tok.AccessToken, info.UserID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, rewards)
}

type createRewardRequest struct {
	Title  string `json:"title"`
	Cost   int    `json:"cost"`
	Prompt string `json:"prompt"`
}

func (s *Server) handleCreateReward(w http.ResponseWriter, r *http.Request) {
	var req createRewardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.Title == "" || req.Cost < 1 {
		writeError(w, http.StatusBadRequest, "title and a positive cost are required")
		return
	}

	tok, info, err := s.twitchAuth(r.Context())
	if err != nil {
		writeTwitchAuthError(w, err)
		return
	}
	reward, err := s.Helix.CreateReward(r.Context(), tok.AccessToken, info.UserID, req.Title, req.Cost, req.Prompt)
	if err != nil {
		writeError(w, http.StatusBadGateway, "%s", err)
		return
	}
	writeJSON(w, http.StatusCreated, reward)
}

type setRewardEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetRewardEnabled(w http.ResponseWriter, r *http.Request) {
	var req setRewardEnabledRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	tok, info, err := s.twitchAuth(r.Context())
	if err != nil {
		writeTwitchAuthError(w, err)
		return
	}
	if err := s.Helix.SetRewardEnabled(r.Context(), tok.AccessToken, info.UserID, r.PathValue("id"), req.Enabled); err != nil {
		writeError(w, http.StatusBadGateway, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": req.Enabled})
}

func writeTwitchAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "platform account not connected")
		return
	}
	writeError(w, http.StatusUnauthorized, "%s", err)
}
