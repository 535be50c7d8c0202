package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	helixBaseURL    = "https://api.twitch.tv/helix"
	validateURL     = "https://id.twitch.tv/oauth2/validate"
	tokenURL        = "https://id.twitch.tv/oauth2/token"
	defaultHTTPWait = 15 * time.Second
)

// Helix is a minimal Twitch Helix API client covering token validation and
// channel-point reward management.
type Helix struct {
	clientID   string
	httpClient *http.Client

	baseURL     string
	validateURL string
	tokenURL    string
}

// NewHelix creates a client for the given application client id.
func NewHelix(clientID string) *Helix {
	return &Helix{
		clientID:    clientID,
		httpClient:  &http.Client{Timeout: defaultHTTPWait},
		baseURL:     helixBaseURL,
		validateURL: validateURL,
		tokenURL:    tokenURL,
	}
}

// TokenInfo is the result of validating a user access token.
type TokenInfo struct {
	UserID    string   `json:"user_id"`
	Login     string   `json:"login"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ValidateToken checks an access token and returns its owner and scopes.
func (h *Helix) ValidateToken(ctx context.Context, accessToken string) (TokenInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.validateURL, nil)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("twitch: validate token: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	var info TokenInfo
	if err := h.do(req, &info); err != nil {
		return TokenInfo{}, fmt.Errorf("twitch: validate token: %w", err)
	}
	return info, nil
}

// Reward is one channel-point custom reward.
type Reward struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Cost      int    `json:"cost"`
	Prompt    string `json:"prompt"`
	IsEnabled bool   `json:"is_enabled"`
	IsPaused  bool   `json:"is_paused"`
}

// GetRewards lists the broadcaster's custom rewards.
func (h *Helix) GetRewards(ctx context.Context, accessToken, broadcasterID string) ([]Reward, error) {
	u := h.baseURL + "/channel_points/custom_rewards?broadcaster_id=" + url.QueryEscape(broadcasterID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("twitch: get rewards: %w", err)
	}
	h.authorize(req, accessToken)

	var out struct {
		Data []Reward `json:"data"`
	}
	if err := h.do(req, &out); err != nil {
		return nil, fmt.Errorf("twitch: get rewards: %w", err)
	}
	return out.Data, nil
}

// CreateReward creates a custom reward that requires user input.
func (h *Helix) CreateReward(ctx context.Context, accessToken, broadcasterID, title string, cost int, prompt string) (Reward, error) {
	u := h.baseURL + "/channel_points/custom_rewards?broadcaster_id=" + url.QueryEscape(broadcasterID)
	body := map[string]any{
		"title":                  title,
		"cost":                   cost,
		"is_user_input_required": true,
		"is_enabled":             true,
	}
	if prompt != "" {
		body["prompt"] = prompt
	}
	req, err := h.jsonRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return Reward{}, fmt.Errorf("twitch: create reward: %w", err)
	}
	h.authorize(req, accessToken)

	var out struct {
		Data []Reward `json:"data"`
	}
	if err := h.do(req, &out); err != nil {
		return Reward{}, fmt.Errorf("twitch: create reward: %w", err)
	}
	if len(out.Data) == 0 {
		return Reward{}, fmt.Errorf("twitch: create reward: empty response")
	}
	return out.Data[0], nil
}

// SetRewardEnabled shows or hides a reward.
func (h *Helix) SetRewardEnabled(ctx context.Context, accessToken, broadcasterID, rewardID string, enabled bool) error {
	u := fmt.Sprintf("%s/channel_points/custom_rewards?broadcaster_id=%s&id=%s",
		h.baseURL, url.QueryEscape(broadcasterID), url.QueryEscape(rewardID))
	req, err := h.jsonRequest(ctx, http.MethodPatch, u, map[string]any{"is_enabled": enabled})
	if err != nil {
		return fmt.Errorf("twitch: update reward: %w", err)
	}
	h.authorize(req, accessToken)

	if err := h.do(req, nil); err != nil {
		return fmt.Errorf("twitch: update reward: %w", err)
	}
	return nil
}

// Redemption statuses accepted by UpdateRedemptionStatus.
const (
	RedemptionFulfilled = "FULFILLED"
	RedemptionCanceled  = "CANCELED"
)

// UpdateRedemptionStatus fulfills or cancels (refunds) one redemption.
func (h *Helix) UpdateRedemptionStatus(ctx context.Context, accessToken, broadcasterID, rewardID, redemptionID, status string) error {
	u := fmt.Sprintf("%s/channel_points/custom_rewards/redemptions?broadcaster_id=%s&reward_id=%s&id=%s",
		h.baseURL, url.QueryEscape(broadcasterID), url.QueryEscape(rewardID), url.QueryEscape(redemptionID))
	req, err := h.jsonRequest(ctx, http.MethodPatch, u, map[string]any{"status": status})
	if err != nil {
		return fmt.Errorf("twitch: update redemption: %w", err)
	}
	h.authorize(req, accessToken)

	if err := h.do(req, nil); err != nil {
		return fmt.Errorf("twitch: update redemption: %w", err)
	}
	return nil
}

// createSubscription registers one EventSub subscription against a
// WebSocket session.
func (h *Helix) createSubscription(ctx context.Context, accessToken, sessionID, subType string, condition map[string]string) error {
	body := map[string]any{
		"type":      subType,
		"version":   "1",
		"condition": condition,
		"transport": map[string]string{"method": "websocket", "session_id": sessionID},
	}
	req, err := h.jsonRequest(ctx, http.MethodPost, h.baseURL+"/eventsub/subscriptions", body)
	if err != nil {
		return fmt.Errorf("twitch: subscribe %s: %w", subType, err)
	}
	h.authorize(req, accessToken)

	if err := h.do(req, nil); err != nil {
		return fmt.Errorf("twitch: subscribe %s: %w", subType, err)
	}
	return nil
}

func (h *Helix) jsonRequest(ctx context.Context, method, u string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (h *Helix) authorize(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Client-Id", h.clientID)
}

func (h *Helix) do(req *http.Request, out any) error {
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
