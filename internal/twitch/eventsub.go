package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/scenecast/scenecast/internal/resilience"
)

const eventSubURL = "wss://eventsub.wss.twitch.tv/ws"

// EventSub subscription types.
const (
	subTypeChatMessage = "channel.chat.message"
	subTypeRedemption  = "channel.channel_points_custom_reward_redemption.add"
)

// Redemption is one channel-point redemption event.
type Redemption struct {
	RedemptionID string
	RewardID     string
	RewardTitle  string
	UserID       string
	UserLogin    string
	DisplayName  string
	UserInput    string
	RedeemedAt   string
}

// EventSubConfig describes one feed connection.
type EventSubConfig struct {
	AccessToken   string
	BroadcasterID string

	// RewardID narrows the redemption subscription; empty subscribes to all
	// rewards.
	RewardID string
}

// EventSub is the platform event feed: one WebSocket session subscribed to
// chat messages and reward redemptions. Chat lines land in the buffer;
// callbacks fire for both event kinds.
type EventSub struct {
	helix  *Helix
	buffer *ChatBuffer
	cfg    EventSubConfig

	// OnRedemption and OnChatMessage are invoked from the read loop; they
	// must not block.
	OnRedemption  func(Redemption)
	OnChatMessage func(ChatMessage)
}

// NewEventSub wires a feed against an existing Helix client and chat buffer.
func NewEventSub(helix *Helix, buffer *ChatBuffer, cfg EventSubConfig) *EventSub {
	return &EventSub{helix: helix, buffer: buffer, cfg: cfg}
}

// envelope is the outer EventSub WebSocket message shape.
type envelope struct {
	Metadata struct {
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type welcomePayload struct {
	Session struct {
		ID                      string `json:"id"`
		ReconnectURL            string `json:"reconnect_url"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// Run connects and processes events until ctx ends. Dropped connections are
// re-dialed with backoff; session_reconnect messages switch to the URL the
// platform hands out.
func (e *EventSub) Run(ctx context.Context) error {
	wsURL := eventSubURL
	for {
		nextURL, err := e.runSession(ctx, wsURL)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("event feed session ended, reconnecting", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			wsURL = eventSubURL
			continue
		}
		wsURL = nextURL
	}
}

// runSession handles one WebSocket session. Returns the reconnect URL when
// the platform asks us to move, or an error for plain connection loss.
func (e *EventSub) runSession(ctx context.Context, wsURL string) (string, error) {
	conn, err := resilience.RetryResult(ctx, resilience.DefaultRetryConfig("twitch eventsub dial"),
		func(ctx context.Context) (*websocket.Conn, error) {
			c, _, err := websocket.Dial(ctx, wsURL, nil)
			return c, err
		})
	if err != nil {
		return "", fmt.Errorf("twitch: dial event feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	subscribed := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("twitch: event feed read: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("malformed event feed frame", "err", err)
			continue
		}

		switch env.Metadata.MessageType {
		case "session_welcome":
			var welcome welcomePayload
			if err := json.Unmarshal(env.Payload, &welcome); err != nil {
				return "", fmt.Errorf("twitch: parse welcome: %w", err)
			}
			// A session reached via reconnect URL carries our existing
			// subscriptions.
			if !subscribed {
				if err := e.subscribe(ctx, welcome.Session.ID); err != nil {
					return "", err
				}
			}
			subscribed = true
			slog.Info("event feed connected", "session", welcome.Session.ID)

		case "session_keepalive":
			// Liveness only.

		case "session_reconnect":
			var welcome welcomePayload
			if err := json.Unmarshal(env.Payload, &welcome); err != nil {
				return "", fmt.Errorf("twitch: parse reconnect: %w", err)
			}
			slog.Info("event feed reconnect requested")
			return welcome.Session.ReconnectURL, nil

		case "notification":
			e.handleNotification(env.Payload)

		case "revocation":
			return "", errors.New("twitch: subscription revoked")
		}
	}
}

func (e *EventSub) subscribe(ctx context.Context, sessionID string) error {
	chatCondition := map[string]string{
		"broadcaster_user_id": e.cfg.BroadcasterID,
		"user_id":             e.cfg.BroadcasterID,
	}
	if err := e.helix.createSubscription(ctx, e.cfg.AccessToken, sessionID, subTypeChatMessage, chatCondition); err != nil {
		return err
	}

	redemptionCondition := map[string]string{"broadcaster_user_id": e.cfg.BroadcasterID}
	if e.cfg.RewardID != "" {
		redemptionCondition["reward_id"] = e.cfg.RewardID
	}
	return e.helix.createSubscription(ctx, e.cfg.AccessToken, sessionID, subTypeRedemption, redemptionCondition)
}

func (e *EventSub) handleNotification(payload json.RawMessage) {
	var note notificationPayload
	if err := json.Unmarshal(payload, &note); err != nil {
		slog.Warn("malformed event feed notification", "err", err)
		return
	}

	switch note.Subscription.Type {
	case subTypeChatMessage:
		var ev struct {
			MessageID       string `json:"message_id"`
			ChatterUserID   string `json:"chatter_user_id"`
			ChatterLogin    string `json:"chatter_user_login"`
			ChatterUserName string `json:"chatter_user_name"`
			Message         struct {
				Text string `json:"text"`
			} `json:"message"`
		}
		if err := json.Unmarshal(note.Event, &ev); err != nil {
			slog.Warn("malformed chat event", "err", err)
			return
		}
		msg := ChatMessage{
			MessageID:   ev.MessageID,
			UserID:      ev.ChatterUserID,
			UserLogin:   ev.ChatterLogin,
			DisplayName: ev.ChatterUserName,
			Text:        ev.Message.Text,
			Timestamp:   time.Now(),
		}
		e.buffer.Add(msg)
		if e.OnChatMessage != nil {
			e.OnChatMessage(msg)
		}

	case subTypeRedemption:
		var ev struct {
			ID         string `json:"id"`
			UserID     string `json:"user_id"`
			UserLogin  string `json:"user_login"`
			UserName   string `json:"user_name"`
			UserInput  string `json:"user_input"`
			RedeemedAt string `json:"redeemed_at"`
			Reward     struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"reward"`
		}
		if err := json.Unmarshal(note.Event, &ev); err != nil {
			slog.Warn("malformed redemption event", "err", err)
			return
		}
		slog.Info("redemption received", "user", ev.UserName, "reward", ev.Reward.Title)
		if e.OnRedemption != nil {
			e.OnRedemption(Redemption{
				RedemptionID: ev.ID,
				RewardID:     ev.Reward.ID,
				RewardTitle:  ev.Reward.Title,
				UserID:       ev.UserID,
				UserLogin:    ev.UserLogin,
				DisplayName:  ev.UserName,
				UserInput:    ev.UserInput,
				RedeemedAt:   ev.RedeemedAt,
			})
		}
	}
}
