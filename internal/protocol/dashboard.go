package protocol

// Message types on dashboard-bound JSON frames.
const (
	TypeCharacters    = "characters"
	TypeCharacterSync = "character_sync"
	TypeChatMessage   = "chat_message"
	TypeWishStatus    = "santa_status"
	TypePing          = "ping"
)

// CharacterStatus is one roster entry in a dashboard broadcast.
type CharacterStatus struct {
	Name      string `json:"name"`
	Overlays  int    `json:"overlays"`
	Playing   bool   `json:"playing"`
	Streaming bool   `json:"streaming"`
}

// RosterFrame carries the connected-character roster to dashboards. Sent on
// every register, unregister and channel-state change.
type RosterFrame struct {
	Type       string            `json:"type"`
	Characters []CharacterStatus `json:"characters"`
}

func Roster(chars []CharacterStatus) RosterFrame {
	return RosterFrame{Type: TypeCharacters, Characters: chars}
}

// CharacterSyncFrame pushes full character configuration records to
// dashboards after a create, update or delete.
type CharacterSyncFrame struct {
	Type       string `json:"type"`
	Characters []any  `json:"characters"`
}

func CharacterSync(chars []any) CharacterSyncFrame {
	return CharacterSyncFrame{Type: TypeCharacterSync, Characters: chars}
}

// ChatMessageFrame relays one live-chat message to chat-view subscribers.
type ChatMessageFrame struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	UserLogin   string `json:"user_login"`
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"`
}

// WishStatus summarizes the wish-session state machine for its dashboard.
type WishStatus struct {
	Active               bool   `json:"active"`
	SessionID            string `json:"session_id,omitempty"`
	RedeemerDisplayName  string `json:"redeemer_display_name,omitempty"`
	WishText             string `json:"wish_text,omitempty"`
	State                string `json:"state,omitempty"`
	FollowupCount        int    `json:"followup_count"`
	Outcome              string `json:"outcome,omitempty"`
}

// WishStatusFrame is pushed to wish-dashboard subscribers on every
// state-machine transition.
type WishStatusFrame struct {
	Type   string     `json:"type"`
	Status WishStatus `json:"status"`
}

func WishStatusUpdate(st WishStatus) WishStatusFrame {
	return WishStatusFrame{Type: TypeWishStatus, Status: st}
}

// DashboardPing is the liveness probe for dashboard-style sessions, which
// use "type" rather than "action" framing.
type DashboardPing struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}
