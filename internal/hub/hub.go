// Package hub is the connection registry: it tracks every live overlay and
// dashboard session, fans frames out to them, and evicts sessions that stop
// answering application-level pings.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/scenecast/scenecast/internal/protocol"
)

// Liveness constants. Pings are application-level frames so liveness survives
// proxies that idle-cut raw TCP around 30s.
const (
	PingInterval   = 25 * time.Second
	StaleThreshold = 60 * time.Second

	writeTimeout = 5 * time.Second
)

// Conn is the subset of *websocket.Conn the hub needs. Tests substitute an
// in-memory implementation.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// SessionKind distinguishes the registered session lists.
type SessionKind int

const (
	KindOverlay SessionKind = iota
	KindDashboard
	KindWishDashboard
	KindChatView
)

// Session is one registered bidirectional channel.
type Session struct {
	conn Conn
	kind SessionKind

	// Character is set for overlay sessions only.
	Character string

	mu       sync.Mutex
	lastPong time.Time
}

// NewSession wraps an accepted connection.
func NewSession(conn Conn, kind SessionKind, character string) *Session {
	return &Session{
		conn:      conn,
		kind:      kind,
		Character: character,
		lastPong:  time.Now(),
	}
}

// RecordPong stamps the session as alive.
func (s *Session) RecordPong() {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

// LastPong returns the time of the most recent pong (or registration).
func (s *Session) LastPong() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Session) writeBytes(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

func (s *Session) close(code websocket.StatusCode, reason string) {
	_ = s.conn.Close(code, reason)
}

// channelState is the transient per-character playback state, derived from
// overlay events and reported to dashboards. Not authoritative.
type channelState struct {
	Playing   bool
	Streaming bool
}

// Hub holds all session lists. Safe for concurrent use; fan-out iterates a
// snapshot so drop-on-error mutation never races iteration.
type Hub struct {
	mu             sync.RWMutex
	overlays       map[string][]*Session
	dashboards     []*Session
	wishDashboards []*Session
	chatViews      []*Session
	state          map[string]*channelState
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		overlays: make(map[string][]*Session),
		state:    make(map[string]*channelState),
	}
}

// RegisterOverlay adds an overlay session for a character and pushes the
// updated roster to dashboards. The caller has already verified that the
// character exists.
func (h *Hub) RegisterOverlay(character string, s *Session) {
	h.mu.Lock()
	h.overlays[character] = append(h.overlays[character], s)
	if _, ok := h.state[character]; !ok {
		h.state[character] = &channelState{}
	}
	h.mu.Unlock()

	slog.Info("overlay connected", "character", character, "sessions", h.SessionCount(character))
	h.notifyDashboards()
}

// UnregisterOverlay removes a specific overlay session. The character entry
// is emptied when the last session leaves.
func (h *Hub) UnregisterOverlay(character string, s *Session) {
	h.mu.Lock()
	sessions := h.overlays[character]
	for i, other := range sessions {
		if other == s {
			sessions = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(sessions) == 0 {
		delete(h.overlays, character)
		delete(h.state, character)
	} else {
		h.overlays[character] = sessions
	}
	h.mu.Unlock()

	slog.Info("overlay disconnected", "character", character)
	h.notifyDashboards()
}

// Register adds a dashboard-style session.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	switch s.kind {
	case KindDashboard:
		h.dashboards = append(h.dashboards, s)
	case KindWishDashboard:
		h.wishDashboards = append(h.wishDashboards, s)
	case KindChatView:
		h.chatViews = append(h.chatViews, s)
	}
	h.mu.Unlock()
}

// Unregister removes a dashboard-style session.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	switch s.kind {
	case KindDashboard:
		h.dashboards = removeSession(h.dashboards, s)
	case KindWishDashboard:
		h.wishDashboards = removeSession(h.wishDashboards, s)
	case KindChatView:
		h.chatViews = removeSession(h.chatViews, s)
	}
	h.mu.Unlock()
}

func removeSession(list []*Session, s *Session) []*Session {
	for i, other := range list {
		if other == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// SendJSON fans a control frame out to every overlay session of a character.
// Sessions that fail the write are dropped. Reports whether at least one
// session remains afterwards.
func (h *Hub) SendJSON(character string, frame any) bool {
	return h.fanOut(character, func(s *Session) error {
		return s.writeJSON(frame)
	})
}

// SendBytes fans a binary audio frame out to every overlay session of a
// character, with the same drop-on-error policy as SendJSON.
func (h *Hub) SendBytes(character string, data []byte) bool {
	return h.fanOut(character, func(s *Session) error {
		return s.writeBytes(data)
	})
}

func (h *Hub) fanOut(character string, write func(*Session) error) bool {
	h.mu.RLock()
	snapshot := make([]*Session, len(h.overlays[character]))
	copy(snapshot, h.overlays[character])
	h.mu.RUnlock()

	if len(snapshot) == 0 {
		return false
	}

	alive := 0
	for _, s := range snapshot {
		if err := write(s); err != nil {
			slog.Warn("dropping overlay session after write error",
				"character", character, "err", err)
			s.close(websocket.StatusInternalError, "write failed")
			h.UnregisterOverlay(character, s)
			continue
		}
		alive++
	}
	return alive > 0
}

// IsConnected reports whether a character has at least one live overlay.
func (h *Hub) IsConnected(character string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.overlays[character]) > 0
}

// SessionCount returns the number of live overlay sessions for a character.
func (h *Hub) SessionCount(character string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.overlays[character])
}

// SetChannelState updates the transient playing/streaming flags and pushes
// the roster to dashboards.
func (h *Hub) SetChannelState(character, key string, value bool) {
	h.mu.Lock()
	st, ok := h.state[character]
	if !ok {
		st = &channelState{}
		h.state[character] = st
	}
	switch key {
	case "playing":
		st.Playing = value
	case "streaming":
		st.Streaming = value
	}
	h.mu.Unlock()

	h.notifyDashboards()
}

// Roster returns the connected-character list for dashboard broadcasts,
// sorted by registration iteration order.
func (h *Hub) Roster() []protocol.CharacterStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roster := make([]protocol.CharacterStatus, 0, len(h.overlays))
	for name, sessions := range h.overlays {
		st := h.state[name]
		if st == nil {
			st = &channelState{}
		}
		roster = append(roster, protocol.CharacterStatus{
			Name:      name,
			Overlays:  len(sessions),
			Playing:   st.Playing,
			Streaming: st.Streaming,
		})
	}
	return roster
}

// BroadcastDashboard fans a frame to every dashboard with drop-on-error.
func (h *Hub) BroadcastDashboard(frame any) {
	h.broadcast(KindDashboard, frame)
}

// BroadcastWishStatus fans a wish-session status frame to wish dashboards.
func (h *Hub) BroadcastWishStatus(frame any) {
	h.broadcast(KindWishDashboard, frame)
}

// BroadcastChat fans a live-chat message to chat-view subscribers.
func (h *Hub) BroadcastChat(frame any) {
	h.broadcast(KindChatView, frame)
}

func (h *Hub) broadcast(kind SessionKind, frame any) {
	h.mu.RLock()
	var src []*Session
	switch kind {
	case KindDashboard:
		src = h.dashboards
	case KindWishDashboard:
		src = h.wishDashboards
	case KindChatView:
		src = h.chatViews
	}
	snapshot := make([]*Session, len(src))
	copy(snapshot, src)
	h.mu.RUnlock()

	for _, s := range snapshot {
		if err := s.writeJSON(frame); err != nil {
			s.close(websocket.StatusInternalError, "write failed")
			h.Unregister(s)
		}
	}
}

func (h *Hub) notifyDashboards() {
	h.BroadcastDashboard(protocol.Roster(h.Roster()))
}

// CloseCharacter severs every overlay session for a character, used when the
// character is deleted.
func (h *Hub) CloseCharacter(character string) {
	h.mu.Lock()
	sessions := h.overlays[character]
	delete(h.overlays, character)
	delete(h.state, character)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.StatusGoingAway, "character deleted")
	}
	if len(sessions) > 0 {
		h.notifyDashboards()
	}
}
