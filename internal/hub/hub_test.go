package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/scenecast/scenecast/internal/protocol"
)

// fakeConn records frames and can be told to fail writes.
type fakeConn struct {
	mu     sync.Mutex
	texts  [][]byte
	binary [][]byte
	closed bool
	fail   bool
}

func (f *fakeConn) Write(_ context.Context, typ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("write failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	if typ == websocket.MessageBinary {
		f.binary = append(f.binary, cp)
	} else {
		f.texts = append(f.texts, cp)
	}
	return nil
}

func (f *fakeConn) Close(websocket.StatusCode, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) textCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newOverlay(h *Hub, character string) (*Session, *fakeConn) {
	conn := &fakeConn{}
	s := NewSession(conn, KindOverlay, character)
	h.RegisterOverlay(character, s)
	return s, conn
}

func TestSendJSONFansOutToAllSessions(t *testing.T) {
	h := New()
	_, c1 := newOverlay(h, "alice")
	_, c2 := newOverlay(h, "alice")

	if !h.SendJSON("alice", protocol.StreamEnd()) {
		t.Fatal("SendJSON reported no live sessions")
	}
	if c1.textCount() == 0 || c2.textCount() == 0 {
		t.Error("frame not fanned out to both sessions")
	}
}

func TestSendJSONNoSessions(t *testing.T) {
	h := New()
	if h.SendJSON("ghost", protocol.StreamEnd()) {
		t.Error("SendJSON reported success for unknown character")
	}
}

func TestSendDropsFailingSession(t *testing.T) {
	h := New()
	_, bad := newOverlay(h, "carol")
	bad.fail = true
	_, good := newOverlay(h, "carol")

	if !h.SendJSON("carol", protocol.StreamEnd()) {
		t.Fatal("SendJSON must succeed while one session survives")
	}
	if h.SessionCount("carol") != 1 {
		t.Errorf("sessions = %d, want 1 after drop", h.SessionCount("carol"))
	}
	if !bad.isClosed() {
		t.Error("failed session not closed")
	}
	if good.textCount() == 0 {
		t.Error("surviving session missed the frame")
	}
}

func TestSendBytes(t *testing.T) {
	h := New()
	_, conn := newOverlay(h, "alice")

	if !h.SendBytes("alice", []byte{1, 2, 3, 4}) {
		t.Fatal("SendBytes failed")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.binary) != 1 || len(conn.binary[0]) != 4 {
		t.Errorf("binary frames = %+v", conn.binary)
	}
}

func TestUnregisterLastSessionEmptiesEntry(t *testing.T) {
	h := New()
	s, _ := newOverlay(h, "bob")

	h.UnregisterOverlay("bob", s)
	if h.IsConnected("bob") {
		t.Error("character still connected after last session left")
	}
	if got := h.Roster(); len(got) != 0 {
		t.Errorf("roster = %+v, want empty", got)
	}
}

func TestChannelStateInRoster(t *testing.T) {
	h := New()
	newOverlay(h, "alice")

	h.SetChannelState("alice", "streaming", true)
	roster := h.Roster()
	if len(roster) != 1 {
		t.Fatalf("roster size = %d, want 1", len(roster))
	}
	if !roster[0].Streaming || roster[0].Playing {
		t.Errorf("roster entry = %+v", roster[0])
	}
}

func TestDashboardReceivesRosterOnRegister(t *testing.T) {
	h := New()
	dashConn := &fakeConn{}
	h.Register(NewSession(dashConn, KindDashboard, ""))

	newOverlay(h, "alice")

	dashConn.mu.Lock()
	defer dashConn.mu.Unlock()
	if len(dashConn.texts) == 0 {
		t.Fatal("dashboard received no roster broadcast")
	}
	var frame protocol.RosterFrame
	if err := json.Unmarshal(dashConn.texts[len(dashConn.texts)-1], &frame); err != nil {
		t.Fatalf("unmarshal roster: %v", err)
	}
	if frame.Type != protocol.TypeCharacters || len(frame.Characters) != 1 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestHeartbeatEvictsStaleSessions(t *testing.T) {
	h := New()
	stale, staleConn := newOverlay(h, "carol")
	fresh, _ := newOverlay(h, "carol")

	now := time.Now()
	stale.mu.Lock()
	stale.lastPong = now.Add(-2 * StaleThreshold)
	stale.mu.Unlock()
	fresh.RecordPong()

	h.Tick(now)

	if h.SessionCount("carol") != 1 {
		t.Errorf("sessions = %d, want 1 after eviction", h.SessionCount("carol"))
	}
	if !staleConn.isClosed() {
		t.Error("stale session not closed")
	}
}

func TestHeartbeatEvictsStaleDashboards(t *testing.T) {
	h := New()

	kinds := []SessionKind{KindDashboard, KindWishDashboard, KindChatView}
	conns := make([]*fakeConn, len(kinds))
	now := time.Now()
	for i, kind := range kinds {
		conns[i] = &fakeConn{}
		s := NewSession(conns[i], kind, "")
		h.Register(s)
		// The conn still accepts writes; only the pong is missing.
		s.mu.Lock()
		s.lastPong = now.Add(-2 * StaleThreshold)
		s.mu.Unlock()
	}

	h.Tick(now)

	for i, kind := range kinds {
		if !conns[i].isClosed() {
			t.Errorf("kind %d: stale session not closed", kind)
		}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.dashboards)+len(h.wishDashboards)+len(h.chatViews) != 0 {
		t.Errorf("registry still holds %d/%d/%d dashboard-style sessions after tick",
			len(h.dashboards), len(h.wishDashboards), len(h.chatViews))
	}
}

func TestHeartbeatPingsSurvivors(t *testing.T) {
	h := New()
	s, conn := newOverlay(h, "alice")
	s.RecordPong()

	before := conn.textCount()
	h.Tick(time.Now())

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.texts) <= before {
		t.Fatal("no ping written")
	}
	var ping protocol.PingFrame
	if err := json.Unmarshal(conn.texts[len(conn.texts)-1], &ping); err != nil {
		t.Fatalf("unmarshal ping: %v", err)
	}
	if ping.Action != protocol.ActionPing || ping.TS == 0 {
		t.Errorf("ping = %+v", ping)
	}
}

func TestCloseCharacterSeversAllSessions(t *testing.T) {
	h := New()
	_, c1 := newOverlay(h, "dave")
	_, c2 := newOverlay(h, "dave")

	h.CloseCharacter("dave")

	if h.IsConnected("dave") {
		t.Error("character still connected after CloseCharacter")
	}
	if !c1.isClosed() || !c2.isClosed() {
		t.Error("sessions not closed")
	}
}
