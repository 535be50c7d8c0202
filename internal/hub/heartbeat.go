package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/scenecast/scenecast/internal/protocol"
)

// RunHeartbeat pings every registered session on PingInterval and evicts
// sessions whose last pong is older than StaleThreshold. Blocks until ctx is
// cancelled.
func (h *Hub) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.Tick(time.Now())
		}
	}
}

// Tick performs one heartbeat round at the given instant. Split out from
// RunHeartbeat so eviction is testable without waiting on real timers.
func (h *Hub) Tick(now time.Time) {
	h.evictStale(now)
	h.pingAll(now)
}

func (h *Hub) pingAll(now time.Time) {
	ts := now.Unix()

	h.mu.RLock()
	overlays := make(map[string][]*Session, len(h.overlays))
	for name, sessions := range h.overlays {
		snapshot := make([]*Session, len(sessions))
		copy(snapshot, sessions)
		overlays[name] = snapshot
	}
	dashboards := make([]*Session, 0, len(h.dashboards)+len(h.wishDashboards)+len(h.chatViews))
	dashboards = append(dashboards, h.dashboards...)
	dashboards = append(dashboards, h.wishDashboards...)
	dashboards = append(dashboards, h.chatViews...)
	h.mu.RUnlock()

	for name, sessions := range overlays {
		frame := protocol.Ping(ts)
		for _, s := range sessions {
			if err := s.writeJSON(frame); err != nil {
				slog.Warn("ping failed, dropping overlay", "character", name, "err", err)
				s.close(websocket.StatusInternalError, "ping failed")
				h.UnregisterOverlay(name, s)
			}
		}
	}

	frame := protocol.DashboardPing{Type: protocol.TypePing, TS: ts}
	for _, s := range dashboards {
		if err := s.writeJSON(frame); err != nil {
			s.close(websocket.StatusInternalError, "ping failed")
			h.Unregister(s)
		}
	}
}

// evictStale drops every session, overlay or dashboard-style, whose last
// pong is older than the threshold. Dashboards answer pings like overlays do,
// so a connection that still accepts writes but never pongs must not survive.
func (h *Hub) evictStale(now time.Time) {
	cutoff := now.Add(-StaleThreshold)

	h.mu.RLock()
	type stale struct {
		character string
		session   *Session
	}
	var overlayVictims []stale
	for name, sessions := range h.overlays {
		for _, s := range sessions {
			if s.LastPong().Before(cutoff) {
				overlayVictims = append(overlayVictims, stale{name, s})
			}
		}
	}
	var dashVictims []*Session
	for _, list := range [][]*Session{h.dashboards, h.wishDashboards, h.chatViews} {
		for _, s := range list {
			if s.LastPong().Before(cutoff) {
				dashVictims = append(dashVictims, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, v := range overlayVictims {
		slog.Warn("evicting stale overlay session",
			"character", v.character, "last_pong", v.session.LastPong())
		v.session.close(websocket.StatusGoingAway, "liveness timeout")
		h.UnregisterOverlay(v.character, v.session)
	}
	for _, s := range dashVictims {
		slog.Warn("evicting stale dashboard session",
			"kind", s.kind, "last_pong", s.LastPong())
		s.close(websocket.StatusGoingAway, "liveness timeout")
		h.Unregister(s)
	}
}
