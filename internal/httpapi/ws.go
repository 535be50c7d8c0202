package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/scenecast/scenecast/internal/hub"
	"github.com/scenecast/scenecast/internal/protocol"
)

// closeUnknownCharacter is the application close code an overlay receives
// when it handshakes for a character that does not exist.
const closeUnknownCharacter = websocket.StatusCode(4004)

func (s *Server) acceptWS(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	// Overlays and dashboards are local browser sources; origin checking is
	// not meaningful for them.
	return websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
}

// handleOverlayWS is the overlay handshake: verify the character, register
// the session, then pump inbound events until the connection drops.
func (s *Server) handleOverlayWS(w http.ResponseWriter, r *http.Request) {
	character := r.PathValue("character")

	conn, err := s.acceptWS(w, r)
	if err != nil {
		slog.Warn("overlay handshake failed", "character", character, "err", err)
		return
	}

	ctx := r.Context()
	if _, err := s.DB.GetCharacter(ctx, character); err != nil {
		conn.Close(closeUnknownCharacter, "unknown character")
		return
	}

	session := hub.NewSession(conn, hub.KindOverlay, character)
	s.Hub.RegisterOverlay(character, session)
	defer s.Hub.UnregisterOverlay(character, session)

	s.sendHello(ctx, conn)
	s.overlayReadLoop(ctx, conn, character, session)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) overlayReadLoop(ctx context.Context, conn *websocket.Conn, character string, session *hub.Session) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, err := protocol.ParseEvent(data)
		if err != nil {
			slog.Warn("malformed overlay event", "character", character, "err", err)
			continue
		}

		switch ev.Event {
		case protocol.EventPong:
			session.RecordPong()
		case protocol.EventEnded:
			s.Hub.SetChannelState(character, "playing", false)
		case protocol.EventStreamEnded:
			s.Hub.SetChannelState(character, "streaming", false)
		case protocol.EventStreamStopped:
			// The overlay's account of what was heard supersedes the
			// server-side spoken-text estimate.
			s.Hub.SetChannelState(character, "streaming", false)
			s.Coordinator.ReconcileStreamStopped(ctx, character, ev.SpokenText)
		case protocol.EventError:
			slog.Warn("overlay reported error", "character", character, "message", ev.Message)
		default:
			slog.Debug("ignoring overlay event", "character", character, "event", ev.Event)
		}
	}
}

func (s *Server) sendHello(ctx context.Context, conn *websocket.Conn) {
	data, err := json.Marshal(protocol.Hello(s.Version, s.BuildID))
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("hello frame failed", "err", err)
	}
}

func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	s.serveDashboardKind(w, r, hub.KindDashboard, func(ctx context.Context, conn *websocket.Conn) {
		// New dashboards get the current roster and character list up front.
		s.writeFrame(ctx, conn, protocol.Roster(s.Hub.Roster()))
		s.broadcastCharacterSync(r)
	})
}

func (s *Server) handleWishDashboardWS(w http.ResponseWriter, r *http.Request) {
	s.serveDashboardKind(w, r, hub.KindWishDashboard, func(ctx context.Context, conn *websocket.Conn) {
		status := s.Wish.Status()
		s.writeFrame(ctx, conn, protocol.WishStatusUpdate(protocol.WishStatus{
			Active:              status.Active,
			SessionID:           status.SessionID,
			RedeemerDisplayName: status.RedeemerDisplayName,
			WishText:            status.WishText,
			State:               status.State,
			FollowupCount:       status.FollowupCount,
			Outcome:             status.Outcome,
		}))
	})
}

func (s *Server) handleChatViewWS(w http.ResponseWriter, r *http.Request) {
	s.serveDashboardKind(w, r, hub.KindChatView, nil)
}

// serveDashboardKind runs one dashboard-style session: register, send the
// kind's initial state, then read pongs until the connection drops.
func (s *Server) serveDashboardKind(w http.ResponseWriter, r *http.Request, kind hub.SessionKind, onConnect func(context.Context, *websocket.Conn)) {
	conn, err := s.acceptWS(w, r)
	if err != nil {
		slog.Warn("dashboard handshake failed", "err", err)
		return
	}

	ctx := r.Context()
	session := hub.NewSession(conn, kind, "")
	s.Hub.Register(session)
	defer s.Hub.Unregister(session)

	s.sendHello(ctx, conn)
	if onConnect != nil {
		onConnect(ctx, conn)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "pong" {
			session.RecordPong()
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("initial dashboard frame failed", "err", err)
	}
}
