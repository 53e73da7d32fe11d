package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/devroom/internal/ws"
)

const (
	roomReadLimit     = 1 << 20 // chat messages with history and code for review
	roomWriteTimeout  = 5 * time.Second
	roomPingInterval  = 30 * time.Second
	shutdownFlushWait = 2 * time.Second
)

// handleRoomWS authenticates the handshake, then joins the connection to
// its project room. Rejections happen before the upgrade, so a rejected
// client never becomes a member.
func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	id, proj, err := s.Auth.Authenticate(r.Context(), tokenFromRequest(r), projectID)
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) {
			s.metrics.authRejects.WithLabelValues(ae.Kind.Error()).Inc()
			s.log.Info("room handshake rejected", "project", projectID, "reason", ae)
			http.Error(w, ae.Kind.Error(), ae.Status())
			return
		}
		s.log.Error("room handshake", "project", projectID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	conn.SetReadLimit(roomReadLimit)
	defer conn.CloseNow()

	m := NewMember(proj.ID, id, s.Config.OutboxSize)
	s.Rooms.Send(m, ws.Joined{Type: ws.TypeJoined, ProjectID: proj.ID, UserID: id.Email})
	s.Rooms.Join(m)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, m)
		cancel()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		s.Router.Handle(m, data)
	}

	s.Router.Disconnect(m)
	cancel()
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "")
}

// writeLoop drains the member's outbox onto the socket. After the member
// is shut down it flushes what is still queued and returns.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, m *Member) {
	ping := time.NewTicker(roomPingInterval)
	defer ping.Stop()

	write := func(data []byte) bool {
		wctx, cancel := context.WithTimeout(context.Background(), roomWriteTimeout)
		defer cancel()
		if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
			s.log.Debug("room write failed", "project", m.ProjectID, "user", m.Email, "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case data := <-m.Outbox():
			if !write(data) {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, roomWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case <-m.Done():
			deadline := time.After(shutdownFlushWait)
			for {
				select {
				case data := <-m.Outbox():
					if !write(data) {
						return
					}
				case <-deadline:
					return
				default:
					conn.Close(websocket.StatusGoingAway, "relay shutting down")
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
