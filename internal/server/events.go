package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/meetrec/internal/observe"
	"github.com/MrWong99/meetrec/internal/session"
)

// handleEvents streams session events as JSON text messages. A client first
// receives the current state of the session, if one is live, followed by
// every event published afterwards. Messages from the client are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	log := observe.Logger(r.Context()).With("session", key)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		log.Warn("server: websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.sessions.Subscribe(key)
	defer cancel()

	ctx := conn.CloseRead(r.Context())

	if key != "" {
		if info, err := s.sessions.Status(key); err == nil {
			snapshot := session.Event{
				Type:       session.EventState,
				SessionKey: key,
				Time:       time.Now(),
				State:      info.Status.State.String(),
			}
			if err := s.write(ctx, conn, snapshot); err != nil {
				return
			}
		}
	}

	log.Debug("server: event stream opened")
	for {
		select {
		case <-ctx.Done():
			log.Debug("server: event stream closed by client")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := s.write(ctx, conn, ev); err != nil {
				log.Debug("server: event stream write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev session.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
