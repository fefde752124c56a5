package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	// Observers are dashboards served from other origins
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleObserver streams broadcast events for one session, or for every
// session when the session query parameter is empty. The first messages are
// the current session snapshots.
func (h *Handler) handleObserver(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID != "" {
		if _, err := h.sessions.Status(sessionID); err != nil {
			h.writeServiceError(w, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade observer connection")
		return
	}
	defer conn.Close()

	sub := h.broadcaster.Subscribe(sessionID)
	defer h.broadcaster.Unsubscribe(sub)

	logger := h.logger.With().
		Str("subscription_id", sub.ID()).
		Str("session_id", sessionID).
		Str("remote_addr", r.RemoteAddr).
		Logger()
	logger.Info().Msg("Observer connected")

	// Observers only send control frames; reading keeps pongs flowing and
	// notices the close
	closed := make(chan struct{})
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug().Err(err).Msg("Observer read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Warn().Err(err).Msg("Failed to write to observer")
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-closed:
			logger.Info().Int64("dropped", sub.Dropped()).Msg("Observer disconnected")
			return
		}
	}
}
