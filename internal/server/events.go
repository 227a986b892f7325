package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/koord/internal/server/middleware"
)

// serveEvents handles the per-session ChangeEvent stream. One long-lived
// websocket per session; the stream closes when the session is revoked
// (the bus unsubscribes it) or the connection drops. Missed events are
// fine: adapters fall back to broker cache TTLs.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "missing session", http.StatusUnauthorized)
		return
	}

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	events, cleanup, err := s.bus.Subscribe(ctx, session.ID, topics)
	if err != nil {
		log.Error().Err(err).Str("session_id", session.ID.String()).Msg("websocket subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case event, eventOK := <-events:
			if !eventOK {
				_ = conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				log.Error().Err(marshalErr).Msg("marshal change event")
				continue
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, payload); writeErr != nil {
				log.Debug().Err(writeErr).Msg("websocket write")
				return
			}
		}
	}
}
