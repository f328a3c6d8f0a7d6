package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"ridehail/sos/internal/notify"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

func (s *Server) upgrader() websocket.Upgrader {
	allowed := make(map[string]struct{}, len(s.cfg.HTTP.AllowedOrigins))
	for _, o := range s.cfg.HTTP.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// handleStream godoc
// @Title Live alert feed
// @Description Upgrades to a websocket and streams every alert event, or only the events of one
// @Description alert when alert_id is given.
// @Resource Alerts
// @Param alert_id query string false "Alert ID"
// @Route /v1/stream [get]
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.subscriber == nil {
		s.writeError(w, http.StatusServiceUnavailable, "live stream is not enabled", nil)
		return
	}
	topic := notify.GlobalTopic
	if raw := strings.TrimSpace(r.URL.Query().Get("alert_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errInvalidAlertID, err.Error())
			return
		}
		topic = notify.AlertTopic(id.String())
	}

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	// The request context is unrelated to the socket once hijacked.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := s.subscriber.Subscribe(ctx, topic)
	if err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("stream subscription failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(streamWriteWait))
		_ = conn.Close()
		return
	}

	streamConnections.Inc()
	defer streamConnections.Dec()
	actor := ""
	if claims, ok := GetUserFromContext(r.Context()); ok {
		actor = claims.Actor()
	}
	s.log.Info().Str("topic", topic).Str("actor", actor).Msg("stream opened")

	go s.streamReadPump(conn, cancel)
	s.streamWritePump(ctx, conn, msgs)
	s.log.Info().Str("topic", topic).Str("actor", actor).Msg("stream closed")
}

// streamReadPump discards client frames and cancels the stream when the peer goes away.
func (s *Server) streamReadPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("stream read failed")
			}
			return
		}
	}
}

func (s *Server) streamWritePump(ctx context.Context, conn *websocket.Conn, msgs <-chan notify.Message) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-msgs:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
