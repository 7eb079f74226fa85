package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/relaychat/internal/chat"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/pubsub"
	"go.uber.org/zap"
)

// Clients only send control frames; anything larger is a misbehaving peer.
const streamReadLimit = 512

// StreamHandler upgrades GET /v1/chats/:id/subscribe to a websocket and
// relays the chat's message events to it as JSON text frames.
type StreamHandler struct {
	svc          *chat.Service
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pongWait     time.Duration
	logger       *zap.Logger
}

func NewStreamHandler(svc *chat.Service, writeTimeout, pongWait time.Duration, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Tokens travel in the query string, not cookies, so a foreign
			// origin gains nothing from opening a socket.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		pongWait:     pongWait,
		logger:       logger,
	}
}

// Subscribe handles GET /v1/chats/:id/subscribe
//
// Membership and bus readiness are checked before the upgrade so refusals
// arrive as ordinary HTTP errors.
func (h *StreamHandler) Subscribe(c *gin.Context) {
	chatID, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID := middleware.GetUserID(c)

	stream, err := h.svc.Subscribe(c.Request.Context(), chatID, userID)
	if err != nil {
		writeError(c, h.logger, "subscribe", err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already answered the client
		_ = stream.Close()
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	logger := h.logger.With(zap.Stringer("chat_id", chatID), zap.Stringer("user_id", userID))
	logger.Debug("stream opened")
	h.relay(c.Request.Context(), conn, stream, logger)
	logger.Debug("stream closed")
}

// relay forwards events until the client goes away, the subscription ends,
// or a write fails. The consumer is closed on every exit path.
func (h *StreamHandler) relay(ctx context.Context, conn *websocket.Conn, stream *chat.Stream, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()
	defer stream.Close()

	go h.readControl(conn, cancel)
	go h.keepAlive(ctx, conn, cancel)

	for {
		evt, err := stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, pubsub.ErrSlowConsumer):
				logger.Warn("closing stream of slow consumer")
				h.closeWith(conn, websocket.CloseTryAgainLater, "too far behind, resubscribe")
			case errors.Is(err, pubsub.ErrClosed):
				h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			}
			return
		}

		payload, err := json.Marshal(evt)
		if err != nil {
			logger.Error("encode event", zap.Error(err))
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.Debug("write to client failed", zap.Error(err))
			return
		}
	}
}

// readControl drains incoming frames so pong and close handlers run. A read
// error, including a missed pong deadline, means the client is gone.
func (h *StreamHandler) readControl(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// keepAlive pings at 9/10 of the pong wait. WriteControl may run
// concurrently with the data writes in relay.
func (h *StreamHandler) keepAlive(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(h.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				cancel()
				return
			}
		}
	}
}

func (h *StreamHandler) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
}
