package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/syncchannel"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	websocketAuthTimeout  = 10 * time.Second
	websocketWriteTimeout = 10 * time.Second
	websocketPingInterval = 30 * time.Second
	websocketIdleTimeout  = 2 * websocketPingInterval
)

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleWebSocket authenticates a push connection from its first frame, acknowledges it and then forwards
// the caller's events.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	conn, err := websocketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	userID, clientID, ok := h.authenticateSocket(conn)
	if !ok {
		return
	}
	logger := h.logger.With(zap.String("user_id", userID), zap.String("client_id", clientID))
	logger.Info("push connection opened")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	// the ack follows the subscription so no event published after it is lost.
	_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
	if err := conn.WriteJSON(h.event(threads.EventConnected, "", "")); err != nil {
		return
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		drainSocket(conn)
	}()

	ticker := time.NewTicker(websocketPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("push connection closed")
			conn.Close()
			<-readerDone
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug("push write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(websocketWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug("push ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *httpHandler) authenticateSocket(conn *websocket.Conn) (string, string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(websocketAuthTimeout))
	var frame syncchannel.AuthFrame
	if err := conn.ReadJSON(&frame); err != nil {
		h.logger.Debug("push auth frame unreadable", zap.Error(err))
		h.rejectSocket(conn, "invalid_auth_frame")
		return "", "", false
	}
	token := strings.TrimSpace(frame.Token)
	if token == "" {
		h.rejectSocket(conn, "unauthorized")
		return "", "", false
	}
	userID, err := h.validateToken(token)
	if err != nil {
		h.rejectSocket(conn, "unauthorized")
		return "", "", false
	}
	return userID, frame.ClientID, true
}

func (h *httpHandler) rejectSocket(conn *websocket.Conn, reason string) {
	event := h.event(threads.EventError, "", "")
	event.Message = reason
	_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
	_ = conn.WriteJSON(event)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

// drainSocket discards inbound frames so control frames are processed, until the peer goes away.
func drainSocket(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(websocketIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(websocketIdleTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(websocketIdleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(websocketWriteTimeout))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
