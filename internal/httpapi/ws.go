package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/realb/realtime/internal/registry"
)

// WebSocketNotifications accepts the duplex handshake, authenticates the
// token from the query string and registers the session. Authentication
// failures close the socket with 1008 and a reason the client can show; the
// failure is never visible to other users.
func (h *Handler) WebSocketNotifications(c *gin.Context) {
	log := zap.S().With("method", "WebSocketNotifications", "remote", c.ClientIP())

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("upgrade:", err)
		return
	}

	token := c.Query("token")
	if token == "" {
		rejectConn(conn, "token missing")
		return
	}

	claims, err := h.Verifier.Verify(token)
	if err != nil {
		log.Warn("verify:", err)
		rejectConn(conn, "invalid token")
		return
	}

	meta, err := h.Store.UserMeta(c.Request.Context(), claims.UserID)
	if err != nil {
		log.Warnw("user lookup", "user", claims.UserID, "error", err)
		rejectConn(conn, "user not found")
		return
	}

	if _, err := h.Registry.Connect(conn, claims.UserID, registry.Metadata{
		Role:                 meta.Role,
		Username:             meta.Username,
		NotificationsEnabled: meta.NotificationsEnabled,
		Status:               "online",
	}); err != nil {
		log.Errorw("connect", "user", claims.UserID, "error", err)
		rejectConn(conn, "connection error")
		return
	}

	h.Registry.SendJSON(claims.UserID, gin.H{
		"type":                  "connection_status",
		"status":                "connected",
		"role":                  meta.Role.String(),
		"notifications_enabled": meta.NotificationsEnabled,
	})
}

func rejectConn(conn *websocket.Conn, reason string) {
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	conn.Close()
}
