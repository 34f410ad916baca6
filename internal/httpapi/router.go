// Package httpapi exposes the duplex endpoint and the thin collaborator
// surfaces around it: notification preferences, device registration and the
// ops dispatch trigger.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/realb/realtime/internal/auth"
	"github.com/realb/realtime/internal/notify"
	"github.com/realb/realtime/internal/registry"
	"github.com/realb/realtime/internal/store"
)

type Handler struct {
	Verifier   *auth.Verifier
	Store      *store.Store
	Registry   *registry.Registry
	Dispatcher *notify.Dispatcher

	upgrader websocket.Upgrader
}

func NewHandler(verifier *auth.Verifier, st *store.Store, reg *registry.Registry, dispatcher *notify.Dispatcher, readBufferSize, writeBufferSize int) *Handler {
	h := &Handler{
		Verifier:   verifier,
		Store:      st,
		Registry:   reg,
		Dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
		},
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	return h
}

func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	r.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	r.GET("/ws/notifications", h.WebSocketNotifications)

	api := r.Group("/api")
	api.Use(h.authRequired())
	api.GET("/notification_preference", h.GetNotificationPreference)
	api.POST("/notification_preference", h.UpdateNotificationPreference)
	api.POST("/register_device", h.RegisterDevice)
	api.POST("/verify_device_token", h.VerifyDeviceToken)
	api.GET("/online/couriers", h.OnlineCouriers)
	api.POST("/notify", h.adminRequired(), h.AdminNotify)

	return r
}

const claimsKey = "claims"

func (h *Handler) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing bearer token"})
			return
		}
		claims, err := h.Verifier.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func (h *Handler) adminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := currentClaims(c)
		meta, err := h.Store.UserMeta(c.Request.Context(), claims.UserID)
		if err != nil || meta.Role.String() != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "admin only"})
			return
		}
		c.Next()
	}
}

func currentClaims(c *gin.Context) auth.Claims {
	v, _ := c.Get(claimsKey)
	claims, _ := v.(auth.Claims)
	return claims
}
