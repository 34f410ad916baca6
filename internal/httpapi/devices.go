package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/realb/realtime/internal/model"
)

type deviceRegistration struct {
	DeviceToken string `json:"device_token" binding:"required"`
	Platform    string `json:"platform" binding:"required"`
	AppVersion  string `json:"app_version"`
	DeviceName  string `json:"device_name"`
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req deviceRegistration
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid body"})
		return
	}

	claims := currentClaims(c)
	userID, err := strconv.ParseUint(claims.UserID, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid user id"})
		return
	}

	err = h.Store.RegisterDevice(c.Request.Context(), uint(userID), model.UserDevice{
		DeviceToken: req.DeviceToken,
		Platform:    string(model.NormalizePlatform(req.Platform)),
		AppVersion:  req.AppVersion,
		DeviceName:  req.DeviceName,
	})
	if err != nil {
		zap.S().Errorw("register device", "user", claims.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "registration failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Device registered successfully"})
}

func (h *Handler) VerifyDeviceToken(c *gin.Context) {
	var req deviceRegistration
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid body"})
		return
	}

	claims := currentClaims(c)
	userID, err := strconv.ParseUint(claims.UserID, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid user id"})
		return
	}

	registered, err := h.Store.DeviceRegistered(c.Request.Context(), uint(userID), req.DeviceToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": registered})
}

// OnlineCouriers reports connected delivery users in the legacy map shape the
// ops dashboard expects.
func (h *Handler) OnlineCouriers(c *gin.Context) {
	result := gin.H{}
	for _, userID := range h.Registry.ListByRole(model.RoleDeliver) {
		s := h.Registry.Get(userID)
		if s == nil {
			continue
		}
		meta := s.Meta()
		result[userID] = gin.H{
			"user_id":               userID,
			"username":              meta.Username,
			"role":                  meta.Role.String(),
			"notifications_enabled": meta.NotificationsEnabled,
			"status":                meta.Status,
			"last_seen":             s.LastSeen(),
		}
	}
	c.JSON(http.StatusOK, result)
}
