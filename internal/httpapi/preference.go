package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type preferenceRequest struct {
	Enabled        bool   `json:"enabled"`
	PreferenceType string `json:"preference_type"`
}

func (h *Handler) GetNotificationPreference(c *gin.Context) {
	claims := currentClaims(c)
	meta, err := h.Store.UserMeta(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": meta.NotificationsEnabled})
}

// UpdateNotificationPreference is the out-of-band trigger for the
// notifications opt-in. The live session, if any, is updated in place so
// suppression applies immediately.
func (h *Handler) UpdateNotificationPreference(c *gin.Context) {
	var req preferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid body"})
		return
	}

	claims := currentClaims(c)
	if err := h.Store.UpdateNotificationPreference(c.Request.Context(), claims.UserID, req.Enabled); err != nil {
		zap.S().Errorw("update preference", "user", claims.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "update failed"})
		return
	}
	h.Registry.SetNotificationsEnabled(claims.UserID, req.Enabled)

	c.JSON(http.StatusOK, gin.H{
		"message": "Notification preference updated",
		"enabled": req.Enabled,
	})
}
