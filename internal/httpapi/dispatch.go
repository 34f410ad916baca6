package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/realb/realtime/internal/model"
	"github.com/realb/realtime/internal/notify"
)

type dispatchRequest struct {
	Type       string            `json:"type" binding:"required"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data"`
	Roles      []string          `json:"roles"`
	UserIDs    []string          `json:"user_ids"`
	ExcludeIDs []string          `json:"exclude_ids"`
}

// AdminNotify is the ops trigger for a dispatch, mirroring the in-process
// entry point business events use.
func (h *Handler) AdminNotify(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid body"})
		return
	}

	roles := make([]model.Role, 0, len(req.Roles))
	for _, r := range req.Roles {
		roles = append(roles, model.NormalizeRole(r))
	}

	msg := notify.NewCustom(req.Type, req.Title, req.Body, req.Data)
	summary := h.Dispatcher.Notify(c.Request.Context(), msg, roles, req.UserIDs, req.ExcludeIDs)

	c.JSON(http.StatusOK, gin.H{
		"message_id":   msg.ID(),
		"channel_sent": summary.ChannelSent,
		"push_sent":    summary.PushSent,
		"failed":       summary.Failed,
		"total":        summary.Total,
	})
}
