package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chorus/services/realtime-gateway/models"
	"chorus/services/realtime-gateway/services"
	"chorus/services/realtime-gateway/utils"
)

type MessageHandler struct {
	paginator *services.Paginator
	logger    *utils.Logger
}

func NewMessageHandler(paginator *services.Paginator, logger *utils.Logger) *MessageHandler {
	return &MessageHandler{
		paginator: paginator,
		logger:    logger,
	}
}

// ListMessages handles GET /api/v1/conversations/:id/messages
func (h *MessageHandler) ListMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be an integer",
			})
			return
		}
		limit = n
	}

	req := models.MessagePageRequest{
		ConversationID: c.Param("id"),
		Before:         c.Query("before"),
		Cursor:         c.Query("cursor"),
		After:          c.Query("after"),
		Limit:          limit,
	}

	page, err := h.paginator.Page(c.Request.Context(), c.GetString("userID"), req)
	if err != nil {
		respondError(c, h.logger, "Failed to fetch messages", err)
		return
	}

	c.JSON(http.StatusOK, page)
}
