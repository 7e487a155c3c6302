package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"chorus/services/realtime-gateway/models"
	"chorus/services/realtime-gateway/services"
	"chorus/services/realtime-gateway/utils"
)

const maxBatchIDs = 100

type PresenceHandler struct {
	presence *services.PresenceService
	typing   *services.TypingService
	logger   *utils.Logger
}

func NewPresenceHandler(presence *services.PresenceService, typing *services.TypingService, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		presence: presence,
		typing:   typing,
		logger:   logger,
	}
}

// GetStatus handles GET /api/v1/presence/users/:userId
func (ph *PresenceHandler) GetStatus(c *gin.Context) {
	userID := c.Param("userId")

	isOnline, err := ph.presence.IsOnline(c.Request.Context(), userID)
	if err != nil {
		respondError(c, ph.logger, "Failed to get presence", err)
		return
	}

	c.JSON(http.StatusOK, models.PresenceStatusResponse{
		UserID:   userID,
		IsOnline: isOnline,
	})
}

// GetBatch handles GET /api/v1/presence?ids=a,b
func (ph *PresenceHandler) GetBatch(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "ids parameter is required",
		})
		return
	}
	if len(ids) > maxBatchIDs {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "too many ids",
		})
		return
	}

	response := models.PresenceBatchResponse{
		Users: make([]models.PresenceStatusResponse, 0, len(ids)),
	}
	for _, id := range ids {
		isOnline, err := ph.presence.IsOnline(c.Request.Context(), id)
		if err != nil {
			respondError(c, ph.logger, "Failed to get presence", err)
			return
		}
		response.Users = append(response.Users, models.PresenceStatusResponse{
			UserID:   id,
			IsOnline: isOnline,
		})
	}

	c.JSON(http.StatusOK, response)
}

// GetOnlineUsers handles GET /api/v1/presence/online
func (ph *PresenceHandler) GetOnlineUsers(c *gin.Context) {
	users, err := ph.presence.OnlineUsers(c.Request.Context())
	if err != nil {
		respondError(c, ph.logger, "Failed to get online users", err)
		return
	}

	c.JSON(http.StatusOK, models.OnlineUsersResponse{
		Count: len(users),
		Users: users,
	})
}

// GetTypists handles GET /api/v1/conversations/:id/typing
func (ph *PresenceHandler) GetTypists(c *gin.Context) {
	conversationID := c.Param("id")

	users, err := ph.typing.Typists(c.Request.Context(), conversationID, c.GetString("userID"))
	if err != nil {
		respondError(c, ph.logger, "Failed to get typing users", err)
		return
	}

	c.JSON(http.StatusOK, models.TypingUsersResponse{
		ConversationID: conversationID,
		Users:          users,
	})
}
