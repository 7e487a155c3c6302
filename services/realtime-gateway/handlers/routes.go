package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/services/realtime-gateway/middleware"
)

// Routes is the HTTP surface of the gateway.
type Routes struct {
	Verifier  *middleware.TokenVerifier
	WebSocket *WebSocketHandler
	Messages  *MessageHandler
	Presence  *PresenceHandler
	Health    *HealthHandler
	Metrics   http.Handler
}

func (rt Routes) Register(router *gin.Engine) {
	// Health check endpoints
	router.GET("/health", rt.Health.Health)
	router.GET("/ready", rt.Health.Ready)
	if rt.Metrics != nil {
		router.GET("/metrics", gin.WrapH(rt.Metrics))
	}

	// The websocket authenticates inside the handshake so that a rejected
	// token gets a close frame rather than an HTTP error.
	router.GET("/ws", rt.WebSocket.ServeWS)

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTAuth(rt.Verifier))
	{
		conversations := v1.Group("/conversations")
		{
			conversations.GET("/:id/messages", rt.Messages.ListMessages)
			conversations.GET("/:id/typing", rt.Presence.GetTypists)
		}

		presence := v1.Group("/presence")
		{
			presence.GET("", rt.Presence.GetBatch)
			presence.GET("/online", rt.Presence.GetOnlineUsers)
			presence.GET("/users/:userId", rt.Presence.GetStatus)
		}
	}
}
