package models

import (
	"encoding/json"
	"time"
)

// Client to server events.
const (
	EventHeartbeat   = "heartbeat"
	EventUserAway    = "user:away"
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
)

// Server to client events.
const (
	EventAuthenticated   = "authenticated"
	EventPresenceChanged = "presence:changed"
	EventTypingUpdate    = "typing:update"
	EventSyncRequired    = "sync:required"
	EventError           = "error"
)

// Envelope is the frame exchanged over a websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId"`
}

type AuthenticatedPayload struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

type PresenceChangedPayload struct {
	UserID    string    `json:"userId"`
	IsOnline  bool      `json:"isOnline"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingUpdatePayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type SyncRequiredPayload struct {
	ConversationIDs []string `json:"conversationIds"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
