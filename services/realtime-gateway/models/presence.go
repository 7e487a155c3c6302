package models

// PresenceStatusResponse answers an isOnline lookup.
type PresenceStatusResponse struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type PresenceBatchResponse struct {
	Users []PresenceStatusResponse `json:"users"`
}

type OnlineUsersResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

type TypingUsersResponse struct {
	ConversationID string   `json:"conversationId"`
	Users          []string `json:"users"`
}
