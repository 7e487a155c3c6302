package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Conversation is owned by the conversation CRUD path; this service only reads it.
type Conversation struct {
	ID        string    `json:"id" gorm:"type:varchar(64);primaryKey"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"isGroup" gorm:"default:false"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// ConversationParticipant links a user to a conversation.
type ConversationParticipant struct {
	ConversationID string    `json:"conversationId" gorm:"type:varchar(64);primaryKey"`
	UserID         string    `json:"userId" gorm:"type:varchar(64);primaryKey;index"`
	JoinedAt       time.Time `json:"joinedAt" gorm:"autoCreateTime"`
}

func (ConversationParticipant) TableName() string {
	return "conversation_participants"
}

// Message rows are appended by the message-send path. CreatedAt is stored
// in UTC at millisecond precision so that it round-trips through a cursor.
type Message struct {
	ID             string    `json:"id" gorm:"type:varchar(64);primaryKey;index:idx_messages_page,priority:3"`
	ConversationID string    `json:"conversationId" gorm:"type:varchar(64);not null;index:idx_messages_page,priority:1"`
	SenderID       string    `json:"senderId" gorm:"type:varchar(64);not null"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt" gorm:"not null;index:idx_messages_page,priority:2"`
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC().Truncate(time.Millisecond)
	return nil
}
