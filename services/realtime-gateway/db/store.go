package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"chorus/services/realtime-gateway/models"
)

// Store serves the read-only durable lookups the realtime layer needs:
// conversation participation and ordered message ranges.
type Store struct {
	db        *gorm.DB
	createdAt string
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, createdAt: cursorTimeColumn(db.Dialector.Name())}
}

// cursorTimeColumn is the created_at expression pages are ordered and bounded
// on. Cursors carry milliseconds, but rows written outside this service may
// hold microseconds in Postgres; comparing on the truncated value keeps rows
// inside one millisecond from being skipped at a page boundary.
func cursorTimeColumn(dialect string) string {
	if dialect == "postgres" {
		return "date_trunc('milliseconds', created_at)"
	}
	return "created_at"
}

// ConversationIDsForUser returns every conversation the user participates in.
func (s *Store) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("user_id = ?", userID).
		Order("conversation_id").
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations for user %s: %w", userID, err)
	}
	return ids, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check participant %s in %s: %w", userID, conversationID, err)
	}
	return count > 0, nil
}

// RangeMessages reads at most q.Limit messages ordered by (created_at, id),
// ascending when q.Forward and descending otherwise. The bound is exclusive.
func (s *Store) RangeMessages(ctx context.Context, q models.MessageRangeQuery) ([]models.Message, error) {
	query := s.db.WithContext(ctx).Where("conversation_id = ?", q.ConversationID)

	col := s.createdAt
	order := col + " DESC, id DESC"
	if q.Forward {
		order = col + " ASC, id ASC"
	}

	if q.HasBound {
		cmp, tie := "<", "<"
		if q.Forward {
			cmp, tie = ">", ">"
		}
		query = query.Where(
			fmt.Sprintf("(%s %s ? OR (%s = ? AND id %s ?))", col, cmp, col, tie),
			q.BoundTime, q.BoundTime, q.BoundID,
		)
	}

	var messages []models.Message
	if err := query.Order(order).Limit(q.Limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to range messages in %s: %w", q.ConversationID, err)
	}
	return messages, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
