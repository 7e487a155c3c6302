package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"chorus/services/realtime-gateway/models"
	"chorus/services/realtime-gateway/utils"
)

const typingKeyPrefix = "typing:"

// TypingService tracks one short-lived marker per (conversation, user).
// Markers expire on their own; there is no sweeper.
type TypingService struct {
	store        *EphemeralStore
	participants ParticipantStore
	router       *Router
	ttl          time.Duration
	logger       *utils.Logger
	metrics      *Metrics
}

func NewTypingService(store *EphemeralStore, participants ParticipantStore, router *Router, ttl time.Duration, logger *utils.Logger, metrics *Metrics) *TypingService {
	return &TypingService{
		store:        store,
		participants: participants,
		router:       router,
		ttl:          ttl,
		logger:       logger,
		metrics:      metrics,
	}
}

// Start marks the user as typing and tells the rest of the conversation.
// Non-participants are ignored without an error.
func (ts *TypingService) Start(ctx context.Context, conversationID, userID, connectionID string) error {
	ok, err := ts.authorized(ctx, conversationID, userID)
	if err != nil || !ok {
		return err
	}

	if _, err := ts.store.SetWithTTL(ctx, typingKey(conversationID, userID), "1", ts.ttl); err != nil {
		return fmt.Errorf("failed to set typing marker: %w", err)
	}
	ts.metrics.TypingEvents.WithLabelValues("start").Inc()

	ts.broadcast(ctx, conversationID, userID, connectionID, true)
	return nil
}

// Stop clears the marker. The stop is only broadcast when a marker was
// actually cleared.
func (ts *TypingService) Stop(ctx context.Context, conversationID, userID, connectionID string) error {
	ok, err := ts.authorized(ctx, conversationID, userID)
	if err != nil || !ok {
		return err
	}

	existed, err := ts.store.DeleteIfExists(ctx, typingKey(conversationID, userID))
	if err != nil {
		return fmt.Errorf("failed to clear typing marker: %w", err)
	}
	if !existed {
		ts.metrics.TypingEvents.WithLabelValues("stop_noop").Inc()
		return nil
	}
	ts.metrics.TypingEvents.WithLabelValues("stop").Inc()

	ts.broadcast(ctx, conversationID, userID, connectionID, false)
	return nil
}

// IsTyping reports whether the user currently holds a live marker.
func (ts *TypingService) IsTyping(ctx context.Context, conversationID, userID string) (bool, error) {
	_, found, err := ts.store.Get(ctx, typingKey(conversationID, userID))
	return found, err
}

// Typists lists the users typing in a conversation, for a participant caller.
func (ts *TypingService) Typists(ctx context.Context, conversationID, callerID string) ([]string, error) {
	ok, err := ts.participants.IsParticipant(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	prefix := typingKey(conversationID, "")
	keys, err := ts.store.ScanPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list typists: %w", err)
	}
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		users = append(users, strings.TrimPrefix(key, prefix))
	}
	return users, nil
}

func (ts *TypingService) authorized(ctx context.Context, conversationID, userID string) (bool, error) {
	ok, err := ts.participants.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to authorize typing: %w", err)
	}
	if !ok {
		ts.metrics.TypingEvents.WithLabelValues("denied").Inc()
		ts.logger.Debug("Ignoring typing from non-participant", "conversation_id", conversationID, "user_id", userID)
	}
	return ok, nil
}

func (ts *TypingService) broadcast(ctx context.Context, conversationID, userID, connectionID string, typing bool) {
	payload := models.TypingUpdatePayload{
		UserID:         userID,
		ConversationID: conversationID,
		IsTyping:       typing,
	}
	// Failures are logged per room by the router.
	_ = ts.router.BroadcastToRooms(ctx, []string{conversationID}, models.EventTypingUpdate, payload, connectionID)
}

// typingKey escapes the conversation id so it never contains the ':'
// separator; a conversation's prefix cannot then match another conversation.
func typingKey(conversationID, userID string) string {
	return typingKeyPrefix + url.QueryEscape(conversationID) + ":" + userID
}
