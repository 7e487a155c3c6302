package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chorus/services/realtime-gateway/config"
	"chorus/services/realtime-gateway/models"
	"chorus/services/realtime-gateway/utils"
)

const (
	presenceKeyPrefix = "presence:"
	connsKeyPrefix    = "conns:"
)

// PresenceService keeps the per-user online projection in the ephemeral
// store: a user is online iff the presence flag exists, and the flag exists
// iff the user has at least one registered connection (modulo the TTL grace
// window in heartbeat mode).
type PresenceService struct {
	store   *EphemeralStore
	router  *Router
	mode    config.PresenceMode
	ttl     time.Duration
	logger  *utils.Logger
	metrics *Metrics
}

// NewPresenceService fixes the presence mode for the lifetime of the process.
// ttl is ignored in persistent mode.
func NewPresenceService(store *EphemeralStore, router *Router, mode config.PresenceMode, ttl time.Duration, logger *utils.Logger, metrics *Metrics) *PresenceService {
	if mode == config.PresenceModePersistent {
		ttl = 0
	}
	return &PresenceService{
		store:   store,
		router:  router,
		mode:    mode,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

func (ps *PresenceService) Mode() config.PresenceMode {
	return ps.mode
}

// MarkOnline sets or refreshes the presence flag. It reports true when the
// user was not online before the call.
func (ps *PresenceService) MarkOnline(ctx context.Context, userID string) (bool, error) {
	existed, err := ps.store.SetWithTTL(ctx, presenceKey(userID), "1", ps.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s online: %w", userID, err)
	}
	if !existed {
		ps.metrics.PresenceTransitions.WithLabelValues("online").Inc()
	}
	return !existed, nil
}

// MarkOffline deletes the presence flag regardless of its TTL. It reports
// true when the user was online before the call.
func (ps *PresenceService) MarkOffline(ctx context.Context, userID string) (bool, error) {
	existed, err := ps.store.DeleteIfExists(ctx, presenceKey(userID))
	if err != nil {
		return false, fmt.Errorf("failed to mark %s offline: %w", userID, err)
	}
	if existed {
		ps.metrics.PresenceTransitions.WithLabelValues("offline").Inc()
	}
	return existed, nil
}

// Heartbeat re-arms the presence flag and puts the connection back into the
// registry, which may have expired or missed the connection at open.
func (ps *PresenceService) Heartbeat(ctx context.Context, userID, connectionID string) (bool, error) {
	changed, err := ps.MarkOnline(ctx, userID)
	if err != nil {
		return false, err
	}
	if err := ps.Register(ctx, userID, connectionID); err != nil {
		ps.logger.Warn("Failed to refresh connection registry", "user_id", userID, "connection_id", connectionID, "error", err)
	}
	return changed, nil
}

func (ps *PresenceService) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, found, err := ps.store.Get(ctx, presenceKey(userID))
	if err != nil {
		return false, fmt.Errorf("failed to read presence for %s: %w", userID, err)
	}
	return found, nil
}

// OnlineUsers lists every user with a live presence flag.
func (ps *PresenceService) OnlineUsers(ctx context.Context) ([]string, error) {
	keys, err := ps.store.ScanPrefix(ctx, presenceKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		users = append(users, strings.TrimPrefix(key, presenceKeyPrefix))
	}
	return users, nil
}

// Register adds a connection to the user's registry.
func (ps *PresenceService) Register(ctx context.Context, userID, connectionID string) error {
	if err := ps.store.AddToSet(ctx, connsKey(userID), connectionID); err != nil {
		return fmt.Errorf("failed to register connection %s: %w", connectionID, err)
	}
	if ps.ttl > 0 {
		if _, err := ps.store.RefreshTTL(ctx, connsKey(userID), ps.registryTTL()); err != nil {
			ps.logger.Warn("Failed to arm connection registry expiry", "user_id", userID, "error", err)
		}
	}
	return nil
}

// Unregister removes a connection and reports whether the user has no
// registered connections left. The removal and the remaining count are read
// in one atomic step, so of several connections closing at once exactly one
// sees the set empty. A connection missing from the registry still counts:
// the caller's MarkOffline is check-and-delete, so a repeated true never
// produces a second offline transition.
func (ps *PresenceService) Unregister(ctx context.Context, userID, connectionID string) (bool, error) {
	_, remaining, err := ps.store.RemoveFromSet(ctx, connsKey(userID), connectionID)
	if err != nil {
		return false, fmt.Errorf("failed to unregister connection %s: %w", connectionID, err)
	}
	return remaining == 0, nil
}

// Announce broadcasts a presence transition to the user's conversation rooms.
func (ps *PresenceService) Announce(ctx context.Context, userID string, rooms []string, online bool) error {
	if len(rooms) == 0 {
		return nil
	}
	payload := models.PresenceChangedPayload{
		UserID:    userID,
		IsOnline:  online,
		Timestamp: time.Now().UTC(),
	}
	return ps.router.BroadcastToRooms(ctx, rooms, models.EventPresenceChanged, payload, "")
}

// registryTTL keeps a crashed instance's registry entries from outliving
// the presence flag for long.
func (ps *PresenceService) registryTTL() time.Duration {
	return 2 * ps.ttl
}

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

func connsKey(userID string) string {
	return connsKeyPrefix + userID
}
