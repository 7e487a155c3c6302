package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chorus/services/realtime-gateway/models"
	"chorus/services/realtime-gateway/utils"
)

const sessionKeyPrefix = "session:"

type ConnectionState int32

const (
	StateAuthenticating ConnectionState = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// Handshake is the metadata a client presents when opening a connection.
// SessionID names the connection being resumed, if any.
type Handshake struct {
	Token      string
	SessionID  string
	RemoteAddr string
}

// Disconnecter is implemented by peers whose transport the server can close.
type Disconnecter interface {
	Disconnect(reason string)
}

// Authenticator verifies a handshake and returns the user it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, hs Handshake) (string, error)
}

type ConnectionOptions struct {
	// SessionRecovery is how long a closed connection can be resumed
	// without a sync. Zero disables recovery.
	SessionRecovery time.Duration
}

type eventHandler func(ctx context.Context, s *Session, data json.RawMessage) error

// Session is one authenticated connection. Events from one session are
// handled in the order the transport delivers them.
type Session struct {
	id       string
	userID   string
	peer     Peer
	rooms    []string
	state    atomic.Int32
	handlers map[string]eventHandler
	logger   *utils.Logger
}

func (s *Session) ID() string      { return s.id }
func (s *Session) UserID() string  { return s.userID }
func (s *Session) Rooms() []string { return s.rooms }

func (s *Session) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// ConnectionManager drives each connection through
// Authenticating -> Connected -> Disconnecting -> Closed.
type ConnectionManager struct {
	auth     Authenticator
	presence *PresenceService
	typing   *TypingService
	router   *Router
	store    *EphemeralStore
	opts     ConnectionOptions
	logger   *utils.Logger
	metrics  *Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewConnectionManager(auth Authenticator, presence *PresenceService, typing *TypingService, router *Router, store *EphemeralStore, opts ConnectionOptions, logger *utils.Logger, metrics *Metrics) *ConnectionManager {
	return &ConnectionManager{
		auth:     auth,
		presence: presence,
		typing:   typing,
		router:   router,
		store:    store,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Open authenticates peer and brings it to the connected state. The peer's
// id is the connection id. On an authentication failure nothing is written.
func (cm *ConnectionManager) Open(ctx context.Context, hs Handshake, peer Peer) (*Session, error) {
	userID, err := cm.auth.Authenticate(ctx, hs)
	if err != nil {
		cm.metrics.Connections.WithLabelValues("rejected").Inc()
		if errors.Is(err, ErrAuthenticationFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	sess := &Session{
		id:     peer.ID(),
		userID: userID,
		peer:   peer,
		logger: cm.logger.With("connection_id", peer.ID(), "user_id", userID),
	}
	sess.state.Store(int32(StateAuthenticating))

	if err := cm.presence.Register(ctx, userID, sess.id); err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			cm.metrics.Connections.WithLabelValues("failed").Inc()
			return nil, err
		}
		sess.logger.Warn("Connection registry unavailable", "error", err)
	}

	changed, err := cm.presence.MarkOnline(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			cm.abort(ctx, sess)
			return nil, err
		}
		sess.logger.Warn("Presence temporarily unknown", "error", err)
	}

	rooms, err := cm.router.JoinAllRoomsFor(ctx, peer, userID)
	if err != nil {
		cm.abort(ctx, sess)
		return nil, err
	}
	sess.rooms = rooms

	// Handlers go live before the client hears it is authenticated.
	sess.handlers = cm.handlers()
	sess.state.Store(int32(StateConnected))
	cm.track(sess)
	cm.metrics.ActiveConnections.Inc()
	cm.metrics.Connections.WithLabelValues("accepted").Inc()

	cm.send(sess, models.EventAuthenticated, models.AuthenticatedPayload{
		UserID:       userID,
		ConnectionID: sess.id,
		Timestamp:    time.Now().UTC(),
	})

	if !cm.recovered(ctx, sess, hs.SessionID) && len(rooms) > 0 {
		cm.send(sess, models.EventSyncRequired, models.SyncRequiredPayload{ConversationIDs: rooms})
	}

	if changed {
		_ = cm.presence.Announce(ctx, userID, rooms, true)
	}

	sess.logger.Info("Connection established", "rooms", len(rooms), "remote_addr", hs.RemoteAddr)
	return sess, nil
}

// Dispatch handles one client event. Events arriving outside the connected
// state are dropped.
func (cm *ConnectionManager) Dispatch(ctx context.Context, sess *Session, env models.Envelope) {
	if sess.State() != StateConnected {
		sess.logger.Debug("Dropping event outside connected state", "event", env.Event, "state", sess.State().String())
		return
	}

	handler, ok := sess.handlers[env.Event]
	if !ok {
		cm.send(sess, models.EventError, models.ErrorPayload{Message: "unknown event: " + env.Event})
		return
	}

	if err := handler(ctx, sess, env.Data); err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			cm.send(sess, models.EventError, models.ErrorPayload{Message: err.Error()})
			return
		}
		sess.logger.Warn("Event handling failed", "event", env.Event, "error", err)
	}
}

// Close tears the session down. It is safe to call more than once; only the
// first call has an effect.
func (cm *ConnectionManager) Close(ctx context.Context, sess *Session) {
	if !sess.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		return
	}
	cm.untrack(sess)
	cm.metrics.ActiveConnections.Dec()

	cm.router.LeaveAll(sess.peer)

	last, err := cm.presence.Unregister(ctx, sess.userID, sess.id)
	if err != nil {
		sess.logger.Warn("Failed to unregister connection", "error", err)
	}
	if last {
		changed, err := cm.presence.MarkOffline(ctx, sess.userID)
		if err != nil {
			sess.logger.Warn("Failed to mark user offline", "error", err)
		}
		if changed {
			_ = cm.presence.Announce(ctx, sess.userID, sess.rooms, false)
		}
	}

	if cm.opts.SessionRecovery > 0 {
		if _, err := cm.store.SetWithTTL(ctx, sessionKey(sess.id), sess.userID, cm.opts.SessionRecovery); err != nil {
			sess.logger.Warn("Failed to store session recovery marker", "error", err)
		}
	}

	sess.state.Store(int32(StateClosed))
	sess.logger.Info("Connection closed", "last_connection", last)
}

// Shutdown closes every open session and disconnects its transport. It
// stops early when ctx is done and returns the number of sessions closed.
func (cm *ConnectionManager) Shutdown(ctx context.Context) int {
	cm.mu.Lock()
	open := make([]*Session, 0, len(cm.sessions))
	for _, sess := range cm.sessions {
		open = append(open, sess)
	}
	cm.mu.Unlock()

	closed := 0
	for _, sess := range open {
		if ctx.Err() != nil {
			cm.logger.Warn("Shutdown deadline reached with sessions open", "remaining", len(open)-closed)
			break
		}
		cm.Close(ctx, sess)
		if d, ok := sess.peer.(Disconnecter); ok {
			d.Disconnect("server shutting down")
		}
		closed++
	}
	return closed
}

// OpenSessions returns the number of sessions in the connected state.
func (cm *ConnectionManager) OpenSessions() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.sessions)
}

func (cm *ConnectionManager) track(sess *Session) {
	cm.mu.Lock()
	cm.sessions[sess.id] = sess
	cm.mu.Unlock()
}

func (cm *ConnectionManager) untrack(sess *Session) {
	cm.mu.Lock()
	delete(cm.sessions, sess.id)
	cm.mu.Unlock()
}

// abort undoes a partially opened connection. No online transition has been
// announced yet, so none is retracted.
func (cm *ConnectionManager) abort(ctx context.Context, sess *Session) {
	cm.metrics.Connections.WithLabelValues("failed").Inc()
	cm.router.LeaveAll(sess.peer)

	last, err := cm.presence.Unregister(ctx, sess.userID, sess.id)
	if err != nil {
		sess.logger.Warn("Failed to unregister aborted connection", "error", err)
		return
	}
	if last {
		if _, err := cm.presence.MarkOffline(ctx, sess.userID); err != nil {
			sess.logger.Warn("Failed to clear presence for aborted connection", "error", err)
		}
	}
	sess.state.Store(int32(StateClosed))
}

// recovered consumes the recovery marker of a previous connection and
// reports whether it belonged to the same user.
func (cm *ConnectionManager) recovered(ctx context.Context, sess *Session, previousID string) bool {
	if cm.opts.SessionRecovery <= 0 || previousID == "" {
		return false
	}
	owner, found, err := cm.store.Take(ctx, sessionKey(previousID))
	if err != nil {
		sess.logger.Warn("Session recovery lookup failed", "previous_connection_id", previousID, "error", err)
		return false
	}
	return found && owner == sess.userID
}

func (cm *ConnectionManager) handlers() map[string]eventHandler {
	return map[string]eventHandler{
		models.EventHeartbeat:   cm.onHeartbeat,
		models.EventUserAway:    cm.onAway,
		models.EventTypingStart: cm.onTypingStart,
		models.EventTypingStop:  cm.onTypingStop,
	}
}

func (cm *ConnectionManager) onHeartbeat(ctx context.Context, s *Session, _ json.RawMessage) error {
	changed, err := cm.presence.Heartbeat(ctx, s.userID, s.id)
	if err != nil {
		return err
	}
	if changed {
		_ = cm.presence.Announce(ctx, s.userID, s.rooms, true)
	}
	return nil
}

func (cm *ConnectionManager) onAway(ctx context.Context, s *Session, _ json.RawMessage) error {
	changed, err := cm.presence.MarkOffline(ctx, s.userID)
	if err != nil {
		return err
	}
	if changed {
		_ = cm.presence.Announce(ctx, s.userID, s.rooms, false)
	}
	return nil
}

func (cm *ConnectionManager) onTypingStart(ctx context.Context, s *Session, data json.RawMessage) error {
	req, err := decodeTyping(data)
	if err != nil {
		return err
	}
	return cm.typing.Start(ctx, req.ConversationID, s.userID, s.id)
}

func (cm *ConnectionManager) onTypingStop(ctx context.Context, s *Session, data json.RawMessage) error {
	req, err := decodeTyping(data)
	if err != nil {
		return err
	}
	return cm.typing.Stop(ctx, req.ConversationID, s.userID, s.id)
}

func decodeTyping(data json.RawMessage) (models.TypingRequest, error) {
	var req models.TypingRequest
	if len(data) == 0 {
		return req, fmt.Errorf("%w: conversationId is required", ErrInvalidRequest)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: invalid typing payload", ErrInvalidRequest)
	}
	if req.ConversationID == "" {
		return req, fmt.Errorf("%w: conversationId is required", ErrInvalidRequest)
	}
	return req, nil
}

func (cm *ConnectionManager) send(sess *Session, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		sess.logger.Error("Failed to marshal event", "event", event, "error", err)
		return
	}
	if err := sess.peer.Send(models.Envelope{Event: event, Data: data}); err != nil {
		sess.logger.Warn("Failed to send event", "event", event, "error", err)
	}
}

func sessionKey(connectionID string) string {
	return sessionKeyPrefix + connectionID
}
