package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"chorus/services/realtime-gateway/models"
	"chorus/services/realtime-gateway/utils"
)

const roomChannelPrefix = "chorus:room:"

// Peer is one live connection as seen by the router.
type Peer interface {
	ID() string
	Send(env models.Envelope) error
}

// ParticipantStore is the durable participation relation.
type ParticipantStore interface {
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Delivery decides whether the sending connection receives its own event.
type Delivery int

const (
	DeliverToAll Delivery = iota
	ExcludeSender
)

// DefaultDeliveries is the per-event delivery policy. Typing is never echoed
// to the typist's connection; presence and messages reach every device.
var DefaultDeliveries = map[string]Delivery{
	models.EventPresenceChanged: DeliverToAll,
	models.EventTypingUpdate:    ExcludeSender,
}

// roomEnvelope carries a broadcast between gateway instances.
type roomEnvelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Exclude string          `json:"exclude,omitempty"`
}

// Router maps live connections onto one room per conversation and fans
// events out to rooms. Local sockets are delivered directly; other gateway
// instances receive the event over Redis pub/sub.
type Router struct {
	participants ParticipantStore
	redis        redis.UniversalClient
	instanceID   string
	deliveries   map[string]Delivery
	logger       *utils.Logger
	metrics      *Metrics

	mu      sync.RWMutex
	rooms   map[string]map[string]Peer  // room -> peer id -> peer
	members map[string]map[string]bool // peer id -> rooms

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates a router. A nil redis client keeps fan-out local to this process.
func NewRouter(participants ParticipantStore, client redis.UniversalClient, instanceID string, logger *utils.Logger, metrics *Metrics) *Router {
	deliveries := make(map[string]Delivery, len(DefaultDeliveries))
	for event, d := range DefaultDeliveries {
		deliveries[event] = d
	}
	return &Router{
		participants: participants,
		redis:        client,
		instanceID:   instanceID,
		deliveries:   deliveries,
		logger:       logger,
		metrics:      metrics,
		rooms:        make(map[string]map[string]Peer),
		members:      make(map[string]map[string]bool),
	}
}

// Start subscribes to remote broadcasts and returns once the subscription is live.
func (r *Router) Start(ctx context.Context) error {
	if r.redis == nil {
		return nil
	}
	listenCtx, cancel := context.WithCancel(ctx)

	pubsub := r.redis.PSubscribe(listenCtx, roomChannelPrefix+"*")
	if _, err := pubsub.Receive(listenCtx); err != nil {
		_ = pubsub.Close()
		cancel()
		return fmt.Errorf("failed to subscribe to room channels: %w", err)
	}
	r.pubsub, r.cancel = pubsub, cancel

	r.wg.Add(1)
	go r.listen(listenCtx, pubsub.Channel())

	r.logger.Info("Room router listening", "instance_id", r.instanceID)
	return nil
}

// Stop ends the remote subscription and waits for the listener to exit.
// Closing the subscription also stops the goroutine feeding its channel.
func (r *Router) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	if err := r.pubsub.Close(); err != nil {
		r.logger.Debug("Room subscription close", "error", err)
	}
	r.wg.Wait()
}

// JoinAllRoomsFor joins peer to the room of every conversation the user
// participates in and returns those conversation ids.
func (r *Router) JoinAllRoomsFor(ctx context.Context, peer Peer, userID string) ([]string, error) {
	ids, err := r.participants.ConversationIDsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations for %s: %w", userID, err)
	}
	for _, id := range ids {
		r.Join(peer, id)
	}
	return ids, nil
}

func (r *Router) Join(peer Peer, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]Peer)
	}
	r.rooms[room][peer.ID()] = peer
	if r.members[peer.ID()] == nil {
		r.members[peer.ID()] = make(map[string]bool)
	}
	r.members[peer.ID()][room] = true
}

// LeaveAll removes the peer from every room it joined.
func (r *Router) LeaveAll(peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.members[peer.ID()] {
		if peers, ok := r.rooms[room]; ok {
			delete(peers, peer.ID())
			if len(peers) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.members, peer.ID())
}

// RoomSize returns the number of local peers in a room.
func (r *Router) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// BroadcastToRooms sends one event to every room. senderID names the
// originating connection and is skipped when the event's delivery policy
// excludes the sender. A failing room never stops delivery to the others;
// the failures are logged and returned joined.
func (r *Router) BroadcastToRooms(ctx context.Context, rooms []string, event string, payload any, senderID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	exclude := ""
	if r.deliveries[event] == ExcludeSender {
		exclude = senderID
	}

	var errs []error
	for _, room := range rooms {
		if err := r.broadcastRoom(ctx, room, event, data, exclude); err != nil {
			r.metrics.BroadcastFailures.WithLabelValues(event).Inc()
			r.logger.Warn("Room broadcast failed", "room", room, "event", event, "error", err)
			errs = append(errs, fmt.Errorf("room %s: %w", room, err))
		}
	}
	r.metrics.Broadcasts.WithLabelValues(event).Inc()
	return errors.Join(errs...)
}

func (r *Router) broadcastRoom(ctx context.Context, room, event string, data json.RawMessage, exclude string) error {
	localErr := r.deliverLocal(room, event, data, exclude)

	if r.redis == nil {
		return localErr
	}

	msg, err := json.Marshal(roomEnvelope{
		Origin:  r.instanceID,
		Room:    room,
		Event:   event,
		Data:    data,
		Exclude: exclude,
	})
	if err != nil {
		return errors.Join(localErr, err)
	}
	if err := r.redis.Publish(ctx, roomChannelPrefix+room, msg).Err(); err != nil {
		return errors.Join(localErr, fmt.Errorf("publish: %w", err))
	}
	return localErr
}

func (r *Router) deliverLocal(room, event string, data json.RawMessage, exclude string) error {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.rooms[room]))
	for id, peer := range r.rooms[room] {
		if id == exclude {
			continue
		}
		peers = append(peers, peer)
	}
	r.mu.RUnlock()

	env := models.Envelope{Event: event, Data: data}
	var errs []error
	for _, peer := range peers {
		if err := peer.Send(env); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", peer.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// listen delivers broadcasts published by other instances to local peers
// until ctx is cancelled or the subscription channel is closed.
func (r *Router) listen(ctx context.Context, messages <-chan *redis.Message) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			r.handleRemote(msg.Payload)
		}
	}
}

func (r *Router) handleRemote(payload string) {
	var env roomEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Error("Failed to parse room envelope", "error", err)
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	if err := r.deliverLocal(env.Room, env.Event, env.Data, env.Exclude); err != nil {
		r.logger.Warn("Remote room delivery failed", "room", env.Room, "event", env.Event, "error", err)
	}
}
