package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/services/realtime-gateway/config"
	"chorus/services/realtime-gateway/models"
)

func newPresence(env *testEnv, router *Router, mode config.PresenceMode) *PresenceService {
	return NewPresenceService(env.store, router, mode, 35*time.Second, env.logger, env.metrics)
}

func TestPresenceMarkOnlineOffline(t *testing.T) {
	env := newTestEnv(t)
	ps := newPresence(env, env.router(newFakeParticipants()), config.PresenceModeHeartbeat)
	ctx := context.Background()

	changed, err := ps.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = ps.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, changed)

	online, err := ps.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	changed, err = ps.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = ps.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, changed)

	online, err = ps.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresenceHeartbeatModeExpires(t *testing.T) {
	env := newTestEnv(t)
	ps := newPresence(env, env.router(newFakeParticipants()), config.PresenceModeHeartbeat)
	ctx := context.Background()

	_, err := ps.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 35*time.Second, env.mr.TTL(presenceKey("alice")))

	env.mr.FastForward(30 * time.Second)
	_, err = ps.Heartbeat(ctx, "alice", "c1")
	require.NoError(t, err)

	env.mr.FastForward(30 * time.Second)
	online, err := ps.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online, "heartbeat re-arms the flag")

	env.mr.FastForward(6 * time.Second)
	online, err = ps.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online, "missed heartbeats expire after the grace window")
}

func TestPresencePersistentModeHasNoTTL(t *testing.T) {
	env := newTestEnv(t)
	ps := newPresence(env, env.router(newFakeParticipants()), config.PresenceModePersistent)
	ctx := context.Background()

	assert.Equal(t, config.PresenceModePersistent, ps.Mode())

	_, err := ps.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, ps.Register(ctx, "alice", "c1"))

	assert.Zero(t, env.mr.TTL(presenceKey("alice")))
	assert.Zero(t, env.mr.TTL(connsKey("alice")))

	env.mr.FastForward(time.Hour)
	online, err := ps.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestPresenceUnregisterReportsLastConnection(t *testing.T) {
	env := newTestEnv(t)
	ps := newPresence(env, env.router(newFakeParticipants()), config.PresenceModeHeartbeat)
	ctx := context.Background()

	require.NoError(t, ps.Register(ctx, "alice", "c1"))
	require.NoError(t, ps.Register(ctx, "alice", "c2"))
	assert.Equal(t, 70*time.Second, env.mr.TTL(connsKey("alice")))

	last, err := ps.Unregister(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.False(t, last)

	last, err = ps.Unregister(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.False(t, last, "c2 is still registered")

	last, err = ps.Unregister(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.True(t, last)

	last, err = ps.Unregister(ctx, "alice", "c3")
	require.NoError(t, err)
	assert.True(t, last, "an empty registry means no connections are left")
}

func TestPresenceHeartbeatRestoresExpiredRegistry(t *testing.T) {
	env := newTestEnv(t)
	ps := newPresence(env, env.router(newFakeParticipants()), config.PresenceModeHeartbeat)
	ctx := context.Background()

	require.NoError(t, ps.Register(ctx, "alice", "c1"))
	env.mr.FastForward(71 * time.Second)
	require.False(t, env.mr.Exists(connsKey("alice")))

	changed, err := ps.Heartbeat(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, changed)

	members, err := env.mr.Members(connsKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members)
	assert.Equal(t, 70*time.Second, env.mr.TTL(connsKey("alice")))
}

func TestPresenceConcurrentUnregisterHasOneLastCloser(t *testing.T) {
	env := newTestEnv(t)
	ps := newPresence(env, env.router(newFakeParticipants()), config.PresenceModeHeartbeat)
	ctx := context.Background()

	const n = 16
	for i := 0; i < n; i++ {
		require.NoError(t, ps.Register(ctx, "alice", fmt.Sprintf("c%d", i)))
	}

	var lasts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			last, err := ps.Unregister(ctx, "alice", fmt.Sprintf("c%d", i))
			assert.NoError(t, err)
			if last {
				lasts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), lasts.Load())
}

func TestPresenceOnlineUsers(t *testing.T) {
	env := newTestEnv(t)
	ps := newPresence(env, env.router(newFakeParticipants()), config.PresenceModeHeartbeat)
	ctx := context.Background()

	for _, u := range []string{"alice", "bob"} {
		_, err := ps.MarkOnline(ctx, u)
		require.NoError(t, err)
	}
	require.NoError(t, env.mr.Set("typing:c1:carol", "1"))

	users, err := ps.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)
}

func TestPresenceAnnounceReachesOnlyUserRooms(t *testing.T) {
	env := newTestEnv(t)
	router := env.router(newFakeParticipants())
	ps := newPresence(env, router, config.PresenceModeHeartbeat)
	ctx := context.Background()

	inRoom := newFakePeer("p1")
	elsewhere := newFakePeer("p2")
	router.Join(inRoom, "c1")
	router.Join(elsewhere, "c9")

	require.NoError(t, ps.Announce(ctx, "alice", []string{"c1"}, true))

	got := inRoom.received(models.EventPresenceChanged)
	require.Len(t, got, 1)
	payload := decode[models.PresenceChangedPayload](t, got[0])
	assert.Equal(t, "alice", payload.UserID)
	assert.True(t, payload.IsOnline)
	assert.False(t, payload.Timestamp.IsZero())

	assert.Empty(t, elsewhere.received(models.EventPresenceChanged))

	require.NoError(t, ps.Announce(ctx, "alice", nil, false))
	assert.Len(t, inRoom.received(models.EventPresenceChanged), 1)
}
