package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chorus/services/realtime-gateway/models"
	"chorus/services/realtime-gateway/utils"
)

type testEnv struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	store   *EphemeralStore
	logger  *utils.Logger
	metrics *Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	logger := utils.NopLogger()
	metrics := NewMetrics(prometheus.NewRegistry())
	store := NewEphemeralStore(client, StoreOptions{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}, logger, metrics)

	return &testEnv{
		mr:      mr,
		client:  client,
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

func (e *testEnv) router(participants ParticipantStore) *Router {
	return NewRouter(participants, nil, "test", e.logger, e.metrics)
}

type fakePeer struct {
	id string

	mu           sync.Mutex
	events       []models.Envelope
	err          error
	disconnected string
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(env models.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, env)
	return nil
}

func (p *fakePeer) Disconnect(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = reason
}

func (p *fakePeer) disconnectReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

func (p *fakePeer) received(event string) []models.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Envelope
	for _, env := range p.events {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func decode[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

type fakeParticipants struct {
	mu    sync.Mutex
	convs map[string][]string // conversation -> users
	err   error
	calls int
}

func newFakeParticipants() *fakeParticipants {
	return &fakeParticipants{convs: make(map[string][]string)}
}

func (f *fakeParticipants) add(conversationID string, users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs[conversationID] = append(f.convs[conversationID], users...)
}

func (f *fakeParticipants) ConversationIDsForUser(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var ids []string
	for conv, users := range f.convs {
		for _, u := range users {
			if u == userID {
				ids = append(ids, conv)
				break
			}
		}
	}
	return ids, nil
}

func (f *fakeParticipants) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	for _, u := range f.convs[conversationID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

type staticAuth map[string]string // token -> user

func (a staticAuth) Authenticate(_ context.Context, hs Handshake) (string, error) {
	if user, ok := a[hs.Token]; ok {
		return user, nil
	}
	return "", ErrAuthenticationFailed
}
