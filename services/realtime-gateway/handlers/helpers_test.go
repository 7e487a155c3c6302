package handlers_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"chorus/services/realtime-gateway/config"
	"chorus/services/realtime-gateway/db"
	"chorus/services/realtime-gateway/db/dbtest"
	"chorus/services/realtime-gateway/handlers"
	"chorus/services/realtime-gateway/middleware"
	"chorus/services/realtime-gateway/models"
	"chorus/services/realtime-gateway/services"
	"chorus/services/realtime-gateway/utils"
)

const testSecret = "handler-secret"

type testServer struct {
	mr       *miniredis.Miniredis
	db       *gorm.DB
	presence *services.PresenceService
	typing   *services.TypingService
	manager  *services.ConnectionManager
	server   *httptest.Server
}

func newTestServer(t *testing.T, opts ...func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	logger := utils.NopLogger()
	registry := prometheus.NewRegistry()
	metrics := services.NewMetrics(registry)

	gdb := dbtest.Open(t)
	store := db.NewStore(gdb)
	require.NoError(t, gdb.Create(&[]models.ConversationParticipant{
		{ConversationID: "c1", UserID: "alice"},
		{ConversationID: "c1", UserID: "bob"},
	}).Error)

	ephemeral := services.NewEphemeralStore(client, services.StoreOptions{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}, logger, metrics)
	router := services.NewRouter(store, nil, "test", logger, metrics)
	presence := services.NewPresenceService(ephemeral, router, config.PresenceModeHeartbeat, 35*time.Second, logger, metrics)
	typing := services.NewTypingService(ephemeral, store, router, 8*time.Second, logger, metrics)
	paginator := services.NewPaginator(store, store, services.PaginationOptions{DefaultLimit: 20, MaxLimit: 50}, logger, metrics)
	verifier := middleware.NewTokenVerifier(testSecret)
	manager := services.NewConnectionManager(verifier, presence, typing, router, ephemeral, services.ConnectionOptions{}, logger, metrics)

	cfg := &config.Config{Environment: "test", SendBuffer: 16}
	for _, opt := range opts {
		opt(cfg)
	}

	engine := gin.New()
	handlers.Routes{
		Verifier:  verifier,
		WebSocket: handlers.NewWebSocketHandler(manager, cfg, logger),
		Messages:  handlers.NewMessageHandler(paginator, logger),
		Presence:  handlers.NewPresenceHandler(presence, typing, logger),
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{
			"redis":    ephemeral,
			"database": store,
		}, logger),
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}.Register(engine)

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &testServer{
		mr:       mr,
		db:       gdb,
		presence: presence,
		typing:   typing,
		manager:  manager,
		server:   srv,
	}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// get performs an authenticated GET; an empty user sends no token.
func (s *testServer) get(t *testing.T, path, userID string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.server.URL+path, nil)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf
}

func decodeJSON[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads frames until one satisfies match or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(models.Envelope) bool) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if match(env) {
			return env
		}
	}
}

func isEvent(event string) func(models.Envelope) bool {
	return func(env models.Envelope) bool { return env.Event == event }
}
