package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/services/realtime-gateway/models"
	"chorus/services/realtime-gateway/services"
	"chorus/services/realtime-gateway/utils"
)

// socketPair returns the server and client ends of one websocket.
func socketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(srv.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-serverSide:
		t.Cleanup(func() { _ = conn.Close() })
		return conn, client
	case <-time.After(3 * time.Second):
		t.Fatal("server side of the socket never arrived")
		return nil, nil
	}
}

func TestWSPeerDisconnectsSlowConsumer(t *testing.T) {
	serverConn, client := socketPair(t)

	// The writer is not running yet, so nothing drains the buffer.
	peer := newWSPeer("slow", serverConn, 1, utils.NopLogger())
	env := models.Envelope{Event: models.EventHeartbeat}

	require.NoError(t, peer.Send(env))
	err := peer.Send(env)
	assert.True(t, errors.Is(err, services.ErrSlowConsumer), "got %v", err)
	assert.True(t, errors.Is(peer.Send(env), services.ErrConnectionClosed))

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.writePump()
	}()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	var closeErr *websocket.CloseError
	for {
		_, _, err := client.ReadMessage()
		if err != nil {
			require.True(t, errors.As(err, &closeErr), "got %v", err)
			break
		}
	}
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "send buffer full", closeErr.Text)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("writer did not exit after the slow consumer was closed")
	}
}

func TestWSPeerDisconnectSendsGoingAway(t *testing.T) {
	serverConn, client := socketPair(t)

	peer := newWSPeer("p1", serverConn, 4, utils.NopLogger())
	go peer.writePump()

	require.NoError(t, peer.Send(models.Envelope{Event: models.EventAuthenticated}))
	peer.Disconnect("server shutting down")

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	var got models.Envelope
	require.NoError(t, client.ReadJSON(&got), "queued frames are flushed before the close")
	assert.Equal(t, models.EventAuthenticated, got.Event)

	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}
