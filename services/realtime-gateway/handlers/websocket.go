package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chorus/services/realtime-gateway/config"
	"chorus/services/realtime-gateway/middleware"
	"chorus/services/realtime-gateway/models"
	"chorus/services/realtime-gateway/services"
	"chorus/services/realtime-gateway/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// CloseUnauthorized is sent when the handshake token is rejected.
	CloseUnauthorized = 4401
)

type WebSocketHandler struct {
	manager    *services.ConnectionManager
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *utils.Logger
}

func NewWebSocketHandler(manager *services.ConnectionManager, cfg *config.Config, logger *utils.Logger) *WebSocketHandler {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &WebSocketHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins, cfg.Environment),
		},
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// ServeWS handles GET /ws. The token comes from the Authorization header or
// the token query parameter; session names a previous connection to resume.
func (h *WebSocketHandler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already answered the request.
		h.logger.Warn("WebSocket upgrade failed", "error", err, "client_ip", c.ClientIP())
		return
	}

	peer := newWSPeer(uuid.NewString(), conn, h.sendBuffer, h.logger)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		peer.writePump()
	}()

	ctx := c.Request.Context()
	hs := services.Handshake{
		Token:      middleware.ExtractToken(c.Request),
		SessionID:  c.Query("session"),
		RemoteAddr: c.ClientIP(),
	}

	sess, err := h.manager.Open(ctx, hs, peer)
	if err != nil {
		code, reason := websocket.CloseInternalServerErr, "connection setup failed"
		if errors.Is(err, services.ErrAuthenticationFailed) {
			code, reason = CloseUnauthorized, "unauthorized"
		} else {
			h.logger.Error("Failed to open connection", "connection_id", peer.ID(), "error", err)
		}
		peer.closeWith(code, reason)
		<-writerDone
		return
	}

	c.Set("userID", sess.UserID())
	h.readLoop(ctx, peer, sess)

	peer.closeWith(websocket.CloseNormalClosure, "")
	h.manager.Close(context.WithoutCancel(ctx), sess)
	<-writerDone
}

// readLoop feeds client frames to the session in arrival order until the
// socket fails or the peer is shut down.
func (h *WebSocketHandler) readLoop(ctx context.Context, peer *wsPeer, sess *services.Session) {
	conn := peer.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Warn("WebSocket read failed", "connection_id", peer.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			payload, _ := json.Marshal(models.ErrorPayload{Message: "invalid frame"})
			_ = peer.Send(models.Envelope{Event: models.EventError, Data: payload})
			continue
		}

		h.manager.Dispatch(ctx, sess, env)
	}
}

// wsPeer owns one websocket. Only writePump writes to the socket; Send
// queues frames without blocking.
type wsPeer struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *utils.Logger

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newWSPeer(id string, conn *websocket.Conn, buffer int, logger *utils.Logger) *wsPeer {
	return &wsPeer{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		logger:    logger,
		closeCode: websocket.CloseNormalClosure,
	}
}

func (p *wsPeer) ID() string {
	return p.id
}

// Send queues env. A full buffer marks the peer as a slow consumer and
// disconnects it.
func (p *wsPeer) Send(env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-p.done:
		return services.ErrConnectionClosed
	default:
	}

	select {
	case p.send <- data:
		return nil
	case <-p.done:
		return services.ErrConnectionClosed
	default:
		p.logger.Warn("Disconnecting slow consumer", "connection_id", p.id)
		p.closeWith(websocket.ClosePolicyViolation, "send buffer full")
		return services.ErrSlowConsumer
	}
}

// Disconnect closes the socket with a going-away frame.
func (p *wsPeer) Disconnect(reason string) {
	p.closeWith(websocket.CloseGoingAway, reason)
}

func (p *wsPeer) closeWith(code int, reason string) {
	p.closeOnce.Do(func() {
		p.closeCode = code
		p.closeReason = reason
		close(p.done)
	})
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-p.done:
			if p.closeCode != websocket.ClosePolicyViolation {
				p.flush()
			}
			if p.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(p.closeCode, p.closeReason)
				_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}

// flush writes frames that were queued before the peer was closed.
func (p *wsPeer) flush() {
	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func originChecker(allowed []string, environment string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		if environment == "production" {
			return nil // gorilla's same-origin check
		}
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}
