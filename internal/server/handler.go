// Package server implements the WebSocket session handler: the single
// authenticated endpoint multiplexing terminal creation, attachment, input,
// and output over JSON frames.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gfbonny/freshell/internal/common/config"
	"github.com/gfbonny/freshell/internal/common/logger"
	"github.com/gfbonny/freshell/internal/events/bus"
	"github.com/gfbonny/freshell/internal/protocol"
	"github.com/gfbonny/freshell/internal/terminal"
)

// SessionsProvider supplies the optional post-hello project sessions
// snapshot. Implementations live outside the core.
type SessionsProvider interface {
	Snapshot(ctx context.Context) (json.RawMessage, error)
}

// SettingsProvider supplies the post-hello settings snapshot.
type SettingsProvider interface {
	Snapshot() map[string]any
}

// Handler owns the WebSocket endpoint and all connection state.
type Handler struct {
	cfg      *config.Config
	registry *terminal.Registry
	bus      bus.EventBus
	sessions SessionsProvider
	settings SettingsProvider
	log      *logger.Logger
	upgrader websocket.Upgrader

	connCount atomic.Int64
	connsMu   sync.Mutex
	conns     map[string]*connState
}

// NewHandler builds the session handler. sessions and settings may be nil.
func NewHandler(cfg *config.Config, registry *terminal.Registry, eventBus bus.EventBus,
	sessions SessionsProvider, settings SettingsProvider, log *logger.Logger) *Handler {
	h := &Handler{
		cfg:      cfg,
		registry: registry,
		bus:      eventBus,
		sessions: sessions,
		settings: settings,
		log:      log,
		conns:    make(map[string]*connState),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes mounts the WebSocket endpoint and a health probe.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", h.handleWS)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": h.connCount.Load(),
		})
	})
}

// Start subscribes to registry events so list changes fan out to every
// authenticated connection.
func (h *Handler) Start() error {
	_, err := h.bus.Subscribe(bus.SubjectTerminalListUpdated, func(_ context.Context, _ *bus.Event) error {
		h.broadcast(protocol.TerminalListUpdated{Type: protocol.TypeTerminalListUpdated})
		return nil
	})
	return err
}

// checkOrigin trusts loopback peers regardless of the Origin header so dev
// proxies work; everything else must match the allow-list.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if isLoopback(r.RemoteAddr) {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Auth.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleWS upgrades the connection and runs the session until it closes.
func (h *Handler) handleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newWSClient(uuid.New().String(), conn, h.log)
	go client.writePump()

	if h.connCount.Add(1) > int64(h.cfg.Limits.MaxConnections) {
		h.connCount.Add(-1)
		client.CloseWithCode(protocol.CloseTooManyConnections, "Too many connections")
		return
	}

	state := newConnState(client)
	h.connsMu.Lock()
	h.conns[client.id] = state
	h.connsMu.Unlock()

	h.log.Info("websocket connected",
		zap.String("client_id", client.id),
		zap.Int64("connections", h.connCount.Load()))

	helloTimer := time.AfterFunc(h.cfg.Auth.HelloTimeout(), func() {
		if !state.isAuthenticated() {
			h.sendError(state, protocol.CodeNotAuthenticated, "hello timeout", "")
			client.CloseWithCode(protocol.CloseAuthFailed, "Authentication timeout")
		}
	})

	h.readLoop(conn, state)

	// Teardown: abort in-flight streams, detach everywhere, drop state.
	helloTimer.Stop()
	state.bumpGeneration()
	client.CloseWithCode(protocol.CloseNormal, "")
	h.registry.DetachAll(state.attachedIDs(), client)

	h.connsMu.Lock()
	delete(h.conns, client.id)
	h.connsMu.Unlock()
	h.connCount.Add(-1)

	h.log.Info("websocket disconnected", zap.String("client_id", client.id))
}

func (h *Handler) readLoop(conn *websocket.Conn, state *connState) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		h.dispatch(state, raw)
	}
}

// broadcast sends a frame to every authenticated connection, applying the
// backpressure gate per client.
func (h *Handler) broadcast(msg any) {
	h.connsMu.Lock()
	states := make([]*connState, 0, len(h.conns))
	for _, s := range h.conns {
		states = append(states, s)
	}
	h.connsMu.Unlock()

	for _, s := range states {
		if s.isAuthenticated() {
			h.registry.SafeSend(s.client, msg, nil)
		}
	}
}

// ConnectionCount reports the live connection count.
func (h *Handler) ConnectionCount() int64 {
	return h.connCount.Load()
}

func (h *Handler) sendError(state *connState, code, message, requestID string) {
	if err := state.client.Send(protocol.NewError(code, message, requestID)); err != nil {
		h.log.Debug("error frame send failed", zap.Error(err))
	}
}
