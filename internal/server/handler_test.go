package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gfbonny/freshell/internal/common/config"
	"github.com/gfbonny/freshell/internal/events/bus"
	"github.com/gfbonny/freshell/internal/protocol"
	"github.com/gfbonny/freshell/internal/spawn"
	"github.com/gfbonny/freshell/internal/terminal"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	cfg := &config.Config{
		Auth: config.AuthConfig{Token: "secret", HelloTimeoutMS: 10_000},
		Limits: config.LimitsConfig{
			MaxConnections:          100,
			MaxTerminals:            50,
			MaxExitedTerminals:      200,
			MaxWSBufferedAmount:     2 * 1024 * 1024,
			MaxWSChunkBytes:         500 * 1024,
			MaxPendingSnapshotChars: 512 * 1024,
		},
		Terminal: config.TerminalConfig{Scrollback: 328},
	}
	if mutate != nil {
		mutate(cfg)
	}

	eventBus := bus.NewMemoryEventBus(log)
	registry := terminal.NewRegistry(cfg, spawn.NewResolver(config.SpawnConfig{}, log), eventBus, nil, log)
	t.Cleanup(registry.Shutdown)

	h := NewHandler(cfg, registry, eventBus, nil, nil, log)
	require.NoError(t, h.Start())

	router := gin.New()
	h.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, h
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestHandshakeAndPingOverRealSocket(t *testing.T) {
	srv, h := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "token": "secret"}))
	var ready protocol.Ready
	require.NoError(t, conn.ReadJSON(&ready))
	assert.Equal(t, protocol.TypeReady, ready.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	var pong protocol.Pong
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, protocol.TypePong, pong.Type)
	assert.NotZero(t, pong.Timestamp)

	assert.Eventually(t, func() bool {
		return h.ConnectionCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBadTokenClosesWith4001(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "hello", "token": "nope"}))

	var errFrame protocol.Error
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, protocol.CodeNotAuthenticated, errFrame.Code)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseAuthFailed),
		"expected close 4001, got %v", err)
}

func TestConnectionCapClosesWith4003(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.Config) { c.Limits.MaxConnections = 1 })

	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer first.Close()

	second, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseTooManyConnections),
		"expected close 4003, got %v", err)
}

func TestHelloTimeoutCloses(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.Config) { c.Auth.HelloTimeoutMS = 100 })

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	// First frame is the NOT_AUTHENTICATED error, then the close.
	var errFrame protocol.Error
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, protocol.CodeNotAuthenticated, errFrame.Code)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, protocol.CloseAuthFailed),
		"expected close 4001, got %v", err)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
