package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gfbonny/freshell/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024 // 1MB, terminal input can carry pastes

	sendQueueSize = 256
)

// wsConn is the subset of *websocket.Conn the client uses; faked in tests.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// wsClient wraps one WebSocket connection with an outbound queue and a
// byte counter mirroring the browser bufferedAmount semantics: Send
// enqueues and adds to the counter, the write pump subtracts once a frame
// is flushed to the socket.
type wsClient struct {
	id       string
	conn     wsConn
	send     chan []byte
	buffered atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
	logger    *logger.Logger
}

func newWSClient(id string, conn wsConn, log *logger.Logger) *wsClient {
	return &wsClient{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ID implements terminal.Client.
func (c *wsClient) ID() string { return c.id }

// Send serializes msg and enqueues it for the write pump. It never blocks:
// a full queue counts toward bufferedAmount and closes the connection,
// converting silent backlog into an explicit resync.
func (c *wsClient) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return nil
	default:
	}

	c.buffered.Add(int64(len(data)))
	select {
	case c.send <- data:
		return nil
	default:
		c.buffered.Add(-int64(len(data)))
		c.logger.Warn("send queue full, closing connection")
		c.CloseWithCode(4008, "Backpressure")
		return nil
	}
}

// BufferedAmount implements terminal.Client: bytes queued but not yet
// written to the socket.
func (c *wsClient) BufferedAmount() int64 {
	return c.buffered.Load()
}

// CloseWithCode sends a close control frame and tears the connection down.
// Safe to call multiple times; only the first wins.
func (c *wsClient) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		// Give the write pump a moment to flush queued frames (error
		// messages ahead of the close) before cutting the socket.
		deadline := time.Now().Add(250 * time.Millisecond)
		for len(c.send) > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			c.logger.Debug("close control write failed", zap.Error(err))
		}
		_ = c.conn.Close()
	})
}

// Closed reports connection teardown; drain waits watch it.
func (c *wsClient) Closed() <-chan struct{} {
	return c.closed
}

// IsClosed reports whether the connection has been torn down.
func (c *wsClient) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// writePump flushes the outbound queue to the socket and keeps the
// connection alive with pings. Runs on its own goroutine per connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.CloseWithCode(1000, "")
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			c.buffered.Add(-int64(len(data)))
			if err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
