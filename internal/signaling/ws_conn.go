package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
)

const wsWriteWait = 1 * time.Second

var (
	errConnClosed   = errors.New("signaling: connection closed")
	errSlowConsumer = errors.New("signaling: send queue full")
)

// wsConn is the outbound half of one signaling WebSocket. Send only enqueues;
// a single write pump owns every data frame written to conn.
type wsConn struct {
	conn    *websocket.Conn
	queue   chan []byte
	done    chan struct{}
	log     *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newWSConn(conn *websocket.Conn, queueLen int, logger *slog.Logger, m *metrics.Metrics) *wsConn {
	return &wsConn{
		conn:    conn,
		queue:   make(chan []byte, queueLen),
		done:    make(chan struct{}),
		log:     logger,
		metrics: m,
	}
}

// Send enqueues one text frame. A full queue means the client is not reading;
// the connection is closed rather than letting it hold memory.
func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.queue <- data:
		return nil
	default:
		c.metrics.Inc(metrics.DropReasonSlowConsumer)
		c.log.Warn("closing slow signaling consumer", "queued", len(c.queue))
		c.closeLocked(websocket.ClosePolicyViolation, "slow consumer")
		return errSlowConsumer
	}
}

// Close flushes what is queued and closes the connection normally.
func (c *wsConn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsConn) closeWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *wsConn) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
}

// fail sends an error envelope ahead of a close frame.
func (c *wsConn) fail(data []byte, code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- data:
	default:
	}
	c.closeLocked(code, reason)
}

// writePump runs until the connection is closed. It pings every pingInterval;
// the read side extends its deadline when the pong arrives.
func (c *wsConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// flush drains the queue and writes the close frame. No Send can succeed once
// done is closed, so the drain terminates.
func (c *wsConn) flush() {
	for {
		select {
		case data := <-c.queue:
			if err := c.write(data); err != nil {
				return
			}
		default:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			if code != websocket.CloseAbnormalClosure {
				writeClose(c.conn, code, reason)
			}
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
