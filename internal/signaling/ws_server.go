package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/rooms"
)

const (
	DefaultIdleTimeout       = 60 * time.Second
	DefaultPingInterval      = 20 * time.Second
	DefaultMaxMessageBytes   = int64(64 * 1024)
	DefaultMessagesPerSecond = 50
	DefaultSendQueueLen      = 256
)

// Config wires the WebSocket adapter to the router.
type Config struct {
	Router *rooms.Router
	// Origins restricts browser origins. nil allows same-host requests only.
	Origins *origin.Policy

	IdleTimeout       time.Duration
	PingInterval      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int
	// BytesPerSecond of 0 leaves inbound bytes unmetered.
	BytesPerSecond int
	SendQueueLen   int

	// Clock drives per-connection rate limits. Defaults to the wall clock.
	Clock ratelimit.Clock

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server upgrades signaling requests and runs one read loop per connection.
//
// Endpoints:
//   - GET /ws/signaling/ : WebSocket signaling
//   - GET /ws/signaling  : same, without the trailing slash
type Server struct {
	cfg      Config
	router   *rooms.Router
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*wsConn]struct{}
	draining bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = DefaultSendQueueLen
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Router == nil {
		cfg.Router = rooms.NewRouter(rooms.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}

	s := &Server{
		cfg:     cfg,
		router:  cfg.Router,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		conns:   make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if cfg.Origins.CheckRequest(r) {
				return true
			}
			s.metrics.Inc(metrics.DropReasonOriginForbidden)
			s.log.Info("rejecting signaling origin", "origin", r.Header.Get("Origin"), "host", r.Host)
			return false
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/signaling/", s.handleWebSocket)
	mux.HandleFunc("GET /ws/signaling", s.handleWebSocket)
}

func (s *Server) Router() *rooms.Router { return s.router }

// Connections returns the number of live signaling connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown refuses new connections, closes live ones with CloseGoingAway and
// waits for their read loops to finish or ctx to expire. Hijacked WebSocket
// connections are not tracked by http.Server.Shutdown, so callers run both.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	for c := range s.conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}

	c := newWSConn(conn, s.cfg.SendQueueLen, s.log, s.metrics)
	if !s.track(c) {
		writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.untrack(c)

	sess := s.router.Connect(c)
	c.log = s.log.With("conn_id", sess.ConnID())

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump(s.cfg.PingInterval)
	}()

	s.serve(r.Context(), c, sess)

	if err := s.router.Disconnect(context.WithoutCancel(r.Context()), sess); err != nil {
		c.log.Warn("disconnect", "err", err)
	}
	c.Close()
	<-pumpDone
}

// serve reads frames until the connection fails or the session ends.
func (s *Server) serve(ctx context.Context, c *wsConn, sess *rooms.Session) {
	conn := c.conn
	idle := s.cfg.IdleTimeout
	limiter := ratelimit.NewConnLimiter(s.cfg.Clock, ratelimit.Config{
		MessagesPerSecond: s.cfg.MessagesPerSecond,
		BytesPerSecond:    s.cfg.BytesPerSecond,
		MaxFrameBytes:     int(s.cfg.MaxMessageBytes),
	})

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.log.Debug("signaling connection idle")
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent CloseMessageTooBig.
				s.metrics.Inc(metrics.DropReasonOversize)
				c.closeWith(websocket.CloseAbnormalClosure, "")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		// Limit after reading so the frame is consumed and the client reliably
		// sees the close code rather than a reset.
		if !limiter.Allow(len(data)) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			s.failConn(c, "rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation)
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.DropReasonBinaryFrame)
			s.failConn(c, "bad_message", "expected text message", websocket.CloseUnsupportedData)
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			s.metrics.Inc(metrics.DropReasonMalformed)
			c.log.Debug("dropping malformed envelope", "err", err)
			continue
		}

		if err := s.router.Handle(ctx, sess, env); err != nil {
			c.log.Warn("signaling relay failed", "type", env.Type, "err", err)
		}

		if sess.State() == rooms.StateTerminal {
			if env.Type == protocol.TypeJoin {
				c.closeWith(websocket.ClosePolicyViolation, "room full")
			} else {
				c.Close()
			}
			return
		}
	}
}

func (s *Server) failConn(c *wsConn, code, message string, closeCode int) {
	data, err := protocol.Error(code, message).MarshalJSON()
	if err != nil {
		c.closeWith(closeCode, message)
		return
	}
	c.fail(data, closeCode, message)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
