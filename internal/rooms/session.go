package rooms

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
)

// Transport is the Connection Adapter's outbound handle for one client.
//
// Send must never block: implementations enqueue and return, failing (and
// closing themselves) when the client cannot keep up. The router relies on
// this to deliver while holding a room's lock. Close asks the adapter to
// flush what is queued and close the connection.
type Transport interface {
	Send(data []byte) error
	Close()
}

type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

type Role string

const (
	RoleNone   Role = ""
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Session is one connection's identity within a room.
type Session struct {
	connID    string
	transport Transport
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	state  State
	peerID string
	room   *Room
	role   Role
}

func newSession(t Transport, logger *slog.Logger, m *metrics.Metrics) *Session {
	id := uuid.NewString()
	return &Session{
		connID:    id,
		transport: t,
		log:       logger.With("conn_id", id),
		metrics:   m,
	}
}

func (s *Session) ConnID() string { return s.connID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// RoomID returns the room the session joined, or "" before a join.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.id
}

func (s *Session) joined() (string, *Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID, s.room, s.state == StateJoined
}

// beginJoin moves Disconnected -> Joining. It reports false for any other
// starting state.
func (s *Session) beginJoin(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected {
		return false
	}
	s.state = StateJoining
	s.peerID = peerID
	return true
}

func (s *Session) abortJoin() {
	s.mu.Lock()
	if s.state == StateJoining {
		s.state = StateDisconnected
		s.peerID = ""
	}
	s.mu.Unlock()
}

// attach is called with the room lock held.
func (s *Session) attach(r *Room, role Role) {
	s.mu.Lock()
	s.room = r
	s.role = role
	s.state = StateJoined
	s.mu.Unlock()
}

// terminate moves the session to Terminal and reports the state it left.
func (s *Session) terminate() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = StateTerminal
	return prev
}

func (s *Session) send(data []byte) {
	if err := s.transport.Send(data); err != nil {
		s.metrics.Inc(metrics.DropReasonTransport)
		s.log.Debug("send failed", "err", err)
	}
}

// Deliver implements fanout.Subscriber. Exclude-self and directed delivery
// are decided here, at the edge.
func (s *Session) Deliver(msg fanout.Message) {
	peerID, _, ok := s.joined()
	if !ok {
		return
	}
	if msg.From == peerID {
		return
	}
	if msg.To != "" && msg.To != peerID {
		return
	}
	s.send(msg.Data)
}
