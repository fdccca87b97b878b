package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/protocol"
)

// DefaultMaxIDLength bounds room and peer ids. Group keys are used as AMQP
// routing keys, which are limited to 255 bytes.
const DefaultMaxIDLength = 128

// ErrFanout wraps failures of the fanout backend.
var ErrFanout = errors.New("rooms: fanout failed")

// Fanout is the publish/subscribe boundary used by broadcast rooms.
type Fanout interface {
	Subscribe(group string, sub fanout.Subscriber) error
	Unsubscribe(group string, sub fanout.Subscriber) error
	Publish(ctx context.Context, msg fanout.Message) error
}

type Config struct {
	Registry *Registry
	Fanout   Fanout
	// Policies selects the policy of newly created rooms. Defaults to
	// FixedMode(ModePaired).
	Policies      ModeSelector
	DefaultRoomID string
	MaxIDLength   int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Router drives sessions through join, relay and leave. It keeps no state of
// its own beyond the registry and is safe for concurrent use by every
// connection.
type Router struct {
	registry      *Registry
	fanout        Fanout
	policies      ModeSelector
	defaultRoomID string
	maxIDLen      int
	log           *slog.Logger
	metrics       *metrics.Metrics
}

func NewRouter(cfg Config) *Router {
	r := &Router{
		registry:      cfg.Registry,
		fanout:        cfg.Fanout,
		policies:      cfg.Policies,
		defaultRoomID: cfg.DefaultRoomID,
		maxIDLen:      cfg.MaxIDLength,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.registry == nil {
		r.registry = NewRegistry(r.metrics)
	}
	if r.fanout == nil {
		r.fanout = fanout.NewHub()
	}
	if r.policies == nil {
		r.policies = FixedMode(ModePaired)
	}
	if r.defaultRoomID == "" {
		r.defaultRoomID = protocol.DefaultRoomID
	}
	if r.maxIDLen <= 0 {
		r.maxIDLen = DefaultMaxIDLength
	}
	return r
}

func (r *Router) Registry() *Registry { return r.registry }

// Connect creates a Disconnected session bound to t.
func (r *Router) Connect(t Transport) *Session {
	r.metrics.Inc(metrics.EventConnOpened)
	return newSession(t, r.log, r.metrics)
}

// Handle applies one inbound envelope to s. Protocol errors are dropped and
// counted; the only error returned is a fanout failure.
func (r *Router) Handle(ctx context.Context, s *Session, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeJoin:
		return r.join(ctx, s, env)
	case protocol.TypeLeave:
		if s.State() != StateJoined {
			r.drop(s, env, metrics.DropReasonNotJoined)
			return nil
		}
		return r.leave(ctx, s)
	default:
		return r.signal(ctx, s, env)
	}
}

// Disconnect is called by the adapter once the connection is gone. It is
// idempotent.
func (r *Router) Disconnect(ctx context.Context, s *Session) error {
	r.metrics.Inc(metrics.EventConnClosed)
	if s.State() != StateJoined {
		s.terminate()
		return nil
	}
	return r.leave(ctx, s)
}

func (r *Router) join(ctx context.Context, s *Session, env *protocol.Envelope) error {
	switch {
	case env.PeerID == "":
		r.drop(s, env, metrics.DropReasonMissingPeerID)
		return nil
	case len(env.PeerID) > r.maxIDLen || len(env.RoomID) > r.maxIDLen:
		r.drop(s, env, metrics.DropReasonIDTooLong)
		return nil
	}
	if !s.beginJoin(env.PeerID) {
		reason := metrics.DropReasonAlreadyJoined
		if s.State() == StateTerminal {
			reason = metrics.DropReasonNotJoined
		}
		r.drop(s, env, reason)
		return nil
	}

	roomID := env.RoomID
	if roomID == "" {
		roomID = r.defaultRoomID
	}
	policy := PolicyFor(r.policies.ModeFor(roomID))
	log := s.log.With("room_id", roomID, "peer_id", env.PeerID)

	// Broadcast sessions subscribe before registering so that nothing
	// published after their join_ack can be missed.
	group := groupKey(roomID)
	subscribed := false
	subscribe := func() error {
		if err := r.fanout.Subscribe(group, s); err != nil {
			r.metrics.Inc(metrics.EventFanoutError)
			return fmt.Errorf("%w: subscribe %q: %w", ErrFanout, group, err)
		}
		subscribed = true
		return nil
	}
	if policy.Mode() == ModeBroadcast {
		if err := subscribe(); err != nil {
			s.abortJoin()
			return err
		}
	}

	var (
		room *Room
		res  joinResult
	)
	for {
		room = r.registry.GetOrCreate(roomID, policy)
		// A room created earlier under another policy wins.
		if room.policy.Mode() == ModeBroadcast && !subscribed {
			if err := subscribe(); err != nil {
				s.abortJoin()
				return err
			}
		}
		var ok bool
		if res, ok = room.join(s, r.metrics); ok {
			break
		}
	}

	if subscribed && (!res.admitted || room.policy.Mode() != ModeBroadcast) {
		_ = r.fanout.Unsubscribe(group, s)
	}

	if !res.admitted {
		s.terminate()
		if data, err := protocol.RoomFull().MarshalJSON(); err == nil {
			s.send(data)
		}
		r.metrics.Inc(metrics.EventRoomFull)
		log.Info("room full", "policy", room.policy.Mode())
		return nil
	}

	if prev := res.replaced; prev != nil {
		prev.terminate()
		if room.policy.Mode() == ModeBroadcast {
			_ = r.fanout.Unsubscribe(group, prev)
		}
		prev.transport.Close()
		r.metrics.Inc(metrics.EventRejoin)
		log.Info("peer replaced by reconnect", "old_conn_id", prev.connID)
	}

	r.count(res.out.events)
	r.metrics.Inc(metrics.EventJoin)
	log.Info("peer joined", "policy", room.policy.Mode(), "role", s.Role())
	return r.publish(ctx, roomID, res.out.publish)
}

func (r *Router) leave(ctx context.Context, s *Session) error {
	peerID, room, ok := s.joined()
	s.terminate()
	if !ok || room == nil {
		return nil
	}

	res := room.leave(s, r.metrics)
	if room.policy.Mode() == ModeBroadcast {
		if err := r.fanout.Unsubscribe(groupKey(room.id), s); err != nil {
			r.metrics.Inc(metrics.EventFanoutError)
			s.log.Warn("unsubscribe failed", "room_id", room.id, "err", err)
		}
	}
	if res.empty {
		r.registry.PruneIfEmpty(room.id)
	}
	if !res.removed {
		return nil
	}

	r.metrics.Inc(metrics.EventLeave)
	s.log.Info("peer left", "room_id", room.id, "peer_id", peerID)
	return r.publish(ctx, room.id, res.out.publish)
}

func (r *Router) signal(ctx context.Context, s *Session, env *protocol.Envelope) error {
	peerID, room, ok := s.joined()
	if !ok {
		r.drop(s, env, metrics.DropReasonNotJoined)
		return nil
	}

	stamped := env.Clone()
	stamped.From = peerID

	out, ok := room.relay(s, stamped)
	if !ok {
		r.drop(s, env, metrics.DropReasonNotJoined)
		return nil
	}
	r.count(out.events)
	return r.publish(ctx, room.id, out.publish)
}

func (r *Router) publish(ctx context.Context, roomID string, pubs []publication) error {
	group := groupKey(roomID)
	for _, p := range pubs {
		data, err := p.env.MarshalJSON()
		if err != nil {
			return fmt.Errorf("rooms: encode %s: %w", p.env.Type, err)
		}
		msg := fanout.Message{Group: group, From: p.from, To: p.to, Data: data}
		if err := r.fanout.Publish(ctx, msg); err != nil {
			r.metrics.Inc(metrics.EventFanoutError)
			return fmt.Errorf("%w: publish %q: %w", ErrFanout, group, err)
		}
	}
	return nil
}

func (r *Router) drop(s *Session, env *protocol.Envelope, reason string) {
	r.metrics.Inc(reason)
	s.log.Debug("dropping envelope", "type", env.Type, "reason", reason)
}

func (r *Router) count(events []string) {
	for _, e := range events {
		r.metrics.Inc(e)
	}
}

func groupKey(roomID string) string {
	return "room:" + roomID
}
