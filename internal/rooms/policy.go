package rooms

import (
	"fmt"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/protocol"
)

type Mode string

const (
	ModeBroadcast Mode = "broadcast"
	ModePaired    Mode = "paired"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBroadcast:
		return ModeBroadcast, nil
	case ModePaired:
		return ModePaired, nil
	default:
		return "", fmt.Errorf("invalid room policy %q (expected %q or %q)", s, ModeBroadcast, ModePaired)
	}
}

// ModeSelector picks the policy for a room the first time it is created.
type ModeSelector interface {
	ModeFor(roomID string) Mode
}

// FixedMode selects the same policy for every room.
type FixedMode Mode

func (m FixedMode) ModeFor(string) Mode { return Mode(m) }

// Policy decides admission, roles, default targets and join/leave side
// effects for a room. Its hooks run with the room lock held and only touch
// room bookkeeping; they describe outbound traffic in an outbox that the
// router executes.
type Policy interface {
	Mode() Mode
	// Capacity is the maximum number of concurrently registered peers, or 0
	// when unbounded.
	Capacity() int

	admit(r *Room, peerID string) bool
	assignRole(r *Room, peerID string) Role
	defaultTarget(r *Room, sender string) string
	onJoin(r *Room, joiner *Session, out *outbox)
	onLeave(r *Room, leaver string, out *outbox)
	relay(r *Room, sender string, env *protocol.Envelope, out *outbox)
}

func PolicyFor(m Mode) Policy {
	if m == ModeBroadcast {
		return broadcastPolicy{}
	}
	return pairedPolicy{}
}

type delivery struct {
	to  *Session
	env *protocol.Envelope
}

type publication struct {
	from string
	to   string
	env  *protocol.Envelope
}

// outbox collects the effects of one operation. direct entries are sent in
// order while the room lock is still held; publish entries go to the fanout
// after it is released.
type outbox struct {
	direct  []delivery
	publish []publication
	events  []string
}

func (o *outbox) send(to *Session, env *protocol.Envelope) {
	o.direct = append(o.direct, delivery{to: to, env: env})
}

func (o *outbox) fanout(from, to string, env *protocol.Envelope) {
	o.publish = append(o.publish, publication{from: from, to: to, env: env})
}

func (o *outbox) count(event string) {
	o.events = append(o.events, event)
}

// broadcastPolicy is unbounded. Every signal fans out to the room group and
// each recipient filters for itself.
type broadcastPolicy struct{}

func (broadcastPolicy) Mode() Mode    { return ModeBroadcast }
func (broadcastPolicy) Capacity() int { return 0 }

func (broadcastPolicy) admit(*Room, string) bool { return true }

func (broadcastPolicy) assignRole(*Room, string) Role { return RoleNone }

func (broadcastPolicy) defaultTarget(*Room, string) string { return "" }

func (broadcastPolicy) onJoin(r *Room, joiner *Session, out *outbox) {
	out.fanout(joiner.peerID, "", protocol.PeerJoined(joiner.peerID))
}

func (broadcastPolicy) onLeave(r *Room, leaver string, out *outbox) {
	out.fanout(leaver, "", protocol.PeerLeft(leaver))
}

func (broadcastPolicy) relay(r *Room, sender string, env *protocol.Envelope, out *outbox) {
	out.fanout(sender, env.To, env)
	out.count(metrics.EventSignalFanout)
}

// pairedPolicy admits two peers. The first peer_id ever seen in the room is
// the caller, the second the callee. Signals for a peer that is not
// registered are held until it joins.
type pairedPolicy struct{}

func (pairedPolicy) Mode() Mode    { return ModePaired }
func (pairedPolicy) Capacity() int { return 2 }

func (p pairedPolicy) admit(r *Room, peerID string) bool {
	if _, ok := r.peers[peerID]; ok {
		return true
	}
	return len(r.peers) < p.Capacity()
}

// assignRole keeps a reconnecting peer's role unless the other registered
// peer now holds it; anyone else takes whichever role is free, caller first.
func (pairedPolicy) assignRole(r *Room, peerID string) Role {
	taken := func(role Role) bool {
		for id := range r.peers {
			if id != peerID && r.roles[id] == role {
				return true
			}
		}
		return false
	}
	role, ok := r.roles[peerID]
	if !ok || taken(role) {
		role = RoleCaller
		if taken(RoleCaller) {
			role = RoleCallee
		}
	}
	r.roles[peerID] = role
	return role
}

func (pairedPolicy) defaultTarget(r *Room, sender string) string {
	for id := range r.peers {
		if id != sender {
			return id
		}
	}
	return ""
}

func (pairedPolicy) onJoin(r *Room, joiner *Session, out *outbox) {
	out.send(joiner, protocol.RoleAssigned(string(joiner.role)))
	for id, other := range r.peers {
		if other == joiner {
			continue
		}
		out.send(joiner, protocol.PeerReady(id))
		out.send(other, protocol.PeerReady(joiner.peerID))
	}
}

func (pairedPolicy) onLeave(r *Room, leaver string, out *outbox) {
	for id, other := range r.peers {
		if id == leaver {
			continue
		}
		out.send(other, protocol.PeerLeft(leaver))
	}
}

func (p pairedPolicy) relay(r *Room, sender string, env *protocol.Envelope, out *outbox) {
	target := env.To
	if target == "" {
		target = p.defaultTarget(r, sender)
	}
	switch {
	case target == "":
		out.count(metrics.DropReasonNoTarget)
	case target == sender:
		out.count(metrics.DropReasonSelfTarget)
	case r.peers[target] != nil:
		out.send(r.peers[target], env)
		out.count(metrics.EventSignalDirect)
	default:
		r.pending[target] = append(r.pending[target], env)
		out.count(metrics.EventSignalQueued)
	}
}
