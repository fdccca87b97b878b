package rooms

import (
	"sort"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/protocol"
)

// Room is the membership of one room id. All fields below mu are guarded by
// it; policy hooks run with it held.
type Room struct {
	id        string
	policy    Policy
	createdAt time.Time

	mu        sync.Mutex
	peers     map[string]*Session
	joinOrder []string
	roles     map[string]Role
	pending   map[string][]*protocol.Envelope
	closed    bool
}

func newRoom(id string, p Policy, now time.Time) *Room {
	return &Room{
		id:        id,
		policy:    p,
		createdAt: now,
		peers:     make(map[string]*Session),
		roles:     make(map[string]Role),
		pending:   make(map[string][]*protocol.Envelope),
	}
}

func (r *Room) ID() string           { return r.id }
func (r *Room) Policy() Policy       { return r.policy }
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Peers returns the registered peer ids in join order.
func (r *Room) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.peers))
	for _, id := range r.joinOrder {
		if _, ok := r.peers[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// JoinOrder returns every peer id that has joined since the room was created,
// including peers that have since left.
func (r *Room) JoinOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.joinOrder...)
}

// RoleOf returns the role recorded for peerID.
func (r *Room) RoleOf(peerID string) Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roles[peerID]
}

// Pending returns how many envelopes are held for peerID.
func (r *Room) Pending(peerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[peerID])
}

// PendingTargets returns the peer ids that have held envelopes, sorted.
func (r *Room) PendingTargets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type joinResult struct {
	admitted bool
	// replaced is the session previously registered under the same peer id.
	replaced *Session
	out      outbox
}

// join registers s under its peer id. It reports false if the room was pruned
// before the lock was taken; the caller must look the room up again.
func (r *Room) join(s *Session, m *metrics.Metrics) (joinResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return joinResult{}, false
	}
	peerID := s.peerID
	if !r.policy.admit(r, peerID) {
		return joinResult{}, true
	}

	res := joinResult{admitted: true}
	if prev, ok := r.peers[peerID]; ok && prev != s {
		res.replaced = prev
	} else {
		m.PeerAdded()
	}
	r.peers[peerID] = s
	if !containsString(r.joinOrder, peerID) {
		r.joinOrder = append(r.joinOrder, peerID)
	}
	s.attach(r, r.policy.assignRole(r, peerID))

	res.out.send(s, protocol.JoinAck(r.id, peerID))
	r.policy.onJoin(r, s, &res.out)

	if held := r.pending[peerID]; len(held) > 0 {
		delete(r.pending, peerID)
		for _, env := range held {
			res.out.send(s, env)
		}
		res.out.count(metrics.EventQueueFlushed)
	}

	r.dispatchLocked(&res.out)
	return res, true
}

type leaveResult struct {
	removed bool
	empty   bool
	out     outbox
}

// leave unregisters s if it is still the session registered under its peer
// id. A session that was replaced by a reconnect leaves nothing behind.
func (r *Room) leave(s *Session, m *metrics.Metrics) leaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	peerID := s.peerID
	if r.peers[peerID] != s {
		return leaveResult{empty: len(r.peers) == 0}
	}
	delete(r.peers, peerID)
	delete(r.pending, peerID)
	m.PeerRemoved()

	res := leaveResult{removed: true, empty: len(r.peers) == 0}
	r.policy.onLeave(r, peerID, &res.out)
	r.dispatchLocked(&res.out)
	return res
}

// relay routes one signal from sender. It is a no-op if sender is no longer
// the registered session for its peer id.
func (r *Room) relay(sender *Session, env *protocol.Envelope) (outbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out outbox
	if r.peers[sender.peerID] != sender {
		return out, false
	}
	r.policy.relay(r, sender.peerID, env, &out)
	r.dispatchLocked(&out)
	return out, true
}

// dispatchLocked performs the direct deliveries of out. Transport.Send never
// blocks, so holding the room lock here only orders deliveries.
func (r *Room) dispatchLocked(out *outbox) {
	for _, d := range out.direct {
		data, err := d.env.MarshalJSON()
		if err != nil {
			d.to.log.Warn("encode failed", "type", d.env.Type, "err", err)
			continue
		}
		d.to.send(data)
	}
	out.direct = nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
