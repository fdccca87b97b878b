package rooms

import (
	"sort"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
)

// Registry maps room ids to live rooms. Lock order is registry, then room.
type Registry struct {
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		metrics: m,
		now:     time.Now,
		rooms:   make(map[string]*Room),
	}
}

// GetOrCreate returns the room for id, creating it with policy p if absent.
// An existing room keeps the policy it was created with.
func (g *Registry) GetOrCreate(id string, p Policy) *Room {
	g.mu.RLock()
	r := g.rooms[id]
	g.mu.RUnlock()
	if r != nil {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r := g.rooms[id]; r != nil {
		return r
	}
	r = newRoom(id, p, g.now())
	g.rooms[id] = r
	g.metrics.Inc(metrics.EventRoomCreated)
	g.metrics.RoomOpened()
	return r
}

// Get returns the room for id, or nil.
func (g *Registry) Get(id string) *Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[id]
}

// PruneIfEmpty removes the room for id if it has no registered peers. Queues
// held for peers that never joined go with it. A removed room is marked
// closed so a join racing with the prune retries against a fresh room.
func (g *Registry) PruneIfEmpty(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.rooms[id]
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) > 0 {
		return false
	}
	r.closed = true
	delete(g.rooms, id)
	g.metrics.Inc(metrics.EventRoomPruned)
	g.metrics.RoomClosed()
	return true
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// RoomInfo is a point-in-time view of one room.
type RoomInfo struct {
	ID      string
	Mode    Mode
	Peers   []string
	Pending int
}

// Snapshot returns every live room, sorted by id.
func (g *Registry) Snapshot() []RoomInfo {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		info := RoomInfo{ID: r.id, Mode: r.policy.Mode(), Peers: r.Peers()}
		for _, id := range r.PendingTargets() {
			info.Pending += r.Pending(id)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
