package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var ErrClosed = errors.New("fanout: closed")

// Message is one publication to a group. Data is an encoded envelope that
// subscribers forward to their client unchanged; From and To let each
// subscriber apply exclude-self and directed-delivery filtering at the edge.
type Message struct {
	Group string          `json:"group"`
	From  string          `json:"from,omitempty"`
	To    string          `json:"to,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Subscriber receives every message published to the groups it joined.
// Deliver must not block.
type Subscriber interface {
	Deliver(msg Message)
}

// Hub is an in-process fanout. It is the default for single-instance
// deployments and the local dispatch layer for brokered fanouts.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[Subscriber]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{groups: make(map[string]map[Subscriber]struct{})}
}

func (h *Hub) Subscribe(group string, sub Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	subs := h.groups[group]
	if subs == nil {
		subs = make(map[Subscriber]struct{})
		h.groups[group] = subs
	}
	subs[sub] = struct{}{}
	return nil
}

func (h *Hub) Unsubscribe(group string, sub Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.groups[group]
	if subs == nil {
		return nil
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.groups, group)
	}
	return nil
}

// Publish delivers msg to every current subscriber of msg.Group. Deliveries
// run on the caller's goroutine after the registry lock is released, so a
// single publisher's messages arrive in order.
func (h *Hub) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]Subscriber, 0, len(h.groups[msg.Group]))
	for sub := range h.groups[msg.Group] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.Deliver(msg)
	}
	return nil
}

// Subscribers returns the number of local subscribers of group.
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.groups = make(map[string]map[Subscriber]struct{})
	h.mu.Unlock()
	return nil
}
