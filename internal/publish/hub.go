// Package publish fans published snapshots out to storage, local subscribers
// and external sinks.
package publish

import (
	"sync"

	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
)

// Subscription receives every broadcast snapshot. Snapshots are shared
// between subscribers and must be treated as read-only.
type Subscription struct {
	id   uint64
	ch   chan []model.DerivedPrice
	hub  *Hub
	once sync.Once
}

// C is closed when the subscription is closed.
func (s *Subscription) C() <-chan []model.DerivedPrice {
	return s.ch
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s.id) })
}

// Hub is an in-process broadcaster. A slow subscriber loses its oldest
// pending snapshot; Broadcast never blocks.
type Hub struct {
	buffer  int
	metrics *metrics.Metrics

	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*Subscription
	current []model.DerivedPrice
}

// NewHub creates a hub with per-subscriber buffer size.
func NewHub(buffer int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		buffer:  buffer,
		metrics: m,
		subs:    make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber and hands it the current snapshot, if any.
func (h *Hub) Subscribe() *Subscription {
	return h.subscribe(true)
}

// SubscribeUpdates registers a subscriber that only sees snapshots broadcast
// after the call.
func (h *Hub) SubscribeUpdates() *Subscription {
	return h.subscribe(false)
}

func (h *Hub) subscribe(replay bool) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{id: h.nextID, ch: make(chan []model.DerivedPrice, h.buffer), hub: h}
	h.subs[sub.id] = sub
	if replay && len(h.current) > 0 {
		sub.ch <- h.current
	}
	h.metrics.SetSubscribers(len(h.subs))
	return sub
}

// Broadcast records snapshot as current and offers it to every subscriber.
func (h *Hub) Broadcast(snapshot []model.DerivedPrice) {
	h.mu.Lock()
	h.current = snapshot
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- snapshot:
			continue
		default:
		}
		select {
		case <-sub.ch:
			h.metrics.Dropped()
		default:
		}
		select {
		case sub.ch <- snapshot:
		default:
			h.metrics.Dropped()
		}
	}
}

// SetCurrent seeds the snapshot handed to new subscribers without broadcasting.
func (h *Hub) SetCurrent(snapshot []model.DerivedPrice) {
	h.mu.Lock()
	h.current = snapshot
	h.mu.Unlock()
}

// Len reports the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
	h.metrics.SetSubscribers(len(h.subs))
}
