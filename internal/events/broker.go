// Package events fans route change notifications out to subscribers.
package events

import (
	"sync"
	"time"
)

const (
	RouteGenerated    = "route.generated"
	RouteReordered    = "route.reordered"
	RouteRecalculated = "route.recalculated"
	RouteStopRemoved  = "route.stop_removed"
)

type Event struct {
	Type    string         `json:"type"`
	RouteID string         `json:"routeId"`
	At      time.Time      `json:"at"`
	Data    map[string]any `json:"data,omitempty"`
}

// Broker delivers events published for a route to its subscribers.
// Delivery is best effort: a subscriber that falls behind misses events.
type Broker interface {
	Subscribe(routeID string) chan Event
	Unsubscribe(routeID string, ch chan Event)
	Publish(routeID string, evt Event)
}

// Memory is an in-process Broker.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // routeID -> subscribers
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Memory) Subscribe(routeID string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[routeID] == nil {
		b.subs[routeID] = map[chan Event]struct{}{}
	}
	b.subs[routeID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(routeID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[routeID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, routeID)
	}
	close(ch)
}

func (b *Memory) Publish(routeID string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[routeID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
