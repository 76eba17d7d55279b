package hub

import (
	"sync"
	"sync/atomic"

	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// SubscriberID is an opaque registry handle.
type SubscriberID uint64

// Subscriber receives packets from the hub.
type Subscriber interface {
	// Accepts filters packets, e.g. by channel.
	Accepts(p vbus.Packet) bool

	// Deliver queues p and its wire bytes without blocking. It returns
	// false when the subscriber cannot keep up; the hub then evicts it.
	Deliver(p vbus.Packet, b []byte) bool

	// Close shuts the subscriber down with the given reason.
	Close(reason error)
}

// registry is the subscriber arena. Its lock is never held while calling
// into a subscriber.
type registry struct {
	mu      sync.RWMutex
	entries map[SubscriberID]Subscriber
	nextID  SubscriberID

	evictions atomic.Uint64
}

func newRegistry() *registry {
	return &registry{entries: make(map[SubscriberID]Subscriber)}
}

func (r *registry) add(s Subscriber) SubscriberID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.entries[r.nextID] = s
	return r.nextID
}

// remove reports whether id was still registered.
func (r *registry) remove(id SubscriberID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

type registered struct {
	id  SubscriberID
	sub Subscriber
}

func (r *registry) snapshot() []registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]registered, 0, len(r.entries))
	for id, s := range r.entries {
		out = append(out, registered{id: id, sub: s})
	}
	return out
}

// fanOut delivers p to every accepting subscriber and evicts the ones that
// are full. It returns the number of deliveries.
func (r *registry) fanOut(p vbus.Packet, b []byte) int {
	delivered := 0
	for _, e := range r.snapshot() {
		if !e.sub.Accepts(p) {
			continue
		}
		if e.sub.Deliver(p, b) {
			delivered++
			continue
		}
		if r.remove(e.id) {
			r.evictions.Add(1)
			e.sub.Close(ErrEvicted)
		}
	}
	return delivered
}

// closeAll removes and closes every subscriber.
func (r *registry) closeAll(reason error) {
	r.mu.Lock()
	subs := make([]Subscriber, 0, len(r.entries))
	for id, s := range r.entries {
		subs = append(subs, s)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Close(reason)
	}
}
