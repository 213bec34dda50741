// Package lifecycle fans the host's foreground/background transitions out to
// the components that hold the capture device.
package lifecycle

import (
	"fmt"
	"sort"
	"sync"
)

// Event is one of the two process-wide transitions the engine reacts to.
type Event int

const (
	// WillResignActive fires when the app is about to move to the background.
	WillResignActive Event = iota + 1
	// DidBecomeActive fires when the app returns to the foreground.
	DidBecomeActive
)

func (e Event) String() string {
	switch e {
	case WillResignActive:
		return "will_resign_active"
	case DidBecomeActive:
		return "did_become_active"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ParseEvent accepts the names used by the host API.
func ParseEvent(s string) (Event, error) {
	switch s {
	case "background", WillResignActive.String():
		return WillResignActive, nil
	case "foreground", DidBecomeActive.String():
		return DidBecomeActive, nil
	}
	return 0, fmt.Errorf("lifecycle: unknown event %q", s)
}

// Bus is an explicit subscription registry. There is no package-level
// instance; the process owner creates one and hands it to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscription is released with Close; Close is idempotent.
type Subscription struct {
	bus  *Bus
	id   int
	once sync.Once
}

// Subscribe registers fn for every published event.
func (b *Bus) Subscribe(fn func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = fn
	return &Subscription{bus: b, id: b.nextID}
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

// Publish delivers e to every subscriber synchronously, in subscription order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	fns := make(map[int]func(Event), len(b.subs))
	for id, fn := range b.subs {
		ids = append(ids, id)
		fns[id] = fn
	}
	b.mu.RUnlock()

	sort.Ints(ids)
	for _, id := range ids {
		fns[id](e)
	}
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

