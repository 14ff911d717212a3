package collector

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tabular/location-collector/internal/location"
	"github.com/tabular/location-collector/internal/sensor"
)

type EventType string

const (
	EventLocationUpdate EventType = "locationUpdate"
	EventLocationError  EventType = "locationError"
)

// Event is what subscribers receive. Record is set for updates; Error and
// Code for failures.
type Event struct {
	Type   EventType        `json:"type"`
	Record *location.Record `json:"record,omitempty"`
	Error  string           `json:"error,omitempty"`
	Code   sensor.ErrorCode `json:"code,omitempty"`
}

type Listener func(Event)

type broadcaster struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	order     []string
}

func newBroadcaster() *broadcaster {
	return &broadcaster{listeners: make(map[string]Listener)}
}

func (b *broadcaster) subscribe(fn Listener) func() {
	id := uuid.NewString()
	b.mu.Lock()
	b.listeners[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, o := range b.order {
				if o == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// emit calls listeners in subscription order, outside the lock so a
// listener may unsubscribe itself.
func (b *broadcaster) emit(ev Event) {
	b.mu.RLock()
	fns := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (b *broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
