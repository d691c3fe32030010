package api

import (
	"sync"

	"tourplan/internal/tour"
)

// EventBroker fans tour events out to stream subscribers. It doubles as
// the tour.Publisher the engine emits into.
type EventBroker interface {
	tour.Publisher
	Subscribe(tourID string) chan tour.Event
	Unsubscribe(tourID string, ch chan tour.Event)
	Close() error
}

// Broker is the in-process EventBroker. Slow subscribers drop events
// instead of blocking publishers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan tour.Event]struct{} // tourID -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan tour.Event]struct{}{}}
}

func (b *Broker) Subscribe(tourID string) chan tour.Event {
	ch := make(chan tour.Event, 8)
	b.mu.Lock()
	if b.subs[tourID] == nil {
		b.subs[tourID] = map[chan tour.Event]struct{}{}
	}
	b.subs[tourID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(tourID string, ch chan tour.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[tourID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, tourID)
	}
	close(ch)
}

func (b *Broker) Publish(tourID string, evt tour.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[tourID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close drops every subscription, ending open streams.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, m := range b.subs {
		for ch := range m {
			close(ch)
		}
		delete(b.subs, id)
	}
	return nil
}
