package tour

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventOptimized    = "tour.optimized"
	EventStatsUpdated = "tour.stats_updated"
	EventStopAssigned = "tour.stop_assigned"
)

// Event is a change notification fanned out to live subscribers of a tour.
type Event struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	TourID string         `json:"tourId"`
	At     time.Time      `json:"at"`
	Data   map[string]any `json:"data,omitempty"`
}

func NewEvent(typ, tourID string, data map[string]any) Event {
	return Event{ID: uuid.NewString(), Type: typ, TourID: tourID, At: time.Now().UTC(), Data: data}
}

// Publisher delivers events; implementations must not block the caller.
type Publisher interface {
	Publish(tourID string, evt Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, Event) {}
