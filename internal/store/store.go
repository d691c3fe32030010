package store

import (
	"context"
	"time"

	"tourplan/internal/apperr"
	"tourplan/internal/model"
)

// Catalog resolves product and option durations in bulk.
type Catalog interface {
	ServiceDurations(ctx context.Context, productIDs, optionIDs []string) (model.DurationTable, error)
}

// Store is the persistence interface used by the scheduling engine and API.
type Store interface {
	Catalog

	Ping(ctx context.Context) error
	Close() error

	// Tours
	CreateTour(ctx context.Context, t model.Tour) (model.Tour, error)
	// GetTour returns the tour with its stops sorted by order.
	GetTour(ctx context.Context, id string) (model.Tour, error)
	// ListTours returns tours of a date in creation order, optionally
	// restricted to statuses. Stops are included.
	ListTours(ctx context.Context, date string, statuses ...model.TourStatus) ([]model.Tour, error)
	// DeleteTour removes the tour; its stops return to pending.
	DeleteTour(ctx context.Context, id string) error

	// Stops
	// CreateStop stores a pending stop, or appends it at the tail of
	// s.TourID when set.
	CreateStop(ctx context.Context, s model.Stop) (model.Stop, error)
	GetStops(ctx context.Context, ids []string) ([]model.Stop, error)
	ListPendingStops(ctx context.Context, date string) ([]model.Stop, error)
	// DeleteStop removes a stop and closes the gap in its tour's order.
	DeleteStop(ctx context.Context, id string) error
	// AppendStop moves a pending stop to the tail of a tour.
	AppendStop(ctx context.Context, tourID, stopID string, serviceMinutes int) (model.Stop, error)

	// ReorderStops rewrites every stop's order in one atomic unit.
	// orderedIDs must be exactly the tour's current stop set.
	ReorderStops(ctx context.Context, tourID string, orderedIDs []string) error
	// SaveSchedule persists derived stats and per-stop ETAs together.
	SaveSchedule(ctx context.Context, tourID string, stats model.TourStats, etas map[string]time.Time) error

	// Catalog maintenance
	UpsertProduct(ctx context.Context, p model.Product) error
	UpsertOption(ctx context.Context, o model.Option) error
}

var ErrNotFound = apperr.New(apperr.CodeNotFound, "not found")

func conflict(err error, msg string) error {
	return apperr.Wrap(apperr.CodePersistenceConflict, err, msg)
}
