package model

import "time"

type TourStatus string

const (
	TourDraft      TourStatus = "draft"
	TourPlanned    TourStatus = "planned"
	TourInProgress TourStatus = "in_progress"
	TourCompleted  TourStatus = "completed"
	TourCancelled  TourStatus = "cancelled"
)

func (s TourStatus) Valid() bool {
	switch s {
	case TourDraft, TourPlanned, TourInProgress, TourCompleted, TourCancelled:
		return true
	}
	return false
}

// Editable reports whether stops of a tour in this status may still be
// reordered or receive new stops.
func (s TourStatus) Editable() bool {
	return s == TourDraft || s == TourPlanned
}

type StopKind string

const (
	KindDelivery          StopKind = "delivery"
	KindPickup            StopKind = "pickup"
	KindDeliveryAndPickup StopKind = "delivery_and_pickup"
)

func (k StopKind) Valid() bool {
	switch k {
	case KindDelivery, KindPickup, KindDeliveryAndPickup:
		return true
	}
	return false
}

type StopStatus string

const (
	StopPending   StopStatus = "pending"
	StopAssigned  StopStatus = "assigned"
	StopCompleted StopStatus = "completed"
	StopSkipped   StopStatus = "skipped"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Tour struct {
	ID        string     `json:"id"`
	Date      string     `json:"date"`
	Name      string     `json:"name,omitempty"`
	Depot     *GeoPoint  `json:"depot,omitempty"`
	StartTime *TimeOfDay `json:"startTime,omitempty"`
	Status    TourStatus `json:"status"`
	Stops     []Stop     `json:"stops"`
	Stats     TourStats  `json:"stats"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// GeocodedStops counts stops with coordinates.
func (t Tour) GeocodedStops() int {
	n := 0
	for _, s := range t.Stops {
		if s.Geocoded() {
			n++
		}
	}
	return n
}

// TourStats is derived from the current stop order and never drives ordering.
type TourStats struct {
	TotalDistanceM      int        `json:"totalDistanceM"`
	TotalDurationSec    int        `json:"totalDurationSec"`
	TotalTravelSec      int        `json:"totalTravelSec"`
	TotalServiceSec     int        `json:"totalServiceSec"`
	TotalWaitSec        int        `json:"totalWaitSec"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
	LegSource           string     `json:"legSource,omitempty"`
	ComputedAt          *time.Time `json:"computedAt,omitempty"`
}

type Stop struct {
	ID             string        `json:"id"`
	TourID         string        `json:"tourId,omitempty"`
	Date           string        `json:"date,omitempty"`
	ClientName     string        `json:"clientName,omitempty"`
	Location       *GeoPoint     `json:"location,omitempty"`
	Kind           StopKind      `json:"kind"`
	Order          int           `json:"order"`
	WindowStart    *TimeOfDay    `json:"windowStart,omitempty"`
	WindowEnd      *TimeOfDay    `json:"windowEnd,omitempty"`
	ServiceMinutes int           `json:"serviceMinutes"`
	ETA            *time.Time    `json:"eta,omitempty"`
	Status         StopStatus    `json:"status"`
	Products       []ProductLine `json:"products,omitempty"`
	OptionIDs      []string      `json:"optionIds,omitempty"`
}

func (s Stop) Geocoded() bool { return s.Location != nil }

type ProductLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type Product struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	InstallMinutes   int    `json:"installMinutes"`
	UninstallMinutes int    `json:"uninstallMinutes"`
}

type Option struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ExtraMinutes int    `json:"extraMinutes"`
}

// DurationTable is the result of one bulk catalog lookup.
type DurationTable struct {
	Products map[string]Product
	Options  map[string]Option
}

// RouteLeg is the travel segment between two consecutive visited points.
type RouteLeg struct {
	DistanceM   float64 `json:"distanceM"`
	DurationSec float64 `json:"durationSec"`
}

func (l RouteLeg) Duration() time.Duration {
	return time.Duration(l.DurationSec * float64(time.Second))
}
