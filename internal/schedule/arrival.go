// Package schedule turns an ordered stop sequence into wall-clock timings.
// Everything here is pure: no I/O, no clocks.
package schedule

import (
	"fmt"
	"time"

	"tourplan/internal/model"
)

// Visit is one stop as seen by the simulator.
type Visit struct {
	Service     time.Duration
	WindowStart *model.TimeOfDay
	WindowEnd   *model.TimeOfDay
}

type Punctuality string

const (
	OnTime    Punctuality = "on_time"
	EarlyWait Punctuality = "early_wait"
	Late      Punctuality = "late"
)

type StopTiming struct {
	Arrival      time.Time     `json:"arrival"`
	Wait         time.Duration `json:"wait"`
	ServiceStart time.Time     `json:"serviceStart"`
	Departure    time.Time     `json:"departure"`
	Punctuality  Punctuality   `json:"punctuality"`
}

type Plan struct {
	Start        time.Time
	Stops        []StopTiming
	TotalTravel  time.Duration
	TotalService time.Duration
	TotalWait    time.Duration
	Completion   time.Time
}

// Duration is the elapsed time from start to completion.
func (p Plan) Duration() time.Duration { return p.Completion.Sub(p.Start) }

// ProjectTimeOfDay places tod on the calendar day of ref, in ref's location.
func ProjectTimeOfDay(ref time.Time, tod model.TimeOfDay) time.Time {
	return tod.On(ref)
}

// Advance visits one stop: travel leg from current, optional wait for the
// window start, then service. window_end never delays or rejects the visit.
func Advance(current time.Time, leg time.Duration, v Visit) StopTiming {
	arrival := current.Add(leg)
	serviceStart := arrival
	if v.WindowStart != nil {
		if ws := ProjectTimeOfDay(arrival, *v.WindowStart); ws.After(arrival) {
			serviceStart = ws
		}
	}
	st := StopTiming{
		Arrival:      arrival,
		Wait:         serviceStart.Sub(arrival),
		ServiceStart: serviceStart,
		Departure:    serviceStart.Add(v.Service),
	}
	st.Punctuality = Classify(st, v)
	return st
}

// Classify labels a timing against its window for display.
func Classify(st StopTiming, v Visit) Punctuality {
	if v.WindowEnd != nil && st.ServiceStart.After(ProjectTimeOfDay(st.ServiceStart, *v.WindowEnd)) {
		return Late
	}
	if st.Wait > 0 {
		return EarlyWait
	}
	return OnTime
}

// Simulate runs visits in order. legs[i] is the travel time into visits[i];
// an ungeocoded stop is expected to carry a zero leg.
func Simulate(start time.Time, visits []Visit, legs []time.Duration) (Plan, error) {
	if len(legs) != len(visits) {
		return Plan{}, fmt.Errorf("simulate: %d legs for %d visits", len(legs), len(visits))
	}
	plan := Plan{Start: start, Stops: make([]StopTiming, 0, len(visits))}
	current := start
	for i, v := range visits {
		if legs[i] < 0 || v.Service < 0 {
			return Plan{}, fmt.Errorf("simulate: negative duration at visit %d", i)
		}
		st := Advance(current, legs[i], v)
		plan.Stops = append(plan.Stops, st)
		plan.TotalTravel += legs[i]
		plan.TotalWait += st.Wait
		plan.TotalService += v.Service
		current = st.Departure
	}
	plan.Completion = current
	return plan, nil
}

// VisitFor adapts a stored stop.
func VisitFor(s model.Stop) Visit {
	return Visit{
		Service:     time.Duration(s.ServiceMinutes) * time.Minute,
		WindowStart: s.WindowStart,
		WindowEnd:   s.WindowEnd,
	}
}
