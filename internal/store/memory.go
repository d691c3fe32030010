package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tourplan/internal/apperr"
	"tourplan/internal/model"
)

// Memory is an in-memory store used when no database URL is configured.
type Memory struct {
	mu       sync.Mutex
	tours    map[string]model.Tour // stops are kept in stops, not here
	tourSeq  map[string]int        // creation order
	stopSeq  map[string]int        // creation order
	nextSeq  int
	stops    map[string]model.Stop
	products map[string]model.Product
	options  map[string]model.Option
	now      func() time.Time

	// beforeOrderWrite runs before each stop of a reorder is written;
	// an error aborts the reorder.
	beforeOrderWrite func(written int) error
}

func NewMemory() *Memory {
	return &Memory{
		tours:    map[string]model.Tour{},
		tourSeq:  map[string]int{},
		stopSeq:  map[string]int{},
		stops:    map[string]model.Stop{},
		products: map[string]model.Product{},
		options:  map[string]model.Option{},
		now:      time.Now,
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateTour(ctx context.Context, t model.Tour) (model.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := m.tours[t.ID]; exists {
		return model.Tour{}, apperr.Newf(apperr.CodeValidation, "tour %s already exists", t.ID)
	}
	if t.Status == "" {
		t.Status = model.TourDraft
	}
	now := m.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	t.Stops = nil
	m.tours[t.ID] = t
	m.tourSeq[t.ID] = m.nextSeq
	m.nextSeq++
	return m.assemble(t), nil
}

func (m *Memory) GetTour(ctx context.Context, id string) (model.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tours[id]
	if !ok {
		return model.Tour{}, fmt.Errorf("tour %s: %w", id, ErrNotFound)
	}
	return m.assemble(t), nil
}

func (m *Memory) ListTours(ctx context.Context, date string, statuses ...model.TourStatus) ([]model.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := map[model.TourStatus]bool{}
	for _, s := range statuses {
		allowed[s] = true
	}
	out := []model.Tour{}
	for _, t := range m.tours {
		if t.Date != date {
			continue
		}
		if len(allowed) > 0 && !allowed[t.Status] {
			continue
		}
		out = append(out, m.assemble(t))
	}
	sort.Slice(out, func(i, j int) bool { return m.tourSeq[out[i].ID] < m.tourSeq[out[j].ID] })
	return out, nil
}

func (m *Memory) DeleteTour(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tours[id]; !ok {
		return fmt.Errorf("tour %s: %w", id, ErrNotFound)
	}
	for sid, s := range m.stops {
		if s.TourID == id {
			s.TourID = ""
			s.Order = 0
			s.ETA = nil
			s.Status = model.StopPending
			m.stops[sid] = s
		}
	}
	delete(m.tours, id)
	delete(m.tourSeq, id)
	return nil
}

func (m *Memory) CreateStop(ctx context.Context, s model.Stop) (model.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.stops[s.ID]; exists {
		return model.Stop{}, apperr.Newf(apperr.CodeValidation, "stop %s already exists", s.ID)
	}
	s.ETA = nil
	if s.TourID == "" {
		s.Status = model.StopPending
		s.Order = 0
		m.stops[s.ID] = s
		m.stopSeq[s.ID] = m.nextSeq
		m.nextSeq++
		return s, nil
	}
	t, ok := m.tours[s.TourID]
	if !ok {
		return model.Stop{}, fmt.Errorf("tour %s: %w", s.TourID, ErrNotFound)
	}
	if !t.Status.Editable() {
		return model.Stop{}, apperr.Newf(apperr.CodeValidation, "tour %s is %s", t.ID, t.Status)
	}
	s.Date = t.Date
	s.Order = len(m.stopsOf(t.ID))
	s.Status = model.StopAssigned
	m.stops[s.ID] = s
	m.stopSeq[s.ID] = m.nextSeq
	m.nextSeq++
	m.touch(t.ID)
	return s, nil
}

func (m *Memory) GetStops(ctx context.Context, ids []string) ([]model.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Stop, 0, len(ids))
	for _, id := range ids {
		s, ok := m.stops[id]
		if !ok {
			return nil, fmt.Errorf("stop %s: %w", id, ErrNotFound)
		}
		out = append(out, cloneStop(s))
	}
	return out, nil
}

func (m *Memory) ListPendingStops(ctx context.Context, date string) ([]model.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Stop{}
	for _, s := range m.stops {
		if s.TourID == "" && (date == "" || s.Date == date) {
			out = append(out, cloneStop(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.stopSeq[out[i].ID] < m.stopSeq[out[j].ID] })
	return out, nil
}

func (m *Memory) DeleteStop(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stops[id]
	if !ok {
		return fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	delete(m.stops, id)
	delete(m.stopSeq, id)
	if s.TourID == "" {
		return nil
	}
	for i, rest := range m.stopsOf(s.TourID) {
		rest.Order = i
		rest.ETA = nil
		m.stops[rest.ID] = rest
	}
	m.touch(s.TourID)
	return nil
}

func (m *Memory) AppendStop(ctx context.Context, tourID, stopID string, serviceMinutes int) (model.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tours[tourID]
	if !ok {
		return model.Stop{}, fmt.Errorf("tour %s: %w", tourID, ErrNotFound)
	}
	if !t.Status.Editable() {
		return model.Stop{}, apperr.Newf(apperr.CodeValidation, "tour %s is %s", tourID, t.Status)
	}
	s, ok := m.stops[stopID]
	if !ok {
		return model.Stop{}, fmt.Errorf("stop %s: %w", stopID, ErrNotFound)
	}
	if s.TourID != "" {
		return model.Stop{}, conflict(nil, fmt.Sprintf("stop %s already belongs to tour %s", stopID, s.TourID))
	}
	s.TourID = tourID
	s.Date = t.Date
	s.Order = len(m.stopsOf(tourID))
	s.ServiceMinutes = serviceMinutes
	s.Status = model.StopAssigned
	s.ETA = nil
	m.stops[stopID] = s
	m.touch(tourID)
	return cloneStop(s), nil
}

func (m *Memory) ReorderStops(ctx context.Context, tourID string, orderedIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tours[tourID]; !ok {
		return fmt.Errorf("tour %s: %w", tourID, ErrNotFound)
	}
	current := m.stopsOf(tourID)
	currentIDs := make([]string, len(current))
	for i, s := range current {
		currentIDs[i] = s.ID
	}
	if err := samePermutation(currentIDs, orderedIDs); err != nil {
		return conflict(err, "reorder tour "+tourID)
	}

	// stage every write; commit only if all succeed
	staged := make(map[string]model.Stop, len(orderedIDs))
	for i, id := range orderedIDs {
		if m.beforeOrderWrite != nil {
			if err := m.beforeOrderWrite(i); err != nil {
				return conflict(err, "reorder tour "+tourID)
			}
		}
		s := m.stops[id]
		s.Order = i
		s.ETA = nil
		staged[id] = s
	}
	for id, s := range staged {
		m.stops[id] = s
	}
	m.touch(tourID)
	return nil
}

func (m *Memory) SaveSchedule(ctx context.Context, tourID string, stats model.TourStats, etas map[string]time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tours[tourID]
	if !ok {
		return fmt.Errorf("tour %s: %w", tourID, ErrNotFound)
	}
	for id := range etas {
		if s, ok := m.stops[id]; !ok || s.TourID != tourID {
			return conflict(nil, fmt.Sprintf("stop %s is not in tour %s", id, tourID))
		}
	}
	for id, eta := range etas {
		s := m.stops[id]
		e := eta
		s.ETA = &e
		m.stops[id] = s
	}
	t.Stats = stats
	t.UpdatedAt = m.now().UTC()
	m.tours[tourID] = t
	return nil
}

func (m *Memory) ServiceDurations(ctx context.Context, productIDs, optionIDs []string) (model.DurationTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := model.DurationTable{Products: map[string]model.Product{}, Options: map[string]model.Option{}}
	for _, id := range productIDs {
		if p, ok := m.products[id]; ok {
			out.Products[id] = p
		}
	}
	for _, id := range optionIDs {
		if o, ok := m.options[id]; ok {
			out.Options[id] = o
		}
	}
	return out, nil
}

func (m *Memory) UpsertProduct(ctx context.Context, p model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Memory) UpsertOption(ctx context.Context, o model.Option) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.options[o.ID] = o
	return nil
}

// stopsOf returns a tour's stops sorted by order. Caller holds mu.
func (m *Memory) stopsOf(tourID string) []model.Stop {
	out := []model.Stop{}
	for _, s := range m.stops {
		if s.TourID == tourID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) assemble(t model.Tour) model.Tour {
	stops := m.stopsOf(t.ID)
	t.Stops = make([]model.Stop, len(stops))
	for i, s := range stops {
		t.Stops[i] = cloneStop(s)
	}
	return t
}

func (m *Memory) touch(tourID string) {
	t := m.tours[tourID]
	t.UpdatedAt = m.now().UTC()
	m.tours[tourID] = t
}

func cloneStop(s model.Stop) model.Stop {
	s.Products = append([]model.ProductLine(nil), s.Products...)
	s.OptionIDs = append([]string(nil), s.OptionIDs...)
	return s
}

func samePermutation(current, ids []string) error {
	if len(current) != len(ids) {
		return fmt.Errorf("got %d ids for %d stops", len(ids), len(current))
	}
	want := make(map[string]bool, len(current))
	for _, id := range current {
		want[id] = true
	}
	for _, id := range ids {
		if !want[id] {
			return fmt.Errorf("stop %s is not part of the tour or listed twice", id)
		}
		delete(want, id)
	}
	return nil
}
