package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tourplan/internal/apperr"
	"tourplan/internal/model"
	"tourplan/internal/routing"
	"tourplan/internal/schedule"
	"tourplan/internal/tour"
)

type createTourRequest struct {
	ID        string           `json:"id" validate:"omitempty,uuid"`
	Date      string           `json:"date" validate:"required,datetime=2006-01-02"`
	Name      string           `json:"name" validate:"max=200"`
	Depot     *model.GeoPoint  `json:"depot"`
	StartTime *model.TimeOfDay `json:"startTime"`
	Status    model.TourStatus `json:"status" validate:"omitempty,oneof=draft planned in_progress completed cancelled"`
}

type productLine struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1"`
}

type createStopRequest struct {
	ID          string           `json:"id" validate:"omitempty,uuid"`
	TourID      string           `json:"tourId" validate:"omitempty,uuid"`
	Date        string           `json:"date" validate:"omitempty,datetime=2006-01-02"`
	ClientName  string           `json:"clientName" validate:"max=200"`
	Location    *model.GeoPoint  `json:"location"`
	Kind        model.StopKind   `json:"kind" validate:"required,oneof=delivery pickup delivery_and_pickup"`
	WindowStart *model.TimeOfDay `json:"windowStart"`
	WindowEnd   *model.TimeOfDay `json:"windowEnd"`
	Products    []productLine    `json:"products" validate:"dive"`
	OptionIDs   []string         `json:"optionIds" validate:"dive,required"`
}

type optimizeRequest struct {
	RespectWindows *bool `json:"respectWindows"`
	ApplyOrder     bool  `json:"applyOrder"`
}

type recomputeRequest struct {
	UseTraffic bool `json:"useTraffic"`
}

type dispatchRequest struct {
	Date    string   `json:"date" validate:"required,datetime=2006-01-02"`
	StopIDs []string `json:"stopIds" validate:"dive,required"`
}

type travelTimeRequest struct {
	Origin      model.GeoPoint `json:"origin"`
	Destination model.GeoPoint `json:"destination"`
	DepartAt    *time.Time     `json:"departAt"`
}

type productRequest struct {
	Name             string `json:"name" validate:"required,max=200"`
	InstallMinutes   int    `json:"installMinutes" validate:"min=0"`
	UninstallMinutes int    `json:"uninstallMinutes" validate:"min=0"`
}

type optionRequest struct {
	Name         string `json:"name" validate:"required,max=200"`
	ExtraMinutes int    `json:"extraMinutes" validate:"min=0"`
}

// stopView decorates a stored stop with the punctuality of its ETA.
type stopView struct {
	model.Stop
	Punctuality schedule.Punctuality `json:"punctuality,omitempty"`
}

type tourView struct {
	model.Tour
	Stops []stopView `json:"stops"`
}

func (s *Server) viewTour(t model.Tour) tourView {
	v := tourView{Tour: t, Stops: make([]stopView, len(t.Stops))}
	for i, st := range t.Stops {
		v.Stops[i] = stopView{Stop: st}
		if st.ETA != nil {
			timing := schedule.Advance(st.ETA.In(s.cfg.Location()), 0, schedule.VisitFor(st))
			v.Stops[i].Punctuality = timing.Punctuality
		}
	}
	return v
}

func validPoint(p *model.GeoPoint) bool {
	return p == nil || (p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180)
}

func (s *Server) createTour(w http.ResponseWriter, r *http.Request) {
	var req createTourRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !validPoint(req.Depot) {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "depot coordinates out of range"))
		return
	}
	t, err := s.store.CreateTour(r.Context(), model.Tour{
		ID:        req.ID,
		Date:      req.Date,
		Name:      req.Name,
		Depot:     req.Depot,
		StartTime: req.StartTime,
		Status:    req.Status,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.viewTour(t))
}

func (s *Server) listTours(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "date query parameter must be YYYY-MM-DD"))
		return
	}
	var statuses []model.TourStatus
	for _, v := range r.URL.Query()["status"] {
		st := model.TourStatus(v)
		if !st.Valid() {
			s.writeError(w, r, apperr.Newf(apperr.CodeValidation, "unknown status %q", v))
			return
		}
		statuses = append(statuses, st)
	}
	tours, err := s.store.ListTours(r.Context(), date, statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]tourView, len(tours))
	for i, t := range tours {
		out[i] = s.viewTour(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) getTour(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTour(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewTour(t))
}

func (s *Server) deleteTour(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTour(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createStop(w http.ResponseWriter, r *http.Request) {
	var req createStopRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TourID == "" && req.Date == "" {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "date is required for a stop without tour"))
		return
	}
	if !validPoint(req.Location) {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "location coordinates out of range"))
		return
	}
	if req.WindowStart != nil && req.WindowEnd != nil && req.WindowEnd.Minutes() < req.WindowStart.Minutes() {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "windowEnd is before windowStart"))
		return
	}

	stop := model.Stop{
		ID:          req.ID,
		TourID:      req.TourID,
		Date:        req.Date,
		ClientName:  req.ClientName,
		Location:    req.Location,
		Kind:        req.Kind,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		OptionIDs:   req.OptionIDs,
	}
	for _, l := range req.Products {
		stop.Products = append(stop.Products, model.ProductLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	productIDs, optionIDs := schedule.CatalogIDs([]model.Stop{stop})
	table, err := s.store.ServiceDurations(r.Context(), productIDs, optionIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stop.ServiceMinutes = schedule.StopServiceMinutes(stop, table)

	created, err := s.store.CreateStop(r.Context(), stop)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) deleteStop(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteStop(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) optimizeTour(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := tour.Options{RespectWindows: true, ApplyOrder: req.ApplyOrder}
	if req.RespectWindows != nil {
		opts.RespectWindows = *req.RespectWindows
	}
	tourID := chi.URLParam(r, "id")
	res, err := s.tours.Optimize(s.log.WithTourID(r.Context(), tourID), tourID, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) recomputeTour(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	tourID := chi.URLParam(r, "id")
	sched, err := s.tours.RecomputeStats(s.log.WithTourID(r.Context(), tourID), tourID, req.UseTraffic)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.dispatcher.Dispatch(r.Context(), req.Date, req.StopIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) travelTime(w http.ResponseWriter, r *http.Request) {
	if s.traffic == nil {
		s.writeError(w, r, apperr.New(apperr.CodeProviderUnavailable, "no traffic provider configured"))
		return
	}
	var req travelTimeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !validPoint(&req.Origin) || !validPoint(&req.Destination) {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "coordinates out of range"))
		return
	}
	q := routing.TravelQuery{Origin: req.Origin, Destination: req.Destination, DepartAt: time.Now()}
	if req.DepartAt != nil {
		q.DepartAt = *req.DepartAt
	}
	est, err := s.traffic.TravelTime(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) upsertProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := model.Product{ID: chi.URLParam(r, "id"), Name: req.Name, InstallMinutes: req.InstallMinutes, UninstallMinutes: req.UninstallMinutes}
	if err := s.store.UpsertProduct(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) upsertOption(w http.ResponseWriter, r *http.Request) {
	var req optionRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	o := model.Option{ID: chi.URLParam(r, "id"), Name: req.Name, ExtraMinutes: req.ExtraMinutes}
	if err := s.store.UpsertOption(r.Context(), o); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
