package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tourplan/internal/apperr"
	"tourplan/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string, maxOpen int) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

const tourColumns = `id::text, tour_date::text, name, depot_lat, depot_lng, start_minute, status,
	total_distance_m, total_duration_sec, total_travel_sec, total_service_sec, total_wait_sec,
	estimated_completion, leg_source, stats_computed_at, created_at, updated_at`

const stopColumns = `id::text, COALESCE(tour_id::text, ''), stop_date::text, client_name, lat, lng, kind,
	stop_order, window_start_minute, window_end_minute, service_minutes, eta, status, products, option_ids`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTour(row rowScanner) (model.Tour, error) {
	var (
		t                    model.Tour
		depotLat, depotLng   sql.NullFloat64
		startMinute          sql.NullInt32
		completion, computed sql.NullTime
		status               string
	)
	err := row.Scan(&t.ID, &t.Date, &t.Name, &depotLat, &depotLng, &startMinute, &status,
		&t.Stats.TotalDistanceM, &t.Stats.TotalDurationSec, &t.Stats.TotalTravelSec, &t.Stats.TotalServiceSec, &t.Stats.TotalWaitSec,
		&completion, &t.Stats.LegSource, &computed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return model.Tour{}, err
	}
	t.Status = model.TourStatus(status)
	if depotLat.Valid && depotLng.Valid {
		t.Depot = &model.GeoPoint{Lat: depotLat.Float64, Lng: depotLng.Float64}
	}
	if startMinute.Valid {
		tod := model.FromMinutes(int(startMinute.Int32))
		t.StartTime = &tod
	}
	if completion.Valid {
		c := completion.Time
		t.Stats.EstimatedCompletion = &c
	}
	if computed.Valid {
		c := computed.Time
		t.Stats.ComputedAt = &c
	}
	t.Stops = []model.Stop{}
	return t, nil
}

func scanStop(row rowScanner) (model.Stop, error) {
	var (
		s                 model.Stop
		lat, lng          sql.NullFloat64
		wStart, wEnd      sql.NullInt32
		eta               sql.NullTime
		kind, status      string
		products, options []byte
	)
	err := row.Scan(&s.ID, &s.TourID, &s.Date, &s.ClientName, &lat, &lng, &kind,
		&s.Order, &wStart, &wEnd, &s.ServiceMinutes, &eta, &status, &products, &options)
	if err != nil {
		return model.Stop{}, err
	}
	s.Kind = model.StopKind(kind)
	s.Status = model.StopStatus(status)
	if lat.Valid && lng.Valid {
		s.Location = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	if wStart.Valid {
		tod := model.FromMinutes(int(wStart.Int32))
		s.WindowStart = &tod
	}
	if wEnd.Valid {
		tod := model.FromMinutes(int(wEnd.Int32))
		s.WindowEnd = &tod
	}
	if eta.Valid {
		e := eta.Time
		s.ETA = &e
	}
	if len(products) > 0 {
		if err := json.Unmarshal(products, &s.Products); err != nil {
			return model.Stop{}, fmt.Errorf("decode products of stop %s: %w", s.ID, err)
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &s.OptionIDs); err != nil {
			return model.Stop{}, fmt.Errorf("decode options of stop %s: %w", s.ID, err)
		}
	}
	return s, nil
}

func (p *Postgres) CreateTour(ctx context.Context, t model.Tour) (model.Tour, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if _, err := uuid.Parse(t.ID); err != nil {
		return model.Tour{}, apperr.Newf(apperr.CodeValidation, "tour id %q is not a uuid", t.ID)
	}
	if t.Status == "" {
		t.Status = model.TourDraft
	}
	var depotLat, depotLng any
	if t.Depot != nil {
		depotLat, depotLng = t.Depot.Lat, t.Depot.Lng
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO tours (id, tour_date, name, depot_lat, depot_lng, start_minute, status)
		VALUES ($1, $2::date, $3, $4, $5, $6, $7) RETURNING `+tourColumns,
		t.ID, t.Date, t.Name, depotLat, depotLng, minutesOrNil(t.StartTime), string(t.Status))
	return scanTour(row)
}

func (p *Postgres) GetTour(ctx context.Context, id string) (model.Tour, error) {
	return p.getTour(ctx, p.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (p *Postgres) getTour(ctx context.Context, q querier, id string) (model.Tour, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Tour{}, fmt.Errorf("tour %s: %w", id, ErrNotFound)
	}
	t, err := scanTour(q.QueryRowContext(ctx, `SELECT `+tourColumns+` FROM tours WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tour{}, fmt.Errorf("tour %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Tour{}, err
	}
	stops, err := p.queryStops(ctx, q, `SELECT `+stopColumns+` FROM stops WHERE tour_id = $1 ORDER BY stop_order`, id)
	if err != nil {
		return model.Tour{}, err
	}
	t.Stops = stops
	return t, nil
}

func (p *Postgres) ListTours(ctx context.Context, date string, statuses ...model.TourStatus) ([]model.Tour, error) {
	query := `SELECT ` + tourColumns + ` FROM tours WHERE tour_date = $1::date`
	args := []any{date}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` AND status = ANY($2)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at, id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Tour{}
	index := map[string]int{}
	ids := []string{}
	for rows.Next() {
		t, err := scanTour(rows)
		if err != nil {
			return nil, err
		}
		index[t.ID] = len(out)
		ids = append(ids, t.ID)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}
	stops, err := p.queryStops(ctx, p.db, `SELECT `+stopColumns+` FROM stops WHERE tour_id::text = ANY($1) ORDER BY tour_id, stop_order`, ids)
	if err != nil {
		return nil, err
	}
	for _, s := range stops {
		i := index[s.TourID]
		out[i].Stops = append(out[i].Stops, s)
	}
	return out, nil
}

func (p *Postgres) DeleteTour(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("tour %s: %w", id, ErrNotFound)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE stops SET tour_id = NULL, stop_order = 0, eta = NULL, status = $2 WHERE tour_id = $1`,
		id, string(model.StopPending)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tours WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tour %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

func (p *Postgres) CreateStop(ctx context.Context, s model.Stop) (model.Stop, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	} else if _, err := uuid.Parse(s.ID); err != nil {
		return model.Stop{}, apperr.Newf(apperr.CodeValidation, "stop id %q is not a uuid", s.ID)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Stop{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var tourID any
	s.Status = model.StopPending
	s.Order = 0
	if s.TourID != "" {
		date, order, err := lockTourForAppend(ctx, tx, s.TourID)
		if err != nil {
			return model.Stop{}, err
		}
		tourID = s.TourID
		s.Date = date
		s.Order = order
		s.Status = model.StopAssigned
	}
	products, options, err := encodeLines(s)
	if err != nil {
		return model.Stop{}, err
	}
	var lat, lng any
	if s.Location != nil {
		lat, lng = s.Location.Lat, s.Location.Lng
	}
	row := tx.QueryRowContext(ctx, `INSERT INTO stops (id, tour_id, stop_date, client_name, lat, lng, kind, stop_order,
			window_start_minute, window_end_minute, service_minutes, status, products, option_ids)
		VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING `+stopColumns,
		s.ID, tourID, s.Date, s.ClientName, lat, lng, string(s.Kind), s.Order,
		minutesOrNil(s.WindowStart), minutesOrNil(s.WindowEnd), s.ServiceMinutes, string(s.Status), products, options)
	out, err := scanStop(row)
	if err != nil {
		return model.Stop{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Stop{}, conflict(err, "create stop")
	}
	return out, nil
}

// lockTourForAppend locks an editable tour and returns its date and the
// next free order index.
func lockTourForAppend(ctx context.Context, tx *sql.Tx, tourID string) (string, int, error) {
	if _, err := uuid.Parse(tourID); err != nil {
		return "", 0, fmt.Errorf("tour %s: %w", tourID, ErrNotFound)
	}
	var date, status string
	err := tx.QueryRowContext(ctx, `SELECT tour_date::text, status FROM tours WHERE id = $1 FOR UPDATE`, tourID).Scan(&date, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("tour %s: %w", tourID, ErrNotFound)
	}
	if err != nil {
		return "", 0, err
	}
	if !model.TourStatus(status).Editable() {
		return "", 0, apperr.Newf(apperr.CodeValidation, "tour %s is %s", tourID, status)
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stops WHERE tour_id = $1`, tourID).Scan(&count); err != nil {
		return "", 0, err
	}
	return date, count, nil
}

func (p *Postgres) GetStops(ctx context.Context, ids []string) ([]model.Stop, error) {
	if len(ids) == 0 {
		return []model.Stop{}, nil
	}
	found, err := p.queryStops(ctx, p.db, `SELECT `+stopColumns+` FROM stops WHERE id::text = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Stop, len(found))
	for _, s := range found {
		byID[s.ID] = s
	}
	out := make([]model.Stop, 0, len(ids))
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("stop %s: %w", id, ErrNotFound)
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *Postgres) ListPendingStops(ctx context.Context, date string) ([]model.Stop, error) {
	if date == "" {
		return p.queryStops(ctx, p.db, `SELECT `+stopColumns+` FROM stops WHERE tour_id IS NULL ORDER BY created_at, id`)
	}
	return p.queryStops(ctx, p.db, `SELECT `+stopColumns+` FROM stops WHERE tour_id IS NULL AND stop_date = $1::date ORDER BY created_at, id`, date)
}

func (p *Postgres) DeleteStop(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var tourID string
	err = tx.QueryRowContext(ctx, `DELETE FROM stops WHERE id = $1 RETURNING COALESCE(tour_id::text, '')`, id).Scan(&tourID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if tourID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE stops s SET stop_order = r.rn - 1, eta = NULL
			FROM (SELECT id, row_number() OVER (ORDER BY stop_order) AS rn FROM stops WHERE tour_id = $1) r
			WHERE s.id = r.id`, tourID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tours SET updated_at = now() WHERE id = $1`, tourID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return conflict(err, "delete stop "+id)
	}
	return nil
}

func (p *Postgres) AppendStop(ctx context.Context, tourID, stopID string, serviceMinutes int) (model.Stop, error) {
	if _, err := uuid.Parse(stopID); err != nil {
		return model.Stop{}, fmt.Errorf("stop %s: %w", stopID, ErrNotFound)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Stop{}, err
	}
	defer func() { _ = tx.Rollback() }()

	date, order, err := lockTourForAppend(ctx, tx, tourID)
	if err != nil {
		return model.Stop{}, err
	}
	var current sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT tour_id::text FROM stops WHERE id = $1 FOR UPDATE`, stopID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Stop{}, fmt.Errorf("stop %s: %w", stopID, ErrNotFound)
	}
	if err != nil {
		return model.Stop{}, err
	}
	if current.Valid {
		return model.Stop{}, conflict(nil, fmt.Sprintf("stop %s already belongs to tour %s", stopID, current.String))
	}
	row := tx.QueryRowContext(ctx, `UPDATE stops SET tour_id = $2, stop_date = $3::date, stop_order = $4,
			service_minutes = $5, status = $6, eta = NULL
		WHERE id = $1 RETURNING `+stopColumns,
		stopID, tourID, date, order, serviceMinutes, string(model.StopAssigned))
	s, err := scanStop(row)
	if err != nil {
		return model.Stop{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tours SET updated_at = now() WHERE id = $1`, tourID); err != nil {
		return model.Stop{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Stop{}, conflict(err, "append stop "+stopID)
	}
	return s, nil
}

// ReorderStops updates every order index inside one transaction. The
// (tour_id, stop_order) uniqueness is deferred to commit, so intermediate
// duplicates are fine and readers never see a partial sequence.
func (p *Postgres) ReorderStops(ctx context.Context, tourID string, orderedIDs []string) error {
	if _, err := uuid.Parse(tourID); err != nil {
		return fmt.Errorf("tour %s: %w", tourID, ErrNotFound)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return conflict(err, "reorder tour "+tourID)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tours WHERE id = $1 FOR UPDATE`, tourID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("tour %s: %w", tourID, ErrNotFound)
	}
	if err != nil {
		return conflict(err, "reorder tour "+tourID)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id::text FROM stops WHERE tour_id = $1 FOR UPDATE`, tourID)
	if err != nil {
		return conflict(err, "reorder tour "+tourID)
	}
	current := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return conflict(err, "reorder tour "+tourID)
		}
		current = append(current, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return conflict(err, "reorder tour "+tourID)
	}
	if err := samePermutation(current, orderedIDs); err != nil {
		return conflict(err, "reorder tour "+tourID)
	}

	for i, id := range orderedIDs {
		res, err := tx.ExecContext(ctx, `UPDATE stops SET stop_order = $1, eta = NULL WHERE id = $2 AND tour_id = $3`, i, id, tourID)
		if err != nil {
			return conflict(err, "reorder tour "+tourID)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return conflict(nil, fmt.Sprintf("stop %s vanished during reorder", id))
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tours SET updated_at = now() WHERE id = $1`, tourID); err != nil {
		return conflict(err, "reorder tour "+tourID)
	}
	if err := tx.Commit(); err != nil {
		return conflict(err, "reorder tour "+tourID)
	}
	return nil
}

func (p *Postgres) SaveSchedule(ctx context.Context, tourID string, stats model.TourStats, etas map[string]time.Time) error {
	if _, err := uuid.Parse(tourID); err != nil {
		return fmt.Errorf("tour %s: %w", tourID, ErrNotFound)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE tours SET total_distance_m = $2, total_duration_sec = $3, total_travel_sec = $4,
			total_service_sec = $5, total_wait_sec = $6, estimated_completion = $7, leg_source = $8,
			stats_computed_at = $9, updated_at = now()
		WHERE id = $1`,
		tourID, stats.TotalDistanceM, stats.TotalDurationSec, stats.TotalTravelSec, stats.TotalServiceSec, stats.TotalWaitSec,
		timeOrNil(stats.EstimatedCompletion), stats.LegSource, timeOrNil(stats.ComputedAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tour %s: %w", tourID, ErrNotFound)
	}
	for id, eta := range etas {
		res, err := tx.ExecContext(ctx, `UPDATE stops SET eta = $1 WHERE id::text = $2 AND tour_id = $3`, eta, id, tourID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return conflict(nil, fmt.Sprintf("stop %s is not in tour %s", id, tourID))
		}
	}
	if err := tx.Commit(); err != nil {
		return conflict(err, "save schedule of tour "+tourID)
	}
	return nil
}

func (p *Postgres) ServiceDurations(ctx context.Context, productIDs, optionIDs []string) (model.DurationTable, error) {
	out := model.DurationTable{Products: map[string]model.Product{}, Options: map[string]model.Option{}}
	if len(productIDs) > 0 {
		rows, err := p.db.QueryContext(ctx, `SELECT id, name, install_minutes, uninstall_minutes FROM products WHERE id = ANY($1)`, productIDs)
		if err != nil {
			return out, err
		}
		for rows.Next() {
			var pr model.Product
			if err := rows.Scan(&pr.ID, &pr.Name, &pr.InstallMinutes, &pr.UninstallMinutes); err != nil {
				rows.Close()
				return out, err
			}
			out.Products[pr.ID] = pr
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return out, err
		}
	}
	if len(optionIDs) > 0 {
		rows, err := p.db.QueryContext(ctx, `SELECT id, name, extra_minutes FROM product_options WHERE id = ANY($1)`, optionIDs)
		if err != nil {
			return out, err
		}
		defer rows.Close()
		for rows.Next() {
			var o model.Option
			if err := rows.Scan(&o.ID, &o.Name, &o.ExtraMinutes); err != nil {
				return out, err
			}
			out.Options[o.ID] = o
		}
		if err := rows.Err(); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (p *Postgres) UpsertProduct(ctx context.Context, pr model.Product) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO products (id, name, install_minutes, uninstall_minutes) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, install_minutes = EXCLUDED.install_minutes, uninstall_minutes = EXCLUDED.uninstall_minutes`,
		pr.ID, pr.Name, pr.InstallMinutes, pr.UninstallMinutes)
	return err
}

func (p *Postgres) UpsertOption(ctx context.Context, o model.Option) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO product_options (id, name, extra_minutes) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, extra_minutes = EXCLUDED.extra_minutes`,
		o.ID, o.Name, o.ExtraMinutes)
	return err
}

func (p *Postgres) queryStops(ctx context.Context, q querier, query string, args ...any) ([]model.Stop, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Stop{}
	for rows.Next() {
		s, err := scanStop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func encodeLines(s model.Stop) (products, options []byte, err error) {
	lines := s.Products
	if lines == nil {
		lines = []model.ProductLine{}
	}
	ids := s.OptionIDs
	if ids == nil {
		ids = []string{}
	}
	if products, err = json.Marshal(lines); err != nil {
		return nil, nil, err
	}
	if options, err = json.Marshal(ids); err != nil {
		return nil, nil, err
	}
	return products, options, nil
}

func minutesOrNil(t *model.TimeOfDay) any {
	if t == nil {
		return nil
	}
	return t.Minutes()
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
