package vroom

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tourplan/internal/apperr"
	"tourplan/internal/model"
	"tourplan/internal/providers/httpx"
	"tourplan/internal/routing"
)

const providerName = "vroom"

// horizon bounds the vehicle shift and open-ended windows.
const horizon = 24 * time.Hour

// Client posts problems to a VROOM HTTP server. Job ids on the wire are
// Job.Index+1 since VROOM treats ids as opaque unsigned integers.
type Client struct {
	http    *httpx.Client
	baseURL string
	profile string
}

func New(baseURL string, opts ...httpx.Option) *Client {
	return &Client{
		http:    httpx.New(providerName, opts...),
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: "car",
	}
}

type vehicle struct {
	ID         int        `json:"id"`
	Profile    string     `json:"profile"`
	Start      [2]float64 `json:"start"`
	TimeWindow [2]int64   `json:"time_window"`
}

type job struct {
	ID          int        `json:"id"`
	Location    [2]float64 `json:"location"`
	Service     int64      `json:"service"`
	TimeWindows [][2]int64 `json:"time_windows,omitempty"`
}

type problem struct {
	Vehicles []vehicle `json:"vehicles"`
	Jobs     []job     `json:"jobs"`
}

type step struct {
	Type string `json:"type"`
	ID   *int   `json:"id"`
	Job  *int   `json:"job"`
}

type solution struct {
	Code       int    `json:"code"`
	Error      string `json:"error"`
	Unassigned []struct {
		ID int `json:"id"`
	} `json:"unassigned"`
	Routes []struct {
		Vehicle int    `json:"vehicle"`
		Steps   []step `json:"steps"`
	} `json:"routes"`
}

func (c *Client) Solve(ctx context.Context, jobs []routing.Job, v routing.Vehicle) (routing.Solution, error) {
	if len(jobs) == 0 {
		return routing.Solution{}, nil
	}
	req := buildProblem(jobs, v, c.profile)

	var resp solution
	if err := c.http.PostJSON(ctx, c.baseURL+"/", req, &resp); err != nil {
		return routing.Solution{}, fmt.Errorf("vroom solve: %w", err)
	}
	if resp.Code != 0 {
		return routing.Solution{}, apperr.Newf(apperr.CodeProviderRejected, "vroom solve: code=%d %s", resp.Code, resp.Error)
	}
	return decodeSolution(jobs, resp)
}

func buildProblem(jobs []routing.Job, v routing.Vehicle, profile string) problem {
	shiftStart := v.StartTime.Unix()
	shiftEnd := v.StartTime.Add(horizon).Unix()
	p := problem{
		Vehicles: []vehicle{{
			ID:         1,
			Profile:    profile,
			Start:      lonLat(v.Start),
			TimeWindow: [2]int64{shiftStart, shiftEnd},
		}},
		Jobs: make([]job, 0, len(jobs)),
	}
	for _, j := range jobs {
		out := job{
			ID:       j.Index + 1,
			Location: lonLat(j.Location),
			Service:  int64(j.Service / time.Second),
		}
		if j.WindowStart != nil || j.WindowEnd != nil {
			start, end := shiftStart, shiftEnd
			if j.WindowStart != nil {
				start = j.WindowStart.Unix()
			}
			if j.WindowEnd != nil {
				end = j.WindowEnd.Unix()
			}
			if end > start {
				out.TimeWindows = [][2]int64{{start, end}}
			}
		}
		p.Jobs = append(p.Jobs, out)
	}
	return p
}

func decodeSolution(jobs []routing.Job, resp solution) (routing.Solution, error) {
	known := make(map[int]bool, len(jobs))
	for _, j := range jobs {
		known[j.Index+1] = false
	}
	claim := func(id int) (int, error) {
		used, ok := known[id]
		if !ok {
			return 0, apperr.Newf(apperr.CodeProviderRejected, "vroom solve: unknown job id %d", id)
		}
		if used {
			return 0, apperr.Newf(apperr.CodeProviderRejected, "vroom solve: job id %d returned twice", id)
		}
		known[id] = true
		return id - 1, nil
	}

	var sol routing.Solution
	for _, r := range resp.Routes {
		for _, s := range r.Steps {
			if s.Type != "job" {
				continue
			}
			id := s.ID
			if id == nil {
				id = s.Job
			}
			if id == nil {
				return routing.Solution{}, apperr.New(apperr.CodeProviderRejected, "vroom solve: job step without id")
			}
			idx, err := claim(*id)
			if err != nil {
				return routing.Solution{}, err
			}
			sol.Ordered = append(sol.Ordered, idx)
		}
	}
	for _, u := range resp.Unassigned {
		idx, err := claim(u.ID)
		if err != nil {
			return routing.Solution{}, err
		}
		sol.Unassigned = append(sol.Unassigned, idx)
	}
	if len(sol.Ordered)+len(sol.Unassigned) != len(jobs) {
		return routing.Solution{}, apperr.Newf(apperr.CodeProviderRejected, "vroom solve: %d of %d jobs accounted for", len(sol.Ordered)+len(sol.Unassigned), len(jobs))
	}
	return sol, nil
}

func lonLat(p model.GeoPoint) [2]float64 { return [2]float64{p.Lng, p.Lat} }
