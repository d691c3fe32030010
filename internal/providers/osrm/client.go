package osrm

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"tourplan/internal/apperr"
	"tourplan/internal/model"
	"tourplan/internal/providers/httpx"
	"tourplan/internal/routing"
)

const providerName = "osrm"

// Client talks to an OSRM HTTP server (route and trip services).
type Client struct {
	http    *httpx.Client
	baseURL string
	profile string
}

func New(baseURL, profile string, opts ...httpx.Option) *Client {
	if profile == "" {
		profile = "driving"
	}
	return &Client{
		http:    httpx.New(providerName, opts...),
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: profile,
	}
}

type leg struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
}

type routeResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Legs     []leg   `json:"legs"`
	} `json:"routes"`
}

func (c *Client) Route(ctx context.Context, points []model.GeoPoint) (routing.Route, error) {
	if len(points) < 2 {
		return routing.Route{}, nil
	}
	u := fmt.Sprintf("%s/route/v1/%s/%s?overview=false&steps=false", c.baseURL, c.profile, coordinates(points))

	var resp routeResponse
	if err := c.http.GetJSON(ctx, u, &resp); err != nil {
		return routing.Route{}, fmt.Errorf("osrm route: %w", err)
	}
	if resp.Code != "Ok" || len(resp.Routes) == 0 {
		return routing.Route{}, apperr.Newf(apperr.CodeProviderRejected, "osrm route: code=%s %s", resp.Code, resp.Message)
	}
	r := resp.Routes[0]
	if len(r.Legs) != len(points)-1 {
		return routing.Route{}, apperr.Newf(apperr.CodeProviderRejected, "osrm route: %d legs for %d points", len(r.Legs), len(points))
	}
	out := routing.Route{DistanceM: r.Distance, DurationSec: r.Duration, Legs: make([]model.RouteLeg, len(r.Legs))}
	for i, l := range r.Legs {
		out.Legs[i] = model.RouteLeg{DistanceM: l.Distance, DurationSec: l.Duration}
	}
	return out, nil
}

type tripResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Waypoints []struct {
		WaypointIndex int `json:"waypoint_index"`
		TripsIndex    int `json:"trips_index"`
	} `json:"waypoints"`
}

// OptimizeRoute uses the trip service. Waypoints come back in input order,
// each carrying its position in the optimized trip.
func (c *Client) OptimizeRoute(ctx context.Context, points []model.GeoPoint, opts routing.TripOptions) ([]int, error) {
	switch len(points) {
	case 0:
		return nil, nil
	case 1:
		return []int{0}, nil
	}

	q := url.Values{}
	q.Set("overview", "false")
	q.Set("steps", "false")
	q.Set("source", "any")
	q.Set("destination", "any")
	q.Set("roundtrip", "true")
	if opts.FixedFirst || !opts.FreeLast {
		q.Set("roundtrip", "false")
		if opts.FixedFirst {
			q.Set("source", "first")
		}
		if !opts.FreeLast {
			q.Set("destination", "last")
		}
	}
	u := fmt.Sprintf("%s/trip/v1/%s/%s?%s", c.baseURL, c.profile, coordinates(points), q.Encode())

	var resp tripResponse
	if err := c.http.GetJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("osrm trip: %w", err)
	}
	if resp.Code != "Ok" {
		return nil, apperr.Newf(apperr.CodeProviderRejected, "osrm trip: code=%s %s", resp.Code, resp.Message)
	}
	if len(resp.Waypoints) != len(points) {
		return nil, apperr.Newf(apperr.CodeProviderRejected, "osrm trip: %d waypoints for %d points", len(resp.Waypoints), len(points))
	}

	order := make([]int, len(points))
	seen := make([]bool, len(points))
	for input, wp := range resp.Waypoints {
		if wp.TripsIndex != 0 {
			return nil, apperr.New(apperr.CodeProviderRejected, "osrm trip: result split into several trips")
		}
		if wp.WaypointIndex < 0 || wp.WaypointIndex >= len(points) || seen[wp.WaypointIndex] {
			return nil, apperr.Newf(apperr.CodeProviderRejected, "osrm trip: invalid waypoint index %d", wp.WaypointIndex)
		}
		seen[wp.WaypointIndex] = true
		order[wp.WaypointIndex] = input
	}
	if opts.FixedFirst && order[0] != 0 {
		return nil, apperr.New(apperr.CodeProviderRejected, "osrm trip: first point moved")
	}
	return order, nil
}

// coordinates renders "lon,lat;lon,lat" as OSRM expects.
func coordinates(points []model.GeoPoint) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = strconv.FormatFloat(p.Lng, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 6, 64)
	}
	return strings.Join(parts, ";")
}
