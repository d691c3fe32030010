package tomtom

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tourplan/internal/apperr"
	"tourplan/internal/model"
	"tourplan/internal/providers/httpx"
	"tourplan/internal/routing"
)

const providerName = "tomtom"

// Client calls the TomTom Routing API for traffic-aware point-to-point
// travel times. Requests are throttled by the shared httpx limiter.
type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

func New(baseURL, apiKey string, opts ...httpx.Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("tomtom api key is empty")
	}
	return &Client{
		http:    httpx.New(providerName, opts...),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		now:     time.Now,
	}, nil
}

type calculateRouteResponse struct {
	Routes []struct {
		Summary struct {
			LengthInMeters        float64 `json:"lengthInMeters"`
			TravelTimeInSeconds   float64 `json:"travelTimeInSeconds"`
			TrafficDelayInSeconds float64 `json:"trafficDelayInSeconds"`
		} `json:"summary"`
	} `json:"routes"`
}

func (c *Client) TravelTime(ctx context.Context, q routing.TravelQuery) (routing.TravelEstimate, error) {
	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("traffic", "true")
	params.Set("routeType", "fastest")
	params.Set("travelMode", "car")
	params.Set("departAt", c.departAt(q.DepartAt))

	u := fmt.Sprintf("%s/routing/1/calculateRoute/%s:%s/json?%s",
		c.baseURL, latLon(q.Origin), latLon(q.Destination), params.Encode())

	var resp calculateRouteResponse
	if err := c.http.GetJSON(ctx, u, &resp); err != nil {
		return routing.TravelEstimate{}, fmt.Errorf("tomtom calculateRoute: %w", err)
	}
	if len(resp.Routes) == 0 {
		return routing.TravelEstimate{}, apperr.New(apperr.CodeProviderRejected, "tomtom calculateRoute: no route")
	}
	s := resp.Routes[0].Summary
	if s.TravelTimeInSeconds < 0 || s.LengthInMeters < 0 {
		return routing.TravelEstimate{}, apperr.New(apperr.CodeProviderRejected, "tomtom calculateRoute: negative summary")
	}
	return routing.TravelEstimate{
		DistanceM:       s.LengthInMeters,
		DurationSec:     s.TravelTimeInSeconds,
		TrafficDelaySec: s.TrafficDelayInSeconds,
	}, nil
}

// departAt renders ISO 8601; the API refuses departures in the past.
func (c *Client) departAt(t time.Time) string {
	if t.IsZero() || t.Before(c.now()) {
		return "now"
	}
	return t.Format(time.RFC3339)
}

func latLon(p model.GeoPoint) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}
