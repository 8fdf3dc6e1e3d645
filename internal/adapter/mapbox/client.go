// Package mapbox geocodes forecast locations that the coordinates catalog
// does not know, using the Mapbox Geocoding API restricted to Peru.
package mapbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/observability"
)

const (
	defaultBaseURL = "https://api.mapbox.com/geocoding/v5/mapbox.places"
	fetchSource    = "geocode"
)

// Client implements domain.Geocoder using the Mapbox Geocoding API.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a Mapbox geocoding client.
func NewClient(token string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    defaultBaseURL,
		metrics:    metrics,
		logger:     logger,
	}
}

// ForwardGeocode looks up "location, department, Peru". SENAMHI names are
// upper case and often carry a province suffix ("HUARAL - LIMA"); only the
// part before the dash is sent.
func (c *Client) ForwardGeocode(ctx context.Context, location, department string) (domain.GeocodingResult, error) {
	name, _, _ := strings.Cut(location, " - ")
	query := strings.Join([]string{strings.TrimSpace(name), department, "Peru"}, ", ")

	u := fmt.Sprintf("%s/%s.json", c.baseURL, url.PathEscape(query))
	params := url.Values{
		"access_token": {c.token},
		"country":      {"pe"},
		"limit":        {"1"},
		"language":     {"es"},
		"types":        {"place,locality,district"},
	}

	start := time.Now()
	result, err := c.doRequest(ctx, u+"?"+params.Encode())
	c.metrics.FetchDuration.WithLabelValues(fetchSource).Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		c.metrics.FetchRequests.WithLabelValues(fetchSource, "error").Inc()
	case !result.Found():
		c.metrics.FetchRequests.WithLabelValues(fetchSource, "not_found").Inc()
	default:
		c.metrics.FetchRequests.WithLabelValues(fetchSource, "success").Inc()
	}
	if err != nil {
		return domain.GeocodingResult{}, err
	}
	c.logger.Debug("geocoded location", "location", location, "department", department,
		"place", result.PlaceName, "confidence", result.Confidence)
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (domain.GeocodingResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.GeocodingResult{}, fmt.Errorf("mapbox API error: status %d: %s", resp.StatusCode, body)
	}

	var mapboxResp response
	if err := json.NewDecoder(resp.Body).Decode(&mapboxResp); err != nil {
		return domain.GeocodingResult{}, fmt.Errorf("decode response: %w", err)
	}
	if len(mapboxResp.Features) == 0 {
		return domain.GeocodingResult{}, nil
	}

	f := mapboxResp.Features[0]
	result := domain.GeocodingResult{
		PlaceName:  f.PlaceName,
		Confidence: f.Relevance,
	}
	if len(f.Center) == 2 {
		result.Lon = f.Center[0]
		result.Lat = f.Center[1]
	}
	return result, nil
}

type response struct {
	Features []feature `json:"features"`
}

type feature struct {
	Center    []float64 `json:"center"` // [lon, lat]
	PlaceName string    `json:"place_name"`
	Relevance float64   `json:"relevance"`
}
