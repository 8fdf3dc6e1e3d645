// Package senamhi fetches forecasts, warnings and warning shapefile archives
// from the SENAMHI website and geoserver.
package senamhi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/senamhi-tracker-service/internal/config"
	"github.com/couchcryptid/senamhi-tracker-service/internal/observability"
)

// Fetch errors. Callers treat all of them as per-item failures.
var (
	ErrNotFound    = errors.New("senamhi: not found")
	ErrTimeout     = errors.New("senamhi: timeout")
	ErrServerError = errors.New("senamhi: server error")
)

const maxBodyBytes = 64 << 20

// Client talks to the SENAMHI endpoints. Requests share one rate limiter so
// consecutive calls are spaced by the configured scrape delay.
type Client struct {
	httpClient   *http.Client
	userAgent    string
	forecastURL  string
	warningsAPI  string
	geoserverURL string
	limiter      *rate.Limiter
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// NewClient creates a SENAMHI client from the service configuration.
func NewClient(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		userAgent:    cfg.UserAgent,
		forecastURL:  cfg.ForecastURL,
		warningsAPI:  cfg.WarningsAPI,
		geoserverURL: cfg.GeoserverURL,
		limiter:      newLimiter(cfg.ScrapeDelay),
		clock:        clock,
		logger:       logger,
		metrics:      metrics,
	}
}

func newLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// get fetches fullURL and returns the body, mapping transport failures and
// status codes onto the package sentinel errors.
func (c *Client) get(ctx context.Context, fullURL, source string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s request: %w", source, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.observeDuration(source, time.Since(start))
	if err != nil {
		c.countRequest(source, "error")
		if isTimeout(err) {
			return nil, fmt.Errorf("%s request: %w: %v", source, ErrTimeout, err)
		}
		return nil, fmt.Errorf("%s request: %w", source, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.countRequest(source, "not_found")
		return nil, fmt.Errorf("%s request: %w", source, ErrNotFound)
	case resp.StatusCode >= http.StatusInternalServerError:
		c.countRequest(source, "error")
		return nil, fmt.Errorf("%s request: %w: status %d", source, ErrServerError, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		c.countRequest(source, "error")
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("senamhi API error: status %d: %s", resp.StatusCode, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.countRequest(source, "error")
		if isTimeout(err) {
			return nil, fmt.Errorf("%s read body: %w: %v", source, ErrTimeout, err)
		}
		return nil, fmt.Errorf("%s read body: %w", source, err)
	}
	c.countRequest(source, "success")
	return body, nil
}

func (c *Client) countRequest(source, outcome string) {
	if c.metrics != nil {
		c.metrics.FetchRequests.WithLabelValues(source, outcome).Inc()
	}
}

func (c *Client) observeDuration(source string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.FetchDuration.WithLabelValues(source).Observe(d.Seconds())
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
