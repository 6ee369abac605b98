// Package geocode resolves free-text addresses to geodetic coordinates
// via the OSM Nominatim API.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tree-radius/internal/resilience"
)

// Client resolves addresses to coordinates.
type Client interface {
	// Resolve geocodes a single free-text address. The returned Coord is
	// {longitude, latitude} in WGS-84 degrees.
	Resolve(ctx context.Context, address string) (geom.Coord, error)
}

// NotFoundError means the provider answered but had no match for the
// address. It is never retried.
type NotFoundError struct {
	Address string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("geocode: no match for address %q", e.Address)
}

// ExhaustedError means every attempt failed transiently.
type ExhaustedError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("geocode: gave up on address %q after %d attempts: %v", e.Address, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Option configures the client.
type Option func(*nominatim)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *nominatim) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *nominatim) {
		c.http = hc
	}
}

// WithUserAgent sets the User-Agent header. Nominatim rejects requests
// without an identifying agent.
func WithUserAgent(ua string) Option {
	return func(c *nominatim) {
		c.userAgent = ua
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *nominatim) {
		c.timeout = d
	}
}

// WithMaxAttempts sets the retry budget across transient failures.
func WithMaxAttempts(n int) Option {
	return func(c *nominatim) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRateLimit sets the requests-per-second limit.
func WithRateLimit(rps float64) Option {
	return func(c *nominatim) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

type nominatim struct {
	baseURL     string
	userAgent   string
	timeout     time.Duration
	maxAttempts int
	limiter     *rate.Limiter
	http        *http.Client
}

// NewClient creates a Nominatim geocoding client.
func NewClient(opts ...Option) Client {
	c := &nominatim{
		baseURL:     "https://nominatim.openstreetmap.org",
		userAgent:   "tree-radius/1.0",
		timeout:     3 * time.Second,
		maxAttempts: 5,
		limiter:     rate.NewLimiter(1, 1), // Nominatim usage policy: 1 req/s
		http:        &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// place is one entry of the Nominatim jsonv2 search response.
type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Resolve implements Client. Transient provider failures (timeouts,
// connection failures, throttling, 5xx) are retried within the attempt
// budget; an empty result set fails immediately with NotFoundError.
func (c *nominatim) Resolve(ctx context.Context, address string) (geom.Coord, error) {
	coord, err := resilience.Do(ctx, resilience.Policy{
		MaxAttempts:    c.maxAttempts,
		InitialBackoff: 250 * time.Millisecond,
		OnRetry:        resilience.RetryLogger("nominatim", zap.String("address", address)),
	}, func(ctx context.Context) (geom.Coord, error) {
		return c.resolveOnce(ctx, address)
	})
	if err != nil {
		// Only a spent budget of transient failures counts as exhaustion;
		// a definitive miss (or a hard provider error) propagates as-is.
		if resilience.IsTransient(err) {
			return nil, &ExhaustedError{Address: address, Attempts: c.maxAttempts, Err: err}
		}
		return nil, err
	}
	return coord, nil
}

func (c *nominatim) resolveOnce(ctx context.Context, address string) (geom.Coord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: rate limit")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{
		"q":      {address},
		"format": {"jsonv2"},
		"limit":  {"1"},
	}
	reqURL := c.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: build request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("geocode: nominatim returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: read body")
	}

	var places []place
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, eris.Wrap(err, "geocode: parse response")
	}
	if len(places) == 0 {
		return nil, &NotFoundError{Address: address}
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: parse latitude")
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: parse longitude")
	}

	return geom.Coord{lon, lat}, nil
}
