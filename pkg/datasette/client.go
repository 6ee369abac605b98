// Package datasette reads pages of the Street_Tree_List table from the
// san-francisco datasette's SQL-over-HTTP endpoint.
package datasette

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tree-radius/internal/resilience"
)

// treeColumns is the fixed 19-column projection of Street_Tree_List,
// in the positional order rows are decoded downstream.
const treeColumns = "rowid, TreeID, qLegalStatus, qSpecies, qAddress, SiteOrder, qSiteInfo, " +
	"PlantType, qCaretaker, qCareAssistant, PlantDate, DBH, PlotSize, PermitNotes, " +
	"XCoord, YCoord, Latitude, Longitude, Location"

// Page is one fetched batch of raw positional rows. An empty Rows slice
// is the end-of-dataset signal for the requesting consumer.
type Page struct {
	Offset int
	Rows   [][]any
}

// BadStatusError is a successful-but-error response from the datasette.
// It is never retried: the request itself is logically unrecoverable.
type BadStatusError struct {
	Offset int
	Status int
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("datasette: page at offset %d returned status %d", e.Offset, e.Status)
}

// ExhaustedError means every attempt at one page failed at the
// transport level.
type ExhaustedError struct {
	Offset   int
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("datasette: gave up on page at offset %d after %d attempts: %v", e.Offset, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Client fetches pages of tree rows.
type Client interface {
	// FetchPage fetches up to limit rows starting at offset, ordered by
	// rowid ascending.
	FetchPage(ctx context.Context, offset, limit int) (Page, error)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.timeout = d
	}
}

// WithMaxAttempts sets the retry budget for transport failures.
func WithMaxAttempts(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRateLimit sets the requests-per-second limit shared by all
// consumers of this client.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
}

type httpClient struct {
	baseURL     string
	timeout     time.Duration
	maxAttempts int
	limiter     *rate.Limiter
	http        *http.Client
}

// NewClient creates a datasette client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:     "https://san-francisco.datasettes.com/sf-trees",
		timeout:     3 * time.Second,
		maxAttempts: 10,
		limiter:     rate.NewLimiter(10, 11),
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// queryResponse is the subset of the datasette JSON response we use.
type queryResponse struct {
	Rows [][]any `json:"rows"`
}

// FetchPage implements Client. Only transport-level failures are
// retried; a non-2xx response fails immediately with BadStatusError.
func (c *httpClient) FetchPage(ctx context.Context, offset, limit int) (Page, error) {
	page, err := resilience.Do(ctx, resilience.Policy{
		MaxAttempts:    c.maxAttempts,
		InitialBackoff: 100 * time.Millisecond,
		OnRetry:        resilience.RetryLogger("datasette", zap.Int("offset", offset)),
	}, func(ctx context.Context) (Page, error) {
		return c.fetchOnce(ctx, offset, limit)
	})
	if err != nil {
		if resilience.IsTransient(err) {
			return Page{}, &ExhaustedError{Offset: offset, Attempts: c.maxAttempts, Err: err}
		}
		return Page{}, err
	}
	return page, nil
}

func (c *httpClient) fetchOnce(ctx context.Context, offset, limit int) (Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Page{}, eris.Wrap(err, "datasette: rate limit")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := fmt.Sprintf("select %s from Street_Tree_List order by rowid limit %d", treeColumns, limit)
	if offset > 0 {
		query += fmt.Sprintf(" offset %d", offset)
	}
	reqURL := c.baseURL + ".json?sql=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Page{}, eris.Wrap(err, "datasette: build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, eris.Wrap(err, "datasette: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return Page{}, &BadStatusError{Offset: offset, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, eris.Wrap(err, "datasette: read body")
	}

	var qr queryResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return Page{}, eris.Wrap(err, "datasette: parse response")
	}

	zap.L().Debug("fetched page",
		zap.Int("offset", offset),
		zap.Int("rows", len(qr.Rows)),
	)
	return Page{Offset: offset, Rows: qr.Rows}, nil
}
