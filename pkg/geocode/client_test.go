package geocode

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string, attempts int) Client {
	return NewClient(
		WithBaseURL(baseURL),
		WithMaxAttempts(attempts),
		WithTimeout(500*time.Millisecond),
		WithRateLimit(1000), // no throttling in tests
	)
}

func TestResolve_Success(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		assert.Equal(t, "1 Ferry Building, San Francisco", r.URL.Query().Get("q"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"lat":"37.7912","lon":"-122.3944","display_name":"Ferry Building"}]`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	coord, err := c.Resolve(context.Background(), "1 Ferry Building, San Francisco")
	require.NoError(t, err)

	assert.InDelta(t, -122.3944, coord.X(), 1e-9)
	assert.InDelta(t, 37.7912, coord.Y(), 1e-9)
	assert.Equal(t, int32(1), requests.Load())
}

func TestResolve_NoMatchFailsWithoutRetry(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	_, err := c.Resolve(context.Background(), "nowhere at all")
	require.Error(t, err)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nowhere at all", notFound.Address)
	assert.Equal(t, int32(1), requests.Load(), "a definitive miss must not be retried")
}

func TestResolve_TransientThenSuccess(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"lat":"37.0","lon":"-122.0"}]`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	coord, err := c.Resolve(context.Background(), "somewhere")
	require.NoError(t, err)

	assert.InDelta(t, 37.0, coord.Y(), 1e-9)
	assert.Equal(t, int32(3), requests.Load())
}

func TestResolve_ExhaustedAfterBudget(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	_, err := c.Resolve(context.Background(), "flaky town")
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "flaky town", exhausted.Address)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, int32(3), requests.Load())
}

func TestResolve_TimeoutIsTransient(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"lat":"37.0","lon":"-122.0"}]`)
	}))
	defer srv.Close()

	c := NewClient(
		WithBaseURL(srv.URL),
		WithMaxAttempts(3),
		WithTimeout(100*time.Millisecond),
		WithRateLimit(1000),
	)

	_, err := c.Resolve(context.Background(), "slow town")
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load())
}
