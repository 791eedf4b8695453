package wiki

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		Endpoint:   srv.URL + "/api.php",
		UserAgent:  "wikiscrape-test/1.0",
		Timeout:    timeout,
		RetryAfter: 10 * time.Millisecond,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestClientCallAddsFormatAndUserAgent(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api.php", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "query", r.URL.Query().Get("action"))
		assert.Equal(t, "wikiscrape-test/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"query":{"ok":true}}`))
	}, time.Second)

	var out struct {
		Query struct {
			OK bool `json:"ok"`
		} `json:"query"`
	}
	require.NoError(t, client.Call(context.Background(), url.Values{"action": {"query"}}, &out))
	assert.True(t, out.Query.OK)
}

func TestClientRetriesRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			// No header: falls back to the configured default wait.
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}, time.Second)

	require.NoError(t, client.Call(context.Background(), url.Values{}, nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientRateLimitStopsOnCancel(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, url.Values{}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientAPIError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}, time.Second)

	err := client.Call(context.Background(), url.Values{}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream down", apiErr.Body)
}

func TestClientErrorEnvelope(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":"badvalue","info":"Unrecognized value"}}`))
	}, time.Second)

	err := client.Call(context.Background(), url.Values{}, &struct{}{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusOK, apiErr.Status)
	assert.Contains(t, apiErr.Body, "badvalue")
}

func TestClientTimeout(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte(`{}`))
	}, 50*time.Millisecond)

	err := client.Call(context.Background(), url.Values{}, nil)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
}

type recordingPacer struct {
	calls atomic.Int32
	err   error
}

func (p *recordingPacer) Wait(context.Context, string) error {
	p.calls.Add(1)
	return p.err
}

func TestClientPacesEveryAttempt(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	pacer := &recordingPacer{}
	client, err := NewClient(Config{Endpoint: srv.URL}, pacer, nil)
	require.NoError(t, err)

	require.NoError(t, client.Call(context.Background(), url.Values{}, nil))
	require.NoError(t, client.Call(context.Background(), url.Values{}, nil))
	assert.Equal(t, int32(2), pacer.calls.Load())

	pacer.err = errors.New("closed")
	require.Error(t, client.Call(context.Background(), url.Values{}, nil))
}

func TestNewClientRejectsBadEndpoint(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Endpoint: "not a url"}, nil, nil)
	require.Error(t, err)
}
