package common

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/streamkit/pkg/logging"
	"github.com/veiloq/streamkit/pkg/ratelimit"
)

func testClient(rate ratelimit.Rate) HTTPClient {
	return NewHTTPClient(&ClientConfig{
		Timeout:    5 * time.Second,
		RateLimit:  rate,
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
		Logger:     logging.NewNopLogger(),
	})
}

func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"BTC-USD","sequence":42}`))
	}))
	defer server.Close()

	c := testClient(ratelimit.Rate{Limit: 10, Interval: time.Second})

	var out struct {
		Symbol   string `json:"symbol"`
		Sequence int64  `json:"sequence"`
	}
	require.NoError(t, c.GetJSON(context.Background(), server.URL, &out))
	assert.Equal(t, "BTC-USD", out.Symbol)
	assert.Equal(t, int64(42), out.Sequence)
}

func TestRetriesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := testClient(ratelimit.Rate{Limit: 10, Interval: time.Second})

	resp, err := c.Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRateLimitSpacesRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := testClient(ratelimit.Rate{Limit: 2, Interval: 100 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 4; i++ {
		resp, err := c.Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"third and fourth requests must wait for the window to slide")
}
