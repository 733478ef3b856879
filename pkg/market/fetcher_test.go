package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/streamkit/pkg/book"
)

func TestHTTPSnapshotFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/depth/BTC-USD", r.URL.Path)
		w.Write([]byte(`{"sequence":42,"bids":[["100","1"]],"asks":[["101","2"]]}`))
	}))
	defer server.Close()

	fetcher := NewHTTPSnapshotFetcher(nil,
		func(symbol string) string {
			return fmt.Sprintf("%s/depth/%s", server.URL, symbol)
		},
		func(symbol string, body []byte) (book.Snapshot, error) {
			var raw struct {
				Sequence int64       `json:"sequence"`
				Bids     [][2]string `json:"bids"`
				Asks     [][2]string `json:"asks"`
			}
			if err := json.Unmarshal(body, &raw); err != nil {
				return book.Snapshot{}, err
			}
			snap := book.Snapshot{Sequence: raw.Sequence}
			for _, pair := range raw.Bids {
				snap.Bids = append(snap.Bids, lvl(pair[0], pair[1]))
			}
			for _, pair := range raw.Asks {
				snap.Asks = append(snap.Asks, lvl(pair[0], pair[1]))
			}
			return snap, nil
		},
	)

	snap, err := fetcher.FetchSnapshot(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", snap.Symbol, "fetcher fills in the symbol")
	assert.Equal(t, int64(42), snap.Sequence)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Price.Equal(dec("100")))
}

func TestHTTPSnapshotFetcherParseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	fetcher := NewHTTPSnapshotFetcher(nil,
		func(symbol string) string { return server.URL },
		func(symbol string, body []byte) (book.Snapshot, error) {
			var raw map[string]interface{}
			if err := json.Unmarshal(body, &raw); err != nil {
				return book.Snapshot{}, err
			}
			return book.Snapshot{}, nil
		},
	)

	_, err := fetcher.FetchSnapshot(context.Background(), "BTC-USD")
	require.Error(t, err)
	var merr *MarketError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "BTC-USD", merr.Symbol)
}
