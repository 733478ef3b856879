package market

import (
	"context"
	"fmt"
	"io"

	"github.com/veiloq/streamkit/pkg/book"
	"github.com/veiloq/streamkit/pkg/common"
)

// SnapshotURLFunc builds the venue's REST snapshot URL for a symbol.
type SnapshotURLFunc func(symbol string) string

// SnapshotParseFunc decodes the venue's REST snapshot response body.
type SnapshotParseFunc func(symbol string, body []byte) (book.Snapshot, error)

// HTTPSnapshotFetcher is a generic REST snapshot fetcher built on the shared
// retrying, rate-limited HTTP client. Venue adapters without bespoke REST
// plumbing embed one and supply only the URL builder and body parser.
type HTTPSnapshotFetcher struct {
	client   common.HTTPClient
	buildURL SnapshotURLFunc
	parse    SnapshotParseFunc
}

// NewHTTPSnapshotFetcher creates a snapshot fetcher. A nil client gets the
// default client configuration.
func NewHTTPSnapshotFetcher(client common.HTTPClient, buildURL SnapshotURLFunc, parse SnapshotParseFunc) *HTTPSnapshotFetcher {
	if client == nil {
		client = common.NewHTTPClient(nil)
	}
	return &HTTPSnapshotFetcher{
		client:   client,
		buildURL: buildURL,
		parse:    parse,
	}
}

// FetchSnapshot implements the SnapshotFetcher interface.
func (f *HTTPSnapshotFetcher) FetchSnapshot(ctx context.Context, symbol string) (book.Snapshot, error) {
	resp, err := f.client.Get(ctx, f.buildURL(symbol))
	if err != nil {
		return book.Snapshot{}, NewMarketError(symbol, "snapshot request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return book.Snapshot{}, NewMarketError(symbol, "reading snapshot body", err)
	}

	snap, err := f.parse(symbol, body)
	if err != nil {
		return book.Snapshot{}, NewMarketError(symbol, fmt.Sprintf("parsing snapshot: %v", err), err)
	}
	if snap.Symbol == "" {
		snap.Symbol = symbol
	}
	return snap, nil
}
