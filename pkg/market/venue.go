package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veiloq/streamkit/pkg/book"
	"github.com/veiloq/streamkit/pkg/ratelimit"
)

// FrameKind classifies an inbound WebSocket frame after venue-specific
// parsing.
type FrameKind int

const (
	// KindUnrecognized marks frames the adapter cannot classify. They are
	// logged and dropped; one bad frame never tears down the session.
	KindUnrecognized FrameKind = iota
	KindSnapshot
	KindDelta
	KindTrade
	KindTicker
	// KindControl covers venue housekeeping frames (subscription acks,
	// pongs, server notices) that carry no market data.
	KindControl
)

// String returns the string representation of a frame kind
func (k FrameKind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindDelta:
		return "delta"
	case KindTrade:
		return "trade"
	case KindTicker:
		return "ticker"
	case KindControl:
		return "control"
	default:
		return "unrecognized"
	}
}

// Frame is the result of parsing one raw inbound frame. Exactly the fields
// matching Kind are populated; a single raw frame may carry several deltas.
type Frame struct {
	Kind     FrameKind
	Snapshot *book.Snapshot
	Deltas   []book.Delta
	Trade    *Trade
	Ticker   *Ticker
}

// Trade represents a single executed trade on a venue.
type Trade struct {
	Symbol    string
	ID        string
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Side      book.Side
	Timestamp time.Time
}

// Ticker represents a top-of-book ticker update.
type Ticker struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Timestamp time.Time
}

// VenueAdapter is the narrow capability surface a venue integration
// implements. The core treats ParseFrame as an opaque classifier and
// BuildSubscribeMessage as an opaque wire-format encoder.
type VenueAdapter interface {
	// Name returns the venue name used in logs and errors.
	Name() string

	// ParseFrame classifies one raw inbound frame. Returning an error drops
	// the frame; it never affects the session.
	ParseFrame(raw []byte) (Frame, error)

	// BuildSubscribeMessage produces the venue's outbound subscribe payload
	// for a channel and symbol set.
	BuildSubscribeMessage(channel string, symbols []string) ([]byte, error)
}

// SnapshotFetcher is the optional REST capability for venues whose book
// streams carry deltas only after an out-of-band snapshot. Adapters for
// such venues implement this in addition to VenueAdapter; calls go through
// the service's rate gate.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string) (book.Snapshot, error)
}

// Channels names the venue's subscription channels. Empty entries mean the
// venue does not offer that stream.
type Channels struct {
	OrderBook string
	Trades    string
	Ticker    string
}

// VenueProfile is the immutable per-venue configuration injected at service
// construction.
type VenueProfile struct {
	Name  string
	WSURL string

	// BookMode selects deltas-only or snapshot-then-deltas reconciliation.
	BookMode book.Mode

	// ContiguousSequence opts in to strict sequence-gap detection. Enable
	// only for venues that guarantee contiguous ids.
	ContiguousSequence bool

	// MaxPendingDeltas bounds each reconciler's pre-snapshot buffer.
	// Zero means the reconciler default.
	MaxPendingDeltas int

	// RateLimit bounds REST calls (snapshot fetches) to the venue.
	RateLimit ratelimit.Rate

	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	Channels Channels
}
