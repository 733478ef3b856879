// Package streamkit provides the building blocks for consuming streaming
// market data from cryptocurrency venues.
//
// The library is structured as a small set of composable cores rather than
// per-venue connector classes. A venue integration supplies only a frame
// parser and a subscribe-message builder (plus an optional REST snapshot
// fetcher); everything else (connection management, reconnection, order book
// reconciliation, rate limiting, fan-out) is owned by the library.
//
// Core Features:
//
//   - Reconnecting WebSocket sessions with capped exponential backoff,
//     jitter and subscription replay (pkg/stream)
//   - Order book reconciliation from snapshot and delta streams, with
//     sequence-gap and crossed-book detection and automatic resync
//     (pkg/book)
//   - Sliding-window rate limiting for venue REST budgets (pkg/ratelimit)
//   - A streaming market data service composing the above per venue
//     (pkg/market)
//
// # Standard Errors
//
// The market package defines standardized errors for consistent handling
// across venue integrations:
//
//   - ErrServiceClosed: Returned when an operation is attempted on a service
//     that has been closed
//
//   - ErrNoSymbols: Returned when a subscription is requested without any
//     symbols
//
//   - ErrNilHandler: Returned when a subscription is requested without a
//     handler
//
//   - ErrSnapshotFetcherRequired: Returned at setup time when the venue's
//     book mode requires a REST snapshot and the adapter cannot fetch one
//
//   - ErrChannelUnavailable: Returned when the venue profile names no
//     channel for the requested stream
//
//   - ErrSubscriptionNotFound: Returned when trying to unsubscribe a handle
//     the service does not hold
//
// Additionally, the market package provides a MarketError type for
// symbol-specific error conditions, created with
// NewMarketError(symbol, message, err).
//
// # Examples
//
// Basic usage:
//
//	// Describe the venue and hand over its adapter.
//	profile := market.VenueProfile{
//	    Name:     "myvenue",
//	    WSURL:    "wss://stream.myvenue.example/ws",
//	    BookMode: book.SnapshotThenDeltas,
//	    ContiguousSequence: true,
//	    RateLimit: ratelimit.Rate{Limit: 10, Interval: time.Second},
//	    Channels: market.Channels{OrderBook: "orderbook", Trades: "trades"},
//	}
//
//	svc, err := market.NewService(market.ServiceConfig{
//	    Profile: profile,
//	    Adapter: myvenue.NewAdapter(),
//	})
//	if err != nil {
//	    log.Fatalf("failed to create service: %v", err)
//	}
//	defer svc.Close()
//
// Order book subscription:
//
//	// Subscribe to real-time order book updates, trimmed to 10 levels.
//	sub, err := svc.SubscribeOrderBooks(ctx, []string{"BTC-USD"}, 10, func(b *book.Book) {
//	    bid, _ := b.BestBid()
//	    ask, _ := b.BestAsk()
//	    fmt.Printf("best bid: %s, best ask: %s\n", bid.Price, ask.Price)
//	})
//
// Trade subscription:
//
//	// Subscribe to executed trades.
//	_, err = svc.SubscribeTrades(ctx, []string{"BTC-USD"}, func(tr market.Trade) {
//	    fmt.Printf("trade %s %s @ %s\n", tr.Side, tr.Amount, tr.Price)
//	})
//
// Handlers receive consistent values only: a published book is never
// crossed, never carries empty levels, and its sequence id never regresses.
// Transient trouble (socket resets, sequence gaps) is recovered internally;
// subscribers see at most an informational resync notification.
package streamkit
