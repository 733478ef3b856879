package market

import (
	"errors"
	"fmt"
)

// Common error variables the market data service may return
var (
	// ErrServiceClosed is returned when an operation is attempted on a
	// service that has been closed
	ErrServiceClosed = errors.New("market data service closed")

	// ErrNoSymbols is returned when a subscription is requested without any
	// symbols
	ErrNoSymbols = errors.New("no symbols provided")

	// ErrNilHandler is returned when a subscription is requested without a
	// handler
	ErrNilHandler = errors.New("nil handler provided")

	// ErrSnapshotFetcherRequired is returned at setup time when the venue's
	// book mode requires a REST snapshot and the adapter cannot fetch one
	ErrSnapshotFetcherRequired = errors.New("venue requires a snapshot fetcher")

	// ErrChannelUnavailable is returned when the venue profile names no
	// channel for the requested stream
	ErrChannelUnavailable = errors.New("venue does not offer this channel")

	// ErrSubscriptionNotFound is returned when trying to unsubscribe a
	// handle the service does not hold
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// MarketError represents a market-specific error condition
type MarketError struct {
	Symbol  string
	Message string
	Err     error
}

// Error implements the error interface
func (e *MarketError) Error() string {
	return fmt.Sprintf("market error for %s: %s", e.Symbol, e.Message)
}

// Unwrap returns the underlying error
func (e *MarketError) Unwrap() error {
	return e.Err
}

// NewMarketError creates a new market-specific error
func NewMarketError(symbol, message string, err error) error {
	return &MarketError{
		Symbol:  symbol,
		Message: message,
		Err:     err,
	}
}
