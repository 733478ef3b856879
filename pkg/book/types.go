// Package book maintains consistent order books from streams of snapshot and
// delta events. The Reconciler merges a point-in-time snapshot with an
// unordered, possibly gappy stream of incremental updates into a single
// authoritative view, detecting loss and requesting resynchronization when
// continuity cannot be established.
package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies which side of the book a level or trade belongs to.
type Side int

const (
	Bid Side = iota
	Ask
)

// String returns the string representation of a side
func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Mode selects how a venue publishes its order book stream.
type Mode int

const (
	// DeltasOnly venues carry enough information in the stream itself to
	// build the book from empty state; the first delta initializes the book.
	DeltasOnly Mode = iota

	// SnapshotThenDeltas venues require exactly one snapshot before deltas
	// may be applied. Deltas arriving first are buffered and replayed once
	// the snapshot lands.
	SnapshotThenDeltas
)

// Level is a single price level. An Amount of zero is a tombstone meaning
// "remove this price level"; it is never published as a visible level.
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Snapshot replaces the entire book state at a point in time.
type Snapshot struct {
	Symbol    string
	Sequence  int64
	Bids      []Level
	Asks      []Level
	Timestamp time.Time
}

// Delta upserts (Amount > 0) or removes (Amount == 0) one price level.
type Delta struct {
	Symbol    string
	Sequence  int64
	Side      Side
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Timestamp time.Time
}

// Book is the consolidated order book for one market symbol. Bids and Asks
// are keyed by the canonical string form of each level's price; the key always
// equals Level.Price.String().
//
// A Book handed to a subscriber is an immutable copy: the owning Reconciler
// never mutates a published instance.
type Book struct {
	Symbol    string
	Sequence  int64
	Bids      map[string]Level
	Asks      map[string]Level
	UpdatedAt time.Time
}

// NewBook returns an empty book for the given symbol.
func NewBook(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		Bids:   make(map[string]Level),
		Asks:   make(map[string]Level),
	}
}

// BestBid returns the highest-priced bid level, or false if the side is empty.
func (b *Book) BestBid() (Level, bool) {
	return bestLevel(b.Bids, func(candidate, best decimal.Decimal) bool {
		return candidate.GreaterThan(best)
	})
}

// BestAsk returns the lowest-priced ask level, or false if the side is empty.
func (b *Book) BestAsk() (Level, bool) {
	return bestLevel(b.Asks, func(candidate, best decimal.Decimal) bool {
		return candidate.LessThan(best)
	})
}

// Crossed reports whether the best bid price has met or exceeded the best ask
// price. A crossed book is a data-quality error, never a valid state.
func (b *Book) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// Clone returns a deep copy of the book, optionally trimmed to the given
// depth per side (best levels kept). A depth <= 0 keeps every level.
func (b *Book) Clone(depth int) *Book {
	out := &Book{
		Symbol:    b.Symbol,
		Sequence:  b.Sequence,
		UpdatedAt: b.UpdatedAt,
		Bids:      cloneSide(b.Bids, depth, true),
		Asks:      cloneSide(b.Asks, depth, false),
	}
	return out
}

// SortedBids returns the bid levels in descending price order.
func (b *Book) SortedBids() []Level {
	return sortedLevels(b.Bids, true)
}

// SortedAsks returns the ask levels in ascending price order.
func (b *Book) SortedAsks() []Level {
	return sortedLevels(b.Asks, false)
}

func bestLevel(side map[string]Level, better func(candidate, best decimal.Decimal) bool) (Level, bool) {
	var (
		best  Level
		found bool
	)
	for _, lvl := range side {
		if !found || better(lvl.Price, best.Price) {
			best = lvl
			found = true
		}
	}
	return best, found
}

func sortedLevels(side map[string]Level, descending bool) []Level {
	levels := make([]Level, 0, len(side))
	for _, lvl := range side {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

func cloneSide(side map[string]Level, depth int, descending bool) map[string]Level {
	if depth <= 0 || len(side) <= depth {
		out := make(map[string]Level, len(side))
		for k, v := range side {
			out[k] = v
		}
		return out
	}

	levels := sortedLevels(side, descending)[:depth]
	out := make(map[string]Level, depth)
	for _, lvl := range levels {
		out[lvl.Price.String()] = lvl
	}
	return out
}
