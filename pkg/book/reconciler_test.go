package book

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/streamkit/pkg/logging"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func lvl(price, amount string) Level {
	return Level{Price: dec(price), Amount: dec(amount)}
}

type recorder struct {
	books   []*Book
	resyncs []string
}

func (rec *recorder) config(symbol string, mode Mode, contiguous bool) ReconcilerConfig {
	return ReconcilerConfig{
		Symbol:             symbol,
		Mode:               mode,
		ContiguousSequence: contiguous,
		Logger:             logging.NewNopLogger(),
		OnBook: func(b *Book) {
			rec.books = append(rec.books, b)
		},
		OnResync: func(symbol, reason string) {
			rec.resyncs = append(rec.resyncs, reason)
		},
	}
}

func (rec *recorder) lastBook(t *testing.T) *Book {
	t.Helper()
	require.NotEmpty(t, rec.books)
	return rec.books[len(rec.books)-1]
}

func TestSnapshotThenDeltasEndToEnd(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("BTC-USD", SnapshotThenDeltas, true))

	r.ApplySnapshot(Snapshot{
		Symbol:   "BTC-USD",
		Sequence: 100,
		Bids:     []Level{lvl("10", "1")},
		Asks:     []Level{lvl("11", "1")},
	})
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 101, Side: Bid, Price: dec("10"), Amount: decimal.Zero})
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 102, Side: Ask, Price: dec("11"), Amount: dec("2")})

	final := rec.lastBook(t)
	assert.Equal(t, int64(102), final.Sequence)
	assert.Empty(t, final.Bids)
	require.Len(t, final.Asks, 1)
	assert.True(t, final.Asks["11"].Amount.Equal(dec("2")))
	assert.Empty(t, rec.resyncs)
}

func TestPublishedBooksHaveNoTombstones(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("ETH-USD", SnapshotThenDeltas, false))

	r.ApplySnapshot(Snapshot{
		Symbol:   "ETH-USD",
		Sequence: 10,
		Bids:     []Level{lvl("100", "3"), lvl("99", "0")}, // zero level must not appear
		Asks:     []Level{lvl("101", "1")},
	})
	r.ApplyDelta(Delta{Symbol: "ETH-USD", Sequence: 11, Side: Bid, Price: dec("98"), Amount: dec("5")})
	r.ApplyDelta(Delta{Symbol: "ETH-USD", Sequence: 12, Side: Bid, Price: dec("98"), Amount: decimal.Zero})

	for _, b := range rec.books {
		for _, side := range []map[string]Level{b.Bids, b.Asks} {
			for key, level := range side {
				assert.True(t, level.Amount.GreaterThan(decimal.Zero),
					"published level %s has non-positive amount", key)
				assert.Equal(t, key, level.Price.String(), "level keyed by a different price")
			}
		}
	}
}

func TestStaleDeltaNeverMutates(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("BTC-USD", SnapshotThenDeltas, true))

	r.ApplySnapshot(Snapshot{
		Symbol:   "BTC-USD",
		Sequence: 50,
		Bids:     []Level{lvl("10", "1")},
		Asks:     []Level{lvl("11", "1")},
	})
	before := r.Book()

	// Replays and regressions must be discarded without touching the book.
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 50, Side: Bid, Price: dec("10"), Amount: dec("9")})
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 42, Side: Ask, Price: dec("11"), Amount: decimal.Zero})

	after := r.Book()
	assert.Equal(t, before.Sequence, after.Sequence)
	assert.True(t, after.Bids["10"].Amount.Equal(dec("1")))
	assert.True(t, after.Asks["11"].Amount.Equal(dec("1")))
	assert.Empty(t, rec.resyncs)
}

func TestSequenceMonotonicAcrossAcceptedDeltas(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("BTC-USD", DeltasOnly, false))

	sequences := []int64{5, 7, 7, 6, 9, 12}
	for i, seq := range sequences {
		r.ApplyDelta(Delta{
			Symbol:   "BTC-USD",
			Sequence: seq,
			Side:     Bid,
			Price:    dec(fmt.Sprintf("%d", 100+i)),
			Amount:   dec("1"),
		})
	}

	var prev int64
	for _, b := range rec.books {
		assert.GreaterOrEqual(t, b.Sequence, prev, "published sequence regressed")
		prev = b.Sequence
	}
	assert.Equal(t, int64(12), rec.lastBook(t).Sequence)
}

func TestGapTriggersExactlyOneResync(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("BTC-USD", SnapshotThenDeltas, true))

	r.ApplySnapshot(Snapshot{
		Symbol:   "BTC-USD",
		Sequence: 0,
		Bids:     []Level{lvl("10", "1")},
		Asks:     []Level{lvl("20", "1")},
	})

	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 1, Side: Bid, Price: dec("10"), Amount: dec("2")})
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 2, Side: Bid, Price: dec("10"), Amount: dec("3")})
	booksBeforeGap := len(rec.books)

	// seq 3 is missing
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 4, Side: Bid, Price: dec("10"), Amount: dec("9")})
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 5, Side: Bid, Price: dec("10"), Amount: dec("9")})

	require.Equal(t, []string{"sequence gap"}, rec.resyncs, "exactly one resync per gap")
	assert.Len(t, rec.books, booksBeforeGap, "no delta after the gap may be applied")
	assert.True(t, r.Awaiting())

	// Fresh snapshot at or past the gap recovers the stream.
	r.ApplySnapshot(Snapshot{
		Symbol:   "BTC-USD",
		Sequence: 5,
		Bids:     []Level{lvl("10", "4")},
		Asks:     []Level{lvl("20", "1")},
	})
	assert.False(t, r.Awaiting())
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 6, Side: Bid, Price: dec("10"), Amount: dec("5")})
	assert.Equal(t, int64(6), rec.lastBook(t).Sequence)
	assert.True(t, rec.lastBook(t).Bids["10"].Amount.Equal(dec("5")))
}

func TestStaleSnapshotDiscarded(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("BTC-USD", SnapshotThenDeltas, true))

	r.ApplySnapshot(Snapshot{
		Symbol:   "BTC-USD",
		Sequence: 100,
		Bids:     []Level{lvl("10", "1")},
		Asks:     []Level{lvl("11", "1")},
	})
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 101, Side: Bid, Price: dec("10"), Amount: dec("2")})

	// A replayed or delayed snapshot behind the book must not regress it.
	r.ApplySnapshot(Snapshot{
		Symbol:   "BTC-USD",
		Sequence: 90,
		Bids:     []Level{lvl("9", "5")},
		Asks:     []Level{lvl("12", "5")},
	})

	final := rec.lastBook(t)
	assert.Equal(t, int64(101), final.Sequence)
	assert.True(t, final.Bids["10"].Amount.Equal(dec("2")))
	assert.Empty(t, rec.resyncs)

	var prev int64
	for _, b := range rec.books {
		assert.GreaterOrEqual(t, b.Sequence, prev, "published sequence regressed")
		prev = b.Sequence
	}
}

func TestDeltasOnlyGapDoesNotBuffer(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("BTC-USD", DeltasOnly, true))

	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 1, Side: Bid, Price: dec("10"), Amount: dec("1")})
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 2, Side: Bid, Price: dec("10"), Amount: dec("2")})
	// seq 3 is missing
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 4, Side: Bid, Price: dec("10"), Amount: dec("9")})

	require.Equal(t, []string{"sequence gap"}, rec.resyncs)
	assert.Empty(t, r.pending, "no snapshot will ever drain the buffer on a deltas-only venue")

	// A resubscribe makes the venue republish depth; the stream rebuilds.
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 10, Side: Bid, Price: dec("11"), Amount: dec("3")})
	final := rec.lastBook(t)
	assert.Equal(t, int64(10), final.Sequence)
	assert.True(t, final.Bids["11"].Amount.Equal(dec("3")))
}

func TestCrossedBookTriggersResyncNotPublish(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("BTC-USD", SnapshotThenDeltas, true))

	r.ApplySnapshot(Snapshot{
		Symbol:   "BTC-USD",
		Sequence: 1,
		Bids:     []Level{lvl("10", "1")},
		Asks:     []Level{lvl("11", "1")},
	})

	// A bid at 12 crosses the 11 ask.
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 2, Side: Bid, Price: dec("12"), Amount: dec("1")})

	require.Equal(t, []string{"crossed book"}, rec.resyncs)
	for _, b := range rec.books {
		assert.False(t, b.Crossed(), "a crossed book must never be published")
	}
	assert.True(t, r.Awaiting())
}

func TestPreSnapshotDeltasBufferedAndReplayed(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("BTC-USD", SnapshotThenDeltas, true))

	// Deltas arrive out of order before the snapshot.
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 103, Side: Ask, Price: dec("11"), Amount: dec("7")})
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 101, Side: Bid, Price: dec("10"), Amount: dec("2")})
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 99, Side: Bid, Price: dec("9"), Amount: dec("1")}) // stale
	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 102, Side: Bid, Price: dec("10"), Amount: dec("3")})

	assert.Empty(t, rec.books, "nothing may publish before the snapshot")

	r.ApplySnapshot(Snapshot{
		Symbol:   "BTC-USD",
		Sequence: 100,
		Bids:     []Level{lvl("10", "1")},
		Asks:     []Level{lvl("11", "1")},
	})

	final := rec.lastBook(t)
	assert.Equal(t, int64(103), final.Sequence)
	assert.True(t, final.Bids["10"].Amount.Equal(dec("3")), "replay must run in sequence order")
	assert.True(t, final.Asks["11"].Amount.Equal(dec("7")))
	_, hasStale := final.Bids["9"]
	assert.False(t, hasStale, "stale buffered delta must be discarded")
}

func TestPendingBufferDropsOldestPastBound(t *testing.T) {
	rec := &recorder{}
	cfg := rec.config("BTC-USD", SnapshotThenDeltas, false)
	cfg.MaxPendingDeltas = 3
	r := NewReconciler(cfg)

	for seq := int64(1); seq <= 6; seq++ {
		r.ApplyDelta(Delta{
			Symbol:   "BTC-USD",
			Sequence: seq,
			Side:     Bid,
			Price:    dec(fmt.Sprintf("%d", seq)),
			Amount:   dec("1"),
		})
	}

	r.ApplySnapshot(Snapshot{Symbol: "BTC-USD", Sequence: 0})

	// Only the newest three buffered deltas survive the bound.
	final := rec.lastBook(t)
	assert.Len(t, final.Bids, 3)
	for _, seq := range []string{"4", "5", "6"} {
		assert.Contains(t, final.Bids, seq)
	}
}

func TestDeltasOnlyBuildsFromFirstDelta(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("XRP-USD", DeltasOnly, false))

	r.ApplyDelta(Delta{Symbol: "XRP-USD", Sequence: 77, Side: Bid, Price: dec("0.5"), Amount: dec("100")})
	r.ApplyDelta(Delta{Symbol: "XRP-USD", Sequence: 78, Side: Ask, Price: dec("0.6"), Amount: dec("50")})

	final := rec.lastBook(t)
	assert.Equal(t, int64(78), final.Sequence)
	assert.Len(t, final.Bids, 1)
	assert.Len(t, final.Asks, 1)
}

func TestDeltasOnlyCrossRebuildsWithoutSnapshot(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("XRP-USD", DeltasOnly, false))

	r.ApplyDelta(Delta{Symbol: "XRP-USD", Sequence: 1, Side: Bid, Price: dec("10"), Amount: dec("1")})
	r.ApplyDelta(Delta{Symbol: "XRP-USD", Sequence: 2, Side: Ask, Price: dec("9"), Amount: dec("1")}) // crossed

	require.Equal(t, []string{"crossed book"}, rec.resyncs)
	assert.False(t, r.Awaiting(), "deltas-only venues rebuild from the stream, not a snapshot")

	// After the service forces a resubscribe the venue republishes depth.
	r.ApplyDelta(Delta{Symbol: "XRP-USD", Sequence: 10, Side: Bid, Price: dec("8"), Amount: dec("2")})
	final := rec.lastBook(t)
	assert.Equal(t, int64(10), final.Sequence)
	assert.Len(t, final.Bids, 1)
	assert.Empty(t, final.Asks)
}

func TestPublishedCopiesAreIndependent(t *testing.T) {
	rec := &recorder{}
	r := NewReconciler(rec.config("BTC-USD", SnapshotThenDeltas, true))

	r.ApplySnapshot(Snapshot{
		Symbol:   "BTC-USD",
		Sequence: 1,
		Bids:     []Level{lvl("10", "1")},
		Asks:     []Level{lvl("11", "1")},
	})
	first := rec.lastBook(t)

	r.ApplyDelta(Delta{Symbol: "BTC-USD", Sequence: 2, Side: Bid, Price: dec("10"), Amount: dec("5")})

	assert.True(t, first.Bids["10"].Amount.Equal(dec("1")),
		"earlier published copy must not observe later mutations")
}

func TestBookHelpers(t *testing.T) {
	b := NewBook("BTC-USD")
	b.Bids["10"] = lvl("10", "1")
	b.Bids["9"] = lvl("9", "2")
	b.Asks["11"] = lvl("11", "3")
	b.Asks["12"] = lvl("12", "4")
	b.UpdatedAt = time.Now()

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(dec("10")))

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Price.Equal(dec("11")))

	assert.False(t, b.Crossed())

	trimmed := b.Clone(1)
	assert.Len(t, trimmed.Bids, 1)
	assert.Len(t, trimmed.Asks, 1)
	assert.Contains(t, trimmed.Bids, "10")
	assert.Contains(t, trimmed.Asks, "11")

	bids := b.SortedBids()
	require.Len(t, bids, 2)
	assert.True(t, bids[0].Price.GreaterThan(bids[1].Price))

	asks := b.SortedAsks()
	require.Len(t, asks, 2)
	assert.True(t, asks[0].Price.LessThan(asks[1].Price))
}
