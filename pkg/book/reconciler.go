package book

import (
	"sort"
	"sync"
	"time"

	"github.com/veiloq/streamkit/pkg/logging"
)

// DefaultMaxPendingDeltas bounds the buffer of deltas that arrive before the
// initial snapshot. When the bound is exceeded the oldest buffered delta is
// dropped with a logged loss.
const DefaultMaxPendingDeltas = 1024

// BookHandler receives an immutable copy of the book after every accepted
// event. Handlers are invoked on the ingestion path and must not block
// materially; callers needing slow processing should hand off to a bounded
// queue of their own (the market service does exactly that).
type BookHandler func(*Book)

// ResyncHandler is notified when the reconciler can no longer trust its state
// and needs a fresh snapshot (sequence gap) or a resubscribe (crossed book on
// a deltas-only venue). Reason is a short human-readable tag.
type ResyncHandler func(symbol, reason string)

// ReconcilerConfig configures a Reconciler for one market symbol.
type ReconcilerConfig struct {
	Symbol string
	Mode   Mode

	// ContiguousSequence opts in to strict prev+1 contiguity checking.
	// Only enable this for venues that actually guarantee contiguous ids;
	// the default is the weaker monotonic check.
	ContiguousSequence bool

	// MaxPendingDeltas bounds the pre-snapshot delta buffer.
	// Zero means DefaultMaxPendingDeltas.
	MaxPendingDeltas int

	Logger logging.Logger

	// OnBook is invoked with an immutable copy after every accepted event.
	OnBook BookHandler

	// OnResync is invoked exactly once per inconsistency episode.
	OnResync ResyncHandler
}

// Reconciler consumes snapshot and delta events for one market symbol and
// maintains a single consistent order book. It is mutated by exactly one
// delivery sequence plus the asynchronous snapshot injection; an internal
// mutex serializes the two entry points. Readers only ever see copies.
type Reconciler struct {
	cfg ReconcilerConfig
	log logging.Logger

	mu          sync.Mutex
	book        *Book
	initialized bool
	awaiting    bool
	pending     []Delta
	droppedPend int64
}

// NewReconciler creates a reconciler for cfg.Symbol. For SnapshotThenDeltas
// venues it starts in the awaiting-snapshot state and buffers deltas until
// ApplySnapshot is called.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.MaxPendingDeltas <= 0 {
		cfg.MaxPendingDeltas = DefaultMaxPendingDeltas
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewLogger()
	}
	return &Reconciler{
		cfg:      cfg,
		log:      log.WithFields(logging.String("symbol", cfg.Symbol)),
		book:     NewBook(cfg.Symbol),
		awaiting: cfg.Mode == SnapshotThenDeltas,
	}
}

// Book returns a copy of the current book state.
func (r *Reconciler) Book() *Book {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.book.Clone(0)
}

// Awaiting reports whether the reconciler is holding deltas while it waits
// for a snapshot.
func (r *Reconciler) Awaiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awaiting
}

// ApplySnapshot replaces the entire book state and replays any buffered
// deltas newer than the snapshot, in sequence order. Buffered deltas at or
// below the snapshot's sequence are discarded as stale.
func (r *Reconciler) ApplySnapshot(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// During normal operation a snapshot at or behind the book would regress
	// the sequence; only a resync may rebuild from scratch.
	if r.initialized && snap.Sequence <= r.book.Sequence {
		r.log.Warn("discarding stale snapshot",
			logging.Int64("sequence", snap.Sequence),
			logging.Int64("book_sequence", r.book.Sequence))
		return
	}

	fresh := NewBook(r.cfg.Symbol)
	fresh.Sequence = snap.Sequence
	fresh.UpdatedAt = eventTime(snap.Timestamp)
	for _, lvl := range snap.Bids {
		if lvl.Amount.IsZero() {
			continue
		}
		fresh.Bids[lvl.Price.String()] = lvl
	}
	for _, lvl := range snap.Asks {
		if lvl.Amount.IsZero() {
			continue
		}
		fresh.Asks[lvl.Price.String()] = lvl
	}

	r.book = fresh
	r.initialized = true
	r.awaiting = false

	if r.book.Crossed() {
		r.log.Warn("snapshot produced a crossed book",
			logging.Int64("sequence", snap.Sequence))
		r.resyncLocked("crossed book")
		return
	}

	r.publishLocked()

	pending := r.pending
	r.pending = nil
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Sequence < pending[j].Sequence
	})
	for _, d := range pending {
		if d.Sequence <= snap.Sequence {
			continue // stale relative to the snapshot
		}
		if r.awaiting {
			// A replayed delta re-triggered a resync; buffer the rest
			// for the next snapshot.
			r.bufferLocked(d)
			continue
		}
		r.applyDeltaLocked(d)
	}
}

// ApplyDelta applies one incremental update. Out-of-order deltas are
// discarded with a warning; a sequence gap on a contiguous-id venue raises a
// single resync request and suspends application until a fresh snapshot
// arrives.
func (r *Reconciler) ApplyDelta(d Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.awaiting {
		r.bufferLocked(d)
		return
	}

	if !r.initialized {
		// Deltas-only venue: the first delta builds the book from empty state.
		r.initialized = true
		r.book.Sequence = d.Sequence - 1
	}

	r.applyDeltaLocked(d)
}

func (r *Reconciler) applyDeltaLocked(d Delta) {
	current := r.book.Sequence

	if r.cfg.ContiguousSequence {
		switch {
		case d.Sequence <= current:
			r.log.Warn("discarding stale delta",
				logging.Int64("sequence", d.Sequence),
				logging.Int64("book_sequence", current))
			return
		case d.Sequence != current+1:
			r.log.Warn("sequence gap detected",
				logging.Int64("expected", current+1),
				logging.Int64("got", d.Sequence))
			r.resyncLocked("sequence gap")
			if r.awaiting {
				// Deltas-only venues rebuild from the stream itself; only
				// snapshot venues hold the gapped delta for replay.
				r.bufferLocked(d)
			}
			return
		}
	} else if d.Sequence < current {
		r.log.Warn("discarding out-of-order delta",
			logging.Int64("sequence", d.Sequence),
			logging.Int64("book_sequence", current))
		return
	}

	side := r.book.Bids
	if d.Side == Ask {
		side = r.book.Asks
	}

	key := d.Price.String()
	if d.Amount.IsZero() {
		delete(side, key)
	} else {
		side[key] = Level{Price: d.Price, Amount: d.Amount}
	}

	r.book.Sequence = d.Sequence
	r.book.UpdatedAt = eventTime(d.Timestamp)

	if r.book.Crossed() {
		r.log.Warn("delta produced a crossed book",
			logging.Int64("sequence", d.Sequence))
		r.resyncLocked("crossed book")
		return
	}

	r.publishLocked()
}

// resyncLocked discards the current state and raises a resync request.
// Exactly one request fires per episode: once raised, incoming deltas are
// buffered (SnapshotThenDeltas) or the book rebuilds from the next delta
// after the service forces a resubscribe (DeltasOnly).
func (r *Reconciler) resyncLocked(reason string) {
	r.book = NewBook(r.cfg.Symbol)
	r.initialized = false
	if r.cfg.Mode == SnapshotThenDeltas {
		r.awaiting = true
	}

	if r.cfg.OnResync != nil {
		r.cfg.OnResync(r.cfg.Symbol, reason)
	}
}

func (r *Reconciler) bufferLocked(d Delta) {
	if len(r.pending) >= r.cfg.MaxPendingDeltas {
		r.pending = r.pending[1:]
		r.droppedPend++
		r.log.Warn("pre-snapshot delta buffer full, dropping oldest",
			logging.Int64("dropped_total", r.droppedPend))
	}
	r.pending = append(r.pending, d)
}

func (r *Reconciler) publishLocked() {
	if r.cfg.OnBook == nil {
		return
	}
	r.cfg.OnBook(r.book.Clone(0))
}

// eventTime keeps UpdatedAt sane when a venue event carries no timestamp.
func eventTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}
