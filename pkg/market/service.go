// Package market composes reconnecting stream sessions, per-symbol order
// book reconciliation and venue rate limiting into a streaming market data
// service. A venue integration supplies only a VenueAdapter (frame parser
// plus subscribe-message builder, optionally a REST snapshot fetcher); the
// service owns everything else.
package market

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veiloq/streamkit/pkg/book"
	"github.com/veiloq/streamkit/pkg/logging"
	"github.com/veiloq/streamkit/pkg/ratelimit"
	"github.com/veiloq/streamkit/pkg/stream"
)

// DefaultQueueSize bounds each subscription's delivery queue. A slow handler
// loses the oldest queued events rather than stalling the session's delivery
// sequence.
const DefaultQueueSize = 256

// BookHandler receives consistent order book copies. The book must be
// treated as read-only.
type BookHandler func(*book.Book)

// TradeHandler receives executed trades.
type TradeHandler func(Trade)

// TickerHandler receives ticker updates.
type TickerHandler func(Ticker)

// ResyncHandler receives informational notifications when a symbol's book is
// being resynchronized. Resyncs are recovery, not failure; the subscription
// keeps running.
type ResyncHandler func(symbol, reason string)

// ServiceConfig configures a Service for one venue.
type ServiceConfig struct {
	Profile VenueProfile
	Adapter VenueAdapter

	// Fetcher overrides the adapter's own SnapshotFetcher capability.
	Fetcher SnapshotFetcher

	// Session overrides the session built from the profile. Used in tests.
	Session stream.Session

	// Gate overrides the rate gate built from Profile.RateLimit.
	Gate ratelimit.RateLimiter

	// QueueSize bounds each subscription's delivery queue.
	// Zero means DefaultQueueSize.
	QueueSize int

	// SnapshotRetries caps consecutive failed snapshot fetch attempts during
	// a resync. Zero means retry until the service closes; a REST outage
	// must never silently end book delivery.
	SnapshotRetries int

	// SnapshotRetryBase and SnapshotRetryMax bound the delay between failed
	// snapshot fetch attempts. Zero means the defaults (500ms, 30s).
	SnapshotRetryBase time.Duration
	SnapshotRetryMax  time.Duration

	Logger logging.Logger

	// OnResync is notified of every book resynchronization.
	OnResync ResyncHandler
}

type subKind int

const (
	subBooks subKind = iota
	subTrades
	subTicker
)

// Subscription is the handle returned by the Subscribe methods.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	kind    subKind
	symbols map[string]struct{}
	depth   int
	specID  string

	queue     chan interface{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   int64

	onBook   BookHandler
	onTrade  TradeHandler
	onTicker TickerHandler
}

// Dropped returns how many events were lost to this subscription's bounded
// queue because the handler fell behind.
func (sub *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&sub.dropped)
}

func (sub *Subscription) covers(symbol string) bool {
	_, ok := sub.symbols[symbol]
	return ok
}

func (sub *Subscription) dispatch(ev interface{}) {
	switch v := ev.(type) {
	case *book.Book:
		if sub.depth > 0 {
			v = v.Clone(sub.depth)
		}
		sub.onBook(v)
	case Trade:
		sub.onTrade(v)
	case Ticker:
		sub.onTicker(v)
	}
}

// Service is a streaming market data service for one venue. It feeds the
// session's single delivery sequence through the adapter's parser into
// per-symbol reconcilers, and fans consistent books, trades and tickers out
// to subscribers through bounded queues.
type Service struct {
	cfg     ServiceConfig
	log     logging.Logger
	adapter VenueAdapter
	fetcher SnapshotFetcher
	session stream.Session
	gate    ratelimit.RateLimiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	closed         bool
	sessionStarted bool
	reconcilers    map[string]*book.Reconciler
	bookSpecs      map[string]string
	subs           map[string]*Subscription
}

// NewService creates a market data service. It fails fast on configuration
// errors: a snapshot-then-deltas venue without any way to fetch snapshots is
// rejected here, not deep in the delivery path.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("venue adapter is required")
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher, _ = cfg.Adapter.(SnapshotFetcher)
	}
	if cfg.Profile.BookMode == book.SnapshotThenDeltas && fetcher == nil {
		return nil, fmt.Errorf("venue %s: %w", cfg.Profile.Name, ErrSnapshotFetcherRequired)
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SnapshotRetryBase <= 0 {
		cfg.SnapshotRetryBase = 500 * time.Millisecond
	}
	if cfg.SnapshotRetryMax <= 0 {
		cfg.SnapshotRetryMax = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewLogger()
	}
	log = log.WithFields(logging.String("venue", cfg.Profile.Name))

	gate := cfg.Gate
	if gate == nil {
		rate := cfg.Profile.RateLimit
		if rate.Limit <= 0 {
			rate = ratelimit.Rate{Limit: 10, Interval: time.Second}
		}
		gate = ratelimit.NewSlidingWindowLimiter(rate)
	}

	session := cfg.Session
	if session == nil {
		sc := stream.DefaultConfig(cfg.Profile.WSURL)
		if cfg.Profile.HeartbeatInterval > 0 {
			sc.HeartbeatInterval = cfg.Profile.HeartbeatInterval
		}
		if cfg.Profile.BackoffBase > 0 {
			sc.BackoffBase = cfg.Profile.BackoffBase
		}
		if cfg.Profile.BackoffMax > 0 {
			sc.BackoffMax = cfg.Profile.BackoffMax
		}
		sc.Logger = log
		session = stream.NewSession(sc)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		cfg:         cfg,
		log:         log,
		adapter:     cfg.Adapter,
		fetcher:     fetcher,
		session:     session,
		gate:        gate,
		ctx:         ctx,
		cancel:      cancel,
		reconcilers: make(map[string]*book.Reconciler),
		bookSpecs:   make(map[string]string),
		subs:        make(map[string]*Subscription),
	}
	s.session.OnMessage(s.handleFrame)
	return s, nil
}

// SubscribeOrderBooks subscribes to order book streams for the given symbols.
// The handler receives a consistent book copy after every accepted event,
// trimmed to depth levels per side when depth > 0.
func (s *Service) SubscribeOrderBooks(ctx context.Context, symbols []string, depth int, handler BookHandler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	channel := s.cfg.Profile.Channels.OrderBook
	if channel == "" {
		return nil, fmt.Errorf("order books: %w", ErrChannelUnavailable)
	}

	sub := newSubscription(subBooks, symbols, s.cfg.QueueSize)
	sub.depth = depth
	sub.onBook = handler

	register := func() {
		for _, symbol := range symbols {
			if _, ok := s.reconcilers[symbol]; ok {
				continue
			}
			s.reconcilers[symbol] = book.NewReconciler(book.ReconcilerConfig{
				Symbol:             symbol,
				Mode:               s.cfg.Profile.BookMode,
				ContiguousSequence: s.cfg.Profile.ContiguousSequence,
				MaxPendingDeltas:   s.cfg.Profile.MaxPendingDeltas,
				Logger:             s.log,
				OnBook:             s.dispatchBook,
				OnResync:           s.handleResync,
			})
		}
	}
	if err := s.activate(ctx, sub, channel, register); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, symbol := range symbols {
		s.bookSpecs[symbol] = sub.specID
	}
	s.mu.Unlock()

	if s.cfg.Profile.BookMode == book.SnapshotThenDeltas {
		s.mu.Lock()
		fetch := !s.closed
		if fetch {
			s.wg.Add(len(symbols))
		}
		s.mu.Unlock()
		if fetch {
			for _, symbol := range symbols {
				go s.requestSnapshot(symbol)
			}
		}
	}
	return sub, nil
}

// SubscribeTrades subscribes to executed trades for the given symbols.
func (s *Service) SubscribeTrades(ctx context.Context, symbols []string, handler TradeHandler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	channel := s.cfg.Profile.Channels.Trades
	if channel == "" {
		return nil, fmt.Errorf("trades: %w", ErrChannelUnavailable)
	}

	sub := newSubscription(subTrades, symbols, s.cfg.QueueSize)
	sub.onTrade = handler
	if err := s.activate(ctx, sub, channel, nil); err != nil {
		return nil, err
	}
	return sub, nil
}

// SubscribeTicker subscribes to ticker updates for the given symbols.
func (s *Service) SubscribeTicker(ctx context.Context, symbols []string, handler TickerHandler) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	channel := s.cfg.Profile.Channels.Ticker
	if channel == "" {
		return nil, fmt.Errorf("ticker: %w", ErrChannelUnavailable)
	}

	sub := newSubscription(subTicker, symbols, s.cfg.QueueSize)
	sub.onTicker = handler
	if err := s.activate(ctx, sub, channel, nil); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes a subscription. Reconcilers for symbols no longer
// covered by any book subscription are discarded; late frames for those
// symbols are silently dropped.
func (s *Service) Unsubscribe(sub *Subscription) error {
	s.mu.Lock()
	if _, ok := s.subs[sub.ID]; !ok {
		s.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	delete(s.subs, sub.ID)
	if sub.kind == subBooks {
		for symbol := range sub.symbols {
			if !s.bookSymbolCoveredLocked(symbol) {
				delete(s.reconcilers, symbol)
				delete(s.bookSpecs, symbol)
			}
		}
	}
	s.mu.Unlock()

	s.session.Unsubscribe(sub.specID)
	sub.closeOnce.Do(func() { close(sub.done) })
	return nil
}

// Close stops the session and all subscription consumers. Terminal.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*Subscription)
	s.reconcilers = make(map[string]*book.Reconciler)
	started := s.sessionStarted
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.closeOnce.Do(func() { close(sub.done) })
	}

	var err error
	if started {
		err = s.session.Stop()
	}
	s.wg.Wait()
	return err
}

func newSubscription(kind subKind, symbols []string, queueSize int) *Subscription {
	set := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		set[symbol] = struct{}{}
	}
	return &Subscription{
		ID:      uuid.NewString(),
		kind:    kind,
		symbols: set,
		queue:   make(chan interface{}, queueSize),
		done:    make(chan struct{}),
	}
}

// activate registers the subscription, starts the session if needed, and
// sends the subscribe message. register runs under the service lock for
// subscription kinds that need extra shared state.
func (s *Service) activate(ctx context.Context, sub *Subscription, channel string, register func()) error {
	if len(sub.symbols) == 0 {
		return ErrNoSymbols
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	symbols := make([]string, 0, len(sub.symbols))
	for symbol := range sub.symbols {
		symbols = append(symbols, symbol)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	if register != nil {
		register()
	}
	s.subs[sub.ID] = sub
	needStart := !s.sessionStarted
	s.sessionStarted = true
	s.wg.Add(1)
	s.mu.Unlock()

	if needStart {
		if err := s.session.Start(s.ctx); err != nil {
			s.mu.Lock()
			delete(s.subs, sub.ID)
			s.sessionStarted = false
			s.mu.Unlock()
			s.wg.Done()
			return fmt.Errorf("starting session: %w", err)
		}
	}

	sub.specID = s.session.Subscribe(stream.SubscriptionSpec{
		Channel: channel,
		Symbols: symbols,
		Build:   s.adapter.BuildSubscribeMessage,
	})

	go s.consume(sub)
	return nil
}

// consume delivers queued events to the subscriber's handler, decoupled from
// the session's delivery sequence.
func (s *Service) consume(sub *Subscription) {
	defer s.wg.Done()
	for {
		select {
		case ev := <-sub.queue:
			sub.dispatch(ev)
		case <-sub.done:
			return
		}
	}
}

// handleFrame is the session's single message handler. It runs on the
// session's delivery sequence and must never block: all subscriber handoff
// goes through bounded drop-oldest queues.
func (s *Service) handleFrame(raw []byte) {
	frame, err := s.adapter.ParseFrame(raw)
	if err != nil {
		s.log.Warn("dropping unparseable frame", logging.Error(err))
		return
	}

	switch frame.Kind {
	case KindSnapshot:
		if frame.Snapshot == nil {
			return
		}
		if r := s.reconciler(frame.Snapshot.Symbol); r != nil {
			r.ApplySnapshot(*frame.Snapshot)
		}
	case KindDelta:
		for _, d := range frame.Deltas {
			if r := s.reconciler(d.Symbol); r != nil {
				r.ApplyDelta(d)
			}
		}
	case KindTrade:
		if frame.Trade != nil {
			s.fanout(frame.Trade.Symbol, subTrades, *frame.Trade)
		}
	case KindTicker:
		if frame.Ticker != nil {
			s.fanout(frame.Ticker.Symbol, subTicker, *frame.Ticker)
		}
	case KindControl:
		s.log.Debug("control frame")
	default:
		s.log.Debug("unrecognized frame")
	}
}

func (s *Service) reconciler(symbol string) *book.Reconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcilers[symbol]
}

func (s *Service) dispatchBook(b *book.Book) {
	s.fanout(b.Symbol, subBooks, b)
}

// fanout enqueues an event on every matching subscription. When a queue is
// full the oldest event is dropped so the ingestion path never blocks.
func (s *Service) fanout(symbol string, kind subKind, ev interface{}) {
	s.mu.Lock()
	targets := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.kind == kind && sub.covers(symbol) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		s.enqueue(sub, ev)
	}
}

func (s *Service) enqueue(sub *Subscription, ev interface{}) {
	select {
	case sub.queue <- ev:
		return
	default:
	}

	// Queue full: make room by dropping the oldest queued event.
	select {
	case <-sub.queue:
		atomic.AddInt64(&sub.dropped, 1)
		s.log.Debug("subscriber queue full, dropped oldest event",
			logging.String("subscription", sub.ID))
	default:
	}
	select {
	case sub.queue <- ev:
	default:
		atomic.AddInt64(&sub.dropped, 1)
	}
}

// handleResync runs when a reconciler can no longer trust its state. The
// remedy depends on the venue: snapshot-then-deltas venues get a fresh REST
// snapshot through the rate gate; deltas-only venues get their book channel
// resubscribed so the stream rebuilds the book.
func (s *Service) handleResync(symbol, reason string) {
	s.log.Info("order book resynchronizing",
		logging.String("symbol", symbol),
		logging.String("reason", reason))

	if s.cfg.OnResync != nil {
		s.cfg.OnResync(symbol, reason)
	}

	// The Add must share the critical section with the closed check so it
	// cannot race Close's Wait.
	s.mu.Lock()
	closed := s.closed
	specID := s.bookSpecs[symbol]
	fetch := !closed && s.cfg.Profile.BookMode == book.SnapshotThenDeltas
	if fetch {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if closed {
		return
	}

	if fetch {
		go s.requestSnapshot(symbol)
		return
	}
	if specID != "" {
		s.session.Resubscribe(specID)
	}
}

// requestSnapshot fetches a fresh snapshot through the rate gate and feeds
// it to the symbol's reconciler. Failed fetches are retried with capped
// exponential backoff: a reconciler waiting on a snapshot must not be left
// waiting forever just because the venue's REST endpoint had an outage.
func (s *Service) requestSnapshot(symbol string) {
	defer s.wg.Done()

	for attempt := 0; ; attempt++ {
		if err := s.gate.Wait(s.ctx); err != nil {
			return
		}

		snap, err := s.fetcher.FetchSnapshot(s.ctx, symbol)
		if err == nil {
			if r := s.reconciler(symbol); r != nil {
				r.ApplySnapshot(snap)
			}
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if s.reconciler(symbol) == nil {
			// Symbol was unsubscribed while we were fetching.
			return
		}

		if s.cfg.SnapshotRetries > 0 && attempt+1 >= s.cfg.SnapshotRetries {
			s.log.Error("snapshot fetch retries exhausted, book stays stale until the next resync",
				logging.String("symbol", symbol),
				logging.Int("attempts", attempt+1),
				logging.Error(err))
			return
		}

		delay := s.snapshotBackoff(attempt)
		s.log.Warn("snapshot fetch failed, retrying",
			logging.String("symbol", symbol),
			logging.Int("attempt", attempt+1),
			logging.Duration("delay", delay),
			logging.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Service) snapshotBackoff(attempt int) time.Duration {
	d := s.cfg.SnapshotRetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.SnapshotRetryMax {
			return s.cfg.SnapshotRetryMax
		}
	}
	return d
}

func (s *Service) bookSymbolCoveredLocked(symbol string) bool {
	for _, sub := range s.subs {
		if sub.kind == subBooks && sub.covers(symbol) {
			return true
		}
	}
	return false
}
