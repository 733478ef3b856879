// Package stream owns reconnecting WebSocket sessions to venue endpoints.
//
// A Session holds exactly one logical streaming connection. It survives
// transient network failure by reconnecting with capped exponential backoff
// and jitter, replays every registered subscription after each (re)connect,
// and delivers inbound frames to a single handler in arrival order. That
// ordering guarantee, one delivery sequence per session with no concurrent
// handler invocations, is what makes downstream sequence-gap detection on
// order book streams meaningful.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veiloq/streamkit/pkg/logging"
)

// MessageHandler is invoked once per inbound frame, in arrival order, on a
// single goroutine. Handlers must not block materially.
type MessageHandler func(message []byte)

// BuildFunc produces the venue-specific outbound payload that subscribes a
// channel for a set of symbols.
type BuildFunc func(channel string, symbols []string) ([]byte, error)

// SubscriptionSpec describes one subscription so the session can replay it
// verbatim after every reconnect. It lives from Subscribe until Unsubscribe
// or session disposal.
type SubscriptionSpec struct {
	Channel string
	Symbols []string
	Build   BuildFunc
}

// State is the session lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

// String returns the string representation of a session state
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrSessionClosed is returned when an operation is attempted on a session
// that has been stopped.
var ErrSessionClosed = errors.New("stream session closed")

// Config holds session configuration.
type Config struct {
	URL string

	// HeartbeatInterval is the ping cadence. Absence of any inbound traffic
	// for three intervals forces a reconnect.
	HeartbeatInterval time.Duration

	// BackoffBase and BackoffMax bound the reconnect delay:
	// min(BackoffMax, BackoffBase * 2^attempt) plus jitter of up to one
	// BackoffBase.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// StabilityThreshold resets the backoff attempt counter after the
	// connection has stayed up this long.
	StabilityThreshold time.Duration

	// MaxRetries caps consecutive failed connection attempts before the
	// session gives up and closes. Zero means retry forever.
	MaxRetries int

	HandshakeTimeout time.Duration

	Logger logging.Logger
}

// DefaultConfig returns a session configuration with production defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:                url,
		HeartbeatInterval:  20 * time.Second,
		BackoffBase:        500 * time.Millisecond,
		BackoffMax:         30 * time.Second,
		StabilityThreshold: time.Minute,
		HandshakeTimeout:   10 * time.Second,
	}
}

// Session is a reconnecting, bidirectional message channel to one venue
// endpoint.
type Session interface {
	// Start begins connecting. It returns immediately; connection errors are
	// retried with backoff, never surfaced here.
	Start(ctx context.Context) error

	// Stop closes the session. Terminal: a stopped session cannot restart.
	Stop() error

	// Subscribe registers the spec and, if currently connected, enqueues its
	// subscribe message. It never blocks on network I/O. The returned id
	// identifies the spec for Unsubscribe and Resubscribe.
	Subscribe(spec SubscriptionSpec) string

	// Unsubscribe removes the spec. The venue may keep pushing data for a
	// while; callers must tolerate and discard late messages.
	Unsubscribe(id string)

	// Resubscribe re-sends the subscribe message for a registered spec on
	// the live connection.
	Resubscribe(id string)

	// OnMessage installs the single inbound frame handler. Must be called
	// before Start.
	OnMessage(handler MessageHandler)

	// State returns the current lifecycle state.
	State() State

	// Err returns the terminal error after the session reached Closed, if
	// any. Transient connection errors are never reported here.
	Err() error
}

type registeredSpec struct {
	id   string
	spec SubscriptionSpec
}

// session implements the Session interface
type session struct {
	cfg Config
	log logging.Logger

	mu      sync.Mutex
	state   State
	specs   []registeredSpec
	handler MessageHandler
	nextID  int
	started bool
	termErr error

	sendCh   chan []byte
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSession creates a new session with the given configuration.
func NewSession(cfg Config) Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = time.Minute
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewLogger()
	}
	return &session{
		cfg:    cfg,
		log:    log.WithFields(logging.String("url", cfg.URL)),
		state:  Idle,
		sendCh: make(chan []byte, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start implements the Session interface.
func (s *session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return ErrSessionClosed
	}
	if s.started {
		return fmt.Errorf("stream session already started")
	}
	s.started = true
	s.state = Connecting

	go s.run(ctx)
	return nil
}

// Stop implements the Session interface.
func (s *session) Stop() error {
	s.mu.Lock()
	started := s.started
	if !started {
		s.state = Closed
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })

	if !started {
		return nil
	}

	// Grace period for the run loop to unwind.
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.log.Warn("session did not shut down within grace period")
	}
	return nil
}

// Subscribe implements the Session interface.
func (s *session) Subscribe(spec SubscriptionSpec) string {
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("spec-%d", s.nextID)
	s.specs = append(s.specs, registeredSpec{id: id, spec: spec})
	connected := s.state == Connected
	s.mu.Unlock()

	if connected {
		s.enqueueSubscribe(spec)
	}
	return id
}

// Unsubscribe implements the Session interface.
func (s *session) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, reg := range s.specs {
		if reg.id == id {
			s.specs = append(s.specs[:i], s.specs[i+1:]...)
			return
		}
	}
}

// Resubscribe implements the Session interface.
func (s *session) Resubscribe(id string) {
	s.mu.Lock()
	var spec SubscriptionSpec
	found := false
	for _, reg := range s.specs {
		if reg.id == id {
			spec = reg.spec
			found = true
			break
		}
	}
	connected := s.state == Connected
	s.mu.Unlock()

	if found && connected {
		s.enqueueSubscribe(spec)
	}
}

// OnMessage implements the Session interface.
func (s *session) OnMessage(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// State implements the Session interface.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err implements the Session interface.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// run is the connect/reconnect loop. It is the only writer of the session
// lifecycle after Start.
func (s *session) run(ctx context.Context) {
	defer close(s.doneCh)

	attempt := 0
	for {
		if s.stopping(ctx) {
			s.finish(nil)
			return
		}

		s.setState(Connecting)
		conn, err := s.dial(ctx)
		if err != nil {
			attempt++
			s.log.Warn("connection attempt failed",
				logging.Int("attempt", attempt),
				logging.Error(err),
			)
			if s.cfg.MaxRetries > 0 && attempt >= s.cfg.MaxRetries {
				s.finish(fmt.Errorf("max retries exceeded: %w", err))
				return
			}
			s.setState(Reconnecting)
			if !s.sleep(ctx, s.backoff(attempt)) {
				s.finish(nil)
				return
			}
			continue
		}

		s.setState(Connected)
		connectedAt := time.Now()
		s.log.Info("websocket connected")

		s.drainSendQueue()
		s.replaySubscriptions()
		s.serve(ctx, conn)

		if s.stopping(ctx) {
			s.finish(nil)
			return
		}

		if time.Since(connectedAt) >= s.cfg.StabilityThreshold {
			attempt = 0
		} else {
			attempt++
		}
		s.setState(Reconnecting)
		if !s.sleep(ctx, s.backoff(attempt)) {
			s.finish(nil)
			return
		}
	}
}

func (s *session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	return conn, err
}

// serve reads frames until the connection fails or the session stops. The
// read loop is the single delivery sequence: the handler is invoked inline,
// never concurrently.
func (s *session) serve(ctx context.Context, conn *websocket.Conn) {
	connDone := make(chan struct{})
	writeDone := make(chan struct{})
	go s.writePump(conn, connDone, writeDone)

	// Watchdog: Stop or context cancellation must unblock the read promptly.
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		case <-connDone:
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	readTimeout := 3 * s.cfg.HeartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("read error", logging.Error(err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(message)
		}
	}

	close(connDone)
	_ = conn.Close()
	<-writeDone
}

// writePump is the single writer for one connection: subscribe messages and
// heartbeat pings are serialized here.
func (s *session) writePump(conn *websocket.Conn, connDone <-chan struct{}, writeDone chan<- struct{}) {
	defer close(writeDone)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-s.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Warn("write error", logging.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-connDone:
			return
		case <-s.stopCh:
			return
		}
	}
}

// replaySubscriptions re-sends every registered spec in registration order.
func (s *session) replaySubscriptions() {
	s.mu.Lock()
	specs := make([]SubscriptionSpec, 0, len(s.specs))
	for _, reg := range s.specs {
		specs = append(specs, reg.spec)
	}
	s.mu.Unlock()

	for _, spec := range specs {
		s.enqueueSubscribe(spec)
	}
}

func (s *session) enqueueSubscribe(spec SubscriptionSpec) {
	payload, err := spec.Build(spec.Channel, spec.Symbols)
	if err != nil {
		s.log.Error("failed to build subscribe message",
			logging.String("channel", spec.Channel),
			logging.Error(err),
		)
		return
	}
	select {
	case s.sendCh <- payload:
	default:
		s.log.Warn("send queue full, dropping subscribe message",
			logging.String("channel", spec.Channel),
		)
	}
}

// drainSendQueue discards writes queued against a previous connection; the
// replay that follows re-sends everything that is still registered.
func (s *session) drainSendQueue() {
	for {
		select {
		case <-s.sendCh:
		default:
			return
		}
	}
}

func (s *session) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			d = s.cfg.BackoffMax
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(s.cfg.BackoffBase)))
	return d + jitter
}

// sleep waits for d, returning false if the session stopped first.
func (s *session) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (s *session) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	if prev == Closed {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	if prev != state {
		s.log.Debug("session state change",
			logging.String("from", prev.String()),
			logging.String("to", state.String()),
		)
	}
}

// finish transitions to Closed and records the terminal error, reported once.
func (s *session) finish(err error) {
	s.mu.Lock()
	s.state = Closed
	if err != nil && s.termErr == nil {
		s.termErr = err
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("session closed", logging.Error(err))
	} else {
		s.log.Info("session closed")
	}
}
