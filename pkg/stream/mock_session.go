package stream

import (
	"context"
	"fmt"
	"sync"
)

// MockSession implements the Session interface for testing composition code
// without a network. Deliver pushes frames through the registered handler on
// the calling goroutine, preserving the single-delivery-sequence contract.
type MockSession struct {
	mu sync.Mutex

	state   State
	specs   []registeredSpec
	handler MessageHandler
	nextID  int

	startCalls   int
	stopCalls    int
	resubscribes []string
	startErr     error
}

// NewMockSession creates a new mock session in the Idle state.
func NewMockSession() *MockSession {
	return &MockSession{state: Idle}
}

// Start implements the Session interface.
func (m *MockSession) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	if m.startErr != nil {
		return m.startErr
	}
	m.state = Connected
	return nil
}

// Stop implements the Session interface.
func (m *MockSession) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	m.state = Closed
	return nil
}

// Subscribe implements the Session interface.
func (m *MockSession) Subscribe(spec SubscriptionSpec) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("spec-%d", m.nextID)
	m.specs = append(m.specs, registeredSpec{id: id, spec: spec})
	return id
}

// Unsubscribe implements the Session interface.
func (m *MockSession) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, reg := range m.specs {
		if reg.id == id {
			m.specs = append(m.specs[:i], m.specs[i+1:]...)
			return
		}
	}
}

// Resubscribe implements the Session interface.
func (m *MockSession) Resubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resubscribes = append(m.resubscribes, id)
}

// OnMessage implements the Session interface.
func (m *MockSession) OnMessage(handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// State implements the Session interface.
func (m *MockSession) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err implements the Session interface.
func (m *MockSession) Err() error {
	return nil
}

// Deliver simulates an inbound frame.
func (m *MockSession) Deliver(message []byte) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(message)
	}
}

// SetStartError makes Start fail with err.
func (m *MockSession) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// Specs returns the currently registered specs in registration order.
func (m *MockSession) Specs() []SubscriptionSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubscriptionSpec, 0, len(m.specs))
	for _, reg := range m.specs {
		out = append(out, reg.spec)
	}
	return out
}

// Resubscribes returns the spec ids passed to Resubscribe, in call order.
func (m *MockSession) Resubscribes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.resubscribes))
	copy(out, m.resubscribes)
	return out
}

// StartCalls returns the number of times Start was called.
func (m *MockSession) StartCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

// StopCalls returns the number of times Stop was called.
func (m *MockSession) StopCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}
