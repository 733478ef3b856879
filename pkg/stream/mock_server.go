package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// MockServer is a WebSocket endpoint for tests. It records every inbound
// text frame grouped by connection, so tests can assert which subscribe
// messages were sent on which (re)connect, and can broadcast frames, drop
// connections, or reject handshakes on demand.
type MockServer struct {
	server *httptest.Server
	url    string

	mu          sync.Mutex
	conns       map[*websocket.Conn]int
	frames      [][][]byte // frames[i] = text frames received on connection i
	connCount   int
	onConnect   func(*websocket.Conn)
	rejectConns bool
}

// NewMockServer starts a mock WebSocket server.
func NewMockServer() *MockServer {
	m := &MockServer{
		conns: make(map[*websocket.Conn]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleConnection))
	m.url = "ws" + strings.TrimPrefix(m.server.URL, "http")
	return m
}

// URL returns the WebSocket URL of the mock server.
func (m *MockServer) URL() string {
	return m.url
}

// Close shuts down the mock server.
func (m *MockServer) Close() {
	m.server.Close()
}

// SetRejectConnection configures whether new handshakes are rejected.
func (m *MockServer) SetRejectConnection(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectConns = reject
}

// DropConnections closes every active connection.
func (m *MockServer) DropConnections() {
	m.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// OnConnect sets a callback for when a client connects.
func (m *MockServer) OnConnect(callback func(*websocket.Conn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = callback
}

// Broadcast sends a text frame to every connected client.
func (m *MockServer) Broadcast(message []byte) {
	m.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteMessage(websocket.TextMessage, message)
	}
}

// ConnectionCount returns how many connections have been accepted in total.
func (m *MockServer) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connCount
}

// ActiveConnections returns the number of currently open connections.
func (m *MockServer) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Frames returns a copy of the text frames received on connection index i
// (connections are numbered in accept order, starting at zero).
func (m *MockServer) Frames(i int) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.frames) {
		return nil
	}
	out := make([][]byte, len(m.frames[i]))
	copy(out, m.frames[i])
	return out
}

func (m *MockServer) handleConnection(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	reject := m.rejectConns
	m.mu.Unlock()
	if reject {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	index := m.connCount
	m.connCount++
	m.conns[conn] = index
	m.frames = append(m.frames, nil)
	onConnect := m.onConnect
	m.mu.Unlock()

	if onConnect != nil {
		onConnect(conn)
	}

	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType == websocket.TextMessage {
			m.mu.Lock()
			m.frames[index] = append(m.frames[index], message)
			m.mu.Unlock()
		}
	}
}

// setupMockServer creates a mock server torn down with the test.
func setupMockServer(t *testing.T) (*MockServer, string) {
	t.Helper()
	m := NewMockServer()
	t.Cleanup(func() {
		m.Close()
	})
	return m, m.URL()
}
