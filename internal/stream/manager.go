// Package stream pushes chat session events to connected views over WebSocket.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Manager tracks open view connections so they can be closed on shutdown.
// http.Server.Shutdown does not close hijacked connections.
type Manager struct {
	mu     sync.Mutex
	active map[string]*websocket.Conn
}

// NewManager creates an empty connection registry.
func NewManager() *Manager {
	return &Manager{active: make(map[string]*websocket.Conn)}
}

// Register adds a connection under id, replacing any previous one.
func (m *Manager) Register(id string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[id]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	m.active[id] = conn
	slog.Debug("View connection registered", "conn_id", id, "active", len(m.active))
}

// Unregister removes id if it still maps to conn.
func (m *Manager) Unregister(id string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[id]; ok && current == conn {
		delete(m.active, id)
		slog.Debug("View connection unregistered", "conn_id", id, "active", len(m.active))
	}
}

// Count returns the number of open connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CloseAll closes every open connection with reason.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(m.active))
	for id, conn := range m.active {
		conns = append(conns, conn)
		delete(m.active, id)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, reason)
	}
	if len(conns) > 0 {
		slog.Info("Closed view connections", "count", len(conns), "reason", reason)
	}
}
