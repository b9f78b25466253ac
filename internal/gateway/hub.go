// Package gateway provides the WebSocket and HTTP surface of the
// collaboration service.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// StatusSessionEnded is the distinguished close code sent when a session
// reaches a terminal status, so clients suppress auto-reconnect.
const StatusSessionEnded = websocket.StatusCode(4001)

// Hub tracks active WebSocket connections per session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewHub creates a new connection hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Register adds a connection for a session/client.
func (h *Hub) Register(sessionID, clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[sessionID]; !exists {
		h.active[sessionID] = make(map[string]*websocket.Conn)
	}
	if existing, exists := h.active[sessionID][clientID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	h.active[sessionID][clientID] = conn
	slog.Info("Client connected", "session_id", sessionID, "client_id", clientID)
}

// Unregister removes a connection for a session/client.
func (h *Hub) Unregister(sessionID, clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.active[sessionID]
	if !ok {
		return
	}
	if current, exists := clients[clientID]; exists && current == conn {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(h.active, sessionID)
		}
		slog.Info("Client disconnected", "session_id", sessionID, "client_id", clientID)
	}
}

// Broadcast sends data to every connection in the session except
// exceptClientID (empty means everyone). Writes run concurrently so one
// stalled peer never delays the rest of the fan-out.
func (h *Hub) Broadcast(sessionID, exceptClientID string, typ websocket.MessageType, data []byte) {
	h.mu.RLock()
	conns := make(map[string]*websocket.Conn)
	for clientID, conn := range h.active[sessionID] {
		if clientID != exceptClientID {
			conns[clientID] = conn
		}
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for clientID, conn := range conns {
		wg.Add(1)
		go func(clientID string, conn *websocket.Conn) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := conn.Write(ctx, typ, data); err != nil {
				slog.Debug("Broadcast write failed",
					"session_id", sessionID, "client_id", clientID, "error", err)
			}
		}(clientID, conn)
	}
	wg.Wait()
}

// BroadcastControl sends a JSON control message to the session.
func (h *Hub) BroadcastControl(sessionID, exceptClientID string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode control message", "error", err)
		return
	}
	h.Broadcast(sessionID, exceptClientID, websocket.MessageText, data)
}

// SoloWarning notifies a session that it will be terminated unless a second
// participant connects. Implements lifecycle.Notifier.
func (h *Hub) SoloWarning(sessionID string, remaining time.Duration) {
	h.BroadcastControl(sessionID, "", map[string]interface{}{
		"type":         "solo_warning",
		"remaining_ms": remaining.Milliseconds(),
	})
}

// SessionClosed notifies and disconnects a session's clients with the
// distinguished close code. Implements lifecycle.Notifier.
func (h *Hub) SessionClosed(sessionID, reason string) {
	h.BroadcastControl(sessionID, "", map[string]string{
		"type":   "session_closed",
		"reason": reason,
	})

	h.mu.Lock()
	clients := h.active[sessionID]
	delete(h.active, sessionID)
	h.mu.Unlock()

	for clientID, conn := range clients {
		if err := conn.Close(StatusSessionEnded, reason); err != nil {
			slog.Debug("Failed to close client connection",
				"session_id", sessionID, "client_id", clientID, "error", err)
		}
	}
	if len(clients) > 0 {
		slog.Info("Session connections closed", "session_id", sessionID, "reason", reason, "count", len(clients))
	}
}

// ConnectionCount returns the number of connections for a session.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}
