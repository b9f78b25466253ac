package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/bus"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/doc"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/store"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// wsMessage is the JSON control envelope exchanged as text frames. Document
// updates travel as raw binary frames.
type wsMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
	Payload  string `json:"payload,omitempty"` // base64
	Reason   string `json:"reason,omitempty"`
}

// WSHandler attaches clients to session documents over WebSocket.
type WSHandler struct {
	repo          store.SessionRepository
	snapshots     store.SnapshotStore
	cache         *doc.Cache
	bus           bus.Bus
	hub           *Hub
	maxDocBytes   int
	rejoinGrace   time.Duration
	allowedOrigin string
	isDev         bool
}

// NewWSHandler creates the WebSocket attach handler.
func NewWSHandler(repo store.SessionRepository, snapshots store.SnapshotStore, cache *doc.Cache, b bus.Bus, hub *Hub, maxDocBytes int, rejoinGrace time.Duration, allowedOrigin string, isDev bool) *WSHandler {
	return &WSHandler{
		repo:          repo,
		snapshots:     snapshots,
		cache:         cache,
		bus:           b,
		hub:           hub,
		maxDocBytes:   maxDocBytes,
		rejoinGrace:   rejoinGrace,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP upgrades the connection and attaches the client to the session
// document. Authentication happens upstream; the gateway trusts the
// forwarded user identity header.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	slog.Info("WebSocket connection request",
		"session_id", sessionID, "user_id", userID, "ip", r.RemoteAddr)

	if sessionID == "" || userID == "" {
		http.Error(w, "session and user required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sess, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if !sess.HasParticipant(userID) {
		http.Error(w, "not a participant", http.StatusForbidden)
		return
	}
	if sess.Status.IsTerminal() {
		http.Error(w, "session ended", http.StatusGone)
		return
	}
	// A participant's first join always passes; reconnects must land
	// inside the rejoin grace window.
	ok, err := h.repo.CanRejoin(r.Context(), sessionID, userID, h.rejoinGrace)
	if err != nil {
		http.Error(w, "failed to check rejoin", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "rejoin window expired", http.StatusGone)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.attachDocument(ctx, sessionID, sess.Language); err != nil {
		slog.Error("Failed to attach document", "session_id", sessionID, "error", err)
		return
	}

	if err := h.repo.MarkJoined(ctx, sessionID, userID); err != nil {
		slog.Error("Failed to mark session joined", "session_id", sessionID, "error", err)
		return
	}

	clientID := uuid.NewString()
	h.cache.AddClient(sessionID, clientID, userID)
	h.hub.Register(sessionID, clientID, ws)
	defer func() {
		h.hub.Unregister(sessionID, clientID, ws)
		// Clear presence locally and on peers; the document itself
		// outlives the connection so the participant can rejoin.
		h.cache.UpdateAwareness(sessionID, clientID, nil)
		h.broadcastAwareness(sessionID, clientID, nil)
		h.cache.RemoveClient(sessionID, clientID)
	}()

	if err := h.sendInitialState(ctx, ws, sessionID, clientID); err != nil {
		slog.Warn("Failed to send initial state", "session_id", sessionID, "error", err)
		return
	}

	h.readLoop(ctx, ws, sessionID, clientID)
	slog.Info("Client session ended", "session_id", sessionID, "client_id", clientID)
}

// attachDocument ensures the session document is cached, seeding a new one
// from the latest snapshot, and that the replica subscribes to the
// session's replication channel.
func (h *WSHandler) attachDocument(ctx context.Context, sessionID, language string) error {
	seed, err := h.snapshots.LoadLatestSnapshot(ctx, sessionID)
	if err != nil {
		slog.Warn("Failed to load snapshot, starting empty",
			"session_id", sessionID, "error", err)
		seed = nil
	}
	if _, err := h.cache.GetOrCreate(sessionID, seed, language); err != nil {
		return err
	}
	return h.bus.Subscribe(sessionID)
}

func (h *WSHandler) sendInitialState(ctx context.Context, ws *websocket.Conn, sessionID, clientID string) error {
	state, err := h.cache.EncodeState(sessionID)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageBinary, state); err != nil {
		return err
	}
	for peerID, payload := range h.cache.Awareness(sessionID) {
		if peerID == clientID {
			continue
		}
		if err := h.writeControl(ctx, ws, wsMessage{
			Type:     "awareness",
			ClientID: peerID,
			Payload:  base64.StdEncoding.EncodeToString(payload),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID, clientID string) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID, "client_id", clientID)
			} else {
				slog.Warn("WebSocket read error", "session_id", sessionID, "error", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			h.handleUpdate(ctx, ws, sessionID, clientID, data)
		case websocket.MessageText:
			var msg wsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Debug("Dropping malformed control message", "session_id", sessionID, "error", err)
				continue
			}
			h.handleControl(ctx, ws, sessionID, clientID, msg)
		}
	}
}

func (h *WSHandler) handleUpdate(ctx context.Context, ws *websocket.Conn, sessionID, clientID string, update []byte) {
	// Reject oversized edits before merging them.
	if err := h.cache.ValidateSize(sessionID, h.maxDocBytes-len(update)); err != nil {
		slog.Warn("Rejected oversized update",
			"session_id", sessionID, "client_id", clientID, "error", err)
		if writeErr := h.writeControl(ctx, ws, wsMessage{Type: "error", Reason: "document too large"}); writeErr != nil {
			slog.Debug("Failed to send size error", "error", writeErr)
		}
		return
	}

	if err := h.cache.ApplyLocalUpdate(sessionID, update); err != nil {
		slog.Error("Failed to apply update",
			"session_id", sessionID, "client_id", clientID, "error", err)
		return
	}
	h.hub.Broadcast(sessionID, clientID, websocket.MessageBinary, update)

	// Bump the activity hint asynchronously; failures are logged and
	// swallowed, the document cache remains authoritative.
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.UpdateActivity(updateCtx, sessionID); err != nil {
			slog.Warn("Failed to update session activity", "session_id", sessionID, "error", err)
		}
	}()
}

func (h *WSHandler) handleControl(ctx context.Context, ws *websocket.Conn, sessionID, clientID string, msg wsMessage) {
	switch msg.Type {
	case "awareness":
		payload, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			slog.Debug("Dropping malformed awareness payload", "session_id", sessionID, "error", err)
			return
		}
		h.cache.UpdateAwareness(sessionID, clientID, payload)
		h.broadcastAwareness(sessionID, clientID, payload)
	case "ping":
		if err := h.writeControl(ctx, ws, wsMessage{Type: "pong"}); err != nil {
			slog.Debug("Failed to send pong", "error", err)
		}
	}
}

func (h *WSHandler) broadcastAwareness(sessionID, clientID string, payload []byte) {
	h.hub.BroadcastControl(sessionID, clientID, wsMessage{
		Type:     "awareness",
		ClientID: clientID,
		Payload:  base64.StdEncoding.EncodeToString(payload),
	})
}

func (h *WSHandler) writeControl(ctx context.Context, ws *websocket.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
