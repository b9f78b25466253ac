// Package doc provides the in-memory cache of mergeable session documents.
package doc

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/domain"
	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// bootstrapActor and bootstrapTime pin the initial change that creates the
// content text object. With a fixed actor and timestamp the bootstrap change
// is byte-identical on every replica, so documents created independently for
// the same session still share one text object after merging.
const bootstrapActor = "c011ab0000000000"

var bootstrapTime = time.Unix(0, 0)

// Outbound is an update or awareness payload scheduled for replication.
type Outbound struct {
	SessionID string
	ClientID  string // set for awareness payloads
	Awareness bool
	Payload   []byte
}

// handle is the cached per-session document state. It is a cache, not a
// source of truth: fully reconstructible from the latest snapshot plus
// replayed replicated updates.
type handle struct {
	doc          *automerge.Doc
	awareness    map[string][]byte
	clients      map[string]string // clientID -> userID
	everUsers    map[string]struct{}
	lastActivity time.Time
}

// Config holds document cache settings.
type Config struct {
	// InactivityThreshold is how long an unconnected document may stay
	// cached before GC evicts it.
	InactivityThreshold time.Duration

	// OutboundBuffer sizes the replication queue. Zero means the default.
	OutboundBuffer int
}

// Cache maps session IDs to mergeable documents, their ephemeral awareness
// maps, and connection bookkeeping.
type Cache struct {
	mu         sync.RWMutex
	docs       map[string]*handle
	inactivity time.Duration
	outbound   chan Outbound
	actorID    string
	now        func() time.Time
}

// NewCache creates a document cache with the given settings.
func NewCache(cfg Config) *Cache {
	buffer := cfg.OutboundBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Cache{
		docs:       make(map[string]*handle),
		inactivity: cfg.InactivityThreshold,
		outbound:   make(chan Outbound, buffer),
		actorID:    strings.ReplaceAll(uuid.NewString(), "-", ""),
		now:        time.Now,
	}
}

// Outbound returns the stream of payloads scheduled for replication.
func (c *Cache) Outbound() <-chan Outbound {
	return c.outbound
}

func newDocument(actorID string) (*automerge.Doc, error) {
	d := automerge.New()
	if err := d.SetActorID(bootstrapActor); err != nil {
		return nil, fmt.Errorf("set bootstrap actor: %w", err)
	}
	if err := d.Path("content").Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("create content text: %w", err)
	}
	if _, err := d.Commit("init", automerge.CommitOptions{Time: &bootstrapTime}); err != nil {
		return nil, fmt.Errorf("commit bootstrap change: %w", err)
	}
	if err := d.SetActorID(actorID); err != nil {
		return nil, fmt.Errorf("set replica actor: %w", err)
	}
	return d, nil
}

// GetOrCreate returns true if the session's document already existed, or
// creates one, optionally seeded by merging a full prior state. A missing
// seed is not an error: an empty document is valid.
func (c *Cache) GetOrCreate(sessionID string, seed []byte, language string) (existed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[sessionID]; ok {
		return true, nil
	}

	d, err := newDocument(c.actorID)
	if err != nil {
		return false, err
	}
	if len(seed) > 0 {
		prior, err := automerge.Load(seed)
		if err != nil {
			return false, fmt.Errorf("load seed state for session %s: %w", sessionID, err)
		}
		if _, err := d.Merge(prior); err != nil {
			return false, fmt.Errorf("merge seed state for session %s: %w", sessionID, err)
		}
	}
	c.initMetadata(d, language)

	c.docs[sessionID] = &handle{
		doc:          d,
		awareness:    make(map[string][]byte),
		clients:      make(map[string]string),
		everUsers:    make(map[string]struct{}),
		lastActivity: c.now(),
	}
	slog.Info("Document created", "session_id", sessionID, "seeded", len(seed) > 0)
	return false, nil
}

// initMetadata sets default metadata only if absent. Scalar values converge
// by last-writer-wins when replicas race on the same key.
func (c *Cache) initMetadata(d *automerge.Doc, language string) {
	if v, err := d.Path("meta", "language").Get(); err != nil || v.Kind() == automerge.KindVoid {
		if err := d.Path("meta", "language").Set(language); err != nil {
			slog.Warn("Failed to set document language", "error", err)
		}
	}
	if v, err := d.Path("meta", "createdAt").Get(); err != nil || v.Kind() == automerge.KindVoid {
		if err := d.Path("meta", "createdAt").Set(c.now().UTC().Format(time.RFC3339)); err != nil {
			slog.Warn("Failed to set document createdAt", "error", err)
		}
	}
}

// ApplyLocalUpdate merges update bytes from a locally connected client and
// schedules them for outbound replication. The merge is commutative,
// associative, and idempotent, so reordering and duplication are safe.
func (c *Cache) ApplyLocalUpdate(sessionID string, update []byte) error {
	if err := c.apply(sessionID, update); err != nil {
		return err
	}
	c.enqueue(Outbound{SessionID: sessionID, Payload: update})
	return nil
}

// ApplyRemoteUpdate merges update bytes received from the replication bus.
// It never re-emits, preventing echo loops between replicas.
func (c *Cache) ApplyRemoteUpdate(sessionID string, update []byte) error {
	return c.apply(sessionID, update)
}

func (c *Cache) apply(sessionID string, update []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.docs[sessionID]
	if !ok {
		return domain.ErrDocumentNotFound
	}
	if err := h.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("apply update to session %s: %w", sessionID, err)
	}
	h.lastActivity = c.now()
	return nil
}

// UpdateAwareness records a client's ephemeral presence payload and
// schedules it for replication. Awareness is non-durable: a missed payload
// self-heals on the client's next heartbeat.
func (c *Cache) UpdateAwareness(sessionID, clientID string, payload []byte) {
	if !c.setAwareness(sessionID, clientID, payload) {
		return
	}
	c.enqueue(Outbound{SessionID: sessionID, ClientID: clientID, Awareness: true, Payload: payload})
}

// ApplyRemoteAwareness records presence received from the bus without
// re-emitting it.
func (c *Cache) ApplyRemoteAwareness(sessionID, clientID string, payload []byte) {
	c.setAwareness(sessionID, clientID, payload)
}

func (c *Cache) setAwareness(sessionID, clientID string, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.docs[sessionID]
	if !ok {
		return false
	}
	if len(payload) == 0 {
		delete(h.awareness, clientID)
	} else {
		h.awareness[clientID] = payload
	}
	return true
}

// Awareness returns a copy of the session's awareness map, or nil if the
// document is absent.
func (c *Cache) Awareness(sessionID string) map[string][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.docs[sessionID]
	if !ok {
		return nil
	}
	out := make(map[string][]byte, len(h.awareness))
	for k, v := range h.awareness {
		out[k] = v
	}
	return out
}

// AddClient records a connected client. No-op if the document is absent.
func (c *Cache) AddClient(sessionID, clientID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.docs[sessionID]
	if !ok {
		return
	}
	h.clients[clientID] = userID
	h.everUsers[userID] = struct{}{}
	h.lastActivity = c.now()
}

// RemoveClient removes a connected client and its awareness entry. Document
// lifetime is governed solely by GC, so a disconnect never deletes the
// document directly. No-op if the document is absent.
func (c *Cache) RemoveClient(sessionID, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.docs[sessionID]
	if !ok {
		return
	}
	delete(h.clients, clientID)
	delete(h.awareness, clientID)
	h.lastActivity = c.now()
}

// ConnectedClients returns the number of connected clients for a session.
func (c *Cache) ConnectedClients(sessionID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.docs[sessionID]
	if !ok {
		return 0
	}
	return len(h.clients)
}

// UserPresence returns the number of distinct connected users and the number
// of distinct users that ever connected. Inputs to the solo-session policy.
func (c *Cache) UserPresence(sessionID string) (connected, ever int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.docs[sessionID]
	if !ok {
		return 0, 0
	}
	users := make(map[string]struct{}, len(h.clients))
	for _, userID := range h.clients {
		users[userID] = struct{}{}
	}
	return len(users), len(h.everUsers)
}

// EncodeState encodes the session's full document state, or fails with
// domain.ErrDocumentNotFound if there is no live document to encode.
func (c *Cache) EncodeState(sessionID string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.docs[sessionID]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return h.doc.Save(), nil
}

// GetState returns the encoded document state, or nil if absent.
func (c *Cache) GetState(sessionID string) []byte {
	state, err := c.EncodeState(sessionID)
	if err != nil {
		return nil
	}
	return state
}

// GetText returns the document's text content, or "" if absent.
func (c *Cache) GetText(sessionID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.docs[sessionID]
	if !ok {
		return ""
	}
	text, err := h.doc.Path("content").Text().Get()
	if err != nil {
		return ""
	}
	return text
}

// GetMetadata returns the document's metadata map, or nil if absent.
func (c *Cache) GetMetadata(sessionID string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.docs[sessionID]
	if !ok {
		return nil
	}
	meta := make(map[string]string)
	for _, key := range []string{"language", "createdAt"} {
		v, err := h.doc.Path("meta", key).Get()
		if err != nil || v.Kind() != automerge.KindStr {
			continue
		}
		meta[key] = v.Str()
	}
	return meta
}

// ValidateSize checks the encoded document state against a size ceiling.
func (c *Cache) ValidateSize(sessionID string, maxBytes int) error {
	state, err := c.EncodeState(sessionID)
	if err != nil {
		return err
	}
	if len(state) > maxBytes {
		return fmt.Errorf("session %s is %d bytes: %w", sessionID, len(state), domain.ErrDocumentTooLarge)
	}
	return nil
}

// DeleteDocument releases the document and awareness resources for a
// session. Idempotent: deleting an absent session is a no-op.
func (c *Cache) DeleteDocument(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.docs[sessionID]; !ok {
		return
	}
	delete(c.docs, sessionID)
	slog.Info("Document deleted", "session_id", sessionID)
}

// Sessions returns the IDs of all live cached documents.
func (c *Cache) Sessions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	return ids
}

// CollectGarbage evicts documents with no connected clients whose last
// activity exceeds the inactivity threshold, returning the evicted session
// IDs. A document with at least one connected client is never evicted,
// regardless of staleness: liveness is presence, not recent edits.
func (c *Cache) CollectGarbage() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var evicted []string
	for sessionID, h := range c.docs {
		if len(h.clients) > 0 {
			continue
		}
		if now.Sub(h.lastActivity) <= c.inactivity {
			continue
		}
		delete(c.docs, sessionID)
		evicted = append(evicted, sessionID)
	}
	if len(evicted) > 0 {
		slog.Info("Document GC evicted inactive documents", "count", len(evicted))
	}
	return evicted
}

func (c *Cache) enqueue(out Outbound) {
	select {
	case c.outbound <- out:
	default:
		slog.Warn("Replication queue full, dropping payload",
			"session_id", out.SessionID, "awareness", out.Awareness)
	}
}
