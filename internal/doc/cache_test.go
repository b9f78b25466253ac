package doc

import (
	"errors"
	"testing"
	"time"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/domain"
	"github.com/automerge/automerge-go"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return NewCache(Config{InactivityThreshold: 10 * time.Minute})
}

// clientEdit simulates an editor client: load the current state, insert text,
// and return the incremental update bytes a real client would send.
func clientEdit(t *testing.T, state []byte, pos int, text string) []byte {
	t.Helper()
	d, err := automerge.Load(state)
	if err != nil {
		t.Fatalf("Failed to load state: %v", err)
	}
	if err := d.Path("content").Text().Insert(pos, text); err != nil {
		t.Fatalf("Failed to insert text: %v", err)
	}
	update := d.SaveIncremental()
	if len(update) == 0 {
		t.Fatal("Expected non-empty update")
	}
	return update
}

func TestCache_GetOrCreate(t *testing.T) {
	c := newTestCache(t)

	existed, err := c.GetOrCreate("s1", nil, "python")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if existed {
		t.Error("Expected a new document")
	}

	existed, err = c.GetOrCreate("s1", nil, "python")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !existed {
		t.Error("Expected the existing document")
	}

	if text := c.GetText("s1"); text != "" {
		t.Errorf("Expected empty document, got %q", text)
	}
}

func TestCache_GetOrCreateSeeded(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("s1", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	update := clientEdit(t, c.GetState("s1"), 0, "seeded")
	if err := c.ApplyLocalUpdate("s1", update); err != nil {
		t.Fatalf("ApplyLocalUpdate failed: %v", err)
	}
	state := c.GetState("s1")

	c2 := newTestCache(t)
	if _, err := c2.GetOrCreate("s1", state, "python"); err != nil {
		t.Fatalf("Seeded GetOrCreate failed: %v", err)
	}
	if text := c2.GetText("s1"); text != "seeded" {
		t.Errorf("Expected %q, got %q", "seeded", text)
	}
}

func TestCache_GetOrCreateCorruptSeed(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("s1", []byte("not a document"), "python"); err == nil {
		t.Error("Expected an error for a corrupt seed")
	}
}

func TestCache_ApplyLocalUpdateMissing(t *testing.T) {
	c := newTestCache(t)
	err := c.ApplyLocalUpdate("absent", []byte{1, 2, 3})
	if !errors.Is(err, domain.ErrDocumentNotFound) {
		t.Errorf("Expected ErrDocumentNotFound, got %v", err)
	}
}

func TestCache_UpdateIdempotence(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("s1", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	update := clientEdit(t, c.GetState("s1"), 0, "hello")

	if err := c.ApplyLocalUpdate("s1", update); err != nil {
		t.Fatalf("First apply failed: %v", err)
	}
	if err := c.ApplyLocalUpdate("s1", update); err != nil {
		t.Fatalf("Duplicate apply failed: %v", err)
	}
	if text := c.GetText("s1"); text != "hello" {
		t.Errorf("Expected %q after duplicate apply, got %q", "hello", text)
	}
}

func TestCache_UpdateCommutativity(t *testing.T) {
	c1 := newTestCache(t)
	if _, err := c1.GetOrCreate("s1", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	c2 := newTestCache(t)
	if _, err := c2.GetOrCreate("s1", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	// Two clients edit independently from the same base state.
	base := c1.GetState("s1")
	u1 := clientEdit(t, base, 0, "hello")
	u2 := clientEdit(t, base, 0, "world")

	if err := c1.ApplyRemoteUpdate("s1", u1); err != nil {
		t.Fatalf("Apply u1 failed: %v", err)
	}
	if err := c1.ApplyRemoteUpdate("s1", u2); err != nil {
		t.Fatalf("Apply u2 failed: %v", err)
	}

	if err := c2.ApplyRemoteUpdate("s1", u2); err != nil {
		t.Fatalf("Apply u2 failed: %v", err)
	}
	if err := c2.ApplyRemoteUpdate("s1", u1); err != nil {
		t.Fatalf("Apply u1 failed: %v", err)
	}

	t1, t2 := c1.GetText("s1"), c2.GetText("s1")
	if t1 != t2 {
		t.Errorf("Orderings diverged: %q vs %q", t1, t2)
	}
	if t1 == "" {
		t.Error("Expected merged content, got empty document")
	}
}

func TestCache_LocalUpdateSchedulesReplication(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("s1", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	update := clientEdit(t, c.GetState("s1"), 0, "hi")
	if err := c.ApplyLocalUpdate("s1", update); err != nil {
		t.Fatalf("ApplyLocalUpdate failed: %v", err)
	}

	select {
	case out := <-c.Outbound():
		if out.SessionID != "s1" || out.Awareness {
			t.Errorf("Unexpected outbound payload: %+v", out)
		}
	default:
		t.Error("Expected an outbound payload")
	}
}

func TestCache_RemoteUpdateDoesNotReplicate(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("s1", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	update := clientEdit(t, c.GetState("s1"), 0, "hi")
	if err := c.ApplyRemoteUpdate("s1", update); err != nil {
		t.Fatalf("ApplyRemoteUpdate failed: %v", err)
	}

	select {
	case out := <-c.Outbound():
		t.Errorf("Remote apply must not re-emit, got %+v", out)
	default:
	}
}

func TestCache_CollectGarbage(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("stale", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := c.GetOrCreate("connected", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	c.AddClient("connected", "client-1", "user-a")

	// Both documents are now far past the inactivity threshold.
	c.now = func() time.Time { return time.Now().Add(time.Hour) }

	evicted := c.CollectGarbage()
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Errorf("Expected only the stale document evicted, got %v", evicted)
	}
	if c.GetState("connected") == nil {
		t.Error("A document with connected clients must never be evicted")
	}
	if c.GetState("stale") != nil {
		t.Error("Expected the stale document to be gone")
	}
}

func TestCache_CollectGarbageKeepsRecentlyActive(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("s1", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if evicted := c.CollectGarbage(); len(evicted) != 0 {
		t.Errorf("Expected no evictions, got %v", evicted)
	}
}

func TestCache_DeleteDocumentIdempotent(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("s1", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	c.DeleteDocument("s1")
	if c.GetState("s1") != nil {
		t.Error("Expected the document to be gone")
	}
	// Deleting again is a no-op.
	c.DeleteDocument("s1")
	c.DeleteDocument("never-existed")
}

func TestCache_ClientBookkeeping(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("s1", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	c.AddClient("s1", "c1", "user-a")
	c.AddClient("s1", "c2", "user-a")
	c.AddClient("s1", "c3", "user-b")

	if got := c.ConnectedClients("s1"); got != 3 {
		t.Errorf("Expected 3 clients, got %d", got)
	}
	connected, ever := c.UserPresence("s1")
	if connected != 2 || ever != 2 {
		t.Errorf("Expected 2 connected / 2 ever users, got %d / %d", connected, ever)
	}

	c.RemoveClient("s1", "c3")
	connected, ever = c.UserPresence("s1")
	if connected != 1 || ever != 2 {
		t.Errorf("Expected 1 connected / 2 ever users, got %d / %d", connected, ever)
	}

	// Absent sessions are a no-op, not an error.
	c.AddClient("absent", "c1", "user-a")
	c.RemoveClient("absent", "c1")
	if got := c.ConnectedClients("absent"); got != 0 {
		t.Errorf("Expected 0 clients for absent session, got %d", got)
	}
}

func TestCache_Awareness(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("s1", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	c.UpdateAwareness("s1", "c1", []byte(`{"cursor":4}`))
	select {
	case out := <-c.Outbound():
		if !out.Awareness || out.ClientID != "c1" {
			t.Errorf("Unexpected outbound payload: %+v", out)
		}
	default:
		t.Error("Expected an outbound awareness payload")
	}

	aw := c.Awareness("s1")
	if string(aw["c1"]) != `{"cursor":4}` {
		t.Errorf("Unexpected awareness map: %v", aw)
	}

	// Remote awareness is recorded but never re-emitted.
	c.ApplyRemoteAwareness("s1", "c9", []byte(`{"cursor":1}`))
	select {
	case out := <-c.Outbound():
		t.Errorf("Remote awareness must not re-emit, got %+v", out)
	default:
	}

	// An empty payload clears the entry.
	c.UpdateAwareness("s1", "c1", nil)
	if aw := c.Awareness("s1"); len(aw) != 1 {
		t.Errorf("Expected only the remote entry, got %v", aw)
	}

	if c.Awareness("absent") != nil {
		t.Error("Expected nil awareness for absent session")
	}
}

func TestCache_GetMetadata(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("s1", nil, "go"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	meta := c.GetMetadata("s1")
	if meta["language"] != "go" {
		t.Errorf("Expected language go, got %v", meta)
	}
	if meta["createdAt"] == "" {
		t.Error("Expected createdAt to be set")
	}
	if c.GetMetadata("absent") != nil {
		t.Error("Expected nil metadata for absent session")
	}
}

func TestCache_ValidateSize(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.GetOrCreate("s1", nil, "python"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if err := c.ValidateSize("s1", 1<<20); err != nil {
		t.Errorf("Expected a fresh document to fit, got %v", err)
	}
	if err := c.ValidateSize("s1", 1); !errors.Is(err, domain.ErrDocumentTooLarge) {
		t.Errorf("Expected ErrDocumentTooLarge, got %v", err)
	}
	if err := c.ValidateSize("absent", 1<<20); !errors.Is(err, domain.ErrDocumentNotFound) {
		t.Errorf("Expected ErrDocumentNotFound, got %v", err)
	}
}

func TestCache_GetAccessorsOnAbsentSession(t *testing.T) {
	c := newTestCache(t)
	if c.GetState("absent") != nil {
		t.Error("Expected nil state")
	}
	if c.GetText("absent") != "" {
		t.Error("Expected empty text")
	}
	if c.GetMetadata("absent") != nil {
		t.Error("Expected nil metadata")
	}
}
