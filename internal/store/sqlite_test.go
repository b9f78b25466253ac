package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "collab.db"))
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Failed to close test store: %v", err)
		}
	})
	return s
}

func testSession(id string) *domain.Session {
	return &domain.Session{
		SessionID:  id,
		User1ID:    "user-a",
		User2ID:    "user-b",
		QuestionID: "q-42",
		Difficulty: "Medium",
		Topic:      "Graphs",
		Language:   "python",
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess == nil {
		t.Fatal("Expected a session, got nil")
	}
	if sess.Status != domain.StatusActive {
		t.Errorf("Expected ACTIVE, got %s", sess.Status)
	}
	if sess.User1ID != "user-a" || sess.User2ID != "user-b" {
		t.Errorf("Participants not persisted: %+v", sess)
	}
	if sess.FirstJoinedAt != nil {
		t.Error("A fresh session must not have first_joined_at set")
	}
	if !sess.IsGhost() {
		t.Error("A fresh session is a ghost until a participant joins")
	}
}

func TestGetSessionMissing(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.GetSession(context.Background(), "absent")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess != nil {
		t.Errorf("Expected nil for a missing session, got %+v", sess)
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	err := s.CreateSession(ctx, testSession("s1"))
	if !errors.Is(err, domain.ErrDuplicateSession) {
		t.Errorf("Expected ErrDuplicateSession, got %v", err)
	}
}

func TestCreateSessionConcurrentDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.CreateSession(ctx, testSession("s1"))
		}(i)
	}
	wg.Wait()

	var created, duplicates int
	for _, err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, domain.ErrDuplicateSession):
			duplicates++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if created != 1 || duplicates != 2 {
		t.Errorf("Expected exactly 1 create and 2 duplicates, got %d and %d", created, duplicates)
	}
}

func TestIsParticipant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	cases := []struct {
		userID string
		want   bool
	}{
		{"user-a", true},
		{"user-b", true},
		{"user-c", false},
	}
	for _, tc := range cases {
		got, err := s.IsParticipant(ctx, "s1", tc.userID)
		if err != nil {
			t.Fatalf("IsParticipant(%s) failed: %v", tc.userID, err)
		}
		if got != tc.want {
			t.Errorf("IsParticipant(%s) = %v, want %v", tc.userID, got, tc.want)
		}
	}

	got, err := s.IsParticipant(ctx, "absent", "user-a")
	if err != nil {
		t.Fatalf("IsParticipant failed: %v", err)
	}
	if got {
		t.Error("A missing session has no participants")
	}
}

func TestMarkJoinedStampsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	base := time.Now()
	s.now = func() time.Time { return base.Add(time.Minute) }
	if err := s.MarkJoined(ctx, "s1", "user-a"); err != nil {
		t.Fatalf("MarkJoined failed: %v", err)
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.FirstJoinedAt == nil {
		t.Fatal("Expected first_joined_at to be stamped")
	}
	first := *sess.FirstJoinedAt
	if !sess.HasJoined("user-a") {
		t.Error("Expected user-a's join to be stamped")
	}
	if sess.HasJoined("user-b") {
		t.Error("user-b has not joined yet")
	}

	// A later join bumps activity but leaves first_joined_at alone.
	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	if err := s.MarkJoined(ctx, "s1", "user-b"); err != nil {
		t.Fatalf("MarkJoined failed: %v", err)
	}
	sess, err = s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !sess.FirstJoinedAt.Equal(first) {
		t.Errorf("first_joined_at changed: %v -> %v", first, sess.FirstJoinedAt)
	}
	if !sess.LastActivityAt.After(first) {
		t.Error("Expected last_activity_at to advance on the second join")
	}
	if !sess.HasJoined("user-a") || !sess.HasJoined("user-b") {
		t.Error("Expected both joins to be stamped")
	}
	if !sess.User1JoinedAt.Equal(first) {
		t.Errorf("user1_joined_at changed: %v -> %v", first, sess.User1JoinedAt)
	}
}

func TestMarkJoinedErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := s.MarkJoined(ctx, "absent", "user-a"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if err := s.MarkJoined(ctx, "s1", "intruder"); !errors.Is(err, domain.ErrNotParticipant) {
		t.Errorf("Expected ErrNotParticipant, got %v", err)
	}
}

func TestTerminateSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := s.TerminateSession(ctx, "absent", "user-a"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	if err := s.TerminateSession(ctx, "s1", "intruder"); !errors.Is(err, domain.ErrNotParticipant) {
		t.Errorf("Expected ErrNotParticipant, got %v", err)
	}

	if err := s.TerminateSession(ctx, "s1", "user-a"); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != domain.StatusTerminated {
		t.Errorf("Expected TERMINATED, got %s", sess.Status)
	}
	if sess.TerminatedAt == nil {
		t.Error("Expected terminated_at to be stamped")
	}

	// Terminating again is a hard error, not a silent success.
	if err := s.TerminateSession(ctx, "s1", "user-b"); !errors.Is(err, domain.ErrSessionNotActive) {
		t.Errorf("Expected ErrSessionNotActive, got %v", err)
	}
}

func TestTerminalStatusIsMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.TerminateBySystem(ctx, "s1", domain.StatusExpired); err != nil {
		t.Fatalf("TerminateBySystem failed: %v", err)
	}

	// A racing sweep must not overwrite one terminal status with another.
	err := s.TerminateBySystem(ctx, "s1", domain.StatusTerminated)
	if !errors.Is(err, domain.ErrSessionNotActive) {
		t.Errorf("Expected ErrSessionNotActive, got %v", err)
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != domain.StatusExpired {
		t.Errorf("Terminal status overwritten: got %s", sess.Status)
	}
}

func TestTerminateBySystemRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.TerminateBySystem(ctx, "s1", domain.StatusActive); err == nil {
		t.Error("Expected an error for a non-terminal target status")
	}
}

func TestCanRejoin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	grace := 2 * time.Minute

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.MarkJoined(ctx, "s1", "user-a"); err != nil {
		t.Fatalf("MarkJoined failed: %v", err)
	}

	ok, err := s.CanRejoin(ctx, "s1", "user-a", grace)
	if err != nil {
		t.Fatalf("CanRejoin failed: %v", err)
	}
	if !ok {
		t.Error("Expected rejoin within grace to be allowed")
	}

	ok, err = s.CanRejoin(ctx, "s1", "intruder", grace)
	if err != nil {
		t.Fatalf("CanRejoin failed: %v", err)
	}
	if ok {
		t.Error("A non-participant must never rejoin")
	}

	// Past the grace window.
	s.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	ok, err = s.CanRejoin(ctx, "s1", "user-a", grace)
	if err != nil {
		t.Fatalf("CanRejoin failed: %v", err)
	}
	if ok {
		t.Error("Expected rejoin past grace to be refused")
	}
}

func TestCanRejoinFirstJoinIgnoresGrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	grace := 2 * time.Minute

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.MarkJoined(ctx, "s1", "user-a"); err != nil {
		t.Fatalf("MarkJoined failed: %v", err)
	}

	// Activity has gone stale while user-a sits alone, but user-b is
	// joining for the first time and must not be gated by the grace
	// window.
	s.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	ok, err := s.CanRejoin(ctx, "s1", "user-b", grace)
	if err != nil {
		t.Fatalf("CanRejoin failed: %v", err)
	}
	if !ok {
		t.Error("A participant's first join must pass regardless of grace")
	}
	ok, err = s.CanRejoin(ctx, "s1", "user-a", grace)
	if err != nil {
		t.Fatalf("CanRejoin failed: %v", err)
	}
	if ok {
		t.Error("Expected user-a's reconnect past grace to be refused")
	}
}

func TestCanRejoinTerminatedSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.TerminateSession(ctx, "s1", "user-a"); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}

	ok, err := s.CanRejoin(ctx, "s1", "user-a", time.Hour)
	if err != nil {
		t.Fatalf("CanRejoin failed: %v", err)
	}
	if ok {
		t.Error("A terminated session must refuse rejoin regardless of grace")
	}
}

func TestExpireStaleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	if err := s.CreateSession(ctx, testSession("stale")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	s.now = func() time.Time { return base.Add(29 * time.Minute) }
	if err := s.CreateSession(ctx, testSession("fresh")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	s.now = func() time.Time { return base.Add(31 * time.Minute) }
	expired := s.ExpireStaleSessions(ctx, 30*time.Minute)
	if expired != 1 {
		t.Errorf("Expected 1 expired session, got %d", expired)
	}

	sess, err := s.GetSession(ctx, "stale")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != domain.StatusExpired {
		t.Errorf("Expected EXPIRED, got %s", sess.Status)
	}
	sess, err = s.GetSession(ctx, "fresh")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != domain.StatusActive {
		t.Errorf("Expected the fresh session to stay ACTIVE, got %s", sess.Status)
	}
}

func TestGetUserActiveSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	if err := s.CreateSession(ctx, testSession("older")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	s.now = func() time.Time { return base.Add(time.Minute) }
	if err := s.CreateSession(ctx, testSession("newer")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	other := testSession("other")
	other.User1ID, other.User2ID = "user-x", "user-y"
	if err := s.CreateSession(ctx, other); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.TerminateSession(ctx, "older", "user-a"); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}

	sessions, err := s.GetUserActiveSessions(ctx, "user-a")
	if err != nil {
		t.Fatalf("GetUserActiveSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "newer" {
		t.Errorf("Expected only the newer active session, got %+v", sessions)
	}
}

func TestListGhostSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	if err := s.CreateSession(ctx, testSession("ghost")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.CreateSession(ctx, testSession("joined")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.MarkJoined(ctx, "joined", "user-a"); err != nil {
		t.Fatalf("MarkJoined failed: %v", err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	ghosts, err := s.ListGhostSessions(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ListGhostSessions failed: %v", err)
	}
	if len(ghosts) != 1 || ghosts[0].SessionID != "ghost" {
		t.Errorf("Expected only the never-joined session, got %+v", ghosts)
	}

	// A young never-joined session is not yet a ghost.
	s.now = func() time.Time { return base.Add(30 * time.Second) }
	ghosts, err = s.ListGhostSessions(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ListGhostSessions failed: %v", err)
	}
	if len(ghosts) != 0 {
		t.Errorf("Expected no ghosts before the age threshold, got %+v", ghosts)
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, testSession("s1")); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess != nil {
		t.Errorf("Expected the session to be gone, got %+v", sess)
	}

	// Idempotent.
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Errorf("Deleting a missing session failed: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := s.LoadLatestSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadLatestSnapshot failed: %v", err)
	}
	if state != nil {
		t.Errorf("Expected nil when no snapshot exists, got %v", state)
	}

	if err := s.SaveSnapshot(ctx, "s1", []byte("v1")); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := s.SaveSnapshot(ctx, "s1", []byte("v2")); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	state, err = s.LoadLatestSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadLatestSnapshot failed: %v", err)
	}
	if string(state) != "v2" {
		t.Errorf("Expected the latest snapshot, got %q", state)
	}
}

func TestSnapshotLatestWinsWithinSameMillisecond(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Pin the clock so both rows share one created_at value.
	fixed := time.Now()
	s.now = func() time.Time { return fixed }

	if err := s.SaveSnapshot(ctx, "s1", []byte("first")); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := s.SaveSnapshot(ctx, "s1", []byte("second")); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	state, err := s.LoadLatestSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadLatestSnapshot failed: %v", err)
	}
	if string(state) != "second" {
		t.Errorf("Expected the most recent write to win, got %q", state)
	}
}

func TestSnapshotsAreIsolatedPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, "s1", []byte("one")); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := s.SaveSnapshot(ctx, "s2", []byte("two")); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	state, err := s.LoadLatestSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadLatestSnapshot failed: %v", err)
	}
	if string(state) != "one" {
		t.Errorf("Expected session s1's snapshot, got %q", state)
	}
}
