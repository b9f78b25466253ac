package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/config"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/domain"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/shared"
)

// Supervisor owns the named periodic sweeps. Each sweep runs on its own
// ticker; a failure or panic in one sweep is logged and never prevents the
// others from running. Start and Stop manage all tickers atomically, and
// every sweep body is callable synchronously so tests never wait on
// wall-clock timers.
type Supervisor struct {
	closer *Closer
	cfg    config.LifecycleConfig
	now    func() time.Time

	mu     sync.Mutex
	warned map[string]bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor over the closer's registry and cache.
func NewSupervisor(closer *Closer, cfg config.LifecycleConfig) *Supervisor {
	return &Supervisor{
		closer: closer,
		cfg:    cfg,
		now:    time.Now,
		warned: make(map[string]bool),
	}
}

// Start launches all sweeps. They stop when ctx is canceled or Stop is
// called.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.runEvery(ctx, "ghost", s.cfg.GhostInterval, func(ctx context.Context) { s.SweepGhosts(ctx) })
	s.runEvery(ctx, "solo", s.cfg.SoloInterval, func(ctx context.Context) { s.SweepSolo(ctx) })
	s.runEvery(ctx, "afk", s.cfg.AFKInterval, func(ctx context.Context) { s.SweepAFK(ctx) })
	s.runEvery(ctx, "gc", s.cfg.GCInterval, func(ctx context.Context) { s.SweepGC(ctx) })
	s.runEvery(ctx, "snapshot", s.cfg.SnapshotInterval, func(ctx context.Context) { s.SweepSnapshots(ctx) })

	slog.Info("Lifecycle supervisor started",
		"ghost_interval", s.cfg.GhostInterval,
		"solo_interval", s.cfg.SoloInterval,
		"afk_interval", s.cfg.AFKInterval,
		"gc_interval", s.cfg.GCInterval,
		"snapshot_interval", s.cfg.SnapshotInterval)
}

// Stop cancels all sweeps and waits for them to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) runEvery(ctx context.Context, name string, interval time.Duration, sweep func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runIsolated(ctx, name, sweep)
			case <-ctx.Done():
				slog.Info("Lifecycle sweep stopped", "sweep", name, "reason", ctx.Err())
				return
			}
		}
	}()
}

func (s *Supervisor) runIsolated(ctx context.Context, name string, sweep func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Lifecycle sweep panicked", "sweep", name, "panic", r)
		}
	}()
	sweep(ctx)
}

// SweepGhosts deletes sessions still never joined after the ghost timeout.
// No collaboration ever began, so the record is removed outright.
func (s *Supervisor) SweepGhosts(ctx context.Context) int {
	ghosts, err := s.closer.repo.ListGhostSessions(ctx, s.cfg.GhostTimeout)
	if err != nil {
		slog.Error("Ghost sweep failed to list sessions", "error", err)
		return 0
	}

	deleted := 0
	for _, sess := range ghosts {
		if err := s.closer.repo.DeleteSession(ctx, sess.SessionID); err != nil {
			slog.Error("Ghost sweep failed to delete session",
				"session_id", sess.SessionID, "error", err)
			continue
		}
		s.closer.cache.DeleteDocument(sess.SessionID)
		s.closer.bus.Unsubscribe(sess.SessionID)
		deleted++
	}
	if deleted > 0 {
		slog.Info("Ghost sweep deleted never-joined sessions", "count", deleted)
	}
	return deleted
}

// SweepSolo warns and then terminates sessions where a second participant
// never connected. Elapsed time is measured from the first join.
func (s *Supervisor) SweepSolo(ctx context.Context) int {
	sessions, err := s.closer.repo.ListActiveSessions(ctx)
	if err != nil {
		slog.Error("Solo sweep failed to list sessions", "error", err)
		return 0
	}

	now := s.now()
	terminated := 0
	live := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		live[sess.SessionID] = true
		if sess.FirstJoinedAt == nil {
			continue
		}

		connected, ever := s.closer.cache.UserPresence(sess.SessionID)
		if ever >= 2 {
			s.clearWarned(sess.SessionID)
			continue
		}
		if connected != 1 {
			continue
		}

		elapsed := now.Sub(*sess.FirstJoinedAt)
		switch {
		case elapsed >= s.cfg.SoloTerminateAfter:
			slog.Info("Solo sweep terminating session",
				"session_id", sess.SessionID, "elapsed", elapsed)
			if err := s.closer.terminateBySystem(ctx, sess.SessionID, domain.StatusTerminated, "solo timeout"); err != nil {
				slog.Error("Solo sweep failed to terminate session",
					"session_id", sess.SessionID, "error", err)
				continue
			}
			s.clearWarned(sess.SessionID)
			terminated++
		case elapsed >= s.cfg.SoloWarnAfter:
			if s.markWarned(sess.SessionID) {
				s.closer.notifier.SoloWarning(sess.SessionID, s.cfg.SoloTerminateAfter-elapsed)
			}
		}
	}

	// Drop warning state for sessions no longer active.
	s.mu.Lock()
	for sessionID := range s.warned {
		if !live[sessionID] {
			delete(s.warned, sessionID)
		}
	}
	s.mu.Unlock()

	return terminated
}

func (s *Supervisor) markWarned(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.warned[sessionID] {
		return false
	}
	s.warned[sessionID] = true
	return true
}

func (s *Supervisor) clearWarned(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.warned, sessionID)
}

// SweepAFK expires sessions idle past the AFK threshold, then reconciles
// the cache: documents whose registry record is terminal or gone are
// snapshotted once more and released. Reconciliation also covers sessions
// terminated on another replica.
func (s *Supervisor) SweepAFK(ctx context.Context) int64 {
	expired := s.closer.repo.ExpireStaleSessions(ctx, s.cfg.AFKThreshold)
	if expired > 0 {
		slog.Info("AFK sweep expired stale sessions", "count", expired)
	}

	for _, sessionID := range s.closer.cache.Sessions() {
		sess, err := s.closer.repo.GetSession(ctx, sessionID)
		if err != nil {
			slog.Warn("AFK sweep failed to load session", "session_id", sessionID, "error", err)
			continue
		}
		if sess == nil {
			// Record deleted elsewhere; no registry row for a snapshot
			// to belong to.
			s.closer.release(sessionID, "deleted")
			continue
		}
		if !sess.Status.IsTerminal() {
			continue
		}
		reason := "expired"
		if sess.Status == domain.StatusTerminated {
			reason = "terminated"
		}
		s.closer.finish(ctx, sessionID, reason)
	}
	return expired
}

// SweepGC evicts inactive unconnected documents from the cache.
func (s *Supervisor) SweepGC(_ context.Context) int {
	evicted := s.closer.cache.CollectGarbage()
	for _, sessionID := range evicted {
		s.closer.bus.Unsubscribe(sessionID)
	}
	return len(evicted)
}

// SweepSnapshots appends a snapshot for every live cached document. Save
// failures are retried with backoff but never block edits: the in-memory
// document stays authoritative between successful snapshots.
func (s *Supervisor) SweepSnapshots(ctx context.Context) int {
	saved := 0
	for _, sessionID := range s.closer.cache.Sessions() {
		state, err := s.closer.cache.EncodeState(sessionID)
		if err != nil {
			// Evicted between listing and encoding.
			continue
		}
		saveErr := shared.Retry(ctx, "SaveSnapshot", shared.DefaultRetryPolicy, func() error {
			return s.closer.snapshots.SaveSnapshot(ctx, sessionID, state)
		})
		if saveErr != nil {
			slog.Error("Snapshot sweep failed to save", "session_id", sessionID, "error", saveErr)
			continue
		}
		saved++
	}
	return saved
}
