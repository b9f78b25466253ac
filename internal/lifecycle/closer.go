// Package lifecycle runs the session lifecycle policies: ghost cleanup,
// solo-session timeout, AFK expiry, document GC, and periodic snapshots.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/bus"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/doc"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/domain"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/shared"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/store"
)

// Notifier delivers lifecycle events to connected clients. Termination maps
// to a distinguished close signal so clients suppress auto-reconnect.
type Notifier interface {
	SoloWarning(sessionID string, remaining time.Duration)
	SessionClosed(sessionID, reason string)
}

// NopNotifier discards lifecycle events.
type NopNotifier struct{}

func (NopNotifier) SoloWarning(string, time.Duration) {}
func (NopNotifier) SessionClosed(string, string)      {}

// Closer terminates sessions and tears down their cached documents. It is
// the single termination path shared by the API surface and the lifecycle
// sweeps.
type Closer struct {
	repo      store.SessionRepository
	cache     *doc.Cache
	snapshots store.SnapshotStore
	bus       bus.Bus
	notifier  Notifier
}

// NewCloser wires the shared termination path.
func NewCloser(repo store.SessionRepository, cache *doc.Cache, snapshots store.SnapshotStore, b bus.Bus, notifier Notifier) *Closer {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Closer{repo: repo, cache: cache, snapshots: snapshots, bus: b, notifier: notifier}
}

// Terminate ends a session on behalf of a participant, then snapshots and
// releases its document.
func (c *Closer) Terminate(ctx context.Context, sessionID, requesterID string) error {
	if err := c.repo.TerminateSession(ctx, sessionID, requesterID); err != nil {
		return err
	}
	c.finish(ctx, sessionID, "terminated")
	return nil
}

// terminateBySystem ends a session with system authority.
func (c *Closer) terminateBySystem(ctx context.Context, sessionID string, status domain.SessionStatus, reason string) error {
	if err := c.repo.TerminateBySystem(ctx, sessionID, status); err != nil {
		// Lost a race with a participant terminate or another sweep; the
		// session is already terminal, so just tear down local state.
		if !errors.Is(err, domain.ErrSessionNotActive) {
			return err
		}
	}
	c.finish(ctx, sessionID, reason)
	return nil
}

// finish writes one final snapshot so the edits since the last periodic
// snapshot survive, then releases the document and closes connections.
func (c *Closer) finish(ctx context.Context, sessionID, reason string) {
	if state, err := c.cache.EncodeState(sessionID); err == nil {
		saveErr := shared.Retry(ctx, "SaveSnapshot", shared.DefaultRetryPolicy, func() error {
			return c.snapshots.SaveSnapshot(ctx, sessionID, state)
		})
		if saveErr != nil {
			slog.Error("Failed to write final snapshot", "session_id", sessionID, "error", saveErr)
		}
	}
	c.release(sessionID, reason)
}

// release tears down local state without a final snapshot. Used when the
// registry record is already gone and a snapshot row would be an orphan.
func (c *Closer) release(sessionID, reason string) {
	c.cache.DeleteDocument(sessionID)
	c.bus.Unsubscribe(sessionID)
	c.notifier.SessionClosed(sessionID, reason)
}
