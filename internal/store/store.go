// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/domain"
)

// SessionRepository defines the interface for persisting session records.
// It is the source of truth for authorization and timeout decisions.
type SessionRepository interface {
	// CreateSession persists a new ACTIVE session. Returns
	// domain.ErrDuplicateSession if the session ID already exists.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID, or nil if it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// IsParticipant reports whether userID is one of the session's two
	// participants. An unknown session is false, not an error.
	IsParticipant(ctx context.Context, sessionID, userID string) (bool, error)

	// UpdateActivity bumps last_activity_at. Best-effort: callers log and
	// swallow failures, this is a liveness hint, not a correctness write.
	UpdateActivity(ctx context.Context, sessionID string) error

	// MarkJoined stamps first_joined_at and the user's joined timestamp on
	// their first connect, and bumps last_activity_at. Returns
	// domain.ErrNotParticipant if userID does not belong to the session.
	MarkJoined(ctx context.Context, sessionID, userID string) error

	// TerminateSession transitions ACTIVE -> TERMINATED on behalf of a
	// participant. Returns domain.ErrSessionNotFound,
	// domain.ErrNotParticipant, or domain.ErrSessionNotActive.
	TerminateSession(ctx context.Context, sessionID, requesterID string) error

	// TerminateBySystem transitions ACTIVE -> status without a participant
	// check. Used by lifecycle policies.
	TerminateBySystem(ctx context.Context, sessionID string, status domain.SessionStatus) error

	// CanRejoin reports whether userID may join: the session must be
	// ACTIVE and the user a participant. A first join always passes;
	// reconnects require the last activity to be within grace.
	CanRejoin(ctx context.Context, sessionID, userID string, grace time.Duration) (bool, error)

	// ExpireStaleSessions transitions ACTIVE sessions idle longer than
	// threshold to EXPIRED and returns the count. Persistence failures are
	// logged and reported as 0 so a sweep never crashes the supervisor.
	ExpireStaleSessions(ctx context.Context, threshold time.Duration) int64

	// GetUserActiveSessions returns all ACTIVE sessions for a participant,
	// most recent first.
	GetUserActiveSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// ListActiveSessions returns every ACTIVE session.
	ListActiveSessions(ctx context.Context) ([]*domain.Session, error)

	// ListGhostSessions returns ACTIVE sessions older than age that no
	// participant ever joined.
	ListGhostSessions(ctx context.Context, age time.Duration) ([]*domain.Session, error)

	// DeleteSession physically removes a session record. Only ghost
	// sessions are ever deleted; terminated sessions are retained.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// SnapshotStore is an append-only log of encoded document states.
type SnapshotStore interface {
	// SaveSnapshot appends a new snapshot row for the session.
	SaveSnapshot(ctx context.Context, sessionID string, state []byte) error

	// LoadLatestSnapshot returns the most recently appended snapshot for
	// the session, or nil if none exist.
	LoadLatestSnapshot(ctx context.Context, sessionID string) ([]byte, error)
}
