package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/domain"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements SessionRepository and SnapshotStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user1_id TEXT NOT NULL,
		user2_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		difficulty TEXT NOT NULL,
		topic TEXT NOT NULL,
		language TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		first_joined_at INTEGER,
		user1_joined_at INTEGER,
		user2_joined_at INTEGER,
		terminated_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_activity ON sessions(status, last_activity_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_user1 ON sessions(user1_id) WHERE status = 'ACTIVE';
	CREATE INDEX IF NOT EXISTS idx_sessions_user2 ON sessions(user2_id) WHERE status = 'ACTIVE';

	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		state BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_session ON snapshots(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession persists a new ACTIVE session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	now := s.now().Unix()
	query := `
	INSERT INTO sessions (
		session_id, user1_id, user2_id, question_id, difficulty, topic,
		language, status, created_at, last_activity_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.User1ID, session.User2ID,
		session.QuestionID, session.Difficulty, session.Topic,
		session.Language, string(domain.StatusActive), now, now,
	)
	if err != nil {
		if shared.IsSQLiteUniqueConstraintError(err) {
			return domain.ErrDuplicateSession
		}
		return &domain.PersistenceError{
			Op:        "CreateSession",
			Retryable: shared.IsSQLiteConflictError(err),
			Err:       err,
		}
	}

	session.Status = domain.StatusActive
	session.CreatedAt = time.Unix(now, 0)
	session.LastActivityAt = time.Unix(now, 0)
	return nil
}

const sessionColumns = `session_id, user1_id, user2_id, question_id, difficulty, topic,
       language, status, created_at, last_activity_at, first_joined_at,
       user1_joined_at, user2_joined_at, terminated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*domain.Session, error) {
	var sess domain.Session
	var status string
	var createdAt, lastActivityAt int64
	var firstJoinedAt, user1JoinedAt, user2JoinedAt, terminatedAt sql.NullInt64

	err := row.Scan(
		&sess.SessionID, &sess.User1ID, &sess.User2ID,
		&sess.QuestionID, &sess.Difficulty, &sess.Topic,
		&sess.Language, &status, &createdAt, &lastActivityAt,
		&firstJoinedAt, &user1JoinedAt, &user2JoinedAt, &terminatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActivityAt = time.Unix(lastActivityAt, 0)
	sess.FirstJoinedAt = nullTime(firstJoinedAt)
	sess.User1JoinedAt = nullTime(user1JoinedAt)
	sess.User2JoinedAt = nullTime(user2JoinedAt)
	sess.TerminatedAt = nullTime(terminatedAt)
	return &sess, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0)
	return &ts
}

// GetSession retrieves a session by ID, or nil if it does not exist.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// IsParticipant reports whether userID belongs to the session.
func (s *SQLiteStore) IsParticipant(ctx context.Context, sessionID, userID string) (bool, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	return sess.HasParticipant(userID), nil
}

// UpdateActivity bumps last_activity_at for an active session.
func (s *SQLiteStore) UpdateActivity(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET last_activity_at = ? WHERE session_id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, query, s.now().Unix(), sessionID, string(domain.StatusActive))
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Debug("UpdateActivity affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// MarkJoined stamps first_joined_at and the user's own joined timestamp
// once, and bumps last_activity_at.
func (s *SQLiteStore) MarkJoined(ctx context.Context, sessionID, userID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return domain.ErrSessionNotFound
	}
	if !sess.HasParticipant(userID) {
		return domain.ErrNotParticipant
	}

	now := s.now().Unix()
	query := `
	UPDATE sessions
	SET first_joined_at = COALESCE(first_joined_at, ?),
	    user1_joined_at = CASE WHEN user1_id = ? THEN COALESCE(user1_joined_at, ?) ELSE user1_joined_at END,
	    user2_joined_at = CASE WHEN user2_id = ? THEN COALESCE(user2_joined_at, ?) ELSE user2_joined_at END,
	    last_activity_at = ?
	WHERE session_id = ? AND status = ?`
	if _, err := s.db.ExecContext(ctx, query, now, userID, now, userID, now, now, sessionID, string(domain.StatusActive)); err != nil {
		return &domain.PersistenceError{
			Op:        "MarkJoined",
			Retryable: shared.IsSQLiteConflictError(err),
			Err:       err,
		}
	}
	return nil
}

// TerminateSession transitions ACTIVE -> TERMINATED on behalf of a
// participant. Terminating a session that already reached a terminal status
// is a caller error, not silently accepted.
func (s *SQLiteStore) TerminateSession(ctx context.Context, sessionID, requesterID string) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return domain.ErrSessionNotFound
	}
	if !sess.HasParticipant(requesterID) {
		return domain.ErrNotParticipant
	}
	if sess.Status.IsTerminal() {
		return domain.ErrSessionNotActive
	}
	return s.TerminateBySystem(ctx, sessionID, domain.StatusTerminated)
}

// TerminateBySystem transitions ACTIVE -> status without a participant
// check. The status guard in the WHERE clause keeps terminal states monotone
// under concurrent sweeps.
func (s *SQLiteStore) TerminateBySystem(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot transition session %s to non-terminal status %s", sessionID, status)
	}
	query := `
	UPDATE sessions SET status = ?, terminated_at = ?
	WHERE session_id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, query,
		string(status), s.now().Unix(), sessionID, string(domain.StatusActive))
	if err != nil {
		return &domain.PersistenceError{
			Op:        "TerminateBySystem",
			Retryable: shared.IsSQLiteConflictError(err),
			Err:       err,
		}
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrSessionNotActive
	}
	return nil
}

// CanRejoin reports whether userID may join the session. A participant's
// first join is always allowed while the session is ACTIVE; reconnects must
// land within grace of the last activity.
func (s *SQLiteStore) CanRejoin(ctx context.Context, sessionID, userID string, grace time.Duration) (bool, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil || sess.Status != domain.StatusActive || !sess.HasParticipant(userID) {
		return false, nil
	}
	if !sess.HasJoined(userID) {
		return true, nil
	}
	return s.now().Sub(sess.LastActivityAt) < grace, nil
}

// ExpireStaleSessions bulk-transitions idle ACTIVE sessions to EXPIRED.
// A sweep failure is logged and reported as 0 rather than propagated.
func (s *SQLiteStore) ExpireStaleSessions(ctx context.Context, threshold time.Duration) int64 {
	now := s.now()
	cutoff := now.Add(-threshold).Unix()
	query := `
	UPDATE sessions SET status = ?, terminated_at = ?
	WHERE status = ? AND last_activity_at < ?`
	result, err := s.db.ExecContext(ctx, query,
		string(domain.StatusExpired), now.Unix(), string(domain.StatusActive), cutoff)
	if err != nil {
		slog.Error("Failed to expire stale sessions", "error", err)
		return 0
	}
	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("Failed to count expired sessions", "error", err)
		return 0
	}
	return rows
}

// GetUserActiveSessions returns ACTIVE sessions for a participant, most
// recent first.
func (s *SQLiteStore) GetUserActiveSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + `
	FROM sessions
	WHERE status = ? AND (user1_id = ? OR user2_id = ?)
	ORDER BY created_at DESC, session_id DESC`
	return s.querySessions(ctx, query, string(domain.StatusActive), userID, userID)
}

// ListActiveSessions returns every ACTIVE session.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ?`
	return s.querySessions(ctx, query, string(domain.StatusActive))
}

// ListGhostSessions returns ACTIVE sessions older than age that no
// participant ever joined.
func (s *SQLiteStore) ListGhostSessions(ctx context.Context, age time.Duration) ([]*domain.Session, error) {
	cutoff := s.now().Add(-age).Unix()
	query := `SELECT ` + sessionColumns + `
	FROM sessions
	WHERE status = ? AND first_joined_at IS NULL AND created_at < ?`
	return s.querySessions(ctx, query, string(domain.StatusActive), cutoff)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession physically removes a session record.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return &domain.PersistenceError{
			Op:        "DeleteSession",
			Retryable: shared.IsSQLiteConflictError(err),
			Err:       err,
		}
	}
	return nil
}

// SaveSnapshot appends a new snapshot row for the session.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, sessionID string, state []byte) error {
	query := `INSERT INTO snapshots (session_id, state, created_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, sessionID, state, s.now().UnixMilli()); err != nil {
		return &domain.PersistenceError{
			Op:        "SaveSnapshot",
			Retryable: shared.IsSQLiteConflictError(err),
			Err:       err,
		}
	}
	return nil
}

// LoadLatestSnapshot returns the newest snapshot for the session, or nil if
// none exist. Row ID breaks created_at ties so appends within the same
// millisecond still resolve to the latest write.
func (s *SQLiteStore) LoadLatestSnapshot(ctx context.Context, sessionID string) ([]byte, error) {
	query := `
	SELECT state FROM snapshots
	WHERE session_id = ?
	ORDER BY created_at DESC, id DESC
	LIMIT 1`

	var state []byte
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot row: %w", err)
	}
	return state, nil
}
