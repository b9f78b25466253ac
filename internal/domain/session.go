// Package domain contains core domain types for the collaboration service.
package domain

import (
	"time"
)

// SessionStatus represents the lifecycle status of a collaboration session.
type SessionStatus string

const (
	StatusActive     SessionStatus = "ACTIVE"
	StatusTerminated SessionStatus = "TERMINATED"
	StatusExpired    SessionStatus = "EXPIRED"
)

// IsTerminal returns true once the session can never return to ACTIVE.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusTerminated || s == StatusExpired
}

// Session is a collaboration session between exactly two participants.
// Records are retained after termination for history; only ghost sessions
// (never joined) are ever physically deleted.
type Session struct {
	SessionID      string        `json:"session_id"`
	User1ID        string        `json:"user1_id"`
	User2ID        string        `json:"user2_id"`
	QuestionID     string        `json:"question_id"`
	Difficulty     string        `json:"difficulty"`
	Topic          string        `json:"topic"`
	Language       string        `json:"language"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	FirstJoinedAt  *time.Time    `json:"first_joined_at,omitempty"`
	User1JoinedAt  *time.Time    `json:"user1_joined_at,omitempty"`
	User2JoinedAt  *time.Time    `json:"user2_joined_at,omitempty"`
	TerminatedAt   *time.Time    `json:"terminated_at,omitempty"`
}

// HasParticipant returns true if userID is one of the two participants.
func (s *Session) HasParticipant(userID string) bool {
	return userID == s.User1ID || userID == s.User2ID
}

// PeerOf returns the other participant's user ID, or "" if userID is not a
// participant.
func (s *Session) PeerOf(userID string) string {
	switch userID {
	case s.User1ID:
		return s.User2ID
	case s.User2ID:
		return s.User1ID
	}
	return ""
}

// HasJoined returns true if userID has connected to the session before.
// A participant's first join is never subject to the rejoin grace window.
func (s *Session) HasJoined(userID string) bool {
	switch userID {
	case s.User1ID:
		return s.User1JoinedAt != nil
	case s.User2ID:
		return s.User2JoinedAt != nil
	}
	return false
}

// IsGhost returns true if no participant ever connected to the session.
func (s *Session) IsGhost() bool {
	return s.FirstJoinedAt == nil
}
