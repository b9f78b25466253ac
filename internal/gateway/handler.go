package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/doc"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/domain"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/lifecycle"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// API provides the HTTP session surface around the collaboration engine.
type API struct {
	repo        store.SessionRepository
	cache       *doc.Cache
	closer      *lifecycle.Closer
	rejoinGrace time.Duration
}

// NewAPI creates the HTTP handler set.
func NewAPI(repo store.SessionRepository, cache *doc.Cache, closer *lifecycle.Closer, rejoinGrace time.Duration) *API {
	return &API{repo: repo, cache: cache, closer: closer, rejoinGrace: rejoinGrace}
}

// RegisterRoutes mounts the session routes.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", a.createSession)
	r.Get("/sessions/{sessionID}", a.getSession)
	r.Delete("/sessions/{sessionID}", a.terminateSession)
	r.Get("/sessions/{sessionID}/rejoin", a.canRejoin)
	r.Get("/users/{userID}/sessions", a.userSessions)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

type createSessionRequest struct {
	SessionID  string `json:"session_id"`
	User1ID    string `json:"user1_id"`
	User2ID    string `json:"user2_id"`
	QuestionID string `json:"question_id"`
	Difficulty string `json:"difficulty"`
	Topic      string `json:"topic"`
	Language   string `json:"language"`
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.User1ID == "" || req.User2ID == "" {
		Error(w, http.StatusBadRequest, "both participants are required")
		return
	}
	if req.User1ID == req.User2ID {
		Error(w, http.StatusBadRequest, "participants must be distinct")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.Language == "" {
		req.Language = "python"
	}

	sess := &domain.Session{
		SessionID:  req.SessionID,
		User1ID:    req.User1ID,
		User2ID:    req.User2ID,
		QuestionID: req.QuestionID,
		Difficulty: req.Difficulty,
		Topic:      req.Topic,
		Language:   req.Language,
	}
	if err := a.repo.CreateSession(r.Context(), sess); err != nil {
		if errors.Is(err, domain.ErrDuplicateSession) {
			Error(w, http.StatusConflict, "session already exists")
			return
		}
		slog.Error("Failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	JSON(w, http.StatusCreated, sess)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := a.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	resp := map[string]interface{}{
		"session":           sess,
		"connected_clients": a.cache.ConnectedClients(sessionID),
	}
	if meta := a.cache.GetMetadata(sessionID); meta != nil {
		resp["document"] = meta
	}
	JSON(w, http.StatusOK, resp)
}

func (a *API) terminateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	requesterID := r.Header.Get("X-User-ID")
	if requesterID == "" {
		Error(w, http.StatusBadRequest, "user identity required")
		return
	}

	err := a.closer.Terminate(r.Context(), sessionID, requesterID)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusTerminated)})
	case errors.Is(err, domain.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, domain.ErrNotParticipant):
		Error(w, http.StatusForbidden, "not a participant")
	case errors.Is(err, domain.ErrSessionNotActive):
		Error(w, http.StatusConflict, "session already ended")
	default:
		slog.Error("Failed to terminate session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to terminate session")
	}
}

func (a *API) canRejoin(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		Error(w, http.StatusBadRequest, "user identity required")
		return
	}

	ok, err := a.repo.CanRejoin(r.Context(), sessionID, userID, a.rejoinGrace)
	if err != nil {
		slog.Error("Failed to check rejoin", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to check rejoin")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"can_rejoin": ok})
}

func (a *API) userSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sessions, err := a.repo.GetUserActiveSessions(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list user sessions", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, sessions)
}
