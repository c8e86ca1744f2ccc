package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/ashureev/vibe-relay/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SessionStore is the chat session persistence used by SessionHandler.
type SessionStore interface {
	OwnsSession(ctx context.Context, email, id string) (bool, error)
	GetSession(ctx context.Context, id string) (*domain.ChatSession, error)
	UpdateSession(ctx context.Context, id string, fn func(*domain.ChatSession) error) (*domain.ChatSession, error)
	SaveSession(ctx context.Context, email string, session *domain.ChatSession) (*domain.ChatSession, error)
	ListSessions(ctx context.Context, email string) ([]*domain.ChatSession, error)
	DeleteSession(ctx context.Context, email, id string) error
}

// SessionHandler serves chat history routes.
type SessionHandler struct {
	*Handler
	sessions SessionStore
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(base *Handler, sessions SessionStore) *SessionHandler {
	return &SessionHandler{Handler: base, sessions: sessions}
}

// RegisterRoutes registers chat history routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/chat-history", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Save)
		r.Get("/{sessionId}", h.Get)
		r.Delete("/{sessionId}", h.Delete)
		r.Post("/{sessionId}/deployment", h.UpdateDeployment)
		r.Post("/{sessionId}/sandbox", h.UpdateSandbox)
	})
}

type saveSessionRequest struct {
	ID       string               `json:"id"`
	Title    string               `json:"title" validate:"max=200"`
	Messages []domain.ChatMessage `json:"messages"`
}

type deploymentRequest struct {
	LatestDeploymentURL *string `json:"latestDeploymentUrl"`
	LatestCustomDomain  *string `json:"latestCustomDomain"`
}

type sandboxRequest struct {
	Sandbox *domain.SandboxMetadata `json:"sandbox" validate:"required"`
}

// List returns summaries of the caller's sessions, newest first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	sessions, err := h.sessions.ListSessions(r.Context(), email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	summaries := make([]domain.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": summaries})
}

// Save creates or replaces one of the caller's sessions.
func (h *SessionHandler) Save(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	var req saveSessionRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Messages == nil {
		req.Messages = []domain.ChatMessage{}
	}

	saved, err := h.sessions.SaveSession(r.Context(), email, &domain.ChatSession{
		ID:       req.ID,
		Title:    req.Title,
		Messages: req.Messages,
	})
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "session": saved})
}

// Get returns one of the caller's sessions.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "sessionId")
	if !h.owned(w, r, email, id) {
		return
	}
	session, err := h.sessions.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session": session})
}

// Delete removes one of the caller's sessions.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "sessionId")
	if !h.owned(w, r, email, id) {
		return
	}
	if err := h.sessions.DeleteSession(r.Context(), email, id); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Chat session deleted", "session_id", id, "user_email", email)
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "sessionId": id})
}

// UpdateDeployment records the latest deployment URL and custom domain.
// Absent fields keep their stored value.
func (h *SessionHandler) UpdateDeployment(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "sessionId")
	if !h.owned(w, r, email, id) {
		return
	}

	var req deploymentRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	h.update(w, r, id, func(s *domain.ChatSession) error {
		if req.LatestDeploymentURL != nil {
			s.LatestDeploymentURL = *req.LatestDeploymentURL
		}
		if req.LatestCustomDomain != nil {
			s.LatestCustomDomain = *req.LatestCustomDomain
		}
		return nil
	})
}

// UpdateSandbox binds sandbox metadata to a session.
func (h *SessionHandler) UpdateSandbox(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "sessionId")
	if !h.owned(w, r, email, id) {
		return
	}

	var req sandboxRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	meta := *req.Sandbox
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	h.update(w, r, id, func(s *domain.ChatSession) error {
		s.Sandbox = &meta
		return nil
	})
}

// owned checks the caller's session set before anything else so that ids
// outside it are 404 whatever the payload.
func (h *SessionHandler) owned(w http.ResponseWriter, r *http.Request, email, id string) bool {
	owns, err := h.sessions.OwnsSession(r.Context(), email, id)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	if !owns {
		Error(w, http.StatusNotFound, "session not found")
		return false
	}
	return true
}

func (h *SessionHandler) update(w http.ResponseWriter, r *http.Request, id string, fn func(*domain.ChatSession) error) {
	session, err := h.sessions.UpdateSession(r.Context(), id, fn)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "session": session})
}
