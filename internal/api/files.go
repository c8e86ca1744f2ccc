package api

import (
	"context"
	"net/http"

	"github.com/ashureev/vibe-relay/internal/apperr"
	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/ashureev/vibe-relay/internal/filesync"
	"github.com/go-chi/chi/v5"
)

// FileBridge moves session files between sandboxes and the store.
type FileBridge interface {
	Save(ctx context.Context, email, sessionID, sandboxID string) (int, error)
	Get(ctx context.Context, email, sessionID string) (*domain.SessionFileSet, error)
	Restore(ctx context.Context, email, sessionID, sandboxID string) (*filesync.RestoreResult, error)
}

// FileHandler serves session file routes.
type FileHandler struct {
	*Handler
	bridge FileBridge
}

// NewFileHandler creates a FileHandler.
func NewFileHandler(base *Handler, bridge FileBridge) *FileHandler {
	return &FileHandler{Handler: base, bridge: bridge}
}

// RegisterRoutes registers session file routes.
func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Route("/session-files", func(r chi.Router) {
		r.Post("/", h.Save)
		r.Get("/", h.Get)
		r.Post("/restore", h.Restore)
	})
}

type sessionFilesRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	SandboxID string `json:"sandboxId" validate:"required"`
}

// Save snapshots the sandbox workspace into the session.
func (h *FileHandler) Save(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	var req sessionFilesRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	count, err := h.bridge.Save(r.Context(), email, req.SessionID, req.SandboxID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "savedCount": count})
}

// Get returns the saved files of a session.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, r, apperr.BadRequest("sessionId is required"))
		return
	}
	set, err := h.bridge.Get(r.Context(), email, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"files": set.Files, "savedAt": set.SavedAt})
}

// Restore pushes a session's saved files into a sandbox.
func (h *FileHandler) Restore(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	var req sessionFilesRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.bridge.Restore(r.Context(), email, req.SessionID, req.SandboxID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, result)
}
