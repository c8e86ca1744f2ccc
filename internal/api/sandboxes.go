package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/vibe-relay/internal/apperr"
	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/ashureev/vibe-relay/internal/identity"
	"github.com/ashureev/vibe-relay/internal/sandbox"
	"github.com/ashureev/vibe-relay/internal/store"
	"github.com/go-chi/chi/v5"
)

// SandboxProvider is the subset of sandbox.Provider used by SandboxHandler.
type SandboxProvider interface {
	Create(ctx context.Context, req sandbox.CreateRequest) (*sandbox.Info, error)
	Inspect(ctx context.Context, sandboxID string) (*sandbox.Info, error)
}

// SandboxHandler serves sandbox routes.
type SandboxHandler struct {
	*Handler
	provider SandboxProvider
	sessions SessionStore

	// provisionLocks prevents concurrent provisioning for the same user.
	provisionLocks sync.Map
}

// NewSandboxHandler creates a SandboxHandler.
func NewSandboxHandler(base *Handler, provider SandboxProvider, sessions SessionStore) *SandboxHandler {
	return &SandboxHandler{Handler: base, provider: provider, sessions: sessions}
}

// RegisterRoutes registers sandbox routes.
func (h *SandboxHandler) RegisterRoutes(r chi.Router) {
	r.Route("/sandboxes", func(r chi.Router) {
		r.Post("/connect", h.Connect)
		r.Post("/create", h.Create)
	})
}

type connectRequest struct {
	SandboxID string `json:"sandboxId" validate:"required"`
}

type createSandboxRequest struct {
	SessionID string `json:"sessionId"`
}

// Connect returns the state of an existing sandbox.
func (h *SandboxHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	info, err := h.provider.Inspect(r.Context(), req.SandboxID)
	if errors.Is(err, sandbox.ErrNotFound) {
		Error(w, http.StatusNotFound, "sandbox not found")
		return
	}
	if err != nil {
		writeError(w, r, apperr.Upstream("failed to connect to sandbox", err))
		return
	}

	email := identity.EmailFromContext(r.Context())
	if info.OwnerEmail != email {
		Error(w, http.StatusNotFound, "sandbox not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{"sandbox": info})
}

// Create provisions a sandbox for the caller and, when a session id is
// given, binds it to that session.
func (h *SandboxHandler) Create(w http.ResponseWriter, r *http.Request) {
	email, ok := requireEmail(w, r)
	if !ok {
		return
	}
	var req createSandboxRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	lock, _ := h.provisionLocks.LoadOrStore(email, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Provisioning already in progress", "user_email", email)
		Error(w, http.StatusConflict, "provisioning_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		h.provisionLocks.Delete(email)
	}()

	ctx := r.Context()
	if req.SessionID != "" {
		owns, err := h.sessions.OwnsSession(ctx, email, req.SessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !owns {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
	}

	info, err := h.provider.Create(ctx, sandbox.CreateRequest{OwnerEmail: email, SessionID: req.SessionID})
	if err != nil {
		writeError(w, r, apperr.Upstream("failed to create sandbox", err))
		return
	}
	slog.Info("Sandbox provisioned", "user_email", email, "sandbox_id", info.SandboxID, "session_id", req.SessionID)

	if req.SessionID != "" {
		meta := domain.SandboxMetadata{SandboxID: info.SandboxID, CreatedAt: info.CreatedAt, ExpiresAt: info.ExpiresAt}
		_, err := h.sessions.UpdateSession(ctx, req.SessionID, func(s *domain.ChatSession) error {
			s.Sandbox = &meta
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, r, err)
			return
		}
	}

	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "sandbox": info})
}

// Pinger is a dependency whose reachability is part of the health report.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks  map[string]Pinger
	timeout time.Duration
}

// NewHealthHandler creates a health handler over the named dependencies.
func NewHealthHandler(checks map[string]Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{checks: checks, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			slog.Error("Health check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, map[string]interface{}{"status": status, "checks": checks})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
