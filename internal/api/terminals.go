package api

import (
	"context"
	"net/http"

	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/ashureev/vibe-relay/internal/terminal"
	"github.com/go-chi/chi/v5"
)

// TerminalService is the terminal lifecycle used by TerminalHandler.
type TerminalService interface {
	Create(ctx context.Context, req terminal.CreateRequest) (*domain.Terminal, error)
	Delete(ctx context.Context, sandboxID, terminalID string) error
	List(ctx context.Context, sandboxID string) ([]domain.Terminal, error)
}

// TerminalHandler serves terminal routes.
type TerminalHandler struct {
	*Handler
	terminals TerminalService
	attach    http.Handler
}

// NewTerminalHandler creates a TerminalHandler. attach serves the websocket
// endpoint and may be nil.
func NewTerminalHandler(base *Handler, terminals TerminalService, attach http.Handler) *TerminalHandler {
	return &TerminalHandler{Handler: base, terminals: terminals, attach: attach}
}

// RegisterRoutes registers terminal routes.
func (h *TerminalHandler) RegisterRoutes(r chi.Router) {
	r.Route("/terminals", func(r chi.Router) {
		r.Post("/create", h.Create)
		r.Delete("/delete", h.Delete)
		r.Get("/list", h.List)
		if h.attach != nil {
			r.Get("/attach", h.attach.ServeHTTP)
		}
	})
}

type deleteTerminalRequest struct {
	SandboxID  string `json:"sandboxId" validate:"required"`
	TerminalID string `json:"terminalId" validate:"required"`
}

// Create starts a new terminal in a sandbox.
func (h *TerminalHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req terminal.CreateRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	term, err := h.terminals.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "terminal": term})
}

// Delete stops a terminal. It reports success once the stop was attempted.
func (h *TerminalHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req deleteTerminalRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.terminals.Delete(r.Context(), req.SandboxID, req.TerminalID); err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "terminalId": req.TerminalID})
}

// List returns the terminals registered for a sandbox.
func (h *TerminalHandler) List(w http.ResponseWriter, r *http.Request) {
	terms, err := h.terminals.List(r.Context(), r.URL.Query().Get("sandboxId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if terms == nil {
		terms = []domain.Terminal{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "terminals": terms})
}
