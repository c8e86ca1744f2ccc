package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/vibe-relay/internal/identity"
	"github.com/ashureev/vibe-relay/internal/sandbox"
	"github.com/coder/websocket"
)

// AttachHandler relays a terminal's shell over a websocket.
type AttachHandler struct {
	provider      sandbox.Provider
	registry      Registry
	sm            *SessionManager
	workDir       string
	allowedOrigin string
	isDev         bool
}

// NewAttachHandler creates a new attach handler. Only terminals present in
// registry can be attached.
func NewAttachHandler(provider sandbox.Provider, registry Registry, sm *SessionManager, workDir, allowedOrigin string, isDev bool) *AttachHandler {
	if workDir == "" {
		workDir = DefaultWorkingDirectory
	}
	return &AttachHandler{
		provider:      provider,
		registry:      registry,
		sm:            sm,
		workDir:       workDir,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsWriter adapts websocket.Conn to io.Writer. Writes use a background
// context; the connection tracks its own state and ctx only gates new writes.
type wsWriter struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (w *wsWriter) Write(p []byte) (int, error) {
	if w.ctx.Err() != nil {
		return 0, w.ctx.Err()
	}
	if err := w.conn.Write(context.Background(), websocket.MessageBinary, p); err != nil {
		if w.ctx.Err() != nil {
			return 0, w.ctx.Err()
		}
		slog.Debug("WebSocket write error", "error", err)
		return 0, err
	}
	return len(p), nil
}

// wsMessage is a client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Cols    uint   `json:"cols,omitempty"`
	Rows    uint   `json:"rows,omitempty"`
}

func writeHTTPError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *AttachHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	email := identity.EmailFromContext(r.Context())
	if email == "" {
		writeHTTPError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sandboxID := r.URL.Query().Get("sandboxId")
	terminalID := r.URL.Query().Get("terminalId")
	if sandboxID == "" || terminalID == "" {
		writeHTTPError(w, http.StatusBadRequest, "sandboxId and terminalId are required")
		return
	}

	if !h.checkOrigin(r) {
		writeHTTPError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	info, err := h.provider.Inspect(r.Context(), sandboxID)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			writeHTTPError(w, http.StatusNotFound, "sandbox not found")
			return
		}
		slog.Error("Failed to inspect sandbox", "error", err, "sandbox_id", sandboxID)
		writeHTTPError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if info.OwnerEmail != email {
		writeHTTPError(w, http.StatusNotFound, "sandbox not found")
		return
	}

	known, err := h.registered(r.Context(), sandboxID, terminalID)
	if err != nil {
		slog.Error("Failed to list terminals", "error", err, "sandbox_id", sandboxID)
		writeHTTPError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !known {
		writeHTTPError(w, http.StatusNotFound, "terminal not found")
		return
	}

	slog.Info("WebSocket attach request",
		"user_email", email,
		"sandbox_id", sandboxID,
		"terminal_id", terminalID,
		"ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "sandbox_id", sandboxID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "sandbox_id", sandboxID)
		}
	}()

	scrollback, err := h.sm.Register(sandboxID, terminalID, ws)
	if err != nil {
		if err := writeJSON(ws, map[string]string{"error": "too_many_terminals"}); err != nil {
			slog.Debug("Failed to send too_many_terminals error", "error", err)
		}
		return
	}
	defer h.sm.Unregister(sandboxID, terminalID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	execID, execStream, err := h.provider.Attach(ctx, sandboxID, h.workDir)
	if err != nil {
		slog.Error("Failed to create exec session", "error", err, "sandbox_id", sandboxID)
		if err := writeJSON(ws, map[string]string{"error": "failed_to_create_exec"}); err != nil {
			slog.Debug("Failed to send failed_to_create_exec error", "error", err)
		}
		return
	}
	defer func() {
		if closeErr := execStream.Close(); closeErr != nil {
			slog.Debug("Failed to close exec stream", "error", closeErr, "sandbox_id", sandboxID)
		}
	}()

	if replay := scrollback.Bytes(); len(replay) > 0 {
		if err := ws.Write(ctx, websocket.MessageBinary, replay); err != nil {
			slog.Debug("Failed to replay scrollback", "error", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: websocket -> sandbox.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, execStream, execID, terminalID)
	}()

	// Output loop: sandbox -> websocket (and scrollback).
	go func() {
		defer wg.Done()
		defer cancel()
		out := io.MultiWriter(scrollback, &wsWriter{conn: ws, ctx: ctx})
		if _, err := io.Copy(out, execStream); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			slog.Warn("Sandbox output error", "error", err, "terminal_id", terminalID)
		}
	}()

	wg.Wait()
	slog.Info("Terminal attachment ended", "sandbox_id", sandboxID, "terminal_id", terminalID)
}

func (h *AttachHandler) registered(ctx context.Context, sandboxID, terminalID string) (bool, error) {
	terminals, err := h.registry.ListTerminals(ctx, sandboxID)
	if err != nil {
		return false, err
	}
	for _, t := range terminals {
		if t.TerminalID == terminalID {
			return true, nil
		}
	}
	return false, nil
}

func (h *AttachHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *AttachHandler) inputLoop(ctx context.Context, ws *websocket.Conn, execStream io.Writer, execID, terminalID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "terminal_id", terminalID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "terminal_id", terminalID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			// Raw keystrokes.
			if _, err := execStream.Write(message); err != nil {
				slog.Error("Exec stream write error", "error", err)
				return
			}
			continue
		}

		switch msg.Type {
		case "input", "data":
			if _, err := execStream.Write([]byte(msg.Content)); err != nil {
				slog.Error("Exec stdin write error", "error", err)
				return
			}
		case "resize":
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			if err := h.provider.Resize(ctx, execID, msg.Cols, msg.Rows); err != nil {
				slog.Warn("Failed to resize", "error", err, "terminal_id", terminalID)
			}
		case "ping":
			if err := writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		}
	}
}

func writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
