package terminal

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ashureev/vibe-relay/internal/apperr"
	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/ashureev/vibe-relay/internal/sandbox"
)

// DefaultWorkingDirectory is used when a create request names none.
const DefaultWorkingDirectory = "/app"

// Registry persists the terminals created in each sandbox.
type Registry interface {
	AddTerminal(ctx context.Context, t domain.Terminal) error
	RemoveTerminal(ctx context.Context, sandboxID, terminalID string) (bool, error)
	ListTerminals(ctx context.Context, sandboxID string) ([]domain.Terminal, error)
}

// CreateRequest is the input of Service.Create.
type CreateRequest struct {
	SandboxID        string `json:"sandboxId" validate:"required"`
	Name             string `json:"name" validate:"required"`
	WorkingDirectory string `json:"workingDirectory"`
}

// Service creates, deletes and lists sandbox terminals.
type Service struct {
	provider sandbox.Provider
	registry Registry
	sessions *SessionManager
	now      func() time.Time
}

// NewService creates a terminal service.
func NewService(provider sandbox.Provider, registry Registry, sessions *SessionManager) *Service {
	return &Service{provider: provider, registry: registry, sessions: sessions, now: time.Now}
}

// Create starts a shell in the sandbox and registers it as a terminal. Every
// call yields a new terminal, even for a repeated name.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Terminal, error) {
	if req.SandboxID == "" || req.Name == "" {
		return nil, apperr.BadRequest("sandboxId and name are required")
	}
	dir := req.WorkingDirectory
	if dir == "" {
		dir = DefaultWorkingDirectory
	}

	handle, err := s.provider.RunDetached(ctx, req.SandboxID, sandbox.Command{Cmd: startupCommand(dir, req.Name)})
	if err != nil {
		return nil, apperr.Upstream("failed to create terminal", err)
	}

	now := s.now()
	if handle == "" {
		handle = fallbackTerminalID(now)
	}

	term := domain.Terminal{
		TerminalID:       handle,
		Name:             req.Name,
		SandboxID:        req.SandboxID,
		WorkingDirectory: dir,
		Status:           domain.TerminalReady,
		CreatedAt:        now.UTC(),
	}
	if err := s.registry.AddTerminal(ctx, term); err != nil {
		return nil, fmt.Errorf("register terminal %s: %w", term.TerminalID, err)
	}

	slog.Info("Terminal created",
		"sandbox_id", term.SandboxID,
		"terminal_id", term.TerminalID,
		"working_directory", dir)
	return &term, nil
}

// Delete stops the terminal's process and unregisters it. Signal and
// registry failures are logged and never returned.
func (s *Service) Delete(ctx context.Context, sandboxID, terminalID string) error {
	if sandboxID == "" || terminalID == "" {
		return apperr.BadRequest("sandboxId and terminalId are required")
	}

	if err := s.provider.Signal(ctx, sandboxID, terminalID); err != nil {
		logNonCritical(apperr.NonCritical("signal terminal process", err), sandboxID, terminalID)
	}
	if _, err := s.registry.RemoveTerminal(ctx, sandboxID, terminalID); err != nil {
		logNonCritical(apperr.NonCritical("unregister terminal", err), sandboxID, terminalID)
	}
	if s.sessions != nil {
		s.sessions.CloseTerminal(sandboxID, terminalID)
	}

	slog.Info("Terminal deleted", "sandbox_id", sandboxID, "terminal_id", terminalID)
	return nil
}

// List returns the registered terminals of a sandbox, oldest first.
func (s *Service) List(ctx context.Context, sandboxID string) ([]domain.Terminal, error) {
	if sandboxID == "" {
		return nil, apperr.BadRequest("sandboxId is required")
	}
	terms, err := s.registry.ListTerminals(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("list terminals of %s: %w", sandboxID, err)
	}
	return terms, nil
}

func logNonCritical(err error, sandboxID, terminalID string) {
	slog.Warn("Terminal side effect failed",
		"error", err,
		"sandbox_id", sandboxID,
		"terminal_id", terminalID)
}

func startupCommand(dir, name string) []string {
	script := "cd " + shellQuote(dir) + " && echo " + shellQuote("Terminal "+name+" ready")
	return []string{"sh", "-c", script}
}

// shellQuote wraps s in single quotes for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func fallbackTerminalID(now time.Time) string {
	var b strings.Builder
	limit := big.NewInt(int64(len(idAlphabet)))
	for i := 0; i < 9; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			b.WriteByte('0')
			continue
		}
		b.WriteByte(idAlphabet[n.Int64()])
	}
	return fmt.Sprintf("term-%d-%s", now.UnixMilli(), b.String())
}
