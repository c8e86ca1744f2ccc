// Package terminal runs shells inside sandboxes and relays live terminal I/O.
package terminal

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MaxAttachmentsPerSandbox caps the terminals, live or detached, whose
// scrollback is kept for one sandbox.
const MaxAttachmentsPerSandbox = 16

// ErrTooManyAttachments is returned by Register when every slot of the
// sandbox holds a live connection.
var ErrTooManyAttachments = errors.New("too many attached terminals")

type attachment struct {
	conn       *websocket.Conn
	scrollback *Scrollback
	detachedAt time.Time
}

// SessionManager tracks the live websocket attached to each terminal. A
// terminal has at most one connection; registering a new one closes the old.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*attachment
	now    func() time.Time
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]*attachment),
		now:    time.Now,
	}
}

// GetActive returns the live connection for a terminal.
func (m *SessionManager) GetActive(sandboxID, terminalID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a := m.active[sandboxID][terminalID]; a != nil {
		return a.conn
	}
	return nil
}

// Register records conn as the terminal's connection and returns the
// terminal's scrollback, which survives reconnects. When the sandbox is at
// capacity the longest detached terminal is dropped to make room.
func (m *SessionManager) Register(sandboxID, terminalID string, conn *websocket.Conn) (*Scrollback, error) {
	m.mu.Lock()

	terminals, ok := m.active[sandboxID]
	if !ok {
		terminals = make(map[string]*attachment)
		m.active[sandboxID] = terminals
	}

	a, ok := terminals[terminalID]
	if !ok {
		if len(terminals) >= MaxAttachmentsPerSandbox && !evictDetached(terminals) {
			m.mu.Unlock()
			slog.Warn("Terminal attach rejected, sandbox at capacity",
				"sandbox_id", sandboxID,
				"terminal_id", terminalID,
				"limit", MaxAttachmentsPerSandbox)
			return nil, ErrTooManyAttachments
		}
		a = &attachment{scrollback: NewScrollback(0)}
		terminals[terminalID] = a
	}

	var old *websocket.Conn
	if a.conn != nil && a.conn != conn {
		old = a.conn
	}
	a.conn = conn
	a.detachedAt = time.Time{}
	m.mu.Unlock()

	if old != nil {
		_ = old.Close(websocket.StatusNormalClosure, "terminal attached elsewhere")
	}
	slog.Info("Terminal attached", "sandbox_id", sandboxID, "terminal_id", terminalID)
	return a.scrollback, nil
}

// evictDetached removes the terminal that has been detached longest and
// reports whether one was found.
func evictDetached(terminals map[string]*attachment) bool {
	victim := ""
	var oldest time.Time
	for id, a := range terminals {
		if a.conn != nil {
			continue
		}
		if victim == "" || a.detachedAt.Before(oldest) {
			victim, oldest = id, a.detachedAt
		}
	}
	if victim == "" {
		return false
	}
	delete(terminals, victim)
	slog.Debug("Dropped detached terminal scrollback", "terminal_id", victim)
	return true
}

// Unregister detaches conn if it is still the terminal's connection. The
// scrollback stays until the slot is reclaimed or the terminal is closed.
func (m *SessionManager) Unregister(sandboxID, terminalID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a := m.active[sandboxID][terminalID]; a != nil && a.conn == conn {
		a.conn = nil
		a.detachedAt = m.now()
		slog.Info("Terminal detached", "sandbox_id", sandboxID, "terminal_id", terminalID)
	}
}

// CloseTerminal closes the terminal's connection and drops its scrollback.
func (m *SessionManager) CloseTerminal(sandboxID, terminalID string) {
	m.mu.Lock()
	terminals := m.active[sandboxID]
	a := terminals[terminalID]
	if a == nil {
		m.mu.Unlock()
		return
	}
	delete(terminals, terminalID)
	if len(terminals) == 0 {
		delete(m.active, sandboxID)
	}
	m.mu.Unlock()

	if a.conn != nil {
		_ = a.conn.Close(websocket.StatusNormalClosure, "terminal closed")
	}
}

// CloseSandbox closes every terminal connection of a sandbox.
func (m *SessionManager) CloseSandbox(sandboxID string) {
	m.mu.Lock()
	terminals, ok := m.active[sandboxID]
	delete(m.active, sandboxID)
	m.mu.Unlock()
	if !ok {
		return
	}

	for tid, a := range terminals {
		if a.conn != nil {
			_ = a.conn.Close(websocket.StatusNormalClosure, "sandbox stopped")
		}
		slog.Info("Terminal closed", "sandbox_id", sandboxID, "terminal_id", tid)
	}
}
