package store

import (
	"context"
	"errors"
	"sort"

	"github.com/ashureev/vibe-relay/internal/domain"
)

// SessionFilesKey addresses the saved file set of a session.
func SessionFilesKey(sessionID string) string { return "session-files:" + sessionID }

// TerminalsKey addresses the terminal registry of a sandbox.
func TerminalsKey(sandboxID string) string { return "terminals:" + sandboxID }

// SaveFileSet replaces the saved file set of a session.
func (s *Store) SaveFileSet(ctx context.Context, set *domain.SessionFileSet) error {
	_, err := s.putJSON(ctx, SessionFilesKey(set.SessionID), set, AnyRevision)
	return err
}

// GetFileSet returns the saved file set of a session or ErrNotFound.
func (s *Store) GetFileSet(ctx context.Context, sessionID string) (*domain.SessionFileSet, error) {
	var set domain.SessionFileSet
	if _, err := s.getJSON(ctx, SessionFilesKey(sessionID), &set); err != nil {
		return nil, err
	}
	return &set, nil
}

type terminalRegistry map[string]domain.Terminal

// AddTerminal registers t under its sandbox.
func (s *Store) AddTerminal(ctx context.Context, t domain.Terminal) error {
	_, err := updateJSON(ctx, s, TerminalsKey(t.SandboxID), func(v *terminalRegistry, _ bool) error {
		if *v == nil {
			*v = terminalRegistry{}
		}
		(*v)[t.TerminalID] = t
		return nil
	})
	return err
}

// RemoveTerminal unregisters a terminal. It reports whether it was registered.
func (s *Store) RemoveTerminal(ctx context.Context, sandboxID, terminalID string) (bool, error) {
	var removed bool
	_, err := updateJSON(ctx, s, TerminalsKey(sandboxID), func(v *terminalRegistry, _ bool) error {
		_, removed = (*v)[terminalID]
		delete(*v, terminalID)
		return nil
	})
	return removed, err
}

// ListTerminals returns the terminals registered for a sandbox, oldest first.
func (s *Store) ListTerminals(ctx context.Context, sandboxID string) ([]domain.Terminal, error) {
	var reg terminalRegistry
	if _, err := s.getJSON(ctx, TerminalsKey(sandboxID), &reg); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	terminals := make([]domain.Terminal, 0, len(reg))
	for _, t := range reg {
		terminals = append(terminals, t)
	}
	sort.Slice(terminals, func(i, j int) bool {
		if terminals[i].CreatedAt.Equal(terminals[j].CreatedAt) {
			return terminals[i].TerminalID < terminals[j].TerminalID
		}
		return terminals[i].CreatedAt.Before(terminals[j].CreatedAt)
	})
	return terminals, nil
}

// ForgetSandbox drops the terminal registry of a sandbox.
func (s *Store) ForgetSandbox(ctx context.Context, sandboxID string) error {
	return s.kv.Delete(ctx, TerminalsKey(sandboxID))
}
