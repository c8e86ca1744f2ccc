package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ashureev/vibe-relay/internal/domain"
)

// ChatHistoryKey addresses the set of session ids owned by email.
func ChatHistoryKey(email string) string { return "chat-history:" + email }

// ChatSessionKey addresses a session blob.
func ChatSessionKey(id string) string { return "chat-session:" + id }

// OwnsSession reports whether id is in the caller's owned session set.
func (s *Store) OwnsSession(ctx context.Context, email, id string) (bool, error) {
	return s.kv.SIsMember(ctx, ChatHistoryKey(email), id)
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	var session domain.ChatSession
	if _, err := s.getJSON(ctx, ChatSessionKey(id), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateSession applies fn to an existing session and writes the result
// back, retrying on concurrent modification. Returns ErrNotFound if the
// session record is missing.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*domain.ChatSession) error) (*domain.ChatSession, error) {
	updated, err := updateJSON(ctx, s, ChatSessionKey(id), func(v *domain.ChatSession, exists bool) error {
		if !exists {
			return ErrNotFound
		}
		if err := fn(v); err != nil {
			return err
		}
		v.Touch(s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SaveSession writes session for email, replacing any previous content, and
// records ownership.
func (s *Store) SaveSession(ctx context.Context, email string, session *domain.ChatSession) (*domain.ChatSession, error) {
	saved, err := updateJSON(ctx, s, ChatSessionKey(session.ID), func(v *domain.ChatSession, exists bool) error {
		if exists && v.UserEmail != "" && v.UserEmail != email {
			return ErrNotFound
		}
		created := v.Timestamp
		*v = *session
		if exists && created != 0 {
			v.Timestamp = created
		}
		if v.Timestamp == 0 {
			v.Timestamp = s.now().UnixMilli()
		}
		v.UserEmail = email
		v.Touch(s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, ChatHistoryKey(email), session.ID); err != nil {
		return nil, fmt.Errorf("record session ownership: %w", err)
	}
	return &saved, nil
}

// ListSessions returns the sessions owned by email, most recently updated first.
// Ids whose record has disappeared are skipped.
func (s *Store) ListSessions(ctx context.Context, email string) ([]*domain.ChatSession, error) {
	ids, err := s.kv.SMembers(ctx, ChatHistoryKey(email))
	if err != nil {
		return nil, err
	}

	sessions := make([]*domain.ChatSession, 0, len(ids))
	for _, id := range ids {
		session, err := s.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			slog.Debug("Owned session has no record", "session_id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastUpdated > sessions[j].LastUpdated
	})
	return sessions, nil
}

// DeleteSession removes the session record and its ownership entry.
func (s *Store) DeleteSession(ctx context.Context, email, id string) error {
	if err := s.kv.SRem(ctx, ChatHistoryKey(email), id); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, ChatSessionKey(id)); err != nil {
		return err
	}
	return s.kv.Delete(ctx, SessionFilesKey(id))
}
