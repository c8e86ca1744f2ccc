// Package domain contains core domain types for the relay.
package domain

import (
	"encoding/json"
	"time"
)

// ChatMessage is a single entry of a chat conversation. The payload is kept
// opaque so that message shapes produced by the client round-trip untouched.
type ChatMessage = json.RawMessage

// SandboxMetadata describes the sandbox bound to a chat session.
type SandboxMetadata struct {
	SandboxID string    `json:"sandboxId" validate:"required"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the sandbox lifetime has elapsed at now.
func (m *SandboxMetadata) Expired(now time.Time) bool {
	if m == nil || m.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(m.ExpiresAt)
}

// ChatSession is the persisted record of a user's conversation and its
// sandbox/deployment metadata.
type ChatSession struct {
	ID                  string           `json:"id"`
	Timestamp           int64            `json:"timestamp"`
	Messages            []ChatMessage    `json:"messages"`
	Title               string           `json:"title,omitempty"`
	LastUpdated         int64            `json:"lastUpdated"`
	Sandbox             *SandboxMetadata `json:"sandbox,omitempty"`
	LatestDeploymentURL string           `json:"latestDeploymentUrl,omitempty"`
	LatestCustomDomain  string           `json:"latestCustomDomain,omitempty"`
	UserEmail           string           `json:"userEmail,omitempty"`
}

// Touch stamps LastUpdated with now in milliseconds.
func (s *ChatSession) Touch(now time.Time) {
	s.LastUpdated = now.UnixMilli()
}

// SessionSummary is the listing projection of a ChatSession.
type SessionSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	LastUpdated  int64  `json:"lastUpdated"`
	MessageCount int    `json:"messageCount"`
	HasSandbox   bool   `json:"hasSandbox"`
}

// Summary returns the listing projection of the session.
func (s *ChatSession) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		Title:        s.Title,
		Timestamp:    s.Timestamp,
		LastUpdated:  s.LastUpdated,
		MessageCount: len(s.Messages),
		HasSandbox:   s.Sandbox != nil && s.Sandbox.SandboxID != "",
	}
}
