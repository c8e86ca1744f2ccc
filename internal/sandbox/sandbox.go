// Package sandbox manages the isolated containers that run generated apps.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when the provider has no sandbox with the given id.
var ErrNotFound = errors.New("sandbox not found")

// Status is the provider-reported state of a sandbox.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// Info describes a sandbox.
type Info struct {
	SandboxID  string    `json:"sandboxId"`
	Status     Status    `json:"status"`
	OwnerEmail string    `json:"-"`
	SessionID  string    `json:"sessionId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// CreateRequest describes a new sandbox.
type CreateRequest struct {
	OwnerEmail string
	SessionID  string
	Env        map[string]string
}

// Command is a process to start inside a sandbox.
type Command struct {
	Cmd     []string
	WorkDir string
}

// Provider is the sandbox backend used by the relay.
type Provider interface {
	// Create provisions and starts a new sandbox.
	Create(ctx context.Context, req CreateRequest) (*Info, error)

	// Inspect returns the sandbox or ErrNotFound.
	Inspect(ctx context.Context, sandboxID string) (*Info, error)

	// RunDetached starts cmd in the background and returns a process handle
	// that Signal accepts.
	RunDetached(ctx context.Context, sandboxID string, cmd Command) (string, error)

	// Signal delivers SIGTERM to the process started under handle. A process
	// that already exited is not an error.
	Signal(ctx context.Context, sandboxID, handle string) error

	// Attach starts an interactive shell and returns its exec id and stream.
	Attach(ctx context.Context, sandboxID, workDir string) (string, io.ReadWriteCloser, error)

	// Resize resizes the terminal of an attached exec.
	Resize(ctx context.Context, execID string, cols, rows uint) error

	// ReadTree returns a tar stream of dir.
	ReadTree(ctx context.Context, sandboxID, dir string) (io.ReadCloser, error)

	// WriteTree extracts the tar stream into dir.
	WriteTree(ctx context.Context, sandboxID, dir string, archive io.Reader) error

	// Stop stops and removes the sandbox. Stopping a missing sandbox is not an error.
	Stop(ctx context.Context, sandboxID string) error

	// ListExpired returns managed sandboxes whose expiry is not after now.
	ListExpired(ctx context.Context, now time.Time) ([]Info, error)
}
