// Package filesync copies a session's workspace files between its sandbox
// and the store so a later sandbox can pick up where the last one stopped.
package filesync

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/ashureev/vibe-relay/internal/apperr"
	"github.com/ashureev/vibe-relay/internal/domain"
	"github.com/ashureev/vibe-relay/internal/sandbox"
	"github.com/ashureev/vibe-relay/internal/store"
)

const (
	// MaxFileSize is the largest file captured in a snapshot.
	MaxFileSize = 1 << 20
	// DefaultMaxFiles caps the number of files in a snapshot.
	DefaultMaxFiles = 500
)

// Directories never captured, at any depth.
var skippedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
}

// FileStore persists session file sets and answers which sessions a caller
// owns.
type FileStore interface {
	OwnsSession(ctx context.Context, email, sessionID string) (bool, error)
	SaveFileSet(ctx context.Context, set *domain.SessionFileSet) error
	GetFileSet(ctx context.Context, sessionID string) (*domain.SessionFileSet, error)
}

// RestoreResult is the outcome of Restore. A missing snapshot is reported
// here rather than as an error.
type RestoreResult struct {
	Success       bool   `json:"success"`
	RestoredCount int    `json:"restoredCount"`
	Error         string `json:"error,omitempty"`
}

// Bridge saves and restores session files.
type Bridge struct {
	provider sandbox.Provider
	files    FileStore
	workDir  string
	maxFiles int
	now      func() time.Time
}

// NewBridge creates a Bridge over the sandbox workspace at workDir.
func NewBridge(provider sandbox.Provider, files FileStore, workDir string, maxFiles int) *Bridge {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	return &Bridge{
		provider: provider,
		files:    files,
		workDir:  path.Clean(workDir),
		maxFiles: maxFiles,
		now:      time.Now,
	}
}

// Save snapshots the sandbox workspace under sessionID and returns how many
// files were captured. Both the session and the sandbox must belong to email.
func (b *Bridge) Save(ctx context.Context, email, sessionID, sandboxID string) (int, error) {
	if err := b.authorize(ctx, email, sessionID); err != nil {
		return 0, err
	}
	if err := b.checkSandbox(ctx, email, sandboxID); err != nil {
		return 0, err
	}

	rc, err := b.provider.ReadTree(ctx, sandboxID, b.workDir)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return 0, apperr.NotFound("sandbox not found")
		}
		return 0, apperr.Upstream("failed to read sandbox files", err)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			slog.Debug("Failed to close sandbox archive", "error", closeErr)
		}
	}()

	files, err := collect(rc, b.maxFiles)
	if err != nil {
		return 0, apperr.Upstream("failed to read sandbox files", err)
	}

	set := &domain.SessionFileSet{
		SessionID:  sessionID,
		SandboxID:  sandboxID,
		OwnerEmail: email,
		Files:      files,
		SavedAt:    b.now().UTC(),
	}
	if err := b.files.SaveFileSet(ctx, set); err != nil {
		return 0, fmt.Errorf("save file set for %s: %w", sessionID, err)
	}

	slog.Info("Session files saved",
		"session_id", sessionID,
		"sandbox_id", sandboxID,
		"user_email", email,
		"count", len(files))
	return len(files), nil
}

// Get returns the saved file set of one of the caller's sessions.
func (b *Bridge) Get(ctx context.Context, email, sessionID string) (*domain.SessionFileSet, error) {
	if err := b.authorize(ctx, email, sessionID); err != nil {
		return nil, err
	}
	return b.load(ctx, email, sessionID)
}

// Restore writes the saved files of sessionID into the sandbox workspace. A
// missing snapshot or sandbox is reported in the result.
func (b *Bridge) Restore(ctx context.Context, email, sessionID, sandboxID string) (*RestoreResult, error) {
	if err := b.authorize(ctx, email, sessionID); err != nil {
		return nil, err
	}
	err := b.checkSandbox(ctx, email, sandboxID)
	if apperr.Is(err, apperr.KindNotFound) {
		return &RestoreResult{Success: false, RestoredCount: 0, Error: "sandbox not found"}, nil
	}
	if err != nil {
		return nil, err
	}

	set, err := b.load(ctx, email, sessionID)
	if apperr.Is(err, apperr.KindNotFound) {
		return &RestoreResult{Success: false, RestoredCount: 0, Error: "no saved files"}, nil
	}
	if err != nil {
		return nil, err
	}

	archive, count, err := build(set.Files)
	if err != nil {
		return nil, fmt.Errorf("build archive for %s: %w", sessionID, err)
	}

	if err := b.provider.WriteTree(ctx, sandboxID, b.workDir, archive); err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return &RestoreResult{Success: false, RestoredCount: 0, Error: "sandbox not found"}, nil
		}
		return nil, apperr.Upstream("failed to restore files", err)
	}

	slog.Info("Session files restored",
		"session_id", sessionID,
		"sandbox_id", sandboxID,
		"count", count)
	return &RestoreResult{Success: true, RestoredCount: count}, nil
}

func (b *Bridge) load(ctx context.Context, email, sessionID string) (*domain.SessionFileSet, error) {
	set, err := b.files.GetFileSet(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("no saved files")
	}
	if err != nil {
		return nil, fmt.Errorf("get file set for %s: %w", sessionID, err)
	}
	if set.OwnerEmail != email {
		return nil, apperr.NotFound("no saved files")
	}
	return set, nil
}

// authorize checks sessionID against the caller's chat history.
func (b *Bridge) authorize(ctx context.Context, email, sessionID string) error {
	owns, err := b.files.OwnsSession(ctx, email, sessionID)
	if err != nil {
		return fmt.Errorf("check owner of session %s: %w", sessionID, err)
	}
	if !owns {
		return apperr.NotFound("session not found")
	}
	return nil
}

func (b *Bridge) checkSandbox(ctx context.Context, email, sandboxID string) error {
	info, err := b.provider.Inspect(ctx, sandboxID)
	if errors.Is(err, sandbox.ErrNotFound) {
		return apperr.NotFound("sandbox not found")
	}
	if err != nil {
		return apperr.Upstream("failed to inspect sandbox", err)
	}
	if info.OwnerEmail != email {
		return apperr.NotFound("sandbox not found")
	}
	return nil
}

// collect reads regular files from a tar stream whose entries are rooted at
// the workspace directory name, as the docker copy API produces.
func collect(r io.Reader, maxFiles int) ([]domain.SessionFile, error) {
	tr := tar.NewReader(r)
	files := []domain.SessionFile{}

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}

		rel := stripRoot(hdr.Name)
		if rel == "" || hasSkippedDir(rel) {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > MaxFileSize {
			slog.Debug("Skipping large file", "path", rel, "size", hdr.Size)
			continue
		}
		if len(files) >= maxFiles {
			slog.Warn("Snapshot file limit reached", "limit", maxFiles)
			return files, nil
		}

		content, err := io.ReadAll(io.LimitReader(tr, MaxFileSize))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}
		files = append(files, domain.SessionFile{
			Path:    rel,
			Content: content,
			Mode:    hdr.Mode & 0o777,
		})
	}
}

func stripRoot(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return ""
}

func hasSkippedDir(rel string) bool {
	parts := strings.Split(rel, "/")
	for _, p := range parts[:len(parts)-1] {
		if skippedDirs[p] {
			return true
		}
	}
	return false
}

// build writes files into a tar stream relative to the workspace directory.
// Paths escaping the workspace are dropped.
func build(files []domain.SessionFile) (io.Reader, int, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	count := 0

	for _, f := range files {
		clean := path.Clean(f.Path)
		if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			slog.Warn("Skipping unsafe path in saved files", "path", f.Path)
			continue
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     clean,
			Mode:     mode,
			Size:     int64(len(f.Content)),
			Typeflag: tar.TypeReg,
			ModTime:  time.Now(),
			Uid:      1000,
			Gid:      1000,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, 0, err
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, 0, err
		}
		count++
	}

	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	return &buf, count, nil
}
