package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

const (
	containerUser   = "1000"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	// Exec defaults.
	defaultCols = 80
	defaultRows = 24

	// Labels identifying relay-managed containers.
	labelManaged   = "vibe-relay.managed"
	labelOwner     = "vibe-relay.owner"
	labelSession   = "vibe-relay.session"
	labelExpiresAt = "vibe-relay.expires-at"

	// Detached processes record their pid here so Signal can find them.
	pidDir = "/tmp/.vibe-relay"
)

// DockerConfig configures the docker provider.
type DockerConfig struct {
	Image   string
	Runtime string // "" = default (runc), "runsc" = gVisor
	WorkDir string
	TTL     time.Duration
}

var _ Provider = (*DockerProvider)(nil)

// DockerProvider implements Provider using the Docker API.
type DockerProvider struct {
	cli *client.Client
	cfg DockerConfig
	now func() time.Time
}

// NewDockerProvider creates a Docker-backed sandbox provider.
func NewDockerProvider(cfg DockerConfig) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return &DockerProvider{cli: cli, cfg: cfg, now: time.Now}, nil
}

// Ping verifies the docker daemon is reachable.
func (p *DockerProvider) Ping(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// Close releases the docker client.
func (p *DockerProvider) Close() error {
	return p.cli.Close()
}

// Create provisions and starts a new sandbox container.
func (p *DockerProvider) Create(ctx context.Context, req CreateRequest) (*Info, error) {
	now := p.now().UTC()
	expiresAt := now.Add(p.cfg.TTL)
	name := "vibe-sbx-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	envVars := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	config := &container.Config{
		Image:      p.cfg.Image,
		User:       containerUser,
		WorkingDir: p.cfg.WorkDir,
		Tty:        true,
		OpenStdin:  true,
		Env:        envVars,
		Labels: map[string]string{
			labelManaged:   "true",
			labelOwner:     req.OwnerEmail,
			labelSession:   req.SessionID,
			labelExpiresAt: expiresAt.Format(time.RFC3339),
		},
	}

	hostConfig := &container.HostConfig{
		Runtime: p.cfg.Runtime,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := p.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "sandbox_id", resp.ID, "error", removeErr)
		}
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Sandbox created and started",
		"sandbox_id", resp.ID,
		"user_email", req.OwnerEmail,
		"session_id", req.SessionID,
		"expires_at", expiresAt)

	return &Info{
		SandboxID:  resp.ID,
		Status:     StatusRunning,
		OwnerEmail: req.OwnerEmail,
		SessionID:  req.SessionID,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}, nil
}

// Inspect returns the sandbox state.
func (p *DockerProvider) Inspect(ctx context.Context, sandboxID string) (*Info, error) {
	inspect, err := p.managed(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	info := &Info{SandboxID: inspect.ID, Status: StatusUnknown}
	if inspect.State != nil {
		info.Status = statusFromState(string(inspect.State.Status))
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}
	applyLabels(info, inspect.Config.Labels)
	return info, nil
}

// managed looks up sandboxID and treats containers the relay did not create
// as missing, so no other container on the host is reachable by id or name.
func (p *DockerProvider) managed(ctx context.Context, sandboxID string) (container.InspectResponse, error) {
	inspect, err := p.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return container.InspectResponse{}, ErrNotFound
		}
		return container.InspectResponse{}, fmt.Errorf("inspect container %s: %w", sandboxID, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.Config == nil || !isManaged(inspect.Config.Labels) {
		slog.Warn("Rejected access to unmanaged container", "sandbox_id", sandboxID)
		return container.InspectResponse{}, ErrNotFound
	}
	return inspect, nil
}

func isManaged(labels map[string]string) bool {
	return labels[labelManaged] == "true"
}

func statusFromState(state string) Status {
	switch state {
	case "running":
		return StatusRunning
	case "created", "exited", "dead", "paused", "removing":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

func applyLabels(info *Info, labels map[string]string) {
	info.OwnerEmail = labels[labelOwner]
	info.SessionID = labels[labelSession]
	if raw := labels[labelExpiresAt]; raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			info.ExpiresAt = t
		}
	}
}

// RunDetached starts cmd in the background. The returned handle names the
// pid file the process writes before running cmd.
func (p *DockerProvider) RunDetached(ctx context.Context, sandboxID string, cmd Command) (string, error) {
	inspect, err := p.managed(ctx, sandboxID)
	if err != nil {
		return "", err
	}
	handle := uuid.NewString()

	execConfig := container.ExecOptions{
		Cmd:        wrapWithPidFile(handle, cmd.Cmd),
		User:       containerUser,
		WorkingDir: cmd.WorkDir,
	}

	resp, err := p.cli.ContainerExecCreate(ctx, inspect.ID, execConfig)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("create exec in sandbox %s: %w", sandboxID, err)
	}

	if err := p.cli.ContainerExecStart(ctx, resp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return "", fmt.Errorf("start exec %s: %w", resp.ID, err)
	}

	slog.Debug("Detached process started", "sandbox_id", sandboxID, "exec_id", resp.ID, "handle", handle)
	return handle, nil
}

func pidFile(handle string) string {
	return pidDir + "/" + handle + ".pid"
}

func wrapWithPidFile(handle string, cmd []string) []string {
	script := fmt.Sprintf(`mkdir -p %s && echo $$ > %s && exec "$@"`, pidDir, pidFile(handle))
	return append([]string{"sh", "-c", script, "sh"}, cmd...)
}

// Signal sends SIGTERM to the process recorded under handle.
func (p *DockerProvider) Signal(ctx context.Context, sandboxID, handle string) error {
	if _, err := uuid.Parse(handle); err != nil {
		return fmt.Errorf("invalid process handle %q", handle)
	}

	inspect, err := p.managed(ctx, sandboxID)
	if err != nil {
		return err
	}

	script := fmt.Sprintf(`f=%s; [ -f "$f" ] || exit 0; kill -TERM "$(cat "$f")" 2>/dev/null; rm -f "$f"; exit 0`, pidFile(handle))
	exitCode, err := p.runAndWait(ctx, inspect.ID, []string{"sh", "-c", script})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("signal process %s: exit code %d", handle, exitCode)
	}
	return nil
}

// runAndWait runs cmd to completion and returns its exit code.
func (p *DockerProvider) runAndWait(ctx context.Context, sandboxID string, cmd []string) (int, error) {
	resp, err := p.cli.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{
		Cmd:          cmd,
		User:         containerUser,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("create exec in sandbox %s: %w", sandboxID, err)
	}

	attachResp, err := p.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	if _, err := io.Copy(io.Discard, attachResp.Reader); err != nil {
		return 0, fmt.Errorf("read exec %s output: %w", resp.ID, err)
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return 0, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	return inspect.ExitCode, nil
}

// Attach starts an interactive shell in the sandbox.
func (p *DockerProvider) Attach(ctx context.Context, sandboxID, workDir string) (string, io.ReadWriteCloser, error) {
	inspect, err := p.managed(ctx, sandboxID)
	if err != nil {
		return "", nil, err
	}

	execConfig := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{"/bin/sh", "-l"},
		User:         containerUser,
		WorkingDir:   workDir,
		ConsoleSize:  &[2]uint{defaultRows, defaultCols},
	}

	resp, err := p.cli.ContainerExecCreate(ctx, inspect.ID, execConfig)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("create exec session in sandbox %s: %w", sandboxID, err)
	}

	attachResp, err := p.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return "", nil, fmt.Errorf("attach to exec session %s: %w", resp.ID, err)
	}

	slog.Info("Exec session created", "exec_id", resp.ID, "sandbox_id", sandboxID)
	return resp.ID, attachResp.Conn, nil
}

// Resize resizes a running exec session.
func (p *DockerProvider) Resize(ctx context.Context, execID string, cols, rows uint) error {
	if err := p.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	}); err != nil {
		return fmt.Errorf("resize exec session %s to %dx%d: %w", execID, cols, rows, err)
	}
	return nil
}

// ReadTree returns a tar stream of dir. Entries are rooted at the base name of dir.
func (p *DockerProvider) ReadTree(ctx context.Context, sandboxID, dir string) (io.ReadCloser, error) {
	inspect, err := p.managed(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	rc, _, err := p.cli.CopyFromContainer(ctx, inspect.ID, dir)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("copy %s from sandbox %s: %w", dir, sandboxID, err)
	}
	return rc, nil
}

// WriteTree extracts archive into dir.
func (p *DockerProvider) WriteTree(ctx context.Context, sandboxID, dir string, archive io.Reader) error {
	inspect, err := p.managed(ctx, sandboxID)
	if err != nil {
		return err
	}

	err = p.cli.CopyToContainer(ctx, inspect.ID, dir, archive, container.CopyToContainerOptions{
		AllowOverwriteDirWithFile: false,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("copy into %s of sandbox %s: %w", dir, sandboxID, err)
	}
	return nil
}

// Stop stops and removes a sandbox.
// It is idempotent and handles concurrent calls gracefully.
func (p *DockerProvider) Stop(ctx context.Context, sandboxID string) error {
	inspect, err := p.managed(ctx, sandboxID)
	if errors.Is(err, ErrNotFound) {
		slog.Debug("Sandbox already removed", "sandbox_id", sandboxID)
		return nil
	}
	if err != nil {
		return err
	}
	sandboxID = inspect.ID
	slog.Info("Stopping sandbox", "sandbox_id", sandboxID)

	timeout := stopTimeoutSecs
	if err := p.cli.ContainerStop(ctx, sandboxID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox already removed", "sandbox_id", sandboxID)
			return nil
		}
		slog.Debug("Sandbox stop returned error, continuing to remove", "sandbox_id", sandboxID, "error", err)
	}

	if err := p.cli.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, sandbox may still be removed", "sandbox_id", sandboxID, "error", err)
			return nil
		}
		return fmt.Errorf("remove sandbox %s: %w", sandboxID, err)
	}

	slog.Info("Sandbox stopped and removed", "sandbox_id", sandboxID)
	return nil
}

// ListExpired returns managed sandboxes whose expiry label is not after now.
func (p *DockerProvider) ListExpired(ctx context.Context, now time.Time) ([]Info, error) {
	summaries, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}

	var expired []Info
	for _, s := range summaries {
		info := Info{
			SandboxID: s.ID,
			Status:    statusFromState(string(s.State)),
			CreatedAt: time.Unix(s.Created, 0).UTC(),
		}
		applyLabels(&info, s.Labels)
		if isExpired(info, now) {
			expired = append(expired, info)
		}
	}
	return expired, nil
}

func isExpired(info Info, now time.Time) bool {
	if info.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(info.ExpiresAt)
}

func ptr[T any](v T) *T {
	return &v
}
