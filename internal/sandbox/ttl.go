package sandbox

import (
	"context"
	"log/slog"
	"time"
)

// CleanupCallback is called after the TTL worker stops a sandbox.
type CleanupCallback func(ctx context.Context, info Info)

// StartTTLWorker runs a background goroutine that periodically stops
// sandboxes past their expiry.
func StartTTLWorker(ctx context.Context, p Provider, interval time.Duration, onCleanup CleanupCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("TTL worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, p, time.Now(), onCleanup)
			case <-ctx.Done():
				slog.Info("TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep stops every sandbox expired at now and returns how many were stopped.
func Sweep(ctx context.Context, p Provider, now time.Time, onCleanup CleanupCallback) int {
	expired, err := p.ListExpired(ctx, now)
	if err != nil {
		slog.Error("TTL worker failed to list expired sandboxes", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	slog.Info("TTL worker found expired sandboxes", "count", len(expired))

	stopped := 0
	for _, info := range expired {
		if err := p.Stop(ctx, info.SandboxID); err != nil {
			slog.Error("TTL worker failed to stop sandbox",
				"error", err,
				"sandbox_id", info.SandboxID,
				"user_email", info.OwnerEmail)
			continue
		}
		stopped++

		if onCleanup != nil {
			onCleanup(ctx, info)
		}
	}

	slog.Info("TTL worker cleanup completed", "stopped", stopped)
	return stopped
}
