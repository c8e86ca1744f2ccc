package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/vibe-relay/internal/analytics"
	"github.com/ashureev/vibe-relay/internal/api"
	"github.com/ashureev/vibe-relay/internal/billing"
	"github.com/ashureev/vibe-relay/internal/config"
	"github.com/ashureev/vibe-relay/internal/dnsverify"
	"github.com/ashureev/vibe-relay/internal/filesync"
	"github.com/ashureev/vibe-relay/internal/gallery"
	"github.com/ashureev/vibe-relay/internal/identity"
	"github.com/ashureev/vibe-relay/internal/middleware"
	"github.com/ashureev/vibe-relay/internal/sandbox"
	"github.com/ashureev/vibe-relay/internal/store"
	"github.com/ashureev/vibe-relay/internal/terminal"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the sandbox TTL worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		return serve(cfg, logger)
	},
}

func openStore(cfg *config.Config) (*store.Store, func(), error) {
	kv, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}
	closeFn := func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close database", "error", closeErr)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.HealthCheck)
	defer cancel()
	if err := kv.Ping(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("database health check: %w", err)
	}

	st := store.New(kv, store.Options{
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
	})
	return st, closeFn, nil
}

func openProvider(cfg *config.Config) (*sandbox.DockerProvider, error) {
	provider, err := sandbox.NewDockerProvider(sandbox.DockerConfig{
		Image:   cfg.Sandbox.Image,
		Runtime: cfg.Sandbox.Runtime,
		WorkDir: cfg.Sandbox.WorkDir,
		TTL:     cfg.Sandbox.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize sandbox provider: %w", err)
	}
	return provider, nil
}

// sessionSecret returns the configured signing secret. Development runs
// without one get a random secret that does not survive a restart.
func sessionSecret(cfg *config.Config) string {
	if cfg.SessionSecret != "" {
		return cfg.SessionSecret
	}
	slog.Warn("SESSION_SECRET not set, using an ephemeral secret")
	return uuid.NewString() + uuid.NewString()
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version)

	// Initialize dependencies.
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	slog.Info("Database connected")

	galleryRepo, err := store.OpenGallery(cfg.GalleryDBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := galleryRepo.Close(); closeErr != nil {
			slog.Error("Failed to close gallery database", "error", closeErr)
		}
	}()

	provider, err := openProvider(cfg)
	if err != nil {
		return err
	}
	defer provider.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.Timeout.HealthCheck)
	err = provider.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("sandbox provider health check: %w", err)
	}
	slog.Info("Sandbox provider initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracker analytics.Tracker = analytics.Noop{}
	if cfg.Analytics.Enabled {
		queue := analytics.NewQueue(analytics.LogSink{Logger: logger}, 0)
		go queue.Run(context.Background())
		defer queue.Close(5 * time.Second)
		tracker = queue
	}

	// Initialize services.
	sm := terminal.NewSessionManager()
	issuer := identity.NewIssuer(sessionSecret(cfg), 0)
	terminals := terminal.NewService(provider, st, sm)
	bridge := filesync.NewBridge(provider, st, cfg.Sandbox.WorkDir, cfg.Sandbox.MaxSnapshotFiles)
	verifier := dnsverify.NewVerifier(
		dnsverify.NewDNSResolver(cfg.Domains.Resolver, cfg.Timeout.DNSLookup),
		cfg.Domains.TargetIP,
	)
	gallerySvc := gallery.NewService(galleryRepo, tracker)

	// Initialize handlers.
	base := api.NewHandler()
	healthHandler := api.NewHealthHandler(map[string]api.Pinger{
		"database": st,
		"sandbox":  provider,
	}, cfg.Timeout.HealthCheck)
	wsHandler := terminal.NewAttachHandler(provider, st, sm, cfg.Sandbox.WorkDir, cfg.FrontendURL, cfg.IsDevelopment())

	routes := []interface{ RegisterRoutes(chi.Router) }{
		api.NewSessionHandler(base, st),
		api.NewTerminalHandler(base, terminals, wsHandler),
		api.NewFileHandler(base, bridge),
		api.NewDomainHandler(base, verifier, st),
		api.NewGalleryHandler(base, gallerySvc),
		api.NewSandboxHandler(base, provider, st),
	}

	// Credit routes only exist with a payment processor configured.
	if cfg.BillingEnabled() {
		credits := billing.NewService(st, billing.NewStripeProcessor(cfg.Billing.StripeSecretKey), tracker, cfg.Billing.Currency)
		routes = append(routes, api.NewCreditHandler(base, credits))
	} else {
		slog.Info("Billing disabled (STRIPE_SECRET_KEY not set)")
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(issuer))

	// Public routes.
	healthHandler.RegisterHealth(r)

	for _, h := range routes {
		h.RegisterRoutes(r)
	}

	// Websocket connections are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start TTL worker.
	sandbox.StartTTLWorker(ctx, provider, cfg.Sandbox.SweepInterval, cleanupSandbox(st, sm))
	slog.Info("TTL worker started", "sandbox_ttl", cfg.Sandbox.TTL, "interval", cfg.Sandbox.SweepInterval)

	// Start server.
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

// cleanupSandbox drops the live terminals and the terminal registry of a
// sandbox the TTL worker stopped.
func cleanupSandbox(st *store.Store, sm *terminal.SessionManager) sandbox.CleanupCallback {
	return func(ctx context.Context, info sandbox.Info) {
		if sm != nil {
			sm.CloseSandbox(info.SandboxID)
		}
		if st == nil {
			return
		}
		if err := st.ForgetSandbox(ctx, info.SandboxID); err != nil {
			slog.Warn("Failed to forget terminals of expired sandbox",
				"error", err,
				"sandbox_id", info.SandboxID)
		}
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
