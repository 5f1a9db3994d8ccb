package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/adops-nexus/internal/auth/oauth"
	"github.com/pysugar/adops-nexus/internal/auth/token"
	"github.com/pysugar/adops-nexus/internal/db"
	"github.com/pysugar/adops-nexus/internal/logging"
	"github.com/pysugar/adops-nexus/internal/providers"
	"github.com/pysugar/adops-nexus/internal/providers/catalog"
	"github.com/pysugar/adops-nexus/internal/proxy/handlers"
	"github.com/pysugar/adops-nexus/internal/proxy/middleware"
	"github.com/pysugar/adops-nexus/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	database, err := db.InitDB(envOr("ADOPS_DB_PATH", "adops.db"))
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}

	// Provider OAuth apps
	cat, err := catalog.Load()
	if err != nil {
		logging.Fatalf("Failed to load provider config: %v", err)
	}
	registry := providers.NewRegistry(cat.Apps())
	for _, info := range cat.Providers() {
		if !info.Configured {
			logging.Warnf("provider %s has no OAuth app configured (set %s)", info.ID, info.SecretEnv)
		}
	}

	sealer, err := token.NewSealer(os.Getenv("ADOPS_ENCRYPTION_KEY"))
	if err != nil {
		logging.Fatalf("Failed to initialize token sealing: %v", err)
	}
	if os.Getenv("ADOPS_ENCRYPTION_KEY") == "" {
		logging.Warnf("ADOPS_ENCRYPTION_KEY is not set; tokens are stored unencrypted")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	tokenManager := token.NewManager(token.NewGormStore(database, sealer), registry,
		token.WithHTTPClient(httpClient))
	tokenManager.StartRefreshLoop(ctx, envDuration("ADOPS_REFRESH_INTERVAL", 15*time.Minute), token.DefaultRefreshLookahead)

	// Create router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	adminAuth := middleware.AdminBasicAuth(os.Getenv("ADOPS_ADMIN_PASSWORD"))

	r.Get("/version", handlers.VersionHandler())

	// OAuth flow
	oauth.NewHandler(tokenManager, oauth.NewStateStore(oauth.DefaultStateTTL), httpClient, os.Getenv("ADOPS_PUBLIC_URL")).Routes(r)

	r.Route("/api", func(r chi.Router) {
		r.Use(adminAuth)

		// API Key management
		r.Get("/config/apikey", handlers.GetAPIKeyHandler(database))
		r.Post("/config/apikey/regenerate", handlers.RegenerateAPIKeyHandler(database))

		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(database))
			r.Get("/providers", handlers.ProvidersHandler(tokenManager, cat))
			r.Post("/refresh", handlers.RefreshHandler(tokenManager))
			handlers.MountIntegrations(r, tokenManager, httpClient)
		})
	})

	// Start server
	host := envOr("HOST", "127.0.0.1")
	port := envOr("PORT", "8080")
	addr := host + ":" + port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Infof("🚀 AdOps-Nexus %s starting on http://%s", version.Version, addr)
	logging.Infof("🔌 Connections API: http://%s/api/accounts/{accountID}/integrations", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Fatalf("Server failed: %v", err)
	}
	logging.Infof("server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logging.Warnf("invalid %s=%q, using %s", key, raw, fallback)
		return fallback
	}
	return d
}
