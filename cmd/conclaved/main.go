// Conclave orchestration server — exposes the HTTP API, routes messages
// between session participants, and runs consensus rounds over the bus.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/conclave-ai/conclave/pkg/api"
	"github.com/conclave-ai/conclave/pkg/audit"
	"github.com/conclave-ai/conclave/pkg/auth"
	"github.com/conclave-ai/conclave/pkg/bus"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/coordinator"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/provider"
	"github.com/conclave-ai/conclave/pkg/ratelimit"
	"github.com/conclave-ai/conclave/pkg/rbac"
	"github.com/conclave-ai/conclave/pkg/stream"
	"github.com/conclave-ai/conclave/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("CONCLAVE_CONFIG", "./conclave.yaml"),
		"Path to the configuration file")
	flag.Parse()

	// Load .env from the config directory before reading the config,
	// so {{.VAR}} expansion sees it.
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting conclave", "version", version.Full(), "config_path", *configPath)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Auth and RBAC
	tokens, err := auth.NewTokenManager(auth.TokenManagerConfig{
		Secret:     []byte(cfg.Auth.TokenSecret),
		Algorithm:  cfg.Auth.Algorithm,
		Issuer:     cfg.Auth.Issuer,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	})
	if err != nil {
		slog.Error("Failed to initialize token manager", "error", err)
		os.Exit(1)
	}

	rbacStore := rbac.NewStore()
	if err := rbacStore.AddUser(cfg.Auth.AdminUser, rbac.RoleAdmin); err != nil {
		slog.Error("Failed to register admin user", "error", err)
		os.Exit(1)
	}
	if len(cfg.Auth.APIKeyHashes) > 0 {
		if err := rbacStore.AddUser("api-client", rbac.RoleOperator); err != nil {
			slog.Error("Failed to register api-client principal", "error", err)
			os.Exit(1)
		}
	}

	// 3. Audit log
	auditLog, err := audit.NewLog(audit.Config{
		Secret:      []byte(cfg.Audit.Secret),
		MaxEvents:   cfg.Audit.MaxEvents,
		RotateAfter: cfg.Audit.RotateAfter,
		MinSeverity: audit.Severity(cfg.Audit.MinSeverity),
	})
	if err != nil {
		slog.Error("Failed to initialize audit log", "error", err)
		os.Exit(1)
	}

	// 4. Bus, rate limits, event hub
	messageBus := bus.New(bus.MailboxConfig{})
	limits := ratelimit.NewManager(cfg.RateLimit)
	hub := stream.NewHub(stream.HubConfig{
		MaxClients:        cfg.Stream.MaxClients,
		KeepAliveInterval: cfg.Stream.KeepAliveInterval,
		RetentionSize:     cfg.Stream.RetentionSize,
		RetryMs:           cfg.Stream.RetryMs,
		AllowedOrigins:    cfg.Stream.AllowedOrigins,
	})

	// 5. Providers
	mets := metrics.New()
	providers := provider.NewManager(provider.ManagerConfig{
		Strategy:         provider.Strategy(cfg.Routing.Strategy),
		FailoverEnabled:  cfg.Routing.FailoverEnabled,
		MaxAttempts:      cfg.Routing.MaxAttempts,
		CacheEnabled:     cfg.Routing.CacheEnabled,
		CacheSize:        cfg.Routing.CacheSize,
		CacheTTL:         cfg.Routing.CacheTTL,
		HealthInterval:   cfg.Routing.HealthInterval,
		FailureThreshold: cfg.Routing.FailureThreshold,
		OnEvent: func(e provider.Event) {
			slog.Info("Provider event", "type", e.Type, "provider", e.Provider)
		},
	})
	for name, pc := range cfg.Providers {
		pricing := make(map[string]provider.ModelPricing, len(pc.Pricing))
		for model, p := range pc.Pricing {
			pricing[model] = provider.ModelPricing{
				PromptPer1K:     p.PromptPer1K,
				CompletionPer1K: p.CompletionPer1K,
			}
		}
		mock := provider.NewMock(provider.MockConfig{
			Name:    name,
			Models:  pc.Models,
			Pricing: pricing,
			Latency: pc.Latency,
			Reply:   pc.Reply,
		})
		err := providers.Register(ctx, mock, provider.RegisterOptions{
			Priority:        pc.Priority,
			ConcurrentLimit: pc.ConcurrentLimit,
		})
		if err != nil {
			slog.Error("Failed to register provider", "provider", name, "error", err)
			os.Exit(1)
		}
		slog.Info("Provider registered", "provider", name, "models", len(pc.Models))
	}
	providers.Start()
	defer providers.Stop()

	// 6. Coordinator
	coord, err := coordinator.New(coordinator.Options{
		Bus:              messageBus,
		Audit:            auditLog,
		Hub:              hub,
		Limits:           limits,
		HeartbeatTimeout: cfg.Sessions.HeartbeatTimeout,
		ConsensusTimeout: cfg.Consensus.Timeout,
	})
	if err != nil {
		slog.Error("Failed to initialize coordinator", "error", err)
		os.Exit(1)
	}
	coord.Start()
	defer coord.Stop()

	mets.RegisterSessionGauge(coord.Sessions().Count)
	mets.RegisterStreamGauge(hub.ClientCount)

	// 7. HTTP server
	httpServer, err := api.NewServer(api.Options{
		Coordinator:       coord,
		Providers:         providers,
		Tokens:            tokens,
		RBAC:              rbacStore,
		Audit:             auditLog,
		Hub:               hub,
		Metrics:           mets,
		AdminUser:         cfg.Auth.AdminUser,
		AdminPasswordHash: cfg.Auth.AdminPasswordHash,
		APIKeyHashes:      cfg.Auth.APIKeyHashes,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	})
	if err != nil {
		slog.Error("Failed to initialize HTTP server", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := httpServer.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Conclave started successfully",
		"providers", len(cfg.Providers),
		"strategy", cfg.Routing.Strategy)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
