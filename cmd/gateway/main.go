package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/latticeguard/sentry/internal/baseline"
	"github.com/latticeguard/sentry/internal/compliance"
	"github.com/latticeguard/sentry/internal/config"
	"github.com/latticeguard/sentry/internal/events"
	"github.com/latticeguard/sentry/internal/handlers/gateway"
	"github.com/latticeguard/sentry/internal/identity"
	"github.com/latticeguard/sentry/internal/journal"
	"github.com/latticeguard/sentry/internal/metrics"
	"github.com/latticeguard/sentry/internal/middleware"
	"github.com/latticeguard/sentry/internal/quarantine"
	"github.com/latticeguard/sentry/internal/riskengine"
	"github.com/latticeguard/sentry/internal/webhooks"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()

	j, err := journal.New(cfg.Journal.DataDir, journalMirrorDSN(cfg))
	if err != nil {
		log.Fatalf("journal init failed: %v", err)
	}
	defer j.Close()

	m := metrics.New()

	store := wireQuarantine(cfg)

	weights := baseline.DefaultWeights()
	if cfg.Banking.Enabled {
		weights = baseline.BankingWeights()
	}
	base := baseline.NewStore(weights)

	policy := riskengine.NetworkPolicy{
		Mode:      cfg.Banking.NetworkMode,
		Allowlist: cfg.Banking.Allowlist,
		Denylist:  cfg.Banking.Denylist,
		EmailAPIs: cfg.Banking.EmailAPIs,
	}
	engine := riskengine.New(policy, cfg.Banking.Enabled, base)

	reducer := compliance.New(j, cfg.Banking.Enabled)

	bus := events.NewEventBus()
	hub := events.NewStreamHub(bus)

	h := gateway.New(gateway.Handler{
		Engine:     engine,
		Quarantine: store,
		Journal:    j,
		Metrics:    m,
		Compliance: reducer,
		UpstreamTO: time.Duration(cfg.Gateway.UpstreamTimeoutSec) * time.Second,
		ModelProvs: configuredModelProviders(),
		Identity:   wireIdentity(cfg),
		Webhooks:   wireWebhooks(cfg),
	})

	router := mux.NewRouter()
	router.HandleFunc("/proxy", h.HandleProxy()).Methods(http.MethodPost)
	router.HandleFunc("/llm/{provider}", h.HandleLLM()).Methods(http.MethodPost)
	router.HandleFunc("/incidents", h.HandleIncidents()).Methods(http.MethodGet)
	router.HandleFunc("/compliance/generate", h.HandleComplianceGenerate()).Methods(http.MethodPost)
	router.HandleFunc("/health", h.HandleHealth()).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Handle("/incidents/stream", hub)

	router.Use(middleware.MakeCORS(cfg))
	router.Use(middleware.Logging)

	server := &http.Server{
		Addr:         ":" + cfg.Gateway.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
		}
	}()

	slog.Info("gateway starting", "port", cfg.Gateway.Port, "banking_mode", cfg.Banking.Enabled)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway server failed: %v", err)
	}
	slog.Info("gateway stopped")
}

func journalMirrorDSN(cfg *config.Config) string {
	if cfg.Journal.PostgresMirrorOn {
		return cfg.Journal.PostgresMirrorDSN
	}
	return ""
}

func wireQuarantine(cfg *config.Config) quarantine.Store {
	if cfg.Quarantine.Backend == "redis" {
		store, err := quarantine.NewRedisStore(cfg.Quarantine.RedisURL)
		if err != nil {
			slog.Warn("redis quarantine store init failed, falling back to in-memory", "error", err)
		} else {
			slog.Info("quarantine backend: redis", "addr", cfg.Quarantine.RedisURL)
			return store
		}
	}
	slog.Info("quarantine backend: in-memory")
	return quarantine.NewMemoryStore()
}

// configuredModelProviders reports which model providers have live
// credentials in the environment; an unconfigured provider gets the
// gateway's mock LLM response rather than a failed call.
func configuredModelProviders() map[string]bool {
	return map[string]bool{
		"claude": os.Getenv("ANTHROPIC_API_KEY") != "",
		"openai": os.Getenv("OPENAI_API_KEY") != "",
	}
}

// wireIdentity connects to the local SPIRE agent when workload identity
// is enabled. A connection failure or a disabled config degrades to no
// verification rather than failing gateway startup.
func wireIdentity(cfg *config.Config) gateway.IdentityVerifier {
	if !cfg.Identity.Enabled {
		slog.Info("workload identity: disabled")
		return nil
	}
	v, err := identity.NewSPIFFEVerifier(cfg.Identity.SocketPath)
	if err != nil {
		slog.Warn("spiffe verifier init failed, identity attribution disabled", "error", err)
		return nil
	}
	slog.Info("workload identity: spiffe", "trust_domain", cfg.Identity.TrustDomain)
	return v
}

func wireWebhooks(cfg *config.Config) webhooks.WebhookEmitter {
	registry := webhooks.NewRegistry()
	if cfg.Webhook.CloudTasksOn && cfg.CloudTasks.Enabled {
		cd, err := webhooks.NewCloudDispatcher(registry, cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, cfg.Webhook.WorkerCount)
		if err != nil {
			slog.Warn("cloud tasks dispatcher init failed, falling back to in-process workers", "error", err)
		} else {
			slog.Info("webhook dispatch: cloud tasks", "queue", cfg.CloudTasks.QueueID)
			return cd
		}
	}
	slog.Info("webhook dispatch: in-process workers", "workers", cfg.Webhook.WorkerCount)
	return webhooks.NewDispatcher(registry, cfg.Webhook.WorkerCount)
}
