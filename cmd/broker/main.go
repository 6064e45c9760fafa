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

	"github.com/latticeguard/sentry/internal/capability"
	"github.com/latticeguard/sentry/internal/challenge"
	"github.com/latticeguard/sentry/internal/classifier"
	"github.com/latticeguard/sentry/internal/config"
	"github.com/latticeguard/sentry/internal/events"
	"github.com/latticeguard/sentry/internal/firewall"
	"github.com/latticeguard/sentry/internal/handlers/broker"
	"github.com/latticeguard/sentry/internal/journal"
	"github.com/latticeguard/sentry/internal/metrics"
	"github.com/latticeguard/sentry/internal/middleware"
	"github.com/latticeguard/sentry/internal/rbac"
	"github.com/latticeguard/sentry/internal/webhooks"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()

	var roles rbac.RoleMap
	switch cfg.RBAC.Backend {
	case "supabase":
		sb, err := rbac.NewSupabaseRoleMap(cfg.Database.SupabaseURL, cfg.Database.SupabaseServiceKey, "")
		if err != nil {
			slog.Warn("supabase role map init failed, falling back to static", "error", err)
			roles = mustStaticRoles(cfg.RBAC.RoleMapPath)
		} else {
			roles = sb
			slog.Info("rbac backend: supabase")
		}
	default:
		roles = mustStaticRoles(cfg.RBAC.RoleMapPath)
		slog.Info("rbac backend: static", "path", cfg.RBAC.RoleMapPath)
	}

	var cls firewall.Classifier
	if cfg.Classifier.Enabled {
		c, err := classifier.New(cfg.Classifier.Addr)
		if err != nil {
			slog.Warn("semantic classifier unavailable, firewall layer 5 disabled", "error", err)
		} else {
			cls = c
			slog.Info("semantic classifier wired", "addr", cfg.Classifier.Addr)
		}
	}

	pipeline := firewall.New(firewall.Config{
		PayloadCeilingBytes: cfg.Firewall.PayloadCeilingBytes,
		ClassifierTimeout:   time.Duration(cfg.Firewall.ClassifierTimeoutMs) * time.Millisecond,
		BankingMode:         cfg.Banking.Enabled,
	}, cls)

	minter := capability.NewMinter(capability.Config{
		HMACSecret:         cfg.Capability.HMACSecret,
		PreviousHMACSecret: cfg.Capability.PrevHMACSecret,
		TTL:                time.Duration(cfg.Capability.TTLSeconds) * time.Second,
		Issuer:             cfg.Capability.Issuer,
		Audience:           cfg.Capability.Audience,
	})

	challenges := challenge.NewStore(challenge.Config{
		ExpirySeconds: cfg.Banking.OTPExpirySeconds,
		MaxAttempts:   cfg.Banking.OTPMaxAttempts,
		CodeLength:    cfg.Banking.OTPCodeLength,
	})

	j, err := journal.New(cfg.Journal.DataDir, journalMirrorDSN(cfg))
	if err != nil {
		log.Fatalf("journal init failed: %v", err)
	}
	defer j.Close()

	m := metrics.New()

	bus := wireEventBus(cfg)
	dispatcher := wireWebhooks(cfg)

	h := broker.New(broker.Handler{
		Roles:             roles,
		Pipeline:          pipeline,
		Minter:            minter,
		Challenges:        challenges,
		Journal:           j,
		Metrics:           m,
		Bus:               bus,
		Webhooks:          dispatcher,
		AgentURL:          cfg.Broker.AgentURL,
		MaxTextLen:        cfg.Broker.MaxTextLen,
		PaymentMaxAmount:  cfg.Banking.PaymentMaxAmount,
		PreapprovedOnly:   cfg.Banking.PreapprovedOnly,
		PreapprovedPayees: cfg.Banking.PreapprovedPayees,
		DevMode:           cfg.IsDevelopment(),
	})

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 300})

	router := mux.NewRouter()
	router.HandleFunc("/invoke", h.HandleInvoke()).Methods(http.MethodPost)
	router.HandleFunc("/otp/send", h.HandleOTPSend()).Methods(http.MethodPost)
	router.HandleFunc("/otp/verify", h.HandleOTPVerify()).Methods(http.MethodPost)
	router.HandleFunc("/rbac/reload", h.HandleRBACReload()).Methods(http.MethodPost)
	router.HandleFunc("/sessions/audit", h.HandleSessionAudit()).Methods(http.MethodGet)
	router.HandleFunc("/health", h.HandleHealth()).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.Use(limiter.Middleware)
	router.Use(middleware.MakeCORS(cfg))
	router.Use(middleware.Logging)

	server := &http.Server{
		Addr:         ":" + cfg.Broker.Port,
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

	slog.Info("broker starting", "port", cfg.Broker.Port, "agent_url", cfg.Broker.AgentURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("broker server failed: %v", err)
	}
	slog.Info("broker stopped")
}

func mustStaticRoles(path string) *rbac.StaticRoleMap {
	m, err := rbac.NewStaticRoleMap(path)
	if err != nil {
		log.Fatalf("static role map load failed: %v", err)
	}
	return m
}

func journalMirrorDSN(cfg *config.Config) string {
	if cfg.Journal.PostgresMirrorOn {
		return cfg.Journal.PostgresMirrorDSN
	}
	return ""
}

func wireEventBus(cfg *config.Config) events.EventEmitter {
	if cfg.PubSub.Enabled {
		pb, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			slog.Warn("pub/sub event bus init failed, falling back to in-memory", "error", err)
		} else {
			slog.Info("event bus: pub/sub", "topic", cfg.PubSub.TopicID)
			return pb
		}
	}
	slog.Info("event bus: in-memory")
	return events.NewEventBus()
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
