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

	"github.com/latticeguard/sentry/internal/agentadapter"
	"github.com/latticeguard/sentry/internal/capability"
	"github.com/latticeguard/sentry/internal/config"
	"github.com/latticeguard/sentry/internal/handlers/agent"
	"github.com/latticeguard/sentry/internal/middleware"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()

	minter := capability.NewMinter(capability.Config{
		HMACSecret:         cfg.Capability.HMACSecret,
		PreviousHMACSecret: cfg.Capability.PrevHMACSecret,
		TTL:                time.Duration(cfg.Capability.TTLSeconds) * time.Second,
		Issuer:             cfg.Capability.Issuer,
		Audience:           cfg.Capability.Audience,
	})

	gatewayClient := agentadapter.NewHTTPGatewayClient(cfg.Agent.GatewayURL)
	adapter := agentadapter.New(gatewayClient, nil)

	h := agent.New(minter, adapter)

	router := mux.NewRouter()
	router.HandleFunc("/_internal/run", h.HandleRun()).Methods(http.MethodPost)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"agent"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.Use(middleware.MakeCORS(cfg))
	router.Use(middleware.Logging)

	server := &http.Server{
		Addr:         ":" + cfg.Agent.Port,
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

	slog.Info("agent adapter starting", "port", cfg.Agent.Port, "gateway_url", cfg.Agent.GatewayURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("agent server failed: %v", err)
	}
	slog.Info("agent adapter stopped")
}
