package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coffeehut/workflow/shared/logger"
	"github.com/coffeehut/workflow/shared/telemetry"
	"github.com/coffeehut/workflow/workflow-service/config"
	"github.com/coffeehut/workflow/workflow-service/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine, the environment may already be set
	_ = godotenv.Load()

	cfg, err := config.ReadConfig()
	if err != nil {
		logger.New(logger.Options{ServiceName: "workflow-service"}).Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		ServiceName: cfg.ServiceName,
		Level:       logger.ParseLevel(cfg.LogLevel),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = log.WithFields(ctx, map[string]any{
		"env":       cfg.Env,
		"transport": cfg.Transport,
		"storage":   cfg.Storage,
	})
	log.Info(ctx, "starting "+cfg.ServiceName+" on port "+cfg.Port)

	deps, err := config.BuildDependencies(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "failed to build dependencies", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			log.Error(context.Background(), "error closing dependencies", err)
		}
	}()

	if err := deps.Start(ctx); err != nil {
		log.Error(ctx, "failed to start workflow", err)
		return
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "http server stopped", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info(context.Background(), "shutting down "+cfg.ServiceName)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "server forced to shutdown", err)
	}
}

func setupRouter(deps *config.Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// Telemetry middleware (inject telemetry into context)
	if deps.Telemetry != nil {
		r.Use(telemetry.Middleware(deps.Telemetry))
	}

	r.Get("/health", handlers.HealthHandler)
	r.Handle("/metrics", handlers.NewMetricsHandler(nil))

	deps.WorkflowHandlers.RegisterRoutes(r)

	return r
}
