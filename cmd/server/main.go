// RealityCheck Coach server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/api"
	"github.com/ashureev/realitycheck-coach/internal/config"
	"github.com/ashureev/realitycheck-coach/internal/gateway"
	"github.com/ashureev/realitycheck-coach/internal/health"
	"github.com/ashureev/realitycheck-coach/internal/metrics"
	"github.com/ashureev/realitycheck-coach/internal/session"
	"github.com/ashureev/realitycheck-coach/internal/store"
	"github.com/ashureev/realitycheck-coach/web"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	shutdownTimeout     = 10 * time.Second
	healthCheckInterval = 15 * time.Second
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "query the local gRPC health service and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if *healthcheck {
		os.Exit(checkHealth(cfg))
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func checkHealth(cfg *config.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := health.Query(ctx, net.JoinHostPort("127.0.0.1", cfg.GRPCHealthPort), health.ServiceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(status.String())
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	journal, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize event journal: %w", err)
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			slog.Error("Failed to close event journal", "error", closeErr)
		}
	}()
	if err := journal.Ping(ctx); err != nil {
		return fmt.Errorf("event journal health check: %w", err)
	}
	slog.Info("Event journal connected", "path", cfg.DBPath)

	var gen gateway.Generator = gateway.Unavailable{Reason: "GEMINI_API_KEY not set"}
	if cfg.Gemini.APIKey != "" {
		gemini, err := gateway.NewGeminiGenerator(ctx, cfg.Gemini.APIKey, float32(cfg.Gateway.Temperature))
		if err != nil {
			return fmt.Errorf("initialize Gemini client: %w", err)
		}
		gen = gemini
		slog.Info("Gemini generator ready", "flash_model", cfg.Gemini.FlashModel, "pro_model", cfg.Gemini.ProModel)
	} else {
		slog.Warn("GEMINI_API_KEY not set, every gateway will return its fallback")
	}

	recorder := metrics.NewPrometheusRecorder()
	gateways := gateway.NewSet(gen, gateway.Config{
		FlashModel: cfg.Gemini.FlashModel,
		ProModel:   cfg.Gemini.ProModel,
		Timeout:    cfg.Gateway.Timeout,
		RateLimit:  cfg.Gateway.RateLimit,
		Burst:      cfg.Gateway.Burst,
	}, recorder, logger)

	machine := session.NewMachine(session.NewStore(), gateways,
		session.WithPolicy(session.Policy{
			MaxAttempts:   cfg.Policy.MaxAttempts,
			ContextWindow: cfg.Policy.ContextWindow,
		}),
		session.WithJournal(journal),
		session.WithRecorder(recorder),
		session.WithLogger(logger),
	)

	handler := api.NewHandler(api.Deps{
		Machine:        machine,
		Events:         journal,
		Limiter:        api.NewFrameLimiter(cfg.RateLimit.FramesPerSecond, cfg.RateLimit.Burst),
		Throttle:       recorder,
		MaxBodySize:    cfg.MaxRequestBodySize,
		AllowedOrigins: cfg.AllowedOrigins(),
	})
	router := api.NewRouter(handler, api.RouterOptions{
		Metrics:  recorder.Handler(),
		Frontend: web.SPAHandler(),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Gateway calls can take up to the configured timeout, several per request.
		WriteTimeout: 4*cfg.Gateway.Timeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	healthSrv := health.NewServer(logger, journal)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
	if err != nil {
		return fmt.Errorf("listen for gRPC health on %s: %w", cfg.GRPCHealthPort, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	ttlDone := session.StartTTLWorker(gctx, machine, cfg.SessionTTL, cfg.SweepInterval, handler.Forget)
	g.Go(func() error {
		<-ttlDone
		return nil
	})
	g.Go(func() error {
		purgeEvents(gctx, journal, cfg.EventRetention, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		healthSrv.Watch(gctx, healthCheckInterval)
		return nil
	})
	g.Go(func() error {
		return healthSrv.Serve(lis)
	})
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		healthSrv.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// purgeEvents trims the journal to the retention window until ctx ends.
func purgeEvents(ctx context.Context, journal store.Journal, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = session.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := journal.PurgeBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				slog.Error("Failed to purge journal events", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Purged journal events", "deleted", n, "retention", retention)
			}
		case <-ctx.Done():
			return
		}
	}
}
