// Package main is the entry point for the assignz server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Create the assignment client and load any configuration files.
//  3. Parse admin API keys for configuration writes.
//  4. Start the HTTP server (:8080) and gRPC server (:9090) concurrently.
//  5. Wait for SIGINT/SIGTERM, then gracefully shut down both servers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/matt-riley/assignz/internal/config"
	"github.com/matt-riley/assignz/internal/core"
	"github.com/matt-riley/assignz/internal/logging"
	"github.com/matt-riley/assignz/internal/metrics"
	"github.com/matt-riley/assignz/internal/middleware"
	"github.com/matt-riley/assignz/internal/server"
	"github.com/matt-riley/assignz/internal/service"
	"github.com/matt-riley/assignz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	weighting, err := core.ParseWeighting(cfg.BanditWeighting)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracer, err := tracing.Init(context.Background(), version, string(weighting))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	adminKeys, err := middleware.ParseAdminKeys(cfg.AdminAPIKeys)
	if err != nil {
		return fmt.Errorf("parse ADMIN_API_KEYS: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	client := service.New(
		service.WithLogger(log),
		service.WithGraceful(cfg.Graceful),
		service.WithWeighting(weighting),
		service.WithRecorder(m),
		service.WithAssignmentLogger(service.SlogAssignmentLogger{Logger: log}),
	)
	metrics.RegisterSnapshotMetrics(m.Registry, client)

	if err := loadInitialConfiguration(ctx, client, cfg); err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer limiter.Stop()
	m.RegisterAuthTracking(limiter.Tracked)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(newHTTPHandler(client, cfg, m, log, adminKeys, limiter), "assignz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	grpcServer := newGRPCServer(client, cfg, m, log, adminKeys, limiter)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"graceful", cfg.Graceful,
		"bandit_weighting", weighting,
		"admin_keys", adminKeys.IDs(),
		"version", version,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")
		return shutdown(httpServer, grpcServer)
	})

	return g.Wait()
}

func shutdown(httpServer *http.Server, grpcServer *grpc.Server) error {
	httpShutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	httpErr := httpServer.Shutdown(httpShutdownCtx)
	if errors.Is(httpErr, context.Canceled) {
		httpErr = nil
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	if httpErr != nil {
		return fmt.Errorf("shutdown HTTP: %w", httpErr)
	}
	return nil
}

// loadInitialConfiguration installs the configured payload files. With no
// flags file the server starts empty and waits for a configuration write.
func loadInitialConfiguration(ctx context.Context, client *service.Client, cfg config.Config) error {
	if cfg.FlagsConfigPath == "" {
		return nil
	}
	flags, err := os.ReadFile(cfg.FlagsConfigPath)
	if err != nil {
		return fmt.Errorf("read FLAGS_CONFIG_PATH: %w", err)
	}
	bandits, err := readOptionalFile(cfg.BanditsConfigPath)
	if err != nil {
		return fmt.Errorf("read BANDITS_CONFIG_PATH: %w", err)
	}
	models, err := readOptionalFile(cfg.BanditModelsPath)
	if err != nil {
		return fmt.Errorf("read BANDIT_MODELS_PATH: %w", err)
	}
	if err := client.LoadConfiguration(ctx, flags, bandits, models); err != nil {
		return fmt.Errorf("load initial configuration: %w", err)
	}
	return nil
}

func readOptionalFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}

// newHTTPHandler wires the JSON API with metrics and request logging.
// Configuration writes are enabled only when admin keys are configured.
func newHTTPHandler(client *service.Client, cfg config.Config, m *metrics.Metrics, log *slog.Logger, adminKeys middleware.AdminKeys, limiter *middleware.RateLimiter) http.Handler {
	opts := []server.HTTPOption{
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetricsHandler(m.Handler()),
		server.WithStreamTracker(m.StreamOpened),
	}
	if len(adminKeys) > 0 {
		opts = append(opts, server.WithAdminAuth(middleware.HTTPBearerAuthMiddleware(adminKeys, authOptions(m, limiter)...)))
	}

	mux := server.NewHTTPHandler(client, opts...)
	return middleware.HTTPRequestLogging(log)(m.HTTPMiddleware(mux))
}

func newGRPCServer(client *service.Client, cfg config.Config, m *metrics.Metrics, log *slog.Logger, adminKeys middleware.AdminKeys, limiter *middleware.RateLimiter) *grpc.Server {
	authOpts := append(authOptions(m, limiter), middleware.WithProtectedMethods(server.MethodLoadConfiguration))

	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			middleware.UnaryBearerAuthInterceptor(adminKeys, authOpts...),
			m.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(log),
			m.StreamServerInterceptor(),
		),
	)
	server.RegisterAssignmentServiceServer(gs, server.NewGRPCServer(client,
		server.WithWatchPollInterval(cfg.StreamPollInterval),
		server.WithConfigurationWrites(len(adminKeys) > 0),
	))
	return gs
}

func authOptions(m *metrics.Metrics, limiter *middleware.RateLimiter) []middleware.AuthOption {
	return []middleware.AuthOption{
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(limiter),
	}
}
