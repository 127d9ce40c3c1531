package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/fhir"
	"github.com/ehr/intake/internal/platform/middleware"
	"github.com/ehr/intake/internal/platform/telemetry"
)

const (
	serviceName    = "intake-server"
	serviceVersion = "0.1.0"
	lookupTimeout  = 10 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Patient intake pipeline: tabular rows to FHIR resources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  serviceName,
	})
}

// newService wires the pipeline to the FHIR server and, when a database is
// configured, to the Postgres report store. The returned pool is nil
// otherwise.
func newService(ctx context.Context, cfg *config.Config, logger zerolog.Logger, tp *telemetry.TelemetryProvider) (*intake.Service, *pgxpool.Pool, error) {
	client := fhir.NewClient(fhir.ClientConfig{
		BaseURL:    cfg.FHIRBaseURL,
		Timeout:    cfg.FHIRTimeout,
		RetryCount: cfg.FHIRRetryCount,
		UserAgent:  serviceName + "/" + serviceVersion,
	}, logger)

	opts := []intake.Option{
		intake.WithWorkers(cfg.BatchWorkers),
		intake.WithLogger(logger),
	}
	if tp != nil {
		opts = append(opts, intake.WithMetrics(tp))
	}

	if !cfg.HasDatabase() {
		logger.Warn().Msg("DATABASE_URL not set, batch reports are kept in memory")
		opts = append(opts, intake.WithReports(intake.NewMemoryReportRepo()))
		return intake.NewService(client, opts...), nil, nil
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	applied, err := db.EnsureSchema(ctx, pool, cfg.DBSchema)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info().Str("schema", cfg.DBSchema).Int("applied", applied).Msg("connected to database")

	opts = append(opts, intake.WithReports(intake.NewReportRepo(pool, cfg.DBSchema)))
	return intake.NewService(client, opts...), pool, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceVersion: serviceVersion,
		Environment:    cfg.Env,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
	})

	ctx := context.Background()
	svc, pool, err := newService(ctx, cfg, logger, tp)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise intake service")
	}
	if pool != nil {
		defer pool.Close()
	}

	e := newServer(cfg, logger, tp, svc, pool)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("fhir_base_url", cfg.FHIRBaseURL).
			Int("workers", cfg.BatchWorkers).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.BatchTimeout+10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(cfg *config.Config, logger zerolog.Logger, tp *telemetry.TelemetryProvider, svc *intake.Service, pool *pgxpool.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.UploadMaxSize))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": serviceVersion,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, cfg.DBSchema))
	}
	e.GET("/metrics", tp.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	intake.NewHandler(svc, cfg.BatchTimeout, logger).
		RegisterRoutes(apiV1, middleware.RequestTimeout(lookupTimeout))

	return e
}
