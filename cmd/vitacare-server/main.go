package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/suptocoder/VitaCare/internal/config"
	"github.com/suptocoder/VitaCare/internal/domain/access"
	"github.com/suptocoder/VitaCare/internal/platform/auth"
	"github.com/suptocoder/VitaCare/internal/platform/db"
	"github.com/suptocoder/VitaCare/internal/platform/middleware"
	"github.com/suptocoder/VitaCare/internal/platform/relay"
	"github.com/suptocoder/VitaCare/internal/platform/telemetry"
	"github.com/suptocoder/VitaCare/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "vitacare-server",
		Short: "VitaCare records API and notification relay",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the notification relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationsFS(cfg.MigrationsDir)))
}

// migrationsFS returns the embedded migrations unless dir overrides them.
func migrationsFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func relayConfig(cfg *config.Config) relay.Config {
	rc := relay.DefaultConfig()
	rc.SendBuffer = cfg.RelaySendBuffer
	rc.AllowedOrigins = cfg.RelayAllowedOrigins
	rc.TokenTTL = cfg.RelayTokenTTL
	rc.RequireSignedAnnounce = cfg.RelayRequireSignedAnnounce
	if cfg.RelayTokenSecret != "" {
		rc.TokenSecret = []byte(cfg.RelayTokenSecret)
	}
	return rc
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// apiDeps are the collaborators of the API listener.
type apiDeps struct {
	access   *access.Service
	relay    *relay.Relay
	metrics  *telemetry.Metrics
	dbHealth echo.HandlerFunc
}

func newAPIServer(cfg *config.Config, deps apiDeps, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(deps.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader, auth.DevRoleHeader},
	}))
	e.Use(middleware.SecurityHeaders())

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		var signingKey []byte
		if cfg.AuthSigningKey != "" {
			signingKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: signingKey,
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if deps.dbHealth != nil {
		e.GET("/health/db", deps.dbHealth)
	}
	e.GET("/metrics", deps.metrics.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))

	access.NewHandler(deps.access).RegisterRoutes(apiV1)
	relay.NewHandler(deps.relay).RegisterTokenRoute(apiV1)

	return e
}

// newRelayServer builds the relay listener. Browsers connect with
// credentials, so CORS names explicit origins.
func newRelayServer(cfg *config.Config, r *relay.Relay, metrics *telemetry.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.RelayAllowedOrigins,
		AllowMethods:     []string{http.MethodGet},
		AllowCredentials: true,
	}))

	relay.NewHandler(r).RegisterRoutes(e.Group(""))
	return e
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.NewMetrics("vitacare")
	metrics.SetGaugeFunc("db_pool_acquired_conns", func() int64 { return int64(db.GetPoolStats(pool).AcquiredConns) })

	// Relay
	rl := relay.New(relayConfig(cfg), metrics, logger)
	rl.Start()

	svc := access.NewService(access.NewRepositoriesPG(pool), db.NewTransactor(pool), rl, logger)
	api := newAPIServer(cfg, apiDeps{
		access:   svc,
		relay:    rl,
		metrics:  metrics,
		dbHealth: db.HealthHandler(pool),
	}, logger)
	relayServer := newRelayServer(cfg, rl, metrics, logger)

	errCh := make(chan error, 2)
	serve := func(name string, e *echo.Echo, port string) {
		addr := ":" + port
		logger.Info().Str("server", name).Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("api", api, cfg.Port)
	go serve("relay", relayServer, cfg.RelayPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case <-quit:
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("server error")
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop producers first so no request notifies a closing relay.
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}
	if err := rl.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("relay shutdown failed")
	}
	if err := relayServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("relay server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return runErr
}
