package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/domain/dossier"
	"github.com/ehr/portal/internal/platform/archive"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/blobstore"
	"github.com/ehr/portal/internal/platform/db"
	"github.com/ehr/portal/internal/platform/middleware"
	"github.com/ehr/portal/internal/platform/telemetry"
	"github.com/ehr/portal/migrations"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "portal-server",
		Short: "Hospital portal dossier API server",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	return rootCmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// components holds the backends selected by configuration.
type components struct {
	pool    *pgxpool.Pool
	repo    dossier.Repository
	files   blobstore.BlobStore
	archive *archive.Client
	closers []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func openComponents(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*components, error) {
	comp := &components{}

	switch cfg.StoreDriver {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		comp.pool = pool
		comp.closers = append(comp.closers, pool.Close)
		comp.repo = dossier.NewRepoPG(pool)
	default:
		logger.Warn().Msg("using in-memory dossier store; data is lost on restart")
		comp.repo = dossier.NewMemoryRepo()
	}

	switch cfg.FileStoreDriver {
	case "leveldb":
		store, err := blobstore.OpenLevelDBBlobStore(cfg.FileStorePath)
		if err != nil {
			comp.Close()
			return nil, fmt.Errorf("open file store: %w", err)
		}
		comp.files = store
		comp.closers = append(comp.closers, func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("close file store")
			}
		})
	default:
		comp.files = blobstore.NewInMemoryBlobStore()
	}

	comp.archive = archive.NewClient(archive.Config{
		BaseURL:   cfg.ArchiveURL,
		PublicURL: cfg.ArchivePublic,
		Username:  cfg.ArchiveUsername,
		Password:  cfg.ArchivePassword,
		Timeout:   cfg.ArchiveTimeout,
	}, logger)
	return comp, nil
}

// authMiddleware verifies bearer tokens. In development, requests without a
// token pass as admin.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	var verify echo.MiddlewareFunc
	if len(cfg.SigningKeyBytes()) > 0 || cfg.AuthJWKSURL != "" {
		verify = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: cfg.SigningKeyBytes(),
		})
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(verify)
	}
	return verify
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newServer(cfg *config.Config, comp *components, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echo.WrapMiddleware(otelhttp.NewMiddleware(cfg.ServiceName)))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", cfg.MaxUploadSize))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Health check
	checks := []db.Check{{Name: "archive", Probe: comp.archive.Ping}}
	if comp.pool != nil {
		checks = append(checks, db.PoolCheck(comp.pool))
	}
	e.GET("/health", db.HealthHandler(comp.pool, checks...))

	apiV1 := e.Group("/api/v1", authMiddleware(cfg))

	svc := dossier.NewService(comp.repo)
	mgr := dossier.NewManager(comp.repo, comp.archive, comp.files, logger)
	mgr.SetOrphanGrace(cfg.OrphanGrace)
	query := dossier.NewQueryService(comp.repo, comp.archive, comp.files, logger)
	dossier.NewHandler(svc, mgr, query).RegisterRoutes(apiV1)

	blobGroup := apiV1.Group("", auth.RequireRole(auth.ReadRoles...))
	blobstore.NewBlobHandler(comp.files).RegisterRoutes(blobGroup)

	return e
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up telemetry")
	}

	comp, err := openComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open backends")
	}
	defer comp.Close()
	logger.Info().
		Str("store", cfg.StoreDriver).
		Str("filestore", cfg.FileStoreDriver).
		Str("archive", cfg.ArchiveURL).
		Msg("backends ready")
	if cfg.IsProduction() && (cfg.StoreDriver == "memory" || cfg.FileStoreDriver == "memory") {
		logger.Warn().Msg("in-memory backend in production: dossiers or documents are lost on restart")
	}

	e := newServer(cfg, comp, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.StoreDriver != "postgres" {
			return fmt.Errorf("migrations need STORE_DRIVER=postgres, got %q", cfg.StoreDriver)
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.Files))
	}

	// migrate up
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

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatuses(cmd, statuses)
				return nil
			})
		},
	})

	return cmd
}

func printStatuses(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// reconcileCmd exposes the targeted retries for attachments left out of
// step by a partial failure.
func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair attachment references after partial failures",
	}
	cmd.PersistentFlags().String("dossier", "", "Dossier ID")

	withManager := func(cmd *cobra.Command, fn func(ctx context.Context, mgr *dossier.Manager, id uuid.UUID) (interface{}, error)) error {
		raw, _ := cmd.Flags().GetString("dossier")
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("--dossier must be a UUID: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Env)
		ctx := context.Background()
		comp, err := openComponents(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer comp.Close()

		mgr := dossier.NewManager(comp.repo, comp.archive, comp.files, logger)
		mgr.SetOrphanGrace(cfg.OrphanGrace)
		out, err := fn(ctx, mgr, id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "List unreferenced binaries and dangling references",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, mgr *dossier.Manager, id uuid.UUID) (interface{}, error) {
				return mgr.ScanOrphans(ctx, id)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete unreferenced binaries and drop dangling document locators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, mgr *dossier.Manager, id uuid.UUID) (interface{}, error) {
				return mgr.PurgeOrphans(ctx, id)
			})
		},
	})

	reattach := &cobra.Command{
		Use:   "reattach",
		Short: "Record references for binaries that were stored but never referenced",
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, _ := cmd.Flags().GetStringSlice("instance")
			documents, _ := cmd.Flags().GetStringSlice("document")
			if len(instances) == 0 && len(documents) == 0 {
				return fmt.Errorf("--instance or --document is required")
			}
			return withManager(cmd, func(ctx context.Context, mgr *dossier.Manager, id uuid.UUID) (interface{}, error) {
				out := map[string]interface{}{}
				if len(instances) > 0 {
					res, err := mgr.ReattachImaging(ctx, id, instances)
					if err != nil {
						return nil, err
					}
					out["imaging"] = res
				}
				if len(documents) > 0 {
					d, missing, err := mgr.ReattachDocuments(ctx, id, documents)
					if err != nil {
						return nil, err
					}
					out["documents"] = map[string]interface{}{"dossier": d, "missing": missing}
				}
				return out, nil
			})
		},
	}
	reattach.Flags().StringSlice("instance", nil, "Archive instance ID (repeatable)")
	reattach.Flags().StringSlice("document", nil, "File store locator (repeatable)")
	cmd.AddCommand(reattach)

	detach := &cobra.Command{
		Use:   "detach",
		Short: "Retry removal of imaging instances or documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, _ := cmd.Flags().GetStringSlice("instance")
			documents, _ := cmd.Flags().GetStringSlice("document")
			if len(instances) == 0 && len(documents) == 0 {
				return fmt.Errorf("--instance or --document is required")
			}
			return withManager(cmd, func(ctx context.Context, mgr *dossier.Manager, id uuid.UUID) (interface{}, error) {
				var d *dossier.Dossier
				var err error
				for _, inst := range instances {
					if d, err = mgr.RemoveImaging(ctx, id, inst); err != nil {
						return nil, err
					}
				}
				for _, loc := range documents {
					if d, err = mgr.RemoveDocument(ctx, id, loc); err != nil {
						return nil, err
					}
				}
				return d, nil
			})
		},
	}
	detach.Flags().StringSlice("instance", nil, "Archive instance ID (repeatable)")
	detach.Flags().StringSlice("document", nil, "File store locator (repeatable)")
	cmd.AddCommand(detach)

	return cmd
}
