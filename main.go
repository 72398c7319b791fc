package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sediment-server/internal/config"
	"sediment-server/internal/inference"
	"sediment-server/internal/metrics"
	"sediment-server/internal/middleware"
	"sediment-server/internal/models"
	"sediment-server/internal/routes"
	"sediment-server/internal/storage"
	"sediment-server/internal/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "sediment-server",
		Short:         "Urine sediment analysis API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(policiesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the schema and install row level security policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			skipPolicies, _ := cmd.Flags().GetBool("skip-policies")

			db, err := models.InitDB(models.DatabaseConfig{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
			if err != nil {
				return err
			}
			logger.Info().Str("driver", cfg.Database.Driver).Msg("schema migrated")

			if skipPolicies {
				return nil
			}
			return store.New(db, nil, logger).ApplyPolicies(cmd.Context())
		},
	}
	cmd.Flags().Bool("skip-policies", false, "Only migrate tables")
	return cmd
}

func policiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "Print the row level security statements for PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, stmt := range store.PolicySQL() {
				if _, err := fmt.Fprintln(out, stmt+";"); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// bootstrap loads the environment, configuration and logger shared by all commands.
func bootstrap() (*config.Config, zerolog.Logger, error) {
	// A missing .env file is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, zerolog.Nop(), fmt.Errorf("load .env file: %w", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func newObjectStore(cfg *config.Config, logger zerolog.Logger) storage.ObjectStore {
	if cfg.Storage.Backend == config.StorageMemory {
		logger.Warn().Msg("using in-memory object storage; uploads are lost on restart")
		return storage.WithSignedURLCache(storage.NewMemoryStore(cfg.Storage.Bucket))
	}
	return storage.WithSignedURLCache(storage.NewSupabaseStore(cfg.Storage, logger))
}

func runServer() error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Database
	db, err := models.InitDB(models.DatabaseConfig{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Debug:  cfg.IsDevelopment() && cfg.LogLevel == "debug",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("connected to database")

	m, err := metrics.New()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	st := store.New(db, m, logger)
	if cfg.Database.ApplyPolicies {
		if err := st.ApplyPolicies(context.Background()); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply row level security policies")
		}
	}

	verifier, err := middleware.NewVerifier(cfg.Auth)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure authentication")
	}

	router, err := routes.NewRouter(routes.Dependencies{
		Config:   cfg,
		Store:    st,
		Objects:  newObjectStore(cfg, logger),
		Detector: inference.NewClient(cfg.Inference, m, logger),
		Verifier: verifier,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build router")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("env", cfg.Environment).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info().Msg("server stopped")
	return nil
}
