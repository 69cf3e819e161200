package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hit0sh1/triathlon-community-site-sub001/internal/app"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/archive"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/config"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/email"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/logging"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/notify"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/search"
	"github.com/hit0sh1/triathlon-community-site-sub001/internal/store"
)

func main() {
	var cfgFile string
	root := &cobra.Command{
		Use:           "board-api",
		Short:         "Community board API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "optional config file (yaml, toml or json)")

	var statusOnly bool
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			if !statusOnly {
				db, err := openDatabase(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer db.Close()
				slog.Info("migrations applied", "dir", cfg.MigrationsDir)
				return nil
			}

			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, poolConfig(cfg))
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()
			states, err := store.MigrationStatus(cmd.Context(), db, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			pending := 0
			for _, state := range states {
				if state.Applied {
					slog.Info("migration", "version", state.Version, "applied_at", state.AppliedAt)
					continue
				}
				pending++
				slog.Info("migration", "version", state.Version, "pending", true)
			}
			slog.Info("migration status", "total", len(states), "pending", pending)
			return nil
		},
	}
	migrate.Flags().BoolVar(&statusOnly, "status", false, "list applied and pending migrations without running them")
	root.AddCommand(migrate)

	var batchSize int
	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the message search index from the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.MeiliURL) == "" {
				return errors.New("reindex requires MEILI_URL")
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
			defer meiliClient.Close()
			// The health loop needs a moment to observe the instance.
			deadline := time.Now().Add(30 * time.Second)
			for !meiliClient.Healthy() && time.Now().Before(deadline) {
				time.Sleep(500 * time.Millisecond)
			}

			searchService := search.NewService(meiliClient, search.NewPgFTS(db))
			indexed, err := searchService.ReindexAll(cmd.Context(), store.NewPostgresStore(db), batchSize)
			if err != nil {
				return err
			}
			slog.Info("reindex complete", "messages", indexed)
			return nil
		},
	}
	reindex.Flags().IntVar(&batchSize, "batch-size", 1000, "messages per index request")
	root.AddCommand(reindex)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(cfgFile string) (config.Config, error) {
	v, err := config.New(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := config.Load(v)
	logging.Setup(cfg.Log)
	if cfgFile != "" {
		slog.Info("config loaded", "file", v.ConfigFileUsed())
	}
	return cfg, nil
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, poolConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return db, nil
}

func poolConfig(cfg config.Config) store.PoolConfig {
	return store.PoolConfig{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
		ConnectTimeout:  cfg.DB.ConnectTimeout,
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	dataStore := store.NewPostgresStore(db)
	opts := app.Options{
		Checks: map[string]app.Pinger{},
		Logger: slog.Default(),
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	opts.Search = search.NewService(meiliClient, search.NewPgFTS(db))

	if strings.TrimSpace(cfg.RedisURL) != "" {
		deduper, err := notify.NewRedisDeduper(cfg.RedisURL, cfg.NotifyDedupeTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer deduper.Close()
		opts.Deduper = deduper
		opts.Checks["redis"] = deduper
		slog.Info("notification dedupe using redis")
	}

	if strings.TrimSpace(cfg.ObjectStore.Endpoint) != "" {
		evidence, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.ObjectStore.Endpoint,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Bucket:    cfg.ObjectStore.Bucket,
			UseSSL:    cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			// Deletes still work without evidence snapshots.
			slog.Warn("moderation archive disabled", "error", err)
		} else {
			opts.Archive = evidence
		}
	}

	opts.Mailer = email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !opts.Mailer.IsConfigured() {
		slog.Info("moderation email disabled; SMTP not configured")
	}

	service := app.New(cfg, dataStore, opts)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("board API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("board API stopped")
	return nil
}
