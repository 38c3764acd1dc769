package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/draftwell/roomhost/internal/api"
	"github.com/draftwell/roomhost/internal/app"
	"github.com/draftwell/roomhost/internal/assets"
	iauth "github.com/draftwell/roomhost/internal/auth"
	"github.com/draftwell/roomhost/internal/blob"
	"github.com/draftwell/roomhost/internal/database"
	"github.com/draftwell/roomhost/internal/edgecache"
	"github.com/draftwell/roomhost/internal/maintenance"
	"github.com/draftwell/roomhost/internal/room"
	"github.com/draftwell/roomhost/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("roomhost-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}

	cache, err := openCache(ctx, cfg, log)
	if err != nil {
		return err
	}

	verifier, err := iauth.NewVerifier(iauth.VerifierConfig{
		Secret:   cfg.Auth.Secret,
		Issuer:   cfg.Auth.Issuer,
		TokenTTL: cfg.Auth.TokenTTL,
	})
	if err != nil {
		return fmt.Errorf("initialise token verifier: %w", err)
	}

	registry, err := room.NewRegistry(room.Options{
		Store:           store,
		Verifier:        verifier,
		Prober:          room.NewHTTPProber(cfg.Rooms.ProbeTimeout),
		PersistInterval: cfg.Rooms.PersistInterval,
		Logger:          logger.WithModule("room"),
	})
	if err != nil {
		return fmt.Errorf("initialise room registry: %w", err)
	}
	defer registry.Close()

	assetSvc, err := assets.NewService(store, logger.Logger())
	if err != nil {
		return fmt.Errorf("initialise asset service: %w", err)
	}

	if cfg.Maintenance.Enabled {
		sweeper, err := maintenance.NewSweeper(store,
			maintenance.WithSchedule(cfg.Maintenance.SweepSchedule),
			maintenance.WithChunkTTL(cfg.Maintenance.ChunkTTL),
		)
		if err != nil {
			return fmt.Errorf("initialise sweeper: %w", err)
		}
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("start maintenance jobs: %w", err)
		}
		defer sweeper.Stop()
	}

	router, assetHandler, err := api.NewRouter(api.Deps{
		Registry:         registry,
		Assets:           assetSvc,
		Cache:            cache,
		Verifier:         verifier,
		UploadRateLimit:  cfg.Assets.UploadRateLimit,
		UploadRateWindow: cfg.Assets.UploadRateWindow,
		Monitoring:       cfg.Monitoring,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}
	defer assetHandler.Drain()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

// openStore selects the durable blob store from configuration.
func openStore(cfg *app.Config, log *zap.Logger) (blob.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "filesystem":
		store, err := blob.NewFilesystemStore(cfg.Storage.Filesystem.Dir)
		if err != nil {
			return nil, fmt.Errorf("open filesystem store: %w", err)
		}
		log.Info("filesystem store ready", zap.String("dir", cfg.Storage.Filesystem.Dir))
		return store, nil

	case "database":
		db, err := database.Open(database.Config{
			Driver:   cfg.Storage.Database.Driver,
			Path:     cfg.Storage.Database.Path,
			DSN:      cfg.Storage.Database.DSN,
			Host:     cfg.Storage.Database.Postgres.Host,
			Port:     cfg.Storage.Database.Postgres.Port,
			User:     cfg.Storage.Database.Postgres.Username,
			Password: cfg.Storage.Database.Postgres.Password,
			Name:     cfg.Storage.Database.Postgres.Database,
		})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		store, err := blob.NewDatabaseStore(db)
		if err != nil {
			return nil, fmt.Errorf("open database store: %w", err)
		}
		log.Info("database store ready", zap.String("driver", cfg.Storage.Database.Driver))
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

// openCache selects the edge cache backend. A broken redis degrades to no
// cache rather than failing startup.
func openCache(ctx context.Context, cfg *app.Config, log *zap.Logger) (edgecache.Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Cache.Backend)) {
	case "off", "none":
		return nil, nil

	case "", "memory":
		cache, err := edgecache.NewMemoryCache(cfg.Cache.Memory.Size)
		if err != nil {
			return nil, fmt.Errorf("initialise memory cache: %w", err)
		}
		return cache, nil

	case "redis":
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Cache.Redis.Timeout)
		defer cancel()
		cache, err := edgecache.NewRedisCache(dialCtx, edgecache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Username: cfg.Cache.Redis.Username,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TTL:      cfg.Cache.Redis.TTL,
		})
		if err != nil {
			log.Warn("redis unavailable; downloads will be served uncached", zap.Error(err))
			return nil, nil
		}
		log.Info("redis edge cache connected", zap.String("addr", cfg.Cache.Redis.Address))
		return cache, nil

	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Cache.Backend)
	}
}
