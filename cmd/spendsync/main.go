package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"spendsync/internal/api"
	"spendsync/internal/audit"
	"spendsync/internal/config"
	"spendsync/internal/events"
	"spendsync/internal/insights"
	"spendsync/internal/logging"
	"spendsync/internal/mappings"
	"spendsync/internal/sharing"
	"spendsync/internal/storage"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	defaultPath := os.Getenv("SPENDSYNC_CONFIG")
	if defaultPath == "" {
		defaultPath = "spendsync.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the yaml or json config file")
	reloadEvery := flag.Duration("reload-interval", 3*time.Second, "how often to check the config file for changes")
	flag.Parse()

	manager, err := loadConfig(config.ResolvePath(*configPath))
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}
	cfg := manager.Get()

	logger, level := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting", "version", version, "config", manager.Path(), "storage", cfg.Storage.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage, storage.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	defer store.Close()
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = store.Init(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("storage init failed: %w", err)
	}
	logger.Info("storage ready", "driver", cfg.Storage.Driver)

	settings, err := sharing.SettingsFromConfig(cfg.Sharing)
	if err != nil {
		return fmt.Errorf("sharing settings: %w", err)
	}
	limits := sharing.NewLimits(settings)
	recorder := audit.NewRecorder(1000)

	insightSvc := insights.NewService(store, logger)
	categories := mappings.NewService(mappings.KindCategory, store, logger)
	subcategories := mappings.NewService(mappings.KindSubcategory, store, logger)
	preferences := sharing.NewPreferences(store, limits, recorder, logger)
	groups := sharing.NewGroups(store, preferences, limits, recorder, logger)

	handler := events.NewHandler(insightSvc, []events.UsageCounter{categories, subcategories},
		func() time.Duration { return manager.Get().Events.DedupeWindow }, logger)
	events.StartKafka(ctx, manager, handler, logger)

	server := api.Start(ctx, manager, api.Services{
		Insights:      insightSvc,
		Categories:    categories,
		Subcategories: subcategories,
		Preferences:   preferences,
		Groups:        groups,
		Audit:         recorder,
		Events:        handler,
	}, logger, version)

	if manager.Path() != "" {
		go manager.Watch(*reloadEvery, func(next *config.Config) {
			level.Set(logging.ParseLevel(next.LogLevel))
			if err := limits.Apply(next.Sharing); err != nil {
				logger.Error("config reload rejected", "err", err)
				return
			}
			logger.Info("config reloaded")
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown", "err", err)
		}
	}
	logger.Info("stopped")
	return nil
}

// loadConfig falls back to defaults plus environment when no file exists,
// so a container can run on env vars alone.
func loadConfig(path string) (*config.Manager, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		config.ApplyEnv(cfg)
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
		slog.Default().Info("config file not found, using defaults", "path", path)
		return config.NewStaticManager(cfg), nil
	}
	return config.NewManager(path)
}
