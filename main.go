package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/bryan-buckman/nearby/internal/cache"
	"github.com/bryan-buckman/nearby/internal/config"
	"github.com/bryan-buckman/nearby/internal/database"
	"github.com/bryan-buckman/nearby/internal/geo"
	"github.com/bryan-buckman/nearby/internal/logger"
	"github.com/bryan-buckman/nearby/internal/model"
	"github.com/bryan-buckman/nearby/internal/notify"
	"github.com/bryan-buckman/nearby/internal/remote"
	"github.com/bryan-buckman/nearby/internal/server"
	"github.com/bryan-buckman/nearby/internal/session"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	addr := pflag.String("addr", "", "listen address (overrides server.addr)")
	pflag.Parse()

	// Load Config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	// Init Logger
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("nearby exited", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Sync()
}

func run(cfg *config.Config, log *zap.Logger) error {
	store, err := database.Open(cfg.Cache.Driver, cfg.Cache.Path, cfg.Cache.DSN)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer store.Close()

	lc := cache.New(store, cfg.Cache.SchemaVersion, log.Named("cache"))
	views, err := lc.Sweep()
	if err != nil {
		log.Warn("cache sweep failed", zap.Error(err))
	}
	log.Info("cache ready",
		zap.String("backend", store.DatabaseType()),
		zap.String("schema_version", lc.Version()),
		zap.Int("cached_views", len(views)))

	installID, err := notify.InstallID(store)
	if err != nil {
		return err
	}
	client := remote.NewClient(&http.Client{Timeout: cfg.Remote.Timeout}, cfg.Remote.BaseURL, cfg.Remote.Token).
		WithInstallID(installID)
	var rem session.Remote = client
	if cfg.Remote.GeoRSSURL != "" {
		rem = remote.Overlay{Client: client, Feed: remote.NewGeoRSS(cfg.Remote.GeoRSSURL)}
		log.Info("serving feed from GeoRSS", zap.String("url", cfg.Remote.GeoRSSURL))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := cron.New()
	ticker.Start()
	defer ticker.Stop()

	locator := geo.NewHostLocator()
	geoOpts := geo.Options{
		HighAccuracy: cfg.Geo.HighAccuracy,
		MaximumAge:   cfg.Geo.MaximumAge,
		Timeout:      cfg.Geo.Timeout,
	}
	hub := session.NewHub(ctx, session.Deps{
		Remote:  rem,
		Cache:   lc,
		Cron:    ticker,
		Locator: locator,
		Log:     log.Named("session"),
	}, session.Options{
		PageSize:     cfg.Feed.PageSize,
		CachePages:   cfg.Cache.Pages,
		PollInterval: cfg.Feed.ProbeInterval,
		Geo:          geoOpts,
	}, session.Options{
		PageSize:     cfg.Conversation.PageSize,
		CachePages:   cfg.Cache.Pages,
		PollInterval: cfg.Conversation.PollInterval,
	})
	defer hub.Shutdown()

	bridge := &notify.HostBridge{}
	registrar := notify.New(bridge, client, store, hub.Location, notify.Config{
		Attempts:   cfg.Notifications.Attempts,
		RetryDelay: cfg.Notifications.RetryDelay,
	}, log.Named("notify"))

	srv := server.New(hub, registrar, bridge, locator, log.Named("server"))
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(cfg.Server.Addr)
	}()

	// The feed is the landing view; mount it so the cache renders immediately.
	if _, err := hub.Open(model.FeedView); err != nil {
		return err
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
