package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/veildrop/veildrop/daemon/api/server"
	"github.com/veildrop/veildrop/daemon/config"
	"github.com/veildrop/veildrop/daemon/manager"
	"github.com/veildrop/veildrop/daemon/service"
	"github.com/veildrop/veildrop/daemon/store"
	"github.com/veildrop/veildrop/daemon/transport"
	"github.com/veildrop/veildrop/internal/observability"
)

const version = "1.0.0"

func main() {
	logger := observability.NewLogger("veildropd", version, os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(version)

	if shutdown, err := observability.InitTracing(context.Background(), "veildropd"); err == nil {
		defer shutdown(context.Background())
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal(err, "failed to load configuration")
	}
	logger.Info("configuration loaded: listening on " + cfg.ListenAddress +
		", storage at " + cfg.StoragePath +
		", large-file threshold " + humanize.IBytes(uint64(cfg.LargeFileThreshold)))

	contentStore, err := store.Open(store.Options{
		StorageRoot:         cfg.StoragePath,
		LargeFileThreshold:  cfg.LargeFileThreshold,
		MaxPinnedPerSession: cfg.MaxPinnedItemsPerSession,
	}, logger, metrics)
	if err != nil {
		logger.Fatal(err, "failed to open content store")
	}
	defer contentStore.Close()

	if fixed, err := contentStore.FixLargeFileMetadata(); err != nil {
		logger.Error(err, "large-file flag reconciliation failed")
	} else if fixed > 0 {
		logger.Info("reconciled large-file flags on " + humanize.Comma(fixed) + " records")
	}

	sessions := manager.NewSessionStore()

	origins, allowAny := cfg.AllowedOrigins()
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	hub := transport.NewHub(logger, metrics, func(origin string) bool {
		if allowAny || origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	})

	broker := service.NewBroker(sessions, contentStore, hub, logger, metrics, service.Options{
		MaxItemsPerSession: cfg.MaxItemsPerSession,
	})
	broker.Register(hub)

	health.RegisterCheck("database", observability.DatabaseCheck(contentStore.Ping))
	health.RegisterCheck("storage", observability.StorageCheck(contentStore.ProbeStorage))
	health.RegisterCheck("sessions", observability.SessionsCheck(sessions.Count))

	api := server.New(cfg, sessions, contentStore, hub, health, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runEvictionSweep(ctx, cfg, contentStore, logger)
	go runExpirySweep(ctx, cfg, sessions, contentStore, logger, metrics)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("veildrop daemon listening on " + cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err, "http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "http shutdown incomplete")
	}
	logger.Info("daemon stopped")
}

// runEvictionSweep periodically trims each session's non-pinned content
// down to the configured cap.
func runEvictionSweep(ctx context.Context, cfg *config.Config, cs *store.ContentStore, logger *observability.Logger) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := cs.SessionIDs()
			if err != nil {
				logger.Error(err, "eviction sweep listing failed")
				continue
			}
			for _, id := range ids {
				if _, err := cs.CleanupOldContent(id, cfg.MaxItemsPerSession); err != nil {
					logger.WithSession(id).Error(err, "eviction sweep failed")
				}
			}
		}
	}
}

// runExpirySweep removes sessions idle past the expiry window and purges
// their stored content, pinned items included.
func runExpirySweep(ctx context.Context, cfg *config.Config, sessions *manager.SessionStore, cs *store.ContentStore, logger *observability.Logger, metrics *observability.Metrics) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range sessions.ExpireIdle(time.Now(), cfg.SessionExpiry) {
				metrics.SessionsExpired.Inc()
				logger.SessionExpired(id, cfg.SessionExpiry)
				if _, err := cs.CleanupAllSessionContent(id); err != nil {
					logger.WithSession(id).Error(err, "expired session cleanup failed")
				}
			}
			metrics.SessionsActive.Set(float64(sessions.Count()))
		}
	}
}
