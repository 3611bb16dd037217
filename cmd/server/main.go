package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"offlinetiles/internal/cache"
	"offlinetiles/internal/config"
	httphandlers "offlinetiles/internal/http"
	"offlinetiles/internal/image_probe"
	"offlinetiles/internal/logger"
	"offlinetiles/internal/map_cache"
	"offlinetiles/internal/upstream"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	var validator map_cache.Validator
	if cfg.ValidateTiles {
		startVips(cfg, log)
		defer vips.Shutdown()
		validator = image_probe.New(log)
	}

	log.Info("Starting offline tile cache",
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store),
		zap.String("tile_url_template", cfg.TileURLTemplate),
	)

	storeOpts := cache.Options{
		Type:           cfg.Store,
		Path:           cfg.StorePath,
		MemoryMaxTiles: cfg.MemoryMaxTiles,
		RedisAddr:      cfg.RedisAddr,
		RedisPassword:  cfg.RedisPassword,
		RedisDB:        cfg.RedisDB,
		RedisPrefix:    cfg.RedisPrefix,
	}
	openStore := func(ctx context.Context) (cache.Store, error) {
		return cache.NewStore(ctx, storeOpts, log)
	}

	fetcher := upstream.NewClient(upstream.Options{
		URLTemplate:     cfg.TileURLTemplate,
		UserAgent:       cfg.UserAgent,
		Timeout:         cfg.FetchTimeout,
		RatePerSecond:   cfg.FetchRatePerSecond,
		Burst:           cfg.FetchBurst,
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerCooldown: cfg.BreakerCooldown,
	}, log)

	tileCache := map_cache.New(openStore, fetcher, map_cache.Options{
		Workers:      cfg.FetchWorkers,
		LocalBaseURL: cfg.PublicBaseURL,
		Validator:    validator,
	}, log)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	tileCache.Init(initCtx)
	cancelInit()
	log.Info("Tile cache ready", zap.String("mode", string(tileCache.Mode(context.Background()))))

	handlers := httphandlers.New(log, tileCache, fetcher)
	handler := handlers.Routes(httphandlers.Options{
		AllowedOrigins:  cfg.AllowedOrigins(),
		RegionRateLimit: cfg.RegionRateLimit,
	})

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if cfg.WarmupEnabled() {
		go warmupRegion(bgCtx, tileCache, cfg, log)
	}
	if cfg.CleanupInterval > 0 {
		go runCleanup(bgCtx, tileCache, cfg.CleanupInterval, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := tileCache.Shutdown(ctx); err != nil {
		log.Error("Failed to close tile store", zap.Error(err))
	}

	log.Info("Server stopped")
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
	})

	log.Info("VIPS initialized for tile validation",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)
}

// warmupRegion precaches the configured home region and refreshes it every
// half retention period.
func warmupRegion(ctx context.Context, tileCache *map_cache.Cache, cfg *config.Config, log *zap.Logger) {
	for {
		log.Info("Starting region warmup",
			zap.Float64("lat", cfg.WarmupLat),
			zap.Float64("lon", cfg.WarmupLon),
			zap.Float64("radius_km", cfg.WarmupRadiusKm),
		)
		summary := tileCache.CacheRegion(ctx, cfg.WarmupLat, cfg.WarmupLon, cfg.WarmupRadiusKm)
		log.Info("Region warmup completed",
			zap.String("region", summary.Region),
			zap.Int("fetched", summary.Fetched),
			zap.Int("failed", summary.Failed),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(map_cache.Retention / 2):
		}
	}
}

func runCleanup(ctx context.Context, tileCache *map_cache.Cache, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := tileCache.CleanupExpiredTiles(ctx)
			evicted := tileCache.EnforceSizeLimit(ctx)
			log.Debug("Periodic cleanup", zap.Int("expired", expired), zap.Int("evicted", evicted))
		}
	}
}
