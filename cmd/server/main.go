package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"tilegate/internal/cache"
	"tilegate/internal/catalog"
	"tilegate/internal/config"
	"tilegate/internal/decode"
	"tilegate/internal/decode/vipsdecode"
	"tilegate/internal/hosts"
	httphandlers "tilegate/internal/http"
	"tilegate/internal/lifecycle"
	"tilegate/internal/logger"
	"tilegate/internal/metrics"
	"tilegate/internal/render"
	"tilegate/internal/tilebatch"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting tilegate server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Duration("settle_window", cfg.SettleWindow),
		zap.String("decoder", cfg.Decoder),
	)

	fetcher := decode.NewFetcher(nil, cfg.MaxTileBytes)

	decoder, runtime, err := newDecoder(cfg, fetcher, log)
	if err != nil {
		log.Fatal("Failed to initialize decoder", zap.Error(err))
	}
	if runtime != nil {
		defer runtime.Teardown()
	}

	scanner := catalog.New(cfg.DataDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}
	if cfg.TileURLTemplate != "" {
		layer := scanner.AddRemote("remote", cfg.TileURLTemplate, 0, 22)
		log.Info("Registered remote layer", zap.String("id", layer.ID), zap.String("template", layer.URLTemplate))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(registry)

	set := hosts.Build(scanner, hosts.Options{
		Decoder:          decoder,
		Fetcher:          fetcher,
		Workers:          cfg.ResolverWorkers,
		Subdomains:       cfg.TileSubdomains,
		FallbackTemplate: cfg.FallbackTemplate,
		Observer:         collector.ForLayer,
		EngineOptions: []tilebatch.Option{
			tilebatch.WithSettleWindow(cfg.SettleWindow),
			tilebatch.WithBatchTimeout(cfg.BatchTimeout),
			tilebatch.WithMaxBatch(cfg.MaxBatch),
			tilebatch.WithSalt(cfg.KeySalt),
		},
	}, log)

	tileCache, err := cache.NewCache(cfg.CacheType, cfg.CacheMemoryTiles, cfg.CacheMemoryBytes, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	collector.WatchCache(registry, tileCache.Stats)
	renderer := render.New(set, tileCache, collector, cfg.RequestTimeout, log)

	handlers := httphandlers.New(cfg, log, set, renderer, collector, registry)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.WarmupLevels > 0 {
		go func() {
			if err := renderer.Warmup(ctx, cfg.WarmupLevels, cfg.WarmupWorkers); err != nil {
				log.Warn("Tile warmup stopped", zap.Error(err))
			}
		}()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 10 * time.Second,
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
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	if err := set.Close(); err != nil {
		log.Warn("Failed to release layers", zap.Error(err))
	}

	log.Info("Server stopped")
}

// newDecoder picks the platform decoder. The vips decoder owns a process-wide
// runtime that the caller must tear down.
func newDecoder(cfg *config.Config, fetcher *decode.Fetcher, log *zap.Logger) (tilebatch.Decoder, *lifecycle.Resource, error) {
	switch cfg.Decoder {
	case "native":
		return decode.New(fetcher, log), nil, nil
	case "vips":
		runtime := vipsdecode.NewRuntime(vipsdecode.Config{
			MaxCacheMB:  cfg.VipsMaxCacheMB,
			Concurrency: cfg.VipsConcurrency,
		}, log)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runtime.Init(ctx); err != nil {
			return nil, nil, err
		}
		return vipsdecode.New(runtime, fetcher, log), runtime, nil
	default:
		return nil, nil, fmt.Errorf("unknown decoder: %s (supported: native, vips)", cfg.Decoder)
	}
}
