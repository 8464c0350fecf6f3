// Package vipsdecode decodes tiles with libvips. Any format libvips can load
// is normalized to PNG.
package vipsdecode

import (
	"context"
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilegate/internal/decode"
	"tilegate/internal/lifecycle"
	"tilegate/internal/tilebatch"
)

var _ tilebatch.Decoder = (*Decoder)(nil)

type Config struct {
	MaxCacheMB  int
	Concurrency int
}

// NewRuntime wraps vips.Startup/Shutdown. libvips cannot be restarted inside
// one process, so the returned resource refuses Init after Teardown.
func NewRuntime(cfg Config, log *zap.Logger) *lifecycle.Resource {
	return lifecycle.New("vips", func(ctx context.Context) error {
		vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
			if level >= vips.LogLevelError {
				log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
			} else if level >= vips.LogLevelWarning {
				log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
			}
		}, vips.LogLevelWarning)

		vips.Startup(&vips.Config{
			ConcurrencyLevel: cfg.Concurrency,
			MaxCacheMem:      cfg.MaxCacheMB * 1024 * 1024,
			MaxCacheFiles:    0,
			MaxCacheSize:     0,
			ReportLeaks:      false,
			CacheTrace:       false,
			VectorEnabled:    true,
		})

		log.Info("VIPS initialized",
			zap.Int("max_cache_mb", cfg.MaxCacheMB),
			zap.Int("concurrency", cfg.Concurrency),
		)
		return nil
	}, func() error {
		vips.Shutdown()
		return nil
	})
}

type Decoder struct {
	runtime *lifecycle.Resource
	fetcher *decode.Fetcher
	logger  *zap.Logger
}

func New(runtime *lifecycle.Resource, fetcher *decode.Fetcher, logger *zap.Logger) *Decoder {
	if fetcher == nil {
		fetcher = decode.NewFetcher(nil, 0)
	}
	return &Decoder{
		runtime: runtime,
		fetcher: fetcher,
		logger:  logger,
	}
}

func (d *Decoder) DecodeURL(ctx context.Context, rawURL string) (*tilebatch.Handle, error) {
	data, err := d.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return d.DecodeBuffer(ctx, data)
}

func (d *Decoder) DecodeBuffer(ctx context.Context, data []byte) (*tilebatch.Handle, error) {
	if d.runtime.State() != lifecycle.Ready {
		return nil, fmt.Errorf("vips runtime is %s", d.runtime.State())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	image, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	defer image.Close()

	width := image.Width()
	height := image.Height()

	pngOpts := vips.DefaultPngsaveBufferOptions()
	out, err := image.PngsaveBuffer(pngOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	return &tilebatch.Handle{
		Data:        out,
		ContentType: "image/png",
		Width:       width,
		Height:      height,
	}, nil
}
