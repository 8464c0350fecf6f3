// Package decode is the pure Go platform decoder used by the tile engine.
package decode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"tilegate/internal/tilebatch"
)

var _ tilebatch.Decoder = (*Decoder)(nil)

type Decoder struct {
	fetcher *Fetcher
	logger  *zap.Logger
}

func New(fetcher *Fetcher, logger *zap.Logger) *Decoder {
	if fetcher == nil {
		fetcher = NewFetcher(nil, 0)
	}
	return &Decoder{
		fetcher: fetcher,
		logger:  logger,
	}
}

func (d *Decoder) DecodeURL(ctx context.Context, rawURL string) (*tilebatch.Handle, error) {
	data, err := d.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		d.logger.Debug("Tile fetch failed", zap.String("url", rawURL), zap.Error(err))
		return nil, err
	}
	return d.DecodeBuffer(ctx, data)
}

// DecodeBuffer decodes png, jpeg, gif, webp, bmp or tiff. The original bytes
// are kept on the handle so they can be served without re-encoding.
func (d *Decoder) DecodeBuffer(ctx context.Context, data []byte) (*tilebatch.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	b := img.Bounds()
	return &tilebatch.Handle{
		Image:       img,
		Data:        data,
		ContentType: "image/" + format,
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}
