package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tilegate/internal/cache"
	"tilegate/internal/hosts"
	"tilegate/internal/metrics"
	"tilegate/internal/tilebatch"
)

var (
	ErrLayerNotFound = errors.New("layer not found")
	// ErrOutOfRange means the coordinate is valid but outside the layer's zoom range.
	ErrOutOfRange = errors.New("tile outside layer range")
	// ErrInvalidTile means the coordinate does not exist at its zoom level.
	ErrInvalidTile = errors.New("invalid tile coordinate")
)

type TileResult struct {
	Data        []byte
	ContentType string
	ETag        string
	Size        int
}

// Renderer turns HTTP tile lookups into engine registrations. Concurrent
// lookups of one tile share a single registration; finished tiles are kept
// in the tile cache.
type Renderer struct {
	hosts     *hosts.Set
	tileCache cache.Cache
	collector *metrics.Collector
	timeout   time.Duration
	group     singleflight.Group
	logger    *zap.Logger
}

func New(set *hosts.Set, tileCache cache.Cache, collector *metrics.Collector, timeout time.Duration, logger *zap.Logger) *Renderer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Renderer{
		hosts:     set,
		tileCache: tileCache,
		collector: collector,
		timeout:   timeout,
		logger:    logger,
	}
}

func (r *Renderer) RenderTile(ctx context.Context, layerID string, coord tilebatch.Coordinate, format string) (*TileResult, error) {
	host := r.hosts.Get(layerID)
	if host == nil {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, layerID)
	}
	if !coord.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTile, coord)
	}
	if coord.Z < host.Layer.MinZoom || coord.Z > host.Layer.MaxZoom {
		return nil, fmt.Errorf("%w: %s not in zoom %d..%d", ErrOutOfRange, coord, host.Layer.MinZoom, host.Layer.MaxZoom)
	}

	cacheKey := cache.TileKey{
		Layer:  layerID,
		Tile:   host.Engine.Key(coord),
		Format: format,
	}

	if entry, ok := r.tileCache.Get(cacheKey); ok {
		r.collector.CacheLookup(true)
		return result(entry), nil
	}
	r.collector.CacheLookup(false)

	ch := r.group.DoChan(layerID+"|"+string(cacheKey.Tile), func() (any, error) {
		entry, err := r.load(host, coord)
		if err != nil {
			return nil, err
		}
		r.tileCache.Set(cacheKey, entry)
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return result(res.Val.(cache.Entry)), nil
	}
}

// load registers coord with the layer engine and waits for its completion.
// The wait is not tied to any one client: the shared registration outlives
// callers that give up early.
func (r *Renderer) load(host *hosts.Host, coord tilebatch.Coordinate) (cache.Entry, error) {
	type outcome struct {
		h   *tilebatch.Handle
		err error
	}

	done := make(chan outcome, 1)
	key := host.Engine.Enqueue(tilebatch.Request{Coord: coord, Bound: coord.Bound()}, func(h *tilebatch.Handle, err error) {
		done <- outcome{h, err}
	})

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-done:
	case <-timer.C:
		return cache.Entry{}, fmt.Errorf("%w: %s waited %s", tilebatch.ErrTimeout, key, r.timeout)
	}
	if o.err != nil {
		r.logger.Debug("Tile request failed",
			zap.String("layer", host.Layer.ID),
			zap.String("key", string(key)),
			zap.String("outcome", tilebatch.Outcome(o.err)),
			zap.Error(o.err),
		)
		return cache.Entry{}, o.err
	}
	return encode(o.h)
}

// encode prefers the bytes the decoder kept and falls back to PNG.
func encode(h *tilebatch.Handle) (cache.Entry, error) {
	if len(h.Data) > 0 {
		contentType := h.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return cache.Entry{Data: h.Data, ContentType: contentType}, nil
	}
	if h.Image == nil {
		return cache.Entry{}, fmt.Errorf("%w: %s: empty handle", tilebatch.ErrDecode, h.Key)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, h.Image); err != nil {
		return cache.Entry{}, fmt.Errorf("%w: %s: encode png: %w", tilebatch.ErrDecode, h.Key, err)
	}
	return cache.Entry{Data: buf.Bytes(), ContentType: "image/png"}, nil
}

func result(entry cache.Entry) *TileResult {
	return &TileResult{
		Data:        entry.Data,
		ContentType: entry.ContentType,
		ETag:        generateETag(entry.Data),
		Size:        len(entry.Data),
	}
}

func generateETag(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])[:16]
}
