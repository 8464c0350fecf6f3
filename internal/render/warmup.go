package render

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tilegate/internal/tilebatch"
)

// Warmup renders every tile from each layer's minimum zoom up to levels,
// capped at the layer's maximum zoom, with at most workers tiles in flight.
func (r *Renderer) Warmup(ctx context.Context, levels, workers int) error {
	list := r.hosts.List()
	if len(list) == 0 || levels < 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}

	r.logger.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("layers", len(list)))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var tiles int
	for _, host := range list {
		maxZoom := min(levels, host.Layer.MaxZoom)
		for z := host.Layer.MinZoom; z <= maxZoom; z++ {
			n := 1 << uint(z)
			for x := 0; x < n; x++ {
				for y := 0; y < n; y++ {
					if ctx.Err() != nil {
						return g.Wait()
					}
					tiles++
					layerID, coord := host.Layer.ID, tilebatch.Coordinate{X: x, Y: y, Z: z}
					format := host.Layer.Format
					g.Go(func() error {
						if _, err := r.RenderTile(ctx, layerID, coord, format); err != nil {
							if ctx.Err() != nil {
								return ctx.Err()
							}
							r.logger.Debug("Warmup tile failed", zap.String("layer", layerID), zap.Stringer("tile", coord), zap.Error(err))
						}
						return nil
					})
				}
			}
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	r.logger.Info("Tile warmup completed", zap.Int("tiles", tiles))
	return nil
}
