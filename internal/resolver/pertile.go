package resolver

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"tilegate/internal/tilebatch"
)

// TileFunc resolves a single tile. Returning an error omits the tile from the
// batch reply.
type TileFunc func(ctx context.Context, item tilebatch.Item) (tilebatch.Source, error)

// PerTile adapts a single-tile lookup into a batch resolver, running at most
// limit lookups at a time.
func PerTile(fn TileFunc, limit int) tilebatch.Resolver {
	if limit <= 0 {
		limit = 8
	}
	return tilebatch.ResolverFunc(func(ctx context.Context, items []tilebatch.Item) ([]tilebatch.Resolved, error) {
		var (
			mu  sync.Mutex
			out = make([]tilebatch.Resolved, 0, len(items))
		)

		g := new(errgroup.Group)
		g.SetLimit(limit)
		for _, it := range items {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				src, err := fn(ctx, it)
				if err != nil {
					return nil
				}
				mu.Lock()
				out = append(out, tilebatch.Resolved{Key: it.Key, Source: src})
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	})
}
