package resolver

import (
	"context"

	"go.uber.org/zap"

	"tilegate/internal/tilebatch"
)

var _ tilebatch.Resolver = (*Combined)(nil)

// Combined asks the fallback only for the items the primary left unanswered
// or reported absent. A failing primary sends the whole batch to the
// fallback; a failing fallback keeps whatever the primary answered.
type Combined struct {
	primary  tilebatch.Resolver
	fallback tilebatch.Resolver
	logger   *zap.Logger
}

func NewCombined(primary, fallback tilebatch.Resolver, logger *zap.Logger) *Combined {
	return &Combined{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (c *Combined) ResolveBatch(ctx context.Context, items []tilebatch.Item) ([]tilebatch.Resolved, error) {
	primary, err := c.primary.ResolveBatch(ctx, items)
	if err != nil {
		c.logger.Warn("Primary resolver failed, using fallback", zap.Int("size", len(items)), zap.Error(err))
		return c.fallback.ResolveBatch(ctx, items)
	}

	answered := make(map[tilebatch.TileKey]bool, len(primary))
	out := make([]tilebatch.Resolved, 0, len(items))
	for _, r := range primary {
		if r.Source.Resolvable() {
			answered[r.Key] = true
			out = append(out, r)
		}
	}

	var missing []tilebatch.Item
	for _, it := range items {
		if !answered[it.Key] {
			missing = append(missing, it)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fallback, err := c.fallback.ResolveBatch(ctx, missing)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("Fallback resolver failed", zap.Int("missing", len(missing)), zap.Error(err))
		return out, nil
	}
	return append(out, fallback...), nil
}
