package resolver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tilegate/internal/tilebatch"
)

var _ tilebatch.Resolver = (*Template)(nil)

// Template answers every item with a URL built from a pattern such as
// "https://{s}.tile.example.org/{z}/{x}/{y}.png". Supported placeholders are
// {x}, {y}, {-y} (TMS row), {z}, {q} (quadkey) and {s} (subdomain).
type Template struct {
	pattern    string
	subdomains []string
}

func NewTemplate(pattern string, subdomains ...string) (*Template, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("empty url template")
	}
	hasQuadkey := strings.Contains(pattern, "{q}")
	hasXYZ := strings.Contains(pattern, "{x}") && strings.Contains(pattern, "{z}") &&
		(strings.Contains(pattern, "{y}") || strings.Contains(pattern, "{-y}"))
	if !hasQuadkey && !hasXYZ {
		return nil, fmt.Errorf("url template %q needs {z}/{x}/{y} or {q}", pattern)
	}
	if strings.Contains(pattern, "{s}") && len(subdomains) == 0 {
		subdomains = []string{"a", "b", "c"}
	}
	return &Template{pattern: pattern, subdomains: subdomains}, nil
}

func (t *Template) URL(c tilebatch.Coordinate) string {
	r := strings.NewReplacer(
		"{x}", strconv.Itoa(c.X),
		"{y}", strconv.Itoa(c.Y),
		"{-y}", strconv.Itoa((1<<uint(c.Z))-1-c.Y),
		"{z}", strconv.Itoa(c.Z),
		"{q}", quadkey(c),
		"{s}", t.subdomain(c),
	)
	return r.Replace(t.pattern)
}

func (t *Template) subdomain(c tilebatch.Coordinate) string {
	if len(t.subdomains) == 0 {
		return ""
	}
	return t.subdomains[(c.X+c.Y)%len(t.subdomains)]
}

// quadkey renders the tile's quadkey as base-4 digits, one per zoom level.
func quadkey(c tilebatch.Coordinate) string {
	if c.Z == 0 {
		return ""
	}
	q := strconv.FormatUint(c.Tile().Quadkey(), 4)
	if len(q) < c.Z {
		q = strings.Repeat("0", c.Z-len(q)) + q
	}
	return q
}

func (t *Template) ResolveBatch(ctx context.Context, items []tilebatch.Item) ([]tilebatch.Resolved, error) {
	out := make([]tilebatch.Resolved, 0, len(items))
	for _, it := range items {
		if !it.Coord.Valid() {
			continue
		}
		out = append(out, tilebatch.Resolved{Key: it.Key, Source: tilebatch.URL(t.URL(it.Coord))})
	}
	return out, nil
}
