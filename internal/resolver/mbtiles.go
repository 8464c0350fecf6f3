package resolver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tilegate/internal/tilebatch"

	_ "modernc.org/sqlite"
)

// SQLite refuses statements with more than 999 host parameters on older
// builds; three per tile keeps a chunk well under that.
const mbtilesChunk = 300

var _ tilebatch.Resolver = (*MBTiles)(nil)

// MBTiles answers batches from an MBTiles file. Rows are stored in TMS order,
// so the y axis is flipped on the way in.
type MBTiles struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

func OpenMBTiles(path string, logger *zap.Logger) (*MBTiles, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mbtiles: %w", err)
	}

	var n int
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE name = 'tiles'`).Scan(&n)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("inspect mbtiles %s: %w", path, err)
	}
	if n == 0 {
		db.Close()
		return nil, fmt.Errorf("mbtiles %s has no tiles table", path)
	}

	return &MBTiles{db: db, path: path, logger: logger}, nil
}

func (m *MBTiles) Close() error {
	return m.db.Close()
}

// Metadata returns the name/value pairs of the metadata table.
func (m *MBTiles) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		meta[name] = value
	}
	return meta, rows.Err()
}

type tmsKey struct {
	z, x, row int
}

func tmsRow(c tilebatch.Coordinate) int {
	return (1 << uint(c.Z)) - 1 - c.Y
}

// ResolveBatch returns a Buffer source for every stored tile and an Absent
// source for stored but empty tiles. Tiles with no row are omitted.
func (m *MBTiles) ResolveBatch(ctx context.Context, items []tilebatch.Item) ([]tilebatch.Resolved, error) {
	out := make([]tilebatch.Resolved, 0, len(items))
	for start := 0; start < len(items); start += mbtilesChunk {
		end := min(start+mbtilesChunk, len(items))
		res, err := m.resolveChunk(ctx, items[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}

	m.logger.Debug("Resolved mbtiles batch",
		zap.String("path", m.path),
		zap.Int("requested", len(items)),
		zap.Int("found", len(out)),
	)
	return out, nil
}

func (m *MBTiles) resolveChunk(ctx context.Context, items []tilebatch.Item) ([]tilebatch.Resolved, error) {
	keys := make(map[tmsKey][]tilebatch.TileKey, len(items))
	clauses := make([]string, 0, len(items))
	args := make([]any, 0, len(items)*3)

	for _, it := range items {
		if !it.Coord.Valid() {
			continue
		}
		k := tmsKey{z: it.Coord.Z, x: it.Coord.X, row: tmsRow(it.Coord)}
		if _, seen := keys[k]; !seen {
			clauses = append(clauses, "(zoom_level = ? AND tile_column = ? AND tile_row = ?)")
			args = append(args, k.z, k.x, k.row)
		}
		keys[k] = append(keys[k], it.Key)
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	query := `SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles WHERE ` + strings.Join(clauses, " OR ")
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tiles: %w", err)
	}
	defer rows.Close()

	var out []tilebatch.Resolved
	for rows.Next() {
		var k tmsKey
		var data []byte
		if err := rows.Scan(&k.z, &k.x, &k.row, &data); err != nil {
			return nil, fmt.Errorf("scan tile: %w", err)
		}
		src := tilebatch.Absent()
		if len(data) > 0 {
			src = tilebatch.Buffer(data)
		}
		for _, key := range keys[k] {
			out = append(out, tilebatch.Resolved{Key: key, Source: src})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tiles: %w", err)
	}
	return out, nil
}
