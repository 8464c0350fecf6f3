package cache

import "tilegate/internal/tilebatch"

// TileKey addresses one encoded tile of one layer.
type TileKey struct {
	Layer  string
	Tile   tilebatch.TileKey
	Format string
}

// Entry is an encoded tile ready to be written to a response.
type Entry struct {
	Data        []byte
	ContentType string
}

type Cache interface {
	Get(key TileKey) (Entry, bool)
	Set(key TileKey, value Entry)
	// Stats reports the current occupancy. It does not touch recency.
	Stats() Stats
}

type Stats struct {
	Entries   int
	Bytes     int64
	Evictions uint64
}
