package cache

// NoopCache stores nothing; CACHE=disabled.
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (NoopCache) Get(TileKey) (Entry, bool) { return Entry{}, false }
func (NoopCache) Set(TileKey, Entry)        {}
func (NoopCache) Stats() Stats              { return Stats{} }
