package tilebatch

import (
	"context"
	"fmt"
	"image"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// TileKey identifies one tile request for its whole pending lifetime.
type TileKey string

// Coordinate addresses a tile by column, row and zoom.
type Coordinate struct {
	X, Y, Z int
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Valid reports whether the coordinate lies inside the tile pyramid.
func (c Coordinate) Valid() bool {
	if c.Z < 0 || c.Z > 32 || c.X < 0 || c.Y < 0 {
		return false
	}
	n := 1 << uint(c.Z)
	return c.X < n && c.Y < n
}

func (c Coordinate) Tile() maptile.Tile {
	return maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z))
}

// Bound is a host-side helper for building a Request; the engine itself
// passes bounds through untouched.
func (c Coordinate) Bound() orb.Bound {
	return c.Tile().Bound()
}

// KeyFunc returns a key derivation salted with a provider identifier so that
// two layers asking for the same tile never share a key.
func KeyFunc(salt string) func(Coordinate) TileKey {
	return func(c Coordinate) TileKey {
		if salt == "" {
			return TileKey(c.String())
		}
		return TileKey(salt + "/" + c.String())
	}
}

// Request is what the host surface enqueues.
type Request struct {
	Coord Coordinate
	Bound orb.Bound
}

// Callback receives the outcome of a request. Exactly one of h and err is non-nil.
type Callback func(h *Handle, err error)

// Item is one entry of a batch as seen by the resolver.
type Item struct {
	Key   TileKey
	Coord Coordinate
	Bound orb.Bound
}

// Resolved pairs a key from the batch with the image source for it.
type Resolved struct {
	Key    TileKey
	Source Source
}

// SourceKind tags the variant held by a Source.
type SourceKind int

const (
	SourceAbsent SourceKind = iota
	SourceURL
	SourceBuffer
	SourceDecoded
)

func (k SourceKind) String() string {
	switch k {
	case SourceAbsent:
		return "absent"
	case SourceURL:
		return "url"
	case SourceBuffer:
		return "buffer"
	case SourceDecoded:
		return "decoded"
	default:
		return fmt.Sprintf("SourceKind(%d)", int(k))
	}
}

// Source describes where the image for one tile comes from. The zero value is
// the Absent variant.
type Source struct {
	Kind   SourceKind
	URL    string
	Buffer []byte
	Handle *Handle
}

func URL(u string) Source {
	return Source{Kind: SourceURL, URL: u}
}

func Buffer(b []byte) Source {
	return Source{Kind: SourceBuffer, Buffer: b}
}

func Decoded(h *Handle) Source {
	return Source{Kind: SourceDecoded, Handle: h}
}

func Absent() Source {
	return Source{}
}

// Resolvable reports whether the variant carries something the Loader can use.
func (s Source) Resolvable() bool {
	switch s.Kind {
	case SourceURL:
		return s.URL != ""
	case SourceBuffer:
		return len(s.Buffer) > 0
	case SourceDecoded:
		return s.Handle != nil
	default:
		return false
	}
}

// Handle is a decoded, ready to render tile image. Ownership passes to the
// callback that receives it.
type Handle struct {
	Key   TileKey
	Coord Coordinate
	// Kind is the source variant the handle was produced from.
	Kind SourceKind

	Image       image.Image
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Resolver maps a batch of tile items to image sources. It is called once per
// batch from its own goroutine; returning is the reply. Keys it cannot answer
// may be omitted from the result.
type Resolver interface {
	ResolveBatch(ctx context.Context, items []Item) ([]Resolved, error)
}

type ResolverFunc func(ctx context.Context, items []Item) ([]Resolved, error)

func (f ResolverFunc) ResolveBatch(ctx context.Context, items []Item) ([]Resolved, error) {
	return f(ctx, items)
}

// Decoder is the platform image subsystem used by the Loader. An error that
// wraps ErrAbsent means nothing exists behind the source; the request then
// completes as absent rather than as a decode failure.
type Decoder interface {
	DecodeURL(ctx context.Context, url string) (*Handle, error)
	DecodeBuffer(ctx context.Context, data []byte) (*Handle, error)
}
