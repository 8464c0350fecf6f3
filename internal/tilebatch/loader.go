package tilebatch

import (
	"context"
	"errors"
	"fmt"
)

// Loader turns a resolved Source into a Handle through the platform Decoder.
type Loader struct {
	decoder Decoder
}

func NewLoader(decoder Decoder) *Loader {
	return &Loader{decoder: decoder}
}

// Load calls done exactly once. Decoded and Absent sources complete before
// Load returns; URL and Buffer sources are decoded on a separate goroutine.
// The decode context is released on every exit path.
func (l *Loader) Load(ctx context.Context, item Item, src Source, done func(*Handle, error)) {
	switch src.Kind {
	case SourceDecoded:
		if src.Handle == nil {
			done(nil, fmt.Errorf("%w: %s: nil handle", ErrAbsent, item.Key))
			return
		}
		done(src.Handle, nil)
		return
	case SourceURL, SourceBuffer:
		if !src.Resolvable() {
			done(nil, fmt.Errorf("%w: %s: empty %s source", ErrAbsent, item.Key, src.Kind))
			return
		}
	case SourceAbsent:
		done(nil, fmt.Errorf("%w: %s", ErrAbsent, item.Key))
		return
	default:
		done(nil, fmt.Errorf("%w: %s: unknown source kind %s", ErrDecode, item.Key, src.Kind))
		return
	}

	go func() {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		h, err := l.decode(ctx, src)
		if errors.Is(err, ErrAbsent) {
			done(nil, fmt.Errorf("%s: %w", item.Key, err))
			return
		}
		if err != nil {
			done(nil, fmt.Errorf("%w: %s: %w", ErrDecode, item.Key, err))
			return
		}
		if h == nil {
			done(nil, fmt.Errorf("%w: %s: decoder returned no image", ErrDecode, item.Key))
			return
		}
		h.Key = item.Key
		h.Coord = item.Coord
		h.Kind = src.Kind
		done(h, nil)
	}()
}

func (l *Loader) decode(ctx context.Context, src Source) (h *Handle, err error) {
	defer func() {
		if p := recover(); p != nil {
			h, err = nil, fmt.Errorf("decoder panic: %v", p)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src.Kind == SourceURL {
		return l.decoder.DecodeURL(ctx, src.URL)
	}
	return l.decoder.DecodeBuffer(ctx, src.Buffer)
}
