// Package hosts owns one tile engine per catalog layer.
package hosts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"tilegate/internal/catalog"
	"tilegate/internal/decode"
	"tilegate/internal/resolver"
	"tilegate/internal/tilebatch"
)

// Host is a layer together with the engine serving its tiles.
type Host struct {
	Layer  catalog.Layer
	Engine *tilebatch.Engine

	closers []io.Closer
}

// Options controls how layer resolvers and engines are built.
type Options struct {
	Decoder tilebatch.Decoder
	// Fetcher is used by remote layers when Workers > 0: the resolver then
	// downloads tile bytes itself instead of handing URLs to the decoder.
	Fetcher    *decode.Fetcher
	Workers    int
	Subdomains []string
	// FallbackTemplate answers the tiles local tilesets do not store.
	FallbackTemplate string
	// Observer returns the engine observer for a layer ID. May be nil.
	Observer      func(layerID string) tilebatch.Observer
	EngineOptions []tilebatch.Option
}

type Set struct {
	mu     sync.RWMutex
	hosts  map[string]*Host
	order  []string
	logger *zap.Logger
}

// Build creates an engine for every layer of scanner. Layers whose resolver
// cannot be opened are skipped with a warning.
func Build(scanner *catalog.Scanner, opts Options, logger *zap.Logger) *Set {
	s := &Set{
		hosts:  make(map[string]*Host),
		logger: logger,
	}

	for _, layer := range scanner.GetLayers() {
		res, closers, err := s.resolverFor(layer, scanner.GetLayerPath(layer), opts)
		if err != nil {
			logger.Warn("Skipping layer", zap.String("layer", layer.ID), zap.String("name", layer.Name), zap.Error(err))
			continue
		}

		engineOpts := append([]tilebatch.Option{tilebatch.WithLogger(logger.With(zap.String("layer", layer.ID)))}, opts.EngineOptions...)
		if opts.Observer != nil {
			engineOpts = append(engineOpts, tilebatch.WithObserver(opts.Observer(layer.ID)))
		}

		s.hosts[layer.ID] = &Host{
			Layer:   layer,
			Engine:  tilebatch.New(res, opts.Decoder, engineOpts...),
			closers: closers,
		}
		s.order = append(s.order, layer.ID)
	}

	logger.Info("Tile hosts ready", zap.Int("layers", len(s.order)))
	return s
}

func (s *Set) resolverFor(layer catalog.Layer, path string, opts Options) (tilebatch.Resolver, []io.Closer, error) {
	if layer.IsRemote() {
		res, err := remoteResolver(layer.URLTemplate, opts)
		return res, nil, err
	}

	tileset, err := resolver.OpenMBTiles(path, s.logger)
	if err != nil {
		return nil, nil, err
	}
	closers := []io.Closer{tileset}

	if opts.FallbackTemplate == "" {
		return tileset, closers, nil
	}

	fallback, err := remoteResolver(opts.FallbackTemplate, opts)
	if err != nil {
		tileset.Close()
		return nil, nil, fmt.Errorf("fallback: %w", err)
	}
	return resolver.NewCombined(tileset, fallback, s.logger), closers, nil
}

func remoteResolver(pattern string, opts Options) (tilebatch.Resolver, error) {
	tmpl, err := resolver.NewTemplate(pattern, opts.Subdomains...)
	if err != nil {
		return nil, err
	}
	if opts.Workers <= 0 || opts.Fetcher == nil {
		return tmpl, nil
	}

	fetcher := opts.Fetcher
	return resolver.PerTile(func(ctx context.Context, item tilebatch.Item) (tilebatch.Source, error) {
		data, err := fetcher.Fetch(ctx, tmpl.URL(item.Coord))
		if errors.Is(err, decode.ErrNotFound) {
			return tilebatch.Absent(), nil
		}
		if err != nil {
			return tilebatch.Source{}, err
		}
		return tilebatch.Buffer(data), nil
	}, opts.Workers), nil
}

func (s *Set) Get(layerID string) *Host {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hosts[layerID]
}

// List returns the hosts in catalog order.
func (s *Set) List() []*Host {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Host, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.hosts[id])
	}
	return out
}

// Close tears down every engine, completing their outstanding requests with
// tilebatch.ErrClosed, and then releases the layer resources.
func (s *Set) Close() error {
	s.mu.Lock()
	hosts := s.hosts
	s.hosts = make(map[string]*Host)
	s.order = nil
	s.mu.Unlock()

	var errs []error
	for id, h := range hosts {
		h.Engine.Close()
		for _, c := range h.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close layer %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}
