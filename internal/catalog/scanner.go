package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilegate/internal/resolver"
)

// layerNamespace scopes the name-based layer IDs.
var layerNamespace = uuid.MustParse("6f1c3a52-8d0e-4c1b-9d0a-3e5b7c2a9f11")

type Layer struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Filename        string `json:"filename,omitempty"`
	URLTemplate     string `json:"url_template,omitempty"`
	Format          string `json:"format"`
	MinZoom         int    `json:"min_zoom"`
	MaxZoom         int    `json:"max_zoom"`
	Attribution     string `json:"attribution,omitempty"`
	AttributionLink string `json:"attribution_link,omitempty"`
	Bytes           int64  `json:"bytes,omitempty"`
}

// IsRemote reports whether the layer is served from a URL template rather
// than a local tileset.
func (l Layer) IsRemote() bool {
	return l.Filename == ""
}

// overrides is the optional <basename>.json sidecar next to a tileset.
type overrides struct {
	Name            string `json:"name"`
	Attribution     string `json:"attribution"`
	AttributionLink string `json:"attribution_link"`
	MinZoom         *int   `json:"min_zoom"`
	MaxZoom         *int   `json:"max_zoom"`
}

type Scanner struct {
	dataDir string
	logger  *zap.Logger

	mu     sync.RWMutex
	layers []Layer
	remote []Layer
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		logger:  logger,
		layers:  []Layer{},
	}
}

// LayerID derives a stable identifier from a tileset file name or template.
func LayerID(name string) string {
	return uuid.NewSHA1(layerNamespace, []byte(name)).String()
}

// AddRemote registers a URL template layer. It survives rescans.
func (s *Scanner) AddRemote(name, template string, minZoom, maxZoom int) Layer {
	layer := Layer{
		ID:          LayerID(template),
		Name:        name,
		URLTemplate: template,
		Format:      formatFromTemplate(template),
		MinZoom:     minZoom,
		MaxZoom:     maxZoom,
	}

	s.mu.Lock()
	s.remote = append(s.remote, layer)
	s.mu.Unlock()
	return layer
}

func (s *Scanner) Scan() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	layers := []Layer{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".mbtiles" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		layer, err := s.scanTileset(path, info)
		if err != nil {
			s.logger.Warn("Failed to scan tileset", zap.String("path", path), zap.Error(err))
			continue
		}

		basename := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		jsonPath := s.getFilePath(basename + ".json")
		if _, err := os.Stat(jsonPath); err == nil {
			ov, err := s.loadOverrides(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load layer overrides, ignoring", zap.String("json_path", jsonPath), zap.Error(err))
			} else {
				ov.apply(layer)
			}
		}

		layers = append(layers, *layer)
	}

	s.mu.Lock()
	s.layers = layers
	s.mu.Unlock()

	s.logger.Info("Scanned tilesets", zap.String("data_dir", s.dataDir), zap.Int("layers", len(layers)))
	return nil
}

func (s *Scanner) scanTileset(path string, info os.FileInfo) (*Layer, error) {
	tileset, err := resolver.OpenMBTiles(path, s.logger)
	if err != nil {
		return nil, err
	}
	defer tileset.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	meta, err := tileset.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	name := meta["name"]
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &Layer{
		ID:          LayerID(filepath.Base(path)),
		Name:        name,
		Filename:    filepath.Base(path),
		Format:      orDefault(meta["format"], "png"),
		MinZoom:     atoiOr(meta["minzoom"], 0),
		MaxZoom:     atoiOr(meta["maxzoom"], 22),
		Attribution: meta["attribution"],
		Bytes:       info.Size(),
	}, nil
}

func (s *Scanner) GetLayers() []Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Layer, 0, len(s.layers)+len(s.remote))
	out = append(out, s.layers...)
	return append(out, s.remote...)
}

func (s *Scanner) GetLayerByID(id string) *Layer {
	for _, layer := range s.GetLayers() {
		if layer.ID == id {
			return &layer
		}
	}
	return nil
}

func (s *Scanner) GetLayerPath(layer Layer) string {
	if layer.IsRemote() {
		return ""
	}
	return s.getFilePath(layer.Filename)
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadOverrides(path string) (*overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ov overrides
	if err := json.Unmarshal(data, &ov); err != nil {
		return nil, fmt.Errorf("failed to parse overrides: %w", err)
	}
	return &ov, nil
}

func (o *overrides) apply(layer *Layer) {
	if o.Name != "" {
		layer.Name = o.Name
	}
	if o.Attribution != "" {
		layer.Attribution = o.Attribution
	}
	if o.AttributionLink != "" {
		layer.AttributionLink = o.AttributionLink
	}
	if o.MinZoom != nil {
		layer.MinZoom = *o.MinZoom
	}
	if o.MaxZoom != nil {
		layer.MaxZoom = *o.MaxZoom
	}
}

func formatFromTemplate(template string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(template)), ".")
	switch ext {
	case "jpg", "jpeg", "png", "webp":
		return ext
	default:
		return "png"
	}
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func atoiOr(value string, def int) int {
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return def
}
