package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tilegate/internal/catalog"
	"tilegate/internal/config"
	"tilegate/internal/hosts"
	"tilegate/internal/metrics"
	"tilegate/internal/render"
	"tilegate/internal/tilebatch"
)

type Handlers struct {
	config    *config.Config
	logger    *zap.Logger
	hosts     *hosts.Set
	renderer  *render.Renderer
	collector *metrics.Collector
	gatherer  prometheus.Gatherer
}

func New(config *config.Config, logger *zap.Logger, set *hosts.Set, renderer *render.Renderer, collector *metrics.Collector, gatherer prometheus.Gatherer) *Handlers {
	return &Handlers{
		config:    config,
		logger:    logger,
		hosts:     set,
		renderer:  renderer,
		collector: collector,
		gatherer:  gatherer,
	}
}

// Router wires the API routes and middleware.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(h.RequestLoggingMiddleware)
	r.Use(h.MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.config.AllowedOrigins(),
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "If-None-Match"},
		ExposedHeaders: []string{"ETag", "X-Tile-Bytes"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.HandleHealthz)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/layers", func(r chi.Router) {
		r.Get("/", h.HandleLayers)
		r.Get("/{id}", h.HandleLayer)
		r.Get("/{id}/tiles/{z}/{x}/{y}.{ext}", h.HandleTile)
		r.Head("/{id}/tiles/{z}/{x}/{y}.{ext}", h.HandleTile)
	})

	return r
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

// MetricsMiddleware records every request under its chi route pattern, which
// keeps tile coordinates out of the label set.
func (h *Handlers) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.collector.HTTPRequest(r.Method, routePattern(r), ww.Status(), time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unmatched"
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type layerResponse struct {
	catalog.Layer
	Pending  int `json:"pending"`
	Inflight int `json:"inflight"`
}

func (h *Handlers) HandleLayers(w http.ResponseWriter, r *http.Request) {
	list := h.hosts.List()
	layers := make([]layerResponse, 0, len(list))
	for _, host := range list {
		layers = append(layers, describe(host))
	}
	writeJSON(w, layers)
}

func (h *Handlers) HandleLayer(w http.ResponseWriter, r *http.Request) {
	host := h.hosts.Get(chi.URLParam(r, "id"))
	if host == nil {
		http.Error(w, "layer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, describe(host))
}

func describe(host *hosts.Host) layerResponse {
	return layerResponse{
		Layer:    host.Layer,
		Pending:  host.Engine.Pending(),
		Inflight: host.Engine.Inflight(),
	}
}

func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	coord, err := parseTile(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	format := strings.ToLower(chi.URLParam(r, "ext"))
	switch format {
	case "png", "jpg", "jpeg", "webp", "gif":
	default:
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}
	if format == "jpg" {
		format = "jpeg"
	}

	layerID := chi.URLParam(r, "id")
	result, err := h.renderer.RenderTile(r.Context(), layerID, coord, format)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Warn("Failed to render tile",
				zap.String("layer", layerID),
				zap.Stringer("tile", coord),
				zap.String("outcome", tilebatch.Outcome(err)),
				zap.Error(err),
			)
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	etag := `"` + result.ETag + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=86400")

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(result.Size))
	w.Header().Set("X-Tile-Bytes", strconv.Itoa(result.Size))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(result.Data)
}

func parseTile(zs, xs, ys string) (tilebatch.Coordinate, error) {
	z, err := strconv.Atoi(zs)
	if err != nil {
		return tilebatch.Coordinate{}, errors.New("Invalid zoom level")
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return tilebatch.Coordinate{}, errors.New("Invalid x coordinate")
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return tilebatch.Coordinate{}, errors.New("Invalid y coordinate")
	}
	if z < 0 || x < 0 || y < 0 {
		return tilebatch.Coordinate{}, errors.New("Coordinates must be non-negative")
	}
	return tilebatch.Coordinate{X: x, Y: y, Z: z}, nil
}

// statusFor maps a tile failure onto the response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, render.ErrInvalidTile):
		return http.StatusBadRequest
	case errors.Is(err, render.ErrLayerNotFound),
		errors.Is(err, render.ErrOutOfRange),
		errors.Is(err, tilebatch.ErrUnmatched),
		errors.Is(err, tilebatch.ErrAbsent):
		return http.StatusNotFound
	case errors.Is(err, tilebatch.ErrDecode), errors.Is(err, tilebatch.ErrResolver):
		return http.StatusBadGateway
	case errors.Is(err, tilebatch.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, tilebatch.ErrCancelled), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
