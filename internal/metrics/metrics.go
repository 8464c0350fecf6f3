package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tilegate/internal/cache"
	"tilegate/internal/tilebatch"
)

// Batch status label values.
const (
	statusOK    = "ok"
	statusError = "error"
)

// Collector holds the tile engine and HTTP metrics of one server.
type Collector struct {
	batchesTotal       *prometheus.CounterVec
	batchSize          *prometheus.HistogramVec
	batchDuration      *prometheus.HistogramVec
	requestsTotal      *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestSeconds *prometheus.HistogramVec
	cacheLookups       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilegate_batches_total",
				Help: "Total number of resolver batches, by layer and result.",
			},
			[]string{"layer", "status"},
		),
		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tilegate_batch_size",
				Help:    "Number of tile requests per dispatched batch.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"layer"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tilegate_batch_resolve_seconds",
				Help:    "Time from batch dispatch to resolver reply, in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"layer"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilegate_tile_requests_total",
				Help: "Total number of finished tile requests, by layer and outcome.",
			},
			[]string{"layer", "outcome"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilegate_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tilegate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilegate_tile_cache_lookups_total",
				Help: "Tile cache lookups, by result.",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		c.batchesTotal,
		c.batchSize,
		c.batchDuration,
		c.requestsTotal,
		c.httpRequestsTotal,
		c.httpRequestSeconds,
		c.cacheLookups,
	)

	c.cacheLookups.WithLabelValues("hit")
	c.cacheLookups.WithLabelValues("miss")
	return c
}

// ForLayer returns an engine observer that labels its samples with layer.
func (c *Collector) ForLayer(layer string) tilebatch.Observer {
	for _, status := range []string{statusOK, statusError} {
		c.batchesTotal.WithLabelValues(layer, status)
	}
	return &layerObserver{c: c, layer: layer}
}

// HTTPRequest records one served request under its route pattern. A nil
// Collector records nothing.
func (c *Collector) HTTPRequest(method, path string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	if status == 0 {
		status = 200
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestSeconds.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// WatchCache exports the tile cache occupancy, read at scrape time.
func (c *Collector) WatchCache(reg prometheus.Registerer, stats func() cache.Stats) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tilegate_tile_cache_entries",
			Help: "Number of encoded tiles held by the tile cache.",
		}, func() float64 { return float64(stats().Entries) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tilegate_tile_cache_bytes",
			Help: "Total size of the encoded tiles held by the tile cache.",
		}, func() float64 { return float64(stats().Bytes) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "tilegate_tile_cache_evictions_total",
			Help: "Tiles evicted from the tile cache.",
		}, func() float64 { return float64(stats().Evictions) }),
	)
}

type layerObserver struct {
	c     *Collector
	layer string
}

func (o *layerObserver) BatchDispatched(size int) {
	o.c.batchSize.WithLabelValues(o.layer).Observe(float64(size))
}

func (o *layerObserver) BatchResolved(_ int, elapsed time.Duration, err error) {
	status := statusOK
	if err != nil {
		status = statusError
	}
	o.c.batchesTotal.WithLabelValues(o.layer, status).Inc()
	o.c.batchDuration.WithLabelValues(o.layer).Observe(elapsed.Seconds())
}

func (o *layerObserver) RequestFinished(outcome string) {
	o.c.requestsTotal.WithLabelValues(o.layer, outcome).Inc()
}
