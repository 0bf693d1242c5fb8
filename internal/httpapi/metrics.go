package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// serviceCollector is a pull-based prometheus.Collector: each Collect call
// reads the live state of the store/search/pipeline instead of mirroring it
// into package-level counters, so a scrape always reflects the moment it
// happened rather than whatever was last pushed.
type serviceCollector struct {
	svc *Service

	dbOpenConnections *prometheus.Desc
	dbInUse           *prometheus.Desc
	dbIdle            *prometheus.Desc
	dbWaitCount       *prometheus.Desc

	searchAggregationHits *prometheus.Desc
	searchKeywordHits     *prometheus.Desc
	searchVectorSearches  *prometheus.Desc
	searchCoalescedCalls  *prometheus.Desc
	searchErrors          *prometheus.Desc

	syncJobsActive *prometheus.Desc
}

func newServiceCollector(svc *Service) *serviceCollector {
	return &serviceCollector{
		svc:                   svc,
		dbOpenConnections:     prometheus.NewDesc("ragengine_db_open_connections", "Open database connections.", nil, nil),
		dbInUse:               prometheus.NewDesc("ragengine_db_in_use_connections", "Database connections currently in use.", nil, nil),
		dbIdle:                prometheus.NewDesc("ragengine_db_idle_connections", "Idle database connections.", nil, nil),
		dbWaitCount:           prometheus.NewDesc("ragengine_db_wait_count_total", "Total connections that waited for a free slot.", nil, nil),
		searchAggregationHits: prometheus.NewDesc("ragengine_search_aggregation_hits_total", "Queries answered by the aggregation shortcut.", nil, nil),
		searchKeywordHits:     prometheus.NewDesc("ragengine_search_keyword_hits_total", "Queries answered by the keyword fallback.", nil, nil),
		searchVectorSearches:  prometheus.NewDesc("ragengine_search_vector_searches_total", "Vector similarity searches executed.", nil, nil),
		searchCoalescedCalls:  prometheus.NewDesc("ragengine_search_coalesced_calls_total", "Concurrent identical queries coalesced via singleflight.", nil, nil),
		searchErrors:          prometheus.NewDesc("ragengine_search_errors_total", "Search operations that returned an error.", nil, nil),
		syncJobsActive:        prometheus.NewDesc("ragengine_sync_jobs_tracked", "Sync jobs currently tracked by the pipeline's job registry.", nil, nil),
	}
}

func (c *serviceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dbOpenConnections
	ch <- c.dbInUse
	ch <- c.dbIdle
	ch <- c.dbWaitCount
	ch <- c.searchAggregationHits
	ch <- c.searchKeywordHits
	ch <- c.searchVectorSearches
	ch <- c.searchCoalescedCalls
	ch <- c.searchErrors
	ch <- c.syncJobsActive
}

func (c *serviceCollector) Collect(ch chan<- prometheus.Metric) {
	if c.svc.store != nil {
		stats := c.svc.store.Stats()
		ch <- prometheus.MustNewConstMetric(c.dbOpenConnections, prometheus.GaugeValue, float64(stats.OpenConnections))
		ch <- prometheus.MustNewConstMetric(c.dbInUse, prometheus.GaugeValue, float64(stats.InUse))
		ch <- prometheus.MustNewConstMetric(c.dbIdle, prometheus.GaugeValue, float64(stats.Idle))
		ch <- prometheus.MustNewConstMetric(c.dbWaitCount, prometheus.CounterValue, float64(stats.WaitCount))
	}

	if c.svc.search != nil {
		stats := c.svc.search.Metrics()
		ch <- prometheus.MustNewConstMetric(c.searchAggregationHits, prometheus.CounterValue, float64(stats.AggregationHits))
		ch <- prometheus.MustNewConstMetric(c.searchKeywordHits, prometheus.CounterValue, float64(stats.KeywordHits))
		ch <- prometheus.MustNewConstMetric(c.searchVectorSearches, prometheus.CounterValue, float64(stats.VectorSearches))
		ch <- prometheus.MustNewConstMetric(c.searchCoalescedCalls, prometheus.CounterValue, float64(stats.CoalescedCalls))
		ch <- prometheus.MustNewConstMetric(c.searchErrors, prometheus.CounterValue, float64(stats.SearchErrors))
	}

	if c.svc.pipeline != nil {
		ch <- prometheus.MustNewConstMetric(c.syncJobsActive, prometheus.GaugeValue, float64(len(c.svc.pipeline.ListJobs())))
	}
}

// newMetricsRegistry builds a private prometheus.Registry (not the
// global DefaultRegisterer, so tests can build more than one Service in
// the same process) carrying serviceCollector's pull-based gauges, and
// bridges an OTel MeterProvider onto the same registry via the OTel
// Prometheus exporter — both surfaces scrape from one registry, one
// /metrics response.
func newMetricsRegistry(svc *Service) (*prometheus.Registry, *sdkmetric.MeterProvider, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newServiceCollector(svc))

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, fmt.Errorf("httpapi: build otel prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return reg, mp, nil
}

// requestMetrics records per-route HTTP request counts as an OTel
// instrument, bridged to the same Prometheus registry as
// serviceCollector's pull-based gauges.
type requestMetrics struct {
	requests metric.Int64Counter
}

func newRequestMetrics(mp metric.MeterProvider) (*requestMetrics, error) {
	meter := mp.Meter("github.com/atabot/ragengine/internal/httpapi")
	counter, err := meter.Int64Counter(
		"ragengine_http_requests_total",
		metric.WithDescription("HTTP requests completed, by route and status code."),
	)
	if err != nil {
		return nil, fmt.Errorf("httpapi: build request counter: %w", err)
	}
	return &requestMetrics{requests: counter}, nil
}

// Middleware counts one completed request per call, labelled by the
// matched chi route pattern (bounded cardinality) rather than the raw
// path.
func (m *requestMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		m.requests.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", pattern),
			attribute.Int("status", ww.Status()),
		))
	})
}

func metricsHandler(reg *prometheus.Registry) http.HandlerFunc {
	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return h.ServeHTTP
}
