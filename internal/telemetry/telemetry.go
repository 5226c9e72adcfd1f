// Package telemetry owns the prometheus registry and the small HTTP
// listener that exposes it.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics bundles every instrument the pipeline components record
// into. It is constructed once and passed explicitly; there is no
// package-level registry.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec // venue, conn_kind
	ThrottledTotal  *prometheus.CounterVec // venue, conn_kind
	TransientTotal  *prometheus.CounterVec // venue, conn_kind
	WSReconnects    *prometheus.CounterVec // venue, channel
	WSFramesTotal   *prometheus.CounterVec // venue, channel
	RowsUpserted    *prometheus.CounterVec // table
	ChunkFailures   *prometheus.CounterVec // table
	BucketFlushes   prometheus.Counter
	BucketsInFlight prometheus.Gauge
}

// New builds a registry with the pipeline instruments plus the standard
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpflow_http_requests_total",
			Help: "REST requests issued, by venue and connection kind.",
		}, []string{"venue", "conn_kind"}),
		ThrottledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpflow_http_throttled_total",
			Help: "Throttle responses (429/418/5xx), by venue and connection kind.",
		}, []string{"venue", "conn_kind"}),
		TransientTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpflow_http_transient_total",
			Help: "Transient failures retried, by venue and connection kind.",
		}, []string{"venue", "conn_kind"}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpflow_ws_reconnects_total",
			Help: "WebSocket reconnect attempts, by venue and channel.",
		}, []string{"venue", "channel"}),
		WSFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpflow_ws_frames_total",
			Help: "Data frames accepted, by venue and channel.",
		}, []string{"venue", "channel"}),
		RowsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpflow_rows_upserted_total",
			Help: "Rows written through the storage gateway, by table.",
		}, []string{"table"}),
		ChunkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpflow_chunk_failures_total",
			Help: "Upsert chunks that failed after retry, by table.",
		}, []string{"table"}),
		BucketFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpflow_bucket_flushes_total",
			Help: "Minute-bucket flush cycles completed.",
		}),
		BucketsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perpflow_buckets_in_flight",
			Help: "Open minute buckets awaiting flush.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.ThrottledTotal, m.TransientTotal,
		m.WSReconnects, m.WSFramesTotal,
		m.RowsUpserted, m.ChunkFailures,
		m.BucketFlushes, m.BucketsInFlight,
	)
	return m
}

// Serve runs the /metrics and /healthz listener until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("metrics listener shutdown")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
