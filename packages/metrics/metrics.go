// Package metrics
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database queries in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_name"},
	)
	RecordsSeen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cotations_records_seen_total",
			Help: "Total number of route records consumed from the source.",
		},
	)
	RecordsKept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cotations_records_kept_total",
			Help: "Total number of route records that passed the filter.",
		},
	)
	Extractions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cotations_extractions_total",
			Help: "Total number of extraction attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	OracleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cotations_oracle_requests_total",
			Help: "Total number of oracle API requests, labeled by status code.",
		},
		[]string{"status_code"},
	)
	OracleCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cotations_oracle_call_duration_seconds",
			Help:    "Duration of oracle API calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	OracleCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cotations_oracle_cache_lookups_total",
			Help: "Total number of oracle cache lookups, labeled by result.",
		},
		[]string{"result"},
	)
	LastProcessedID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cotations_last_processed_route_id",
			Help: "The last route id attempted, to track batch progress.",
		},
	)
)

func init() {
	prometheus.MustRegister(DBQueryDuration)
	prometheus.MustRegister(RecordsSeen)
	prometheus.MustRegister(RecordsKept)
	prometheus.MustRegister(Extractions)
	prometheus.MustRegister(OracleRequests)
	prometheus.MustRegister(OracleCallDuration)
	prometheus.MustRegister(OracleCacheLookups)
	prometheus.MustRegister(LastProcessedID)
}

// Serve exposes /metrics on addr until ctx is cancelled, then shuts the
// listener down gracefully.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Exposing Prometheus metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
