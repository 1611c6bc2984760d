package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/org/secretbroker/internal/storage"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "secretbroker_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "secretbroker_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	secretsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "secretbroker_secrets_total",
		Help: "Number of secrets by status.",
	}, []string{"status"})

	liveTokensTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "secretbroker_live_tokens_total",
		Help: "Number of proxy tokens that can currently resolve.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, secretsByStatus, liveTokensTotal)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}

// refreshGauges pulls resource counts from the store into the gauges.
func refreshGauges(ctx context.Context, store storage.Store) {
	counts, err := store.CountSecretsByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("secret count refresh failed")
	} else {
		secretsByStatus.Reset()
		for status, n := range counts {
			secretsByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	}
	tokens, err := store.CountLiveTokens(ctx, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("token count refresh failed")
		return
	}
	liveTokensTotal.Set(float64(tokens))
}
