package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsCollector struct {
	registry             *prometheus.Registry
	distributions        *prometheus.CounterVec
	distributedAmount    *prometheus.CounterVec
	undistributedAmount  prometheus.Counter
	distributionDuration *prometheus.HistogramVec
	statusTransitions    *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	payerBalance         prometheus.Histogram
	logger               *slog.Logger
}

func NewMetricsCollector(logger *slog.Logger) *MetricsCollector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	collector := &MetricsCollector{
		registry: registry,
		distributions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_distributions_total",
			Help: "Total number of payment distributions by type and outcome",
		}, []string{"type", "outcome"}),
		distributedAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_distributed_amount_total",
			Help: "Total amount moved from payers to funders",
		}, []string{"type"}),
		undistributedAmount: factory.NewCounter(prometheus.CounterOpts{
			Name: "loan_undistributed_amount_total",
			Help: "Total rounding residual left unallocated by distributions",
		}),
		distributionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loan_distribution_duration_seconds",
			Help:    "Time taken to apply a payment, including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		statusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loan_status_transitions_total",
			Help: "Total number of persisted loan status changes",
		}, []string{"from", "to"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "code"}),
		payerBalance: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "payer_watershed_balance",
			Help:    "Payer watershed balance left after a distribution",
			Buckets: []float64{0, 10, 50, 100, 500, 1000, 5000, 10000},
		}),
		logger: logger,
	}

	return collector
}

func (m *MetricsCollector) RecordDistribution(paymentType, outcome string, actual, undistributed float64, duration time.Duration) {
	m.distributions.WithLabelValues(paymentType, outcome).Inc()
	m.distributionDuration.WithLabelValues(paymentType).Observe(duration.Seconds())
	if actual > 0 {
		m.distributedAmount.WithLabelValues(paymentType).Add(actual)
	}
	if undistributed > 0 {
		m.undistributedAmount.Add(undistributed)
	}
}

func (m *MetricsCollector) RecordTransition(from, to string) {
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

// ObservePayerBalance records a balance without identifying the account.
func (m *MetricsCollector) ObservePayerBalance(balance float64) {
	m.payerBalance.Observe(balance)
}

func (m *MetricsCollector) RecordRequest(route string, code int, duration time.Duration) {
	m.requestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(duration.Seconds())
}

func (m *MetricsCollector) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsCollector) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.GetHandler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Starting metrics server", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return server
}

func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	m.logger.Info("Metrics collector shutdown complete")
	return nil
}
