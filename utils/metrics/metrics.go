package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var registry = prometheus.NewRegistry()

// DefaultRegistry returns the process-wide registry served by Serve.
func DefaultRegistry() prometheus.Registerer {
	return registry
}

// ScanMetrics covers the detection cycle: scans, drops, latency and emitted
// opportunities by trigger source.
type ScanMetrics struct {
	ScansTotal      *prometheus.CounterVec
	DroppedTriggers *prometheus.CounterVec
	ScanLatency     prometheus.Histogram
	Opportunities   *prometheus.CounterVec
	ExecutionsTotal prometheus.Counter
	ExecutionErrors prometheus.Counter
}

// NewScanMetrics registers scan metrics on reg. A nil reg uses the
// process-wide registry.
func NewScanMetrics(namespace string, reg prometheus.Registerer) *ScanMetrics {
	if reg == nil {
		reg = registry
	}
	factory := promauto.With(reg)
	return &ScanMetrics{
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Total number of scan cycles by trigger source",
		}, []string{"trigger"}),
		DroppedTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_triggers_total",
			Help:      "Triggers dropped because a scan was already in flight",
		}, []string{"trigger"}),
		ScanLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_latency_seconds",
			Help:      "Scan cycle latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Opportunities: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_total",
			Help:      "Detected opportunities by kind",
		}, []string{"kind"}),
		ExecutionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Opportunities forwarded to the executor",
		}),
		ExecutionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_errors_total",
			Help:      "Executor failures",
		}),
	}
}

// RPCMetrics covers the endpoint pool and the batch aggregator.
type RPCMetrics struct {
	CallsTotal       prometheus.Counter
	CallErrors       *prometheus.CounterVec
	EndpointHealthy  *prometheus.GaugeVec
	EndpointFailures *prometheus.CounterVec
	BatchSize        prometheus.Histogram
	QuoteFailures    prometheus.Counter
	CallLatency      prometheus.Histogram
}

func NewRPCMetrics(namespace string, reg prometheus.Registerer) *RPCMetrics {
	if reg == nil {
		reg = registry
	}
	factory := promauto.With(reg)
	return &RPCMetrics{
		CallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Total RPC calls issued through the pool",
		}),
		CallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_call_errors_total",
			Help:      "RPC call errors by classification",
		}, []string{"kind"}),
		EndpointHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_healthy",
			Help:      "1 when the endpoint is healthy, 0 otherwise",
		}, []string{"endpoint"}),
		EndpointFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_failures_total",
			Help:      "Transport failures by endpoint",
		}, []string{"endpoint"}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of quote requests per multicall batch",
			Buckets:   prometheus.LinearBuckets(1, 5, 10),
		}),
		QuoteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_failures_total",
			Help:      "Individual quote calls that reverted on-chain",
		}),
		CallLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_latency_seconds",
			Help:      "RPC call latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

// PriceMetrics covers the resolver waterfall.
type PriceMetrics struct {
	Resolutions *prometheus.CounterVec
	Failures    prometheus.Counter
}

func NewPriceMetrics(namespace string, reg prometheus.Registerer) *PriceMetrics {
	if reg == nil {
		reg = registry
	}
	factory := promauto.With(reg)
	return &PriceMetrics{
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_resolutions_total",
			Help:      "Price resolutions by source",
		}, []string{"source"}),
		Failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_failures_total",
			Help:      "Symbols that could not be resolved to a USD price",
		}),
	}
}

// Serve exposes the process-wide registry over HTTP. Blocks; run in a
// goroutine.
func Serve(addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("Serving metrics", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}
