package middleware

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vango-dev/sockchain/pkg/server"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "sockchain").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for activation duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "sockchain",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors shared by every connection.
type Metrics struct {
	activationsTotal   *prometheus.CounterVec
	activationDuration *prometheus.HistogramVec
	activationErrors   *prometheus.CounterVec
	messageBytes       *prometheus.HistogramVec
	activeConnections  prometheus.Gauge
}

// activeKey marks a connection counted in activeConnections by one Metrics.
type activeKey struct{ m *Metrics }

// Activation status label values.
const (
	statusOK      = "ok"
	statusError   = "error"
	statusAborted = "aborted"
)

// NewMetrics creates and registers the collectors. Registering twice on the
// same registry panics; use Prometheus to share one set per registry.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		activationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "activations_total",
			Help:        "Total number of chain activations by kind and outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"activation", "status"}),

		activationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "activation_duration_seconds",
			Help:        "Time spent in the middleware chain per activation",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"activation"}),

		activationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "activation_errors_total",
			Help:        "Total number of failed activations by error category",
			ConstLabels: config.ConstLabels,
		}, []string{"activation", "error_type"}),

		messageBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "message_bytes",
			Help:        "Size of inbound messages in bytes",
			ConstLabels: config.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(16, 4, 8), // 16B to 256KB
		}, []string{"kind"}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of connections between their connection and closing activations",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// sharedKey identifies one set of collectors. Metric names derive from the
// namespace and subsystem, so those are part of the key.
type sharedKey struct {
	registry  prometheus.Registerer
	namespace string
	subsystem string
}

var (
	sharedMetricsMu sync.Mutex
	sharedMetrics   = map[sharedKey]*Metrics{}
)

// Prometheus creates middleware that collects Prometheus metrics for every
// activation. Calls with the same registry, namespace and subsystem share one
// set of collectors; the buckets and constant labels of the first such call
// apply to all of them.
//
// Metrics collected:
//   - sockchain_activations_total: activations by kind and status (ok, error, aborted)
//   - sockchain_activation_duration_seconds: chain duration by kind
//   - sockchain_activation_errors_total: failures by kind and error category
//   - sockchain_message_bytes: inbound message sizes by frame type
//   - sockchain_active_connections: currently open connections
//
// Register it first so Done in a later handler cannot hide activations:
//
//	srv.Use(middleware.Prometheus())
//	r.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) server.Middleware {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	sharedMetricsMu.Lock()
	key := sharedKey{registry: config.Registry, namespace: config.Namespace, subsystem: config.Subsystem}
	m, ok := sharedMetrics[key]
	if !ok {
		m = NewMetrics(opts...)
		sharedMetrics[key] = m
	}
	sharedMetricsMu.Unlock()

	return m.Middleware()
}

// Middleware returns the middleware that feeds m.
func (m *Metrics) Middleware() server.Middleware {
	return server.MiddlewareFunc(func(ctx *server.Ctx, next func() error) error {
		activation := ctx.Activation().String()

		switch ctx.Activation() {
		case server.ActivationConnection:
			m.activeConnections.Inc()
			ctx.Set(activeKey{m}, true)
		case server.ActivationClosing:
			// Connections opened before this middleware was added were never
			// counted.
			if ctx.Get(activeKey{m}) != nil {
				ctx.Delete(activeKey{m})
				m.activeConnections.Dec()
			}
		case server.ActivationMessage:
			m.messageBytes.WithLabelValues(ctx.MessageKind().String()).Observe(float64(len(ctx.Payload())))
		}

		start := time.Now()
		settled := false
		defer func() {
			if settled {
				return
			}
			// next panicked, either through Ctx.Throw or a handler bug.
			m.activationDuration.WithLabelValues(activation).Observe(time.Since(start).Seconds())
			m.activationsTotal.WithLabelValues(activation, statusAborted).Inc()
			m.activationErrors.WithLabelValues(activation, "panic").Inc()
		}()

		err := next()
		settled = true

		m.activationDuration.WithLabelValues(activation).Observe(time.Since(start).Seconds())
		status := statusOK
		if err != nil {
			status = statusError
			m.activationErrors.WithLabelValues(activation, categorizeError(err)).Inc()
		}
		m.activationsTotal.WithLabelValues(activation, status).Inc()
		return err
	})
}

// categorizeError maps an error to a low-cardinality label value.
func categorizeError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, server.ErrConnectionClosed):
		return "closed"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "rate limit"):
		return "rate_limit"
	case strings.Contains(msg, "unauthorized"):
		return "unauthorized"
	case strings.Contains(msg, "forbidden"):
		return "forbidden"
	case strings.Contains(msg, "validation"), strings.Contains(msg, "invalid"):
		return "validation"
	default:
		return "internal"
	}
}
