package connpool

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is a subsystem shared by all metrics exposed by this
// package.
const MetricsSubsystem = "connpool"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of sockets dialed.
	Dials metrics.Counter
	// Number of failed dials.
	DialFailures metrics.Counter
	// Number of Take calls served by a pooled socket.
	Reuses metrics.Counter
	// Number of sockets found dead on Take or Return.
	Stale metrics.Counter
	// Number of pooled sockets closed by idle expiry.
	Expired metrics.Counter
	// Number of sockets idle in the pool.
	Idle metrics.Gauge
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library. Optionally, labels can be provided along with their values
// ("foo", "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Dials: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dials",
			Help:      "Number of sockets dialed.",
		}, labels).With(labelsAndValues...),
		DialFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dial_failures",
			Help:      "Number of failed dials.",
		}, labels).With(labelsAndValues...),
		Reuses: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reuses",
			Help:      "Number of takes served by a pooled socket.",
		}, labels).With(labelsAndValues...),
		Stale: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stale",
			Help:      "Number of sockets found dead on take or return.",
		}, labels).With(labelsAndValues...),
		Expired: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "expired",
			Help:      "Number of pooled sockets closed after idling.",
		}, labels).With(labelsAndValues...),
		Idle: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "idle",
			Help:      "Number of sockets idle in the pool.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Dials:        discard.NewCounter(),
		DialFailures: discard.NewCounter(),
		Reuses:       discard.NewCounter(),
		Stale:        discard.NewCounter(),
		Expired:      discard.NewCounter(),
		Idle:         discard.NewGauge(),
	}
}
