package kad

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "dht"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of lookups run.
	Lookups metrics.Counter
	// Lookup duration in seconds.
	LookupDuration metrics.Histogram
	// Number of failed outbound RPCs.
	RPCFailures metrics.Counter
	// Number of inbound messages, by opcode.
	Inbound metrics.Counter
	// Number of contacts in the routing table.
	Contacts metrics.Gauge
	// Number of values held locally.
	Values metrics.Gauge
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
		Lookups: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "lookups",
			Help:      "Number of lookups run.",
		}, labels).With(labelsAndValues...),
		LookupDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "lookup_duration_seconds",
			Help:      "Lookup duration in seconds.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 12),
		}, labels).With(labelsAndValues...),
		RPCFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rpc_failures",
			Help:      "Number of failed outbound RPCs.",
		}, labels).With(labelsAndValues...),
		Inbound: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "inbound_messages",
			Help:      "Number of inbound messages.",
		}, append(labels, "op")).With(labelsAndValues...),
		Contacts: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "contacts",
			Help:      "Number of contacts in the routing table.",
		}, labels).With(labelsAndValues...),
		Values: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "values",
			Help:      "Number of values held locally.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Lookups:        discard.NewCounter(),
		LookupDuration: discard.NewHistogram(),
		RPCFailures:    discard.NewCounter(),
		Inbound:        discard.NewCounter(),
		Contacts:       discard.NewGauge(),
		Values:         discard.NewGauge(),
	}
}
