// Package metrics holds the Prometheus collectors exported by rawmig.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "rawmig"

// Collectors groups every rawmig collector so a single registry owns them.
type Collectors struct {
	BytesWritten     prometheus.Counter
	CloseErrors      prometheus.Counter
	Attempts         *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	DumpedPages      prometheus.Counter
	MigrationsActive prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and throwaway backends want.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_written_total",
			Help:      "Bytes written to raw migration descriptors.",
		}),
		CloseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "close_errors_total",
			Help:      "Failed durable closes of raw migration descriptors.",
		}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Migration attempts by direction (outgoing, incoming, dump).",
		}, []string{"direction"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed migration attempts by direction.",
		}, []string{"direction"}),
		DumpedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dump",
			Name:      "pages_total",
			Help:      "Pages exported by non-live device state dumps.",
		}),
		MigrationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migrations_active",
			Help:      "Outgoing migrations currently owned by the migrator.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.BytesWritten, c.CloseErrors, c.Attempts, c.Failures, c.DumpedPages, c.MigrationsActive)
	}
	return c
}

// Discard returns unregistered collectors.
func Discard() *Collectors {
	return New(nil)
}
