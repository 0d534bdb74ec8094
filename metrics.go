package redis

import "github.com/prometheus/client_golang/prometheus"

// Metrics is optional instrumentation: nil by default, never touched on
// the decode hot path. Pass a *Metrics to Options.Metrics/PubSubOptions.Metrics
// to observe reconnects and command volume from an embedding program's own
// registry.
type Metrics struct {
	Reconnects prometheus.Counter
	Commands   prometheus.Counter
}

// NewMetrics builds a Metrics whose counters are named under the given
// namespace. It does not register them: pass Reconnects and Commands to
// prometheus.Registerer.MustRegister.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Number of successful (re)connect attempts.",
		}),
		Commands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of commands written to the wire.",
		}),
	}
}

func (m *Metrics) reconnected() {
	if m != nil && m.Reconnects != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) commandSent(n int) {
	if m != nil && m.Commands != nil {
		m.Commands.Add(float64(n))
	}
}
