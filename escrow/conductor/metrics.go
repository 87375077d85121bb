package conductor

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"poolmachine/messaging/events"
	"poolmachine/poolmachine"
)

// Metrics is the engine's prometheus collector set, served by the relay on /metrics.
type Metrics struct {
	registry     *prometheus.Registry
	commands     *prometheus.CounterVec
	events       *prometheus.CounterVec
	poolsCreated prometheus.Counter
	pools        *prometheus.GaugeVec
	escrow       *prometheus.GaugeVec
	paused       prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "poolmachine"
	}
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conductor",
			Name:      "commands_total",
			Help:      "Signed commands handled, by command and outcome",
		},
		[]string{"command", "outcome"},
	)
	m.events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Lifecycle events emitted, by kind",
		},
		[]string{"kind"},
	)
	m.poolsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "factory",
		Name:      "pools_created_total",
		Help:      "Pools created since start",
	})
	m.pools = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pools",
			Help:      "Pools by lifecycle status",
		},
		[]string{"status"},
	)
	m.escrow = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "escrow",
			Help:      "Escrow held across all pools, in minor units",
		},
		[]string{"currency"},
	)
	m.paused = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "conductor",
		Name:      "paused",
		Help:      "1 while the emergency pause is set",
	})
	m.registry.MustRegister(m.commands, m.events, m.poolsCreated, m.pools, m.escrow, m.paused)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Emit counts events; the engine fans every event out to its metrics.
func (m *Metrics) Emit(e events.Event) {
	m.events.WithLabelValues(e.Kind.String()).Inc()
}

func (m *Metrics) command(name string, err error) {
	outcome := "ok"
	if err != nil {
		var e *poolmachine.Error
		if errors.As(err, &e) {
			outcome = e.Reason
		} else {
			outcome = "error"
		}
	}
	m.commands.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) setPaused(paused bool) {
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}
