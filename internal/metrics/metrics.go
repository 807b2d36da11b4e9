// Package metrics exposes daemon counters both as a Prometheus registry for
// the HTTP surface and as a flat snapshot for the METRICS wire query.
package metrics

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relaymesh/agent-relay/pkg/wire"
	"github.com/shirou/gopsutil/v3/process"
)

type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	MessagesRouted    *prometheus.CounterVec // by resolution: unicast|broadcast|channel|stored
	DeliveriesTracked prometheus.Counter
	DeliveriesAcked   prometheus.Counter
	DeliveriesFailed  prometheus.Counter
	Retransmits       prometheus.Counter
	FramesRejected    prometheus.Counter
	ShadowCopies      prometheus.Counter
	ConnectedAgents   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_routed_total",
			Help:      "Messages accepted by the router, by resolution outcome.",
		}, []string{"resolution"}),
		DeliveriesTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_tracked_total",
			Help:      "DELIVER envelopes handed to the tracker.",
		}),
		DeliveriesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_acked_total",
			Help:      "Tracked deliveries cleared by an ACK.",
		}),
		DeliveriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "deliveries_failed_total",
			Help:      "Tracked deliveries dropped after attempts or TTL ran out.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "retransmits_total",
			Help:      "DELIVER envelopes resent after an ACK timeout.",
		}),
		FramesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "frames_rejected_total",
			Help:      "Inbound frames dropped as oversized or malformed.",
		}),
		ShadowCopies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "shadow_copies_total",
			Help:      "DELIVER duplicates fanned out to shadow observers.",
		}),
		ConnectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connected_agents",
			Help:      "Currently connected agent identities.",
		}),
	}

	m.registry.MustRegister(
		m.MessagesRouted,
		m.DeliveriesTracked,
		m.DeliveriesAcked,
		m.DeliveriesFailed,
		m.Retransmits,
		m.FramesRejected,
		m.ShadowCopies,
		m.ConnectedAgents,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot flattens the registry into counter-name -> value for the METRICS
// wire query.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			name := family.GetName()
			for _, label := range metric.GetLabel() {
				name += "{" + label.GetName() + "=" + label.GetValue() + "}"
			}
			switch {
			case metric.Counter != nil:
				out[name] = metric.Counter.GetValue()
			case metric.Gauge != nil:
				out[name] = metric.Gauge.GetValue()
			}
		}
	}
	return out, nil
}

// Health reports process-level vitals for the HEALTH wire query.
func (m *Metrics) Health(agents int) wire.HealthResult {
	result := wire.HealthResult{
		OK:         true,
		UptimeMs:   time.Since(m.started).Milliseconds(),
		Agents:     agents,
		Goroutines: runtime.NumGoroutine(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return result
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		result.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		result.CPUPercent = cpu
	}
	return result
}

// Uptime is exposed for the STATUS query.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.started)
}
