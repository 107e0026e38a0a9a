package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the coordinator's prometheus collectors. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	commands       *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	activeProducts prometheus.Gauge
	sensorUpdates  *prometheus.CounterVec
	portalRPC      *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bluse_commands_total",
			Help: "Lifecycle commands handled, by command and result.",
		}, []string{"command", "result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bluse_alerts_published_total",
			Help: "Alerts published on the alert bus, by event.",
		}, []string{"event"}),
		activeProducts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bluse_active_products",
			Help: "Data products currently configured.",
		}),
		sensorUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bluse_sensor_updates_total",
			Help: "Sensor updates received from the portal, by outcome.",
		}, []string{"result"}),
		portalRPC: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bluse_portal_rpc_seconds",
			Help:    "Latency of portal calls.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"method"}),
	}
	reg.MustRegister(m.commands, m.alerts, m.activeProducts, m.sensorUpdates, m.portalRPC)
	return m
}

func (m *Metrics) CommandHandled(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "fail"
	}
	m.commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) AlertPublished(event string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveProducts(n int) {
	if m == nil {
		return
	}
	m.activeProducts.Set(float64(n))
}

const (
	UpdateStored    = "stored"
	UpdateDiscarded = "discarded"
	UpdateFailed    = "failed"
)

func (m *Metrics) SensorUpdate(result string) {
	if m == nil {
		return
	}
	m.sensorUpdates.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePortalCall(method string, started time.Time) {
	if m == nil {
		return
	}
	m.portalRPC.WithLabelValues(method).Observe(time.Since(started).Seconds())
}
