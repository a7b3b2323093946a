// Package metrics exports simulator counters and gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KevinKickass/OpenMachineSim/internal/devices"
	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
	"github.com/KevinKickass/OpenMachineSim/internal/ports"
)

const namespace = "simengine"

// Metrics holds every simulator metric on a private registry. It observes
// device runtimes through devices.Observer.
type Metrics struct {
	registry *prometheus.Registry

	ticks         *prometheus.CounterVec // by protocol
	publishErrors *prometheus.CounterVec // by protocol
	transitions   *prometheus.CounterVec // by protocol and target status
	devices       *prometheus.GaugeVec   // by protocol and status
	portsUsed     *prometheus.GaugeVec   // by protocol
	portsTotal    *prometheus.GaugeVec   // by protocol
	health        prometheus.Gauge
	brokerClients prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "ticks_total",
			Help:      "Total number of simulation ticks",
		}, []string{"protocol"}),

		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "publish_errors_total",
			Help:      "Total number of failed telemetry publishes",
		}, []string{"protocol"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "status_transitions_total",
			Help:      "Total number of device lifecycle transitions by target status",
		}, []string{"protocol", "status"}),

		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "count",
			Help:      "Number of devices per lifecycle status",
		}, []string{"protocol", "status"}),

		portsUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "used",
			Help:      "Allocated ports per protocol pool",
		}, []string{"protocol"}),

		portsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "total",
			Help:      "Size of each protocol port pool",
		}, []string{"protocol"}),

		health: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_percent",
			Help:      "Share of devices in RUNNING",
		}),

		brokerClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "broker_clients",
			Help:      "Clients connected to the embedded MQTT broker",
		}),
	}

	m.registry.MustRegister(
		m.ticks,
		m.publishErrors,
		m.transitions,
		m.devices,
		m.portsUsed,
		m.portsTotal,
		m.health,
		m.brokerClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) OnTick(cfg *devices.Config, _ *patterns.Telemetry, err error) {
	protocol := string(cfg.Protocol)
	m.ticks.WithLabelValues(protocol).Inc()
	if err != nil {
		m.publishErrors.WithLabelValues(protocol).Inc()
	}
}

func (m *Metrics) OnStatus(cfg *devices.Config, from, to devices.Status) {
	protocol := string(cfg.Protocol)
	m.transitions.WithLabelValues(protocol, to.String()).Inc()
	m.devices.WithLabelValues(protocol, from.String()).Dec()
	m.devices.WithLabelValues(protocol, to.String()).Inc()
}

// DeviceCreated counts a device in CREATED; runtimes do not report their
// initial status.
func (m *Metrics) DeviceCreated(protocol ports.Family) {
	m.devices.WithLabelValues(string(protocol), devices.StatusCreated.String()).Inc()
}

func (m *Metrics) SetPortUtilization(family ports.Family, u ports.Utilization) {
	m.portsUsed.WithLabelValues(string(family)).Set(float64(u.Used))
	m.portsTotal.WithLabelValues(string(family)).Set(float64(u.Total))
}

func (m *Metrics) SetHealth(percent float64) { m.health.Set(percent) }

func (m *Metrics) SetBrokerClients(n int64) { m.brokerClients.Set(float64(n)) }
