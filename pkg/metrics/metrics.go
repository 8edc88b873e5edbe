package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Configuration metrics
	HostsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nvmetd_hosts_total",
			Help: "Total number of configured hosts",
		},
	)

	PortsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvmetd_ports_total",
			Help: "Total number of ports by transport and state",
		},
		[]string{"trtype", "state"},
	)

	SubsystemsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nvmetd_subsystems_total",
			Help: "Total number of subsystems",
		},
	)

	NamespacesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvmetd_namespaces_total",
			Help: "Total number of namespaces by device type and state",
		},
		[]string{"device_type", "state"},
	)

	// Target metrics
	ServiceRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nvmetd_service_running",
			Help: "Whether the NVMe-oF target is running (1 = running, 0 = stopped)",
		},
	)

	RenderOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmetd_render_operations_total",
			Help: "Total number of target objects changed by backend, stage and operation",
		},
		[]string{"backend", "stage", "op"},
	)

	RenderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmetd_render_errors_total",
			Help: "Total number of failed renders by backend",
		},
		[]string{"backend"},
	)

	RenderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nvmetd_render_duration_seconds",
			Help:    "Time taken to render the configuration into the target",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmetd_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles by trigger",
		},
		[]string{"trigger"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nvmetd_reconciliation_duration_seconds",
			Help:    "Time taken by a reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmetd_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nvmetd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(PortsTotal)
	prometheus.MustRegister(SubsystemsTotal)
	prometheus.MustRegister(NamespacesTotal)
	prometheus.MustRegister(ServiceRunning)
	prometheus.MustRegister(RenderOperationsTotal)
	prometheus.MustRegister(RenderErrorsTotal)
	prometheus.MustRegister(RenderDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordStage counts the objects a render stage added, updated and removed
func RecordStage(backend, stage string, added, updated, removed int) {
	if added > 0 {
		RenderOperationsTotal.WithLabelValues(backend, stage, "add").Add(float64(added))
	}
	if updated > 0 {
		RenderOperationsTotal.WithLabelValues(backend, stage, "update").Add(float64(updated))
	}
	if removed > 0 {
		RenderOperationsTotal.WithLabelValues(backend, stage, "remove").Add(float64(removed))
	}
}
