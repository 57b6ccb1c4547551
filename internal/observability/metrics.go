// Package observability provides Prometheus metrics for the safety core.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "futures_guard"

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Lifecycle metrics
	LifecycleState  prometheus.Gauge
	LoopIterations  *prometheus.CounterVec
	LoopPanics      *prometheus.CounterVec
	EntriesOpened   *prometheus.CounterVec
	TimeExitsClosed prometheus.Counter
	OpenPositions   prometheus.Gauge

	// Safety metrics
	BreakerActive    prometheus.Gauge
	BreakerTrips     prometheus.Counter
	AutoHeals        *prometheus.CounterVec
	HeartbeatAge     *prometheus.GaugeVec
	EmergencyActions *prometheus.CounterVec

	// Capital metrics
	WalletBalance  prometheus.Gauge
	MarginUsedPct  prometheus.Gauge
	UnrealizedPnL  prometheus.Gauge
	CapitalStatus  prometheus.Gauge
	CapitalFetches *prometheus.CounterVec

	// Resource metrics
	MemoryMB    prometheus.Gauge
	CPUPercent  prometheus.Gauge
	DiskPercent prometheus.Gauge

	// Reconciliation metrics
	ReconcileRuns   *prometheus.CounterVec
	ReconcileClosed *prometheus.CounterVec

	// Broker metrics
	BrokerCalls       *prometheus.CounterVec
	BrokerCallLatency *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics registers every metric on reg. A nil reg gets a fresh private
// registry, which keeps tests independent of each other.
func NewMetrics(reg *prometheus.Registry, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Lifecycle metrics
		LifecycleState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "state",
			Help:      "Bot lifecycle state (0 stopped, 1 running, 2 paused)",
		}),
		LoopIterations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "loop_iterations_total",
			Help:      "Loop iterations by loop and result",
		}, []string{"loop", "result"}),
		LoopPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "loop_panics_total",
			Help:      "Recovered panics by loop",
		}, []string{"loop"}),
		EntriesOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "entries_opened_total",
			Help:      "Positions opened by source loop",
		}, []string{"source"}),
		TimeExitsClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "time_exits_total",
			Help:      "Positions closed for exceeding the maximum hold time",
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "open_positions",
			Help:      "Open ledger position records",
		}),

		// Safety metrics
		BreakerActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "circuit_breaker_active",
			Help:      "1 while the circuit breaker is active",
		}),
		BreakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "circuit_breaker_trips_total",
			Help:      "Circuit breaker activations",
		}),
		AutoHeals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "auto_heals_total",
			Help:      "Auto-heal attempts by result",
		}, []string{"result"}),
		HeartbeatAge: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "heartbeat_age_seconds",
			Help:      "Seconds since the last heartbeat by component",
		}, []string{"component"}),
		EmergencyActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "emergency_actions_total",
			Help:      "Emergency actions by action and result",
		}, []string{"action", "result"}),

		// Capital metrics
		WalletBalance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capital",
			Name:      "wallet_balance",
			Help:      "Wallet balance in settlement currency",
		}),
		MarginUsedPct: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capital",
			Name:      "margin_used_percent",
			Help:      "Margin used as percent of wallet",
		}),
		UnrealizedPnL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capital",
			Name:      "unrealized_pnl",
			Help:      "Unrealized pnl in settlement currency",
		}),
		CapitalStatus: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capital",
			Name:      "status",
			Help:      "Capital status (0 healthy, 1 warning, 2 critical, 3 emergency)",
		}),
		CapitalFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capital",
			Name:      "fetches_total",
			Help:      "Account snapshot lookups by source (cache, broker, error)",
		}, []string{"source"}),

		// Resource metrics
		MemoryMB: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resources",
			Name:      "memory_mb",
			Help:      "Resident memory of the process in MB",
		}),
		CPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resources",
			Name:      "cpu_percent",
			Help:      "Process CPU usage percent",
		}),
		DiskPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resources",
			Name:      "disk_percent",
			Help:      "Disk usage percent of the data volume",
		}),

		// Reconciliation metrics
		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by mode and result",
		}, []string{"mode", "result"}),
		ReconcileClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "closed_total",
			Help:      "Ledger records closed by reconciliation",
		}, []string{"reason"}),

		// Broker metrics
		BrokerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "calls_total",
			Help:      "Broker calls by method and result",
		}, []string{"method", "result"}),
		BrokerCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "call_latency_seconds",
			Help:      "Broker call latency in seconds including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// NewNopMetrics returns metrics registered on a throwaway registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(nil, "")
}

// Registry exposes the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
