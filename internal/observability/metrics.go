package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the execution core's Prometheus metrics.
//
// Tracked series:
//   - Stream hub health state and pending-tool-table size
//   - Tool execution counts by status
//   - Ralph iteration and struggle counts
//   - Memory store/search operations
type Metrics struct {
	// HubHealthState is the hub's health as a gauge.
	// 0=stopped, 1=recovering, 2=degraded, 3=healthy.
	HubHealthState prometheus.Gauge

	// HubPendingTools is the current size of the pending-tool table.
	HubPendingTools prometheus.Gauge

	// HubEventCounter counts published envelopes.
	// Labels: kind, source
	HubEventCounter *prometheus.CounterVec

	// ToolExecutionCounter counts terminal tool-history rows.
	// Labels: tool, status (completed|failed)
	ToolExecutionCounter *prometheus.CounterVec

	// RalphIterations counts completed Ralph iterations.
	// Labels: outcome (progress|no_changes)
	RalphIterations *prometheus.CounterVec

	// RalphStruggleDetected counts iterations that entered struggle.
	RalphStruggleDetected prometheus.Counter

	// MemoryOps counts memory operations.
	// Labels: op (store|search|retrieve), status (ok|error)
	MemoryOps *prometheus.CounterVec
}

// NewMetrics registers the core metric set on the given registerer.
// A nil registerer uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		HubHealthState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tandem_hub_health_state",
			Help: "Streaming hub health: 0=stopped 1=recovering 2=degraded 3=healthy.",
		}),
		HubPendingTools: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tandem_hub_pending_tools",
			Help: "Entries currently in the pending-tool table.",
		}),
		HubEventCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_hub_events_total",
			Help: "Envelopes published by the streaming hub.",
		}, []string{"kind", "source"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_tool_executions_total",
			Help: "Terminal tool-history rows by tool and status.",
		}, []string{"tool", "status"}),
		RalphIterations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_ralph_iterations_total",
			Help: "Completed Ralph iterations by outcome.",
		}, []string{"outcome"}),
		RalphStruggleDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "tandem_ralph_struggle_total",
			Help: "Ralph iterations that entered struggle.",
		}),
		MemoryOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tandem_memory_ops_total",
			Help: "Memory operations by kind and status.",
		}, []string{"op", "status"}),
	}
}

// SetHubHealth maps a health label onto the gauge encoding.
func (m *Metrics) SetHubHealth(health string) {
	if m == nil {
		return
	}
	var v float64
	switch health {
	case "recovering":
		v = 1
	case "degraded":
		v = 2
	case "healthy":
		v = 3
	}
	m.HubHealthState.Set(v)
}
