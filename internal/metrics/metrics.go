// Package metrics exposes the prometheus counters/gauges the manager
// updates as it dispatches frames and tracks deliveries. REST exposure of
// the registry (the /metrics HTTP endpoint) is external-collaborator
// territory; this package only owns the instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every instrument the core touches. Callers needing a
// custom prometheus.Registerer (tests, multiple bridges in one process) use
// NewRegistry; production wiring in cmd/meshd registers into the default
// registry via MustRegisterDefault.
type Registry struct {
	FramesDecoded       *prometheus.CounterVec
	DispatchErrors      *prometheus.CounterVec
	DeliveryTransitions *prometheus.CounterVec
	SchedulerTicks      *prometheus.CounterVec
	ActiveNodes         prometheus.Gauge
}

// NewRegistry constructs a fresh set of instruments and registers them into
// reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshd",
			Name:      "frames_decoded_total",
			Help:      "FromRadio frames successfully decoded, by top-level variant.",
		}, []string{"variant"}),
		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshd",
			Name:      "dispatch_errors_total",
			Help:      "Errors encountered while dispatching inbound frames, by stage.",
		}, []string{"stage"}),
		DeliveryTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshd",
			Name:      "delivery_transitions_total",
			Help:      "Outbound message delivery state transitions.",
		}, []string{"state"}),
		SchedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshd",
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler fires, by scheduler name.",
		}, []string{"scheduler"}),
		ActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshd",
			Name:      "active_nodes",
			Help:      "Number of nodes heard from within the active-node window.",
		}),
	}
	reg.MustRegister(r.FramesDecoded, r.DispatchErrors, r.DeliveryTransitions, r.SchedulerTicks, r.ActiveNodes)
	return r
}

// MustRegisterDefault builds a Registry registered into prometheus's global
// default registerer, for the common single-bridge-per-process case.
func MustRegisterDefault() *Registry {
	return NewRegistry(prometheus.DefaultRegisterer)
}
