// Package obsmetrics exposes Prometheus gauges and counters for the
// dispatcher, registry, and workflow engine, the way the teacher's stack
// carries client_golang as a direct dependency without ever wiring it to a
// concrete collector of its own. Rather than threading a metrics
// dependency through three unrelated packages, Collector subscribes to the
// EventBus the same way internal/eventbus.Hub does for its WebSocket
// push-gateway consumers — a second, metrics-flavored subscriber on the
// same bus, updating gauges/counters off the event stream instead of
// polling internal package state.
package obsmetrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orbitmesh/orbitmesh/internal/eventbus"
)

// Collector owns the metric set and the bus subscription that feeds it.
type Collector struct {
	bus *eventbus.Bus
	reg *prometheus.Registry

	agentsByStatus    *prometheus.GaugeVec
	jobsInFlight      prometheus.Gauge
	jobsTotal         *prometheus.CounterVec
	workflowInstances *prometheus.GaugeVec
	workflowSteps     prometheus.Counter
	protocolErrors    prometheus.Counter
}

// New constructs a Collector registered against its own Registry, so the
// administrative API's /metrics handler serves exactly these series rather
// than the global default registry's process/Go runtime noise as well —
// callers that want the runtime collectors can register them explicitly.
func New(bus *eventbus.Bus) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		bus: bus,
		reg: reg,
		agentsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orbitmesh",
			Subsystem: "registry",
			Name:      "agents",
			Help:      "Number of registered agents by status.",
		}, []string{"status"}),
		jobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orbitmesh",
			Subsystem: "dispatcher",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently assigned to an agent.",
		}),
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbitmesh",
			Subsystem: "dispatcher",
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal status, by status.",
		}, []string{"status"}),
		workflowInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orbitmesh",
			Subsystem: "workflow",
			Name:      "instances",
			Help:      "Workflow instances by status.",
		}, []string{"status"}),
		workflowSteps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orbitmesh",
			Subsystem: "workflow",
			Name:      "steps_completed_total",
			Help:      "Total workflow steps that reached Completed.",
		}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orbitmesh",
			Subsystem: "registry",
			Name:      "protocol_errors_total",
			Help:      "Protocol errors (malformed frames) reported by agent sessions.",
		}),
	}
}

// Registry returns the Prometheus registry the /metrics handler should
// serve.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Run subscribes to every bus topic and updates metrics until ctx is
// cancelled, the same single-goroutine-per-subscriber shape the bus's other
// consumers use.
func (c *Collector) Run(ctx context.Context) {
	sub := c.bus.Subscribe(eventbus.AllTopics)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			c.observe(ev)
		}
	}
}

func (c *Collector) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.AgentConnected:
		c.agentsByStatus.WithLabelValues("connected").Inc()
	case eventbus.AgentReady:
		c.agentsByStatus.WithLabelValues("ready").Inc()
	case eventbus.AgentDisconnected:
		c.agentsByStatus.WithLabelValues("connected").Dec()
	case eventbus.AgentPaused:
		c.agentsByStatus.WithLabelValues("paused").Inc()
	case eventbus.AgentStopped:
		c.agentsByStatus.WithLabelValues("stopped").Inc()
	case eventbus.AgentFaulted:
		c.agentsByStatus.WithLabelValues("faulted").Inc()

	case eventbus.JobAssigned:
		c.jobsInFlight.Inc()
	case eventbus.JobCompleted:
		c.jobsInFlight.Dec()
		c.jobsTotal.WithLabelValues("completed").Inc()
	case eventbus.JobFailed:
		c.jobsInFlight.Dec()
		c.jobsTotal.WithLabelValues("failed").Inc()
	case eventbus.JobTimedOut:
		c.jobsInFlight.Dec()
		c.jobsTotal.WithLabelValues("timed_out").Inc()
	case eventbus.JobCancelled:
		c.jobsInFlight.Dec()
		c.jobsTotal.WithLabelValues("cancelled").Inc()
	case eventbus.JobRetried:
		c.jobsTotal.WithLabelValues("retried").Inc()

	case eventbus.WorkflowInstanceStarted:
		c.workflowInstances.WithLabelValues("running").Inc()
	case eventbus.WorkflowInstanceCompleted:
		c.workflowInstances.WithLabelValues("running").Dec()
		c.workflowInstances.WithLabelValues("completed").Inc()
	case eventbus.WorkflowInstanceFailed:
		c.workflowInstances.WithLabelValues("running").Dec()
		c.workflowInstances.WithLabelValues("failed").Inc()
	case eventbus.WorkflowInstanceCancelled:
		c.workflowInstances.WithLabelValues("running").Dec()
		c.workflowInstances.WithLabelValues("cancelled").Inc()
	case eventbus.WorkflowStepCompleted:
		c.workflowSteps.Inc()

	case eventbus.ProtocolError:
		c.protocolErrors.Inc()
	}
}
