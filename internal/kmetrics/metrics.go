// Package kmetrics exposes kernel-internal Prometheus metrics: frame
// occupancy, per-CPU run-queue depth, and counters for context switches,
// page faults, syscalls and signal deliveries. Grounded on
// GoogleCloudPlatform-gcsfuse and jra3-system-agent, both of which expose
// runtime internals through github.com/prometheus/client_golang.
package kmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	FramesUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "mm",
		Name:      "frames_used",
		Help:      "Physical frames currently allocated (refcount > 0).",
	})
	FramesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "mm",
		Name:      "frames_total",
		Help:      "Total physical frames managed by the allocator.",
	})
	RunQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "sched",
		Name:      "runqueue_depth",
		Help:      "Number of READY threads queued per CPU.",
	}, []string{"cpu"})
	ContextSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "sched",
		Name:      "context_switches_total",
		Help:      "Total scheduler dispatches.",
	})
	PageFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "mm",
		Name:      "page_faults_total",
		Help:      "Page faults handled, labeled by outcome.",
	}, []string{"outcome"})
	Syscalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "syscall",
		Name:      "calls_total",
		Help:      "Syscalls dispatched, labeled by number.",
	}, []string{"nr"})
	SignalsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "signal",
		Name:      "delivered_total",
		Help:      "Signal frames built and delivered to user handlers.",
	})
)

// Registry is the collector registry the kernel registers all kernel
// metrics into; callers embed it into their own HTTP /metrics exporter
// (out of scope here — spec.md treats the exporter transport as external).
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(FramesUsed, FramesTotal, RunQueueDepth,
		ContextSwitches, PageFaults, Syscalls, SignalsDelivered)
}
