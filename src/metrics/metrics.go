package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var CommandsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mural",
	Subsystem: "node",
	Name:      "commands_received",
}, []string{"kind"})

var CommandsPending = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "mural",
	Subsystem: "node",
	Name:      "commands_pending",
})

var CommandsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mural",
	Subsystem: "node",
	Name:      "commands_dropped",
}, []string{"kind", "reason"})

var RequestsPending = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "mural",
	Subsystem: "node",
	Name:      "requests_pending",
})

var RequestResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mural",
	Subsystem: "node",
	Name:      "request_results",
}, []string{"result"})

var PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "mural",
	Subsystem: "node",
	Name:      "peers_connected",
})

var ObjectCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mural",
	Subsystem: "object",
	Name:      "commits",
}, []string{"result"})

var ObjectVersionsApplied = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "mural",
	Subsystem: "object",
	Name:      "versions_applied",
})

var ObjectMappings = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mural",
	Subsystem: "object",
	Name:      "mappings",
}, []string{"result"})

var InstanceCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mural",
	Subsystem: "instance_cache",
	Name:      "lookups",
}, []string{"result"})

var InstanceCacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "mural",
	Subsystem: "instance_cache",
	Name:      "bytes",
})

var FramesFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mural",
	Subsystem: "stage",
	Name:      "frames_finished",
}, []string{"level"})

var FramesForcedUnlock = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mural",
	Subsystem: "stage",
	Name:      "frames_forced_unlock",
}, []string{"level"})

var FrameDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "mural",
	Subsystem: "stage",
	Name:      "frame_duration_ms",
	Buckets:   []float64{1, 2, 5, 10, 16, 20, 33, 50, 100, 200, 500},
}, []string{"level"})

// Collectors returns every metric of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CommandsReceived,
		CommandsPending,
		CommandsDropped,
		RequestsPending,
		RequestResults,
		PeersConnected,
		ObjectCommits,
		ObjectVersionsApplied,
		ObjectMappings,
		InstanceCacheLookups,
		InstanceCacheBytes,
		FramesFinished,
		FramesForcedUnlock,
		FrameDuration,
	}
}

// Register adds the metrics of the package to reg. Metrics that are already
// registered are skipped, so that several nodes of one process can share the
// default registry.
func Register(reg prometheus.Registerer, extra ...prometheus.Collector) error {
	for _, c := range append(Collectors(), extra...) {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
