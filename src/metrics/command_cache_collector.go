package metrics

import (
	"github.com/mosaicnetworks/mural/src/command"
	"github.com/prometheus/client_golang/prometheus"
)

// CommandCacheCollector exports the size classes of a command cache.
type CommandCacheCollector struct {
	cache *command.Cache

	size *prometheus.Desc
	free *prometheus.Desc
}

func NewCommandCacheCollector(cache *command.Cache, nodeID string) *CommandCacheCollector {
	labels := prometheus.Labels{"node": nodeID}
	return &CommandCacheCollector{
		cache: cache,
		size: prometheus.NewDesc(
			"mural_command_cache_size",
			"Number of commands allocated per size class",
			[]string{"class"}, labels,
		),
		free: prometheus.NewDesc(
			"mural_command_cache_free",
			"Number of free commands per size class",
			[]string{"class"}, labels,
		),
	}
}

func (cc *CommandCacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cc.size
	ch <- cc.free
}

func (cc *CommandCacheCollector) Collect(ch chan<- prometheus.Metric) {
	small, big := cc.cache.Stats()

	ch <- prometheus.MustNewConstMetric(cc.size, prometheus.GaugeValue, float64(small.Size), "small")
	ch <- prometheus.MustNewConstMetric(cc.free, prometheus.GaugeValue, float64(small.Free), "small")
	ch <- prometheus.MustNewConstMetric(cc.size, prometheus.GaugeValue, float64(big.Size), "big")
	ch <- prometheus.MustNewConstMetric(cc.free, prometheus.GaugeValue, float64(big.Free), "big")
}
