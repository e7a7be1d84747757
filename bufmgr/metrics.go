package bufmgr

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/drmbuf/memutils"
	"golang.org/x/exp/slog"
)

const (
	descMemTypeSize = iota
	descMemTypeUsed
	descMemTypeFree
	descMemTypeAllocations
	descMemTypeFreeRanges
	descFencesInFlight
)

var (
	descriptors = []*prometheus.Desc{
		descMemTypeSize: prometheus.NewDesc(
			"bufmgr_memtype_size_bytes",
			"Size of a memory type managed by the buffer manager.",
			[]string{
				"memtype",
			},
			nil,
		),
		descMemTypeUsed: prometheus.NewDesc(
			"bufmgr_memtype_used_bytes",
			"Bytes of a memory type held by buffers.",
			[]string{
				"memtype",
			},
			nil,
		),
		descMemTypeFree: prometheus.NewDesc(
			"bufmgr_memtype_free_bytes",
			"Bytes of a memory type available for new buffers.",
			[]string{
				"memtype",
			},
			nil,
		),
		descMemTypeAllocations: prometheus.NewDesc(
			"bufmgr_memtype_allocations",
			"Number of buffers placed in a memory type.",
			[]string{
				"memtype",
			},
			nil,
		),
		descMemTypeFreeRanges: prometheus.NewDesc(
			"bufmgr_memtype_free_ranges",
			"Number of separate free ranges in a memory type.",
			[]string{
				"memtype",
			},
			nil,
		),
		descFencesInFlight: prometheus.NewDesc(
			"bufmgr_fences_in_flight",
			"Number of emitted fences that have not fully signaled.",
			[]string{
				"class",
			},
			nil,
		),
	}
)

// Collector exports the manager's memory usage and fence activity as prometheus metrics.
// Only backends implementing Reporter have anything to export. The caller must not mutate the
// manager while the collector is being scraped.
type Collector struct {
	manager *Manager
}

var _ prometheus.Collector = &Collector{}

// Collector returns a prometheus collector for the manager
func (m *Manager) Collector() *Collector {
	return &Collector{manager: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	reporter, ok := c.manager.backend.(Reporter)
	if !ok {
		return
	}

	for _, memType := range c.manager.memTypes {
		var stats memutils.DetailedStatistics
		stats.Clear()

		if err := reporter.AddDetailedStatistics(memType.Type, &stats); err != nil {
			c.manager.logger.Error("failed to collect memory type statistics",
				slog.String("memType", memType.Type.String()),
				slog.Any("error", err))
			continue
		}

		name := memType.Type.String()
		ch <- prometheus.MustNewConstMetric(
			descriptors[descMemTypeSize],
			prometheus.GaugeValue,
			float64(stats.BlockBytes),
			name,
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descMemTypeUsed],
			prometheus.GaugeValue,
			float64(stats.AllocationBytes),
			name,
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descMemTypeFree],
			prometheus.GaugeValue,
			float64(stats.BlockBytes-stats.AllocationBytes),
			name,
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descMemTypeAllocations],
			prometheus.GaugeValue,
			float64(stats.AllocationCount),
			name,
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descMemTypeFreeRanges],
			prometheus.GaugeValue,
			float64(stats.UnusedRangeCount),
			name,
		)
	}

	for class := 0; class < reporter.FenceClassCount(); class++ {
		ch <- prometheus.MustNewConstMetric(
			descriptors[descFencesInFlight],
			prometheus.GaugeValue,
			float64(reporter.FencesInFlight(uint32(class))),
			strconv.Itoa(class),
		)
	}
}
