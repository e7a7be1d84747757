package bufmgr

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/drmbuf/memutils"
)

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(int(stats.BlockBytes))
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(int(stats.AllocationBytes))
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(int(stats.AllocationSizeMin))
		json.Name("AllocationSizeMax").Int(int(stats.AllocationSizeMax))
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(int(stats.UnusedRangeSizeMin))
		json.Name("UnusedRangeSizeMax").Int(int(stats.UnusedRangeSizeMax))
	}
}

// CalculateStatistics sums the usage of every initialized memory type. It returns false if the
// backend cannot report statistics.
func (m *Manager) CalculateStatistics(stats *memutils.DetailedStatistics) (bool, error) {
	stats.Clear()

	reporter, ok := m.backend.(Reporter)
	if !ok {
		return false, nil
	}

	for _, memType := range m.memTypes {
		if err := reporter.AddDetailedStatistics(memType.Type, stats); err != nil {
			return true, err
		}
	}

	return true, nil
}

// BuildStatsString returns a JSON document describing every initialized memory type. With
// detailedMap, every range in each memory type is listed as well. Backends that do not
// implement Reporter only get their memory type layout described.
func (m *Manager) BuildStatsString(detailedMap bool) string {
	reporter, canReport := m.backend.(Reporter)

	writer := jwriter.NewWriter()
	root := writer.Object()

	var total memutils.DetailedStatistics
	total.Clear()

	memTypes := root.Name("MemoryTypes").Object()
	for _, memType := range m.memTypes {
		obj := memTypes.Name(memType.Type.String()).Object()
		obj.Name("Start").Int(int(memType.Start))
		obj.Name("Size").Int(int(memType.Size))

		if canReport {
			var stats memutils.DetailedStatistics
			stats.Clear()

			if err := reporter.AddDetailedStatistics(memType.Type, &stats); err != nil {
				obj.Name("Error").String(err.Error())
			} else {
				statsObj := obj.Name("Stats").Object()
				printStatistics(&statsObj, &stats)
				statsObj.End()
				total.AddDetailedStatistics(&stats)
			}

			if detailedMap {
				mapObj := obj.Name("DetailedMap").Object()
				if err := reporter.PrintDetailedMap(memType.Type, &mapObj); err != nil {
					mapObj.Name("Error").String(err.Error())
				}
				mapObj.End()
			}
		}

		obj.End()
	}
	memTypes.End()

	if canReport {
		totalObj := root.Name("Total").Object()
		printStatistics(&totalObj, &total)
		totalObj.End()

		fences := root.Name("FenceClasses").Array()
		for class := 0; class < reporter.FenceClassCount(); class++ {
			obj := fences.Object()
			obj.Name("Class").Int(class)
			obj.Name("InFlight").Int(reporter.FencesInFlight(uint32(class)))
			obj.End()
		}
		fences.End()
	}

	root.End()
	return string(writer.Bytes())
}
