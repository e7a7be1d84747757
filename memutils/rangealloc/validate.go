package rangealloc

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/drmbuf/memutils"
	"github.com/vkngwrapper/drmbuf/memutils/list"
	"golang.org/x/exp/slog"
)

var _ memutils.Validatable = &Head{}

// Validate checks that the nodes tile the managed range with no gaps or overlaps, that no two
// adjacent nodes are free, and that the free stack holds exactly the free nodes. It is
// expensive and meant for diagnostics; builds with the debug_mem_utils tag run it after every
// mutation.
func (h *Head) Validate() error {
	if h.takenDown {
		return nil
	}

	if h.nodes.Len() == 0 {
		return errors.New("the allocator has no nodes")
	}

	nextStart := h.start
	prevFree := false
	freeCount := 0
	allocCount := 0

	for e := h.nodes.Front(); e != list.Nil; e = h.nodes.Next(e) {
		node := h.nodes.Value(e)

		if node.head != h {
			return errors.Errorf("node at %d does not point back to this allocator", node.start)
		}
		if node.rangeElem != e {
			return errors.Errorf("node at %d has a stale position in the range list", node.start)
		}
		if node.start != nextStart {
			return errors.Errorf("node at %d should start at %d", node.start, nextStart)
		}
		if node.size == 0 {
			return errors.Errorf("node at %d is empty", node.start)
		}

		if node.free {
			if prevFree {
				return errors.Errorf("node at %d is free and so is the node before it", node.start)
			}
			if !h.freeStack.Contains(node.freeElem) || h.freeStack.Value(node.freeElem) != node {
				return errors.Errorf("node at %d is free but is not on the free stack", node.start)
			}
			freeCount++
		} else {
			if node.freeElem != list.Nil {
				return errors.Errorf("node at %d is allocated but is on the free stack", node.start)
			}
			indexed, ok := h.allocated.Get(node.start)
			if !ok || indexed != node {
				return errors.Errorf("node at %d is allocated but is missing from the allocation index", node.start)
			}
			allocCount++
		}

		prevFree = node.free
		nextStart = node.start + node.size
	}

	if nextStart != h.start+h.size {
		return errors.Errorf("the nodes end at %d but the range ends at %d", nextStart, h.start+h.size)
	}

	if freeCount != h.freeStack.Len() {
		return errors.Errorf("found %d free nodes but the free stack holds %d", freeCount, h.freeStack.Len())
	}

	if allocCount != h.allocated.Count() {
		return errors.Errorf("found %d allocated nodes but the allocation index holds %d", allocCount, h.allocated.Count())
	}

	if h.nodeCount != h.nodes.Len() {
		return errors.Errorf("%d nodes are live but the range list holds %d", h.nodeCount, h.nodes.Len())
	}

	return nil
}

// VisitAllRegions calls visit once for every node, free or allocated, in address order.
// Iteration stops at the first error, which is returned. visit must not modify the allocator.
func (h *Head) VisitAllRegions(visit func(node *Node) error) error {
	if h.takenDown {
		return nil
	}

	for e := h.nodes.Front(); e != list.Nil; e = h.nodes.Next(e) {
		if err := visit(h.nodes.Value(e)); err != nil {
			return err
		}
	}

	return nil
}

// AddStatistics sums this allocator's usage into stats
func (h *Head) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += h.AllocationCount()
	stats.BlockBytes += h.size
	stats.AllocationBytes += h.size - h.SumFreeSize()
}

// AddDetailedStatistics sums this allocator's usage, including every free range, into stats
func (h *Head) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += h.size

	_ = h.VisitAllRegions(func(node *Node) error {
		if node.free {
			stats.AddUnusedRange(node.size)
		} else {
			stats.AddAllocation(node.size)
		}
		return nil
	})
}

// PrintDetailedMap writes a summary of the allocator followed by every node in address order
// into json. describe, if not nil, is called for allocated nodes to write fields describing
// the node's owner.
func (h *Head) PrintDetailedMap(json *jwriter.ObjectState, describe func(json *jwriter.ObjectState, node *Node)) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	json.Name("Start").Int(int(h.start))
	json.Name("TotalBytes").Int(int(stats.BlockBytes))
	json.Name("UnusedBytes").Int(int(stats.BlockBytes - stats.AllocationBytes))
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)

	nodes := json.Name("Nodes").Array()
	defer nodes.End()

	_ = h.VisitAllRegions(func(node *Node) error {
		obj := nodes.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(node.start))
		obj.Name("Size").Int(int(node.size))
		if node.free {
			obj.Name("Type").String("FREE")
			return nil
		}

		obj.Name("Type").String("ALLOCATED")
		if describe != nil {
			describe(&obj, node)
		} else if node.Private != nil {
			obj.Name("CustomData").String(fmt.Sprintf("%+v", node.Private))
		}
		return nil
	})
}

// DebugLogAllAllocations writes one debug entry for every allocated node
func (h *Head) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, start, size uint64, private any)) {
	_ = h.VisitAllRegions(func(node *Node) error {
		if !node.free {
			logFunc(logger, node.start, node.size, node.Private)
		}
		return nil
	})
}
