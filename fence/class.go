package fence

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/drmbuf/memutils"
	"github.com/vkngwrapper/drmbuf/memutils/list"
)

// ClassOptions describes the sequence counter of one fence class
type ClassOptions struct {
	// SequenceMask selects the bits of the hardware sequence counter. It must be one less than
	// a power of two. Zero selects a full 32-bit counter.
	SequenceMask uint32 `json:"sequenceMask,omitempty"`
	// WrapDiff is the largest masked distance at which one sequence number is still
	// considered to come after another. Zero selects half of SequenceMask.
	WrapDiff uint32 `json:"wrapDiff,omitempty"`
}

func (o ClassOptions) withDefaults() (ClassOptions, error) {
	if o.SequenceMask == 0 {
		o.SequenceMask = math.MaxUint32
	}
	if err := memutils.CheckPow2(uint64(o.SequenceMask)+1, "SequenceMask+1"); err != nil {
		return o, err
	}

	if o.WrapDiff == 0 {
		o.WrapDiff = o.SequenceMask >> 1
	}
	if o.WrapDiff > o.SequenceMask {
		return o, errors.Newf("WrapDiff 0x%x is larger than SequenceMask 0x%x", o.WrapDiff, o.SequenceMask)
	}

	return o, nil
}

// ClassManager is the state of one fence class: the ring of fences that have been emitted but
// not fully signaled, in emission order, and the flushes that are still owed to the hardware.
type ClassManager struct {
	ring list.List[*Fence]

	pendingFlush     Type
	pendingExeFlush  bool
	lastExeSequence  uint32
	exeFlushSequence uint32

	sequenceMask uint32
	wrapDiff     uint32
}

// distance returns how far sequence is past reference on the wrapping counter
func (c *ClassManager) distance(sequence, reference uint32) uint32 {
	return (sequence - reference) & c.sequenceMask
}

// atOrAfter reports whether sequence is at or after reference on the wrapping counter
func (c *ClassManager) atOrAfter(sequence, reference uint32) bool {
	return c.distance(sequence, reference) < c.wrapDiff
}

func (c *ClassManager) flushExe(sequence uint32) {
	if !c.pendingExeFlush {
		if c.atOrAfter(sequence, c.lastExeSequence) {
			c.exeFlushSequence = sequence
			c.pendingExeFlush = true
		}
		return
	}

	if c.atOrAfter(sequence, c.exeFlushSequence) {
		c.exeFlushSequence = sequence
	}
}

// PendingFlush returns the types that still need to be flushed for this class
func (c *ClassManager) PendingFlush() Type { return c.pendingFlush }

// PendingExeFlush reports whether an execution flush is outstanding and, if so, the sequence
// number it must reach
func (c *ClassManager) PendingExeFlush() (bool, uint32) {
	return c.pendingExeFlush, c.exeFlushSequence
}

// LastExeSequence returns the newest sequence number reported as executed
func (c *ClassManager) LastExeSequence() uint32 { return c.lastExeSequence }

// InFlight returns the number of fences that have been emitted and are not fully signaled
func (c *ClassManager) InFlight() int { return c.ring.Len() }

// SequenceMask returns the mask applied to this class's sequence arithmetic
func (c *ClassManager) SequenceMask() uint32 { return c.sequenceMask }

// WrapDiff returns the threshold used to order this class's sequence numbers
func (c *ClassManager) WrapDiff() uint32 { return c.wrapDiff }
