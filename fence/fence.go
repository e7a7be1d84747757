package fence

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/drmbuf/memutils"
	"github.com/vkngwrapper/drmbuf/memutils/list"
	"golang.org/x/exp/slog"
)

// Fence tracks completion of the work submitted before it was emitted. A Fence is shared by
// reference count: it is created with one reference and destroyed when the last reference is
// released. Every call on a destroyed fence fails with memutils.ErrInvalidState.
type Fence struct {
	tracker *Tracker
	class   uint32
	typ     Type

	sequence       uint32
	nativeType     Type
	signalPrevious Type
	emitted        bool

	signaled       Type
	flushMask      Type
	submittedFlush Type
	errCode        int

	refCount  atomic.Int32
	ringElem  list.Handle
	destroyed bool
}

func (f *Fence) classManager() *ClassManager {
	return f.tracker.classes[f.class]
}

func (f *Fence) checkLive() error {
	if f == nil || f.destroyed {
		return errors.Wrap(memutils.ErrInvalidState, "fence has been destroyed")
	}
	return nil
}

// retire removes the fence from its class ring, if it is on it
func (f *Fence) retire() {
	if f.ringElem == list.Nil {
		return
	}

	f.classManager().ring.Remove(f.ringElem)
	f.ringElem = list.Nil
}

// Emit obtains a new sequence number for the fence from the driver and places it at the tail
// of its class ring. Any state from a previous emission is discarded. A driver error is
// returned unchanged and leaves the fence off the ring and unemitted.
func (f *Fence) Emit(flags Flags) error {
	if err := f.checkLive(); err != nil {
		return err
	}

	f.retire()

	result, err := f.tracker.driver.Emit(f.class, f.typ, flags)
	if err != nil {
		f.emitted = false
		f.signaled = 0
		f.flushMask = 0
		f.submittedFlush = 0
		return err
	}

	fc := f.classManager()

	f.sequence = result.Sequence & fc.sequenceMask
	f.nativeType = result.NativeType
	f.signalPrevious = result.SignalPrevious
	f.signaled = 0
	f.flushMask = 0
	f.submittedFlush = 0
	f.errCode = 0
	f.emitted = true

	if fc.ring.Len() == 0 {
		fc.lastExeSequence = (f.sequence - 1) & fc.sequenceMask
	}
	f.ringElem = fc.ring.PushBack(f)

	f.tracker.logger.LogAttrs(context.Background(), slog.LevelDebug, "Fence emitted",
		slog.Int("class", int(f.class)),
		slog.Uint64("sequence", uint64(f.sequence)),
		slog.String("type", f.typ.String()),
	)

	return nil
}

// Flush asks the hardware to complete the provided types for this fence. mask must be a
// subset of the fence's type. The driver's flush hook is always invoked with the class's
// cumulative pending flush.
func (f *Fence) Flush(mask Type) error {
	if err := f.checkLive(); err != nil {
		return err
	}
	if mask&^f.typ != 0 {
		return errors.Wrapf(memutils.ErrInvalidState, "flush of %s extends fence type %s", mask, f.typ)
	}

	fc := f.classManager()
	f.flushMask |= mask

	if f.submittedFlush == f.signaled {
		if f.typ&TypeExe != 0 && f.submittedFlush&TypeExe == 0 {
			fc.flushExe(f.sequence)
			f.submittedFlush |= TypeExe
		} else {
			fc.pendingFlush |= f.flushMask &^ f.submittedFlush
			f.submittedFlush = f.flushMask
		}
	}

	f.tracker.driver.Poke(f.class, fc.pendingFlush)
	return nil
}

// Signaled gives the driver a chance to report progress and then reports whether every type
// in mask that the fence tracks has been signaled
func (f *Fence) Signaled(mask Type) bool {
	if f.checkLive() != nil {
		return false
	}

	f.tracker.driver.Poke(f.class, f.classManager().pendingFlush)

	mask &= f.typ
	return f.signaled&mask == mask
}

// Wait blocks until every type in mask has been signaled or ctx is done. Unless flags include
// FlagNoFlush the types are flushed first. With FlagWaitLazy the fence is polled at the
// tracker's lazy interval, otherwise the goroutine yields between polls.
func (f *Fence) Wait(ctx context.Context, mask Type, flags Flags) error {
	if err := f.checkLive(); err != nil {
		return err
	}
	if !f.emitted {
		return errors.Wrap(memutils.ErrInvalidState, "fence has not been emitted")
	}
	if mask&^f.typ != 0 {
		return errors.Wrapf(memutils.ErrInvalidState, "wait for %s extends fence type %s", mask, f.typ)
	}

	if flags&FlagNoFlush == 0 {
		if err := f.Flush(mask); err != nil {
			return err
		}
	}

	return f.tracker.wait(ctx, f, mask, flags)
}

// Reference adds a reference to the fence and returns it
func (f *Fence) Reference() *Fence {
	f.refCount.Add(1)
	return f
}

// Unreference releases a reference to the fence. Releasing the last reference removes the
// fence from its ring and destroys it.
func (f *Fence) Unreference() error {
	if err := f.checkLive(); err != nil {
		return err
	}

	count := f.refCount.Add(-1)
	if count < 0 {
		f.refCount.Add(1)
		return errors.Wrap(memutils.ErrInvalidState, "fence has no references left")
	}
	if count == 0 {
		f.destroy()
	}

	return nil
}

func (f *Fence) destroy() {
	f.retire()
	f.tracker.fenceCount--
	f.destroyed = true
}

// Error returns the error code the fence was signaled with, or zero
func (f *Fence) Error() int { return f.errCode }

// Class returns the fence class the fence belongs to
func (f *Fence) Class() uint32 { return f.class }

// Type returns the types the fence tracks
func (f *Fence) Type() Type { return f.typ }

// Sequence returns the sequence number of the fence's latest emission
func (f *Fence) Sequence() uint32 { return f.sequence }

// SignaledTypes returns the types that have been observed complete
func (f *Fence) SignaledTypes() Type { return f.signaled }

// NativeType returns the types the hardware signals implicitly for this fence
func (f *Fence) NativeType() Type { return f.nativeType }

// RefCount returns the number of outstanding references
func (f *Fence) RefCount() int { return int(f.refCount.Load()) }

// IsEmitted reports whether the fence has been emitted
func (f *Fence) IsEmitted() bool { return f.emitted }

// InRing reports whether the fence is waiting to be fully signaled
func (f *Fence) InRing() bool { return f.ringElem != list.Nil }
