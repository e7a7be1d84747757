package fence

import (
	"context"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/drmbuf/memutils"
	"github.com/vkngwrapper/drmbuf/memutils/list"
	"golang.org/x/exp/slog"
)

const defaultLazyWaitInterval = time.Millisecond

// TrackerOptions contains optional settings for a Tracker
type TrackerOptions struct {
	// Classes describes every fence class. Its length is the number of classes.
	Classes []ClassOptions
	// LazyWaitInterval is how long Wait sleeps between polls with FlagWaitLazy. Zero selects
	// one millisecond.
	LazyWaitInterval time.Duration
}

// Tracker resolves which fences have completed as the driver reports finished sequence
// numbers. It keeps one ClassManager per fence class. A Tracker is not safe for concurrent
// use, but a Driver may call Signal from inside Poke.
type Tracker struct {
	logger           *slog.Logger
	driver           Driver
	classes          []*ClassManager
	lazyWaitInterval time.Duration
	fenceCount       int
}

// NewTracker creates a Tracker that emits and flushes fences through driver
func NewTracker(logger *slog.Logger, driver Driver, options TrackerOptions) (*Tracker, error) {
	if driver == nil {
		return nil, errors.New("a fence driver is required")
	}
	if len(options.Classes) == 0 {
		return nil, errors.New("at least one fence class is required")
	}

	t := &Tracker{
		logger:           logger,
		driver:           driver,
		classes:          make([]*ClassManager, len(options.Classes)),
		lazyWaitInterval: options.LazyWaitInterval,
	}
	if t.lazyWaitInterval <= 0 {
		t.lazyWaitInterval = defaultLazyWaitInterval
	}

	for i, classOptions := range options.Classes {
		resolved, err := classOptions.withDefaults()
		if err != nil {
			return nil, errors.Wrapf(err, "fence class %d", i)
		}

		t.classes[i] = &ClassManager{
			sequenceMask: resolved.SequenceMask,
			wrapDiff:     resolved.WrapDiff,
		}
	}

	return t, nil
}

// ClassCount returns the number of fence classes
func (t *Tracker) ClassCount() int { return len(t.classes) }

// Class returns the state of a fence class, or nil if there is no such class
func (t *Tracker) Class(class uint32) *ClassManager {
	if int(class) >= len(t.classes) {
		return nil
	}
	return t.classes[class]
}

// FenceCount returns the number of fences that have been created and not yet destroyed
func (t *Tracker) FenceCount() int { return t.fenceCount }

func (t *Tracker) class(class uint32) (*ClassManager, error) {
	fc := t.Class(class)
	if fc == nil {
		return nil, errors.Wrapf(memutils.ErrInvalidState, "fence class %d does not exist, there are %d classes", class, len(t.classes))
	}
	return fc, nil
}

// Create creates a fence of the provided type with a reference count of one. With FlagEmit
// the fence is emitted as well; if emission fails the fence is destroyed and the driver's
// error returned.
func (t *Tracker) Create(class uint32, typ Type, flags Flags) (*Fence, error) {
	if _, err := t.class(class); err != nil {
		return nil, err
	}
	if typ == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidState, "a fence must track at least one type")
	}

	f := &Fence{
		tracker: t,
		class:   class,
		typ:     typ,
	}
	f.refCount.Store(1)
	t.fenceCount++

	if flags&FlagEmit != 0 {
		if err := f.Emit(flags); err != nil {
			f.destroy()
			return nil, err
		}
	}

	return f, nil
}

// Signal is called when the hardware reports that class has completed sequence for the
// provided types. Every fence in the class emitted at or before sequence has those types,
// plus any native types it picks up from newer fences, marked signaled. Fences whose types are
// all signaled leave the ring. A non-zero errCode marks those fences failed and fully
// signaled.
func (t *Tracker) Signal(class uint32, sequence uint32, typ Type, errCode int) error {
	fc, err := t.class(class)
	if err != nil {
		return err
	}

	isExe := typ&TypeExe != 0

	if fc.pendingExeFlush && isExe && fc.atOrAfter(sequence, fc.exeFlushSequence) {
		fc.pendingExeFlush = false
	}

	if fc.atOrAfter(sequence, fc.lastExeSequence) {
		fc.pendingFlush &^= typ
		if isExe {
			fc.lastExeSequence = sequence
		}
	}

	if fc.ring.Len() == 0 {
		return nil
	}

	// Fences are in emission order, so everything before the first fence that is still
	// ahead of sequence has been reached
	boundary := list.Nil
	for e := fc.ring.Front(); e != list.Nil; e = fc.ring.Next(e) {
		if fc.distance(sequence, fc.ring.Value(e).sequence) > fc.wrapDiff {
			boundary = e
			break
		}
	}

	e := fc.ring.Back()
	if boundary != list.Nil {
		e = fc.ring.Prev(boundary)
	}

	for e != list.Nil {
		prev := fc.ring.Prev(e)
		f := fc.ring.Value(e)

		if errCode != 0 {
			f.errCode = errCode
			f.signaled = f.typ
			f.submittedFlush = f.flushMask
			f.retire()
			e = prev
			continue
		}

		typ |= f.nativeType
		relevant := typ & f.typ

		if (f.signaled | relevant) != f.signaled {
			f.signaled |= relevant
			f.submittedFlush |= relevant
			t.logger.Debug("Fence signaled",
				slog.Int("class", int(class)),
				slog.Uint64("sequence", uint64(f.sequence)),
				slog.String("signaled", f.signaled.String()))
		}

		unflushed := f.flushMask &^ (f.signaled | f.submittedFlush)
		if unflushed != 0 {
			fc.pendingFlush |= unflushed
			f.submittedFlush |= unflushed
		}

		if f.signaled != 0 {
			typ |= f.signalPrevious
		}

		if f.typ&^f.signaled == 0 {
			f.retire()
		}

		e = prev
	}

	return nil
}

func (t *Tracker) wait(ctx context.Context, f *Fence, mask Type, flags Flags) error {
	for !f.Signaled(mask) {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "waiting for fence at sequence %d", f.sequence)
		}

		if flags&FlagWaitLazy != 0 {
			time.Sleep(t.lazyWaitInterval)
		} else {
			runtime.Gosched()
		}
	}

	return nil
}
