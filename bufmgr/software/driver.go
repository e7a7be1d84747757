package software

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/drmbuf/fence"
	"github.com/vkngwrapper/drmbuf/memutils"
	"golang.org/x/exp/slog"
)

// fenceDriver stands in for the command rings of a GPU. Each class has a counter that
// advances with every emitted fence; work completes when Retire reports it, or as soon as
// the driver is poked when autoRetire is set.
type fenceDriver struct {
	logger     *slog.Logger
	tracker    *fence.Tracker
	emitted    []uint32
	retired    []uint32
	autoRetire bool
}

func newFenceDriver(logger *slog.Logger, classCount int, autoRetire bool) *fenceDriver {
	return &fenceDriver{
		logger:     logger,
		emitted:    make([]uint32, classCount),
		retired:    make([]uint32, classCount),
		autoRetire: autoRetire,
	}
}

func (d *fenceDriver) Emit(class uint32, typ fence.Type, flags fence.Flags) (fence.EmitResult, error) {
	if int(class) >= len(d.emitted) {
		return fence.EmitResult{}, errors.Wrapf(memutils.ErrInvalidState, "fence class %d does not exist", class)
	}

	d.emitted[class]++
	return fence.EmitResult{
		Sequence: d.emitted[class],
	}, nil
}

func (d *fenceDriver) Poke(class uint32, pendingFlush fence.Type) {
	if !d.autoRetire || int(class) >= len(d.emitted) {
		return
	}
	if d.retired[class] == d.emitted[class] && pendingFlush == 0 {
		return
	}

	if err := d.retire(class, d.emitted[class], 0); err != nil {
		d.logger.Error("failed to retire fences", slog.Int("class", int(class)), slog.Any("error", err))
	}
}

// retire reports that class has completed everything up to sequence, including every type
// that has been flushed
func (d *fenceDriver) retire(class uint32, sequence uint32, errCode int) error {
	fc := d.tracker.Class(class)
	if fc == nil {
		return errors.Wrapf(memutils.ErrInvalidState, "fence class %d does not exist", class)
	}

	d.retired[class] = sequence
	return d.tracker.Signal(class, sequence, fence.TypeExe|fc.PendingFlush(), errCode)
}
