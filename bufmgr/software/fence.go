package software

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/drmbuf/bufmgr"
	"github.com/vkngwrapper/drmbuf/fence"
	"github.com/vkngwrapper/drmbuf/memutils"
	"github.com/vkngwrapper/drmbuf/memutils/rangealloc"
)

func (b *Backend) FenceCreate(class uint32, typ fence.Type, flags fence.Flags) (*fence.Fence, error) {
	f, err := b.tracker.Create(class, typ, flags)
	if err != nil {
		return nil, failFor("FenceCreate", err)
	}
	return f, nil
}

func (b *Backend) FenceEmit(f *fence.Fence, flags fence.Flags) error {
	if err := f.Emit(flags); err != nil {
		return failFor("FenceEmit", err)
	}
	return nil
}

func (b *Backend) FenceFlush(f *fence.Fence, mask fence.Type) error {
	if err := f.Flush(mask); err != nil {
		return failFor("FenceFlush", err)
	}
	return nil
}

func (b *Backend) FenceSignaled(f *fence.Fence, mask fence.Type) (bool, error) {
	if mask&^f.Type() != 0 {
		return false, fail("FenceSignaled", CodeInvalid, errors.Wrapf(memutils.ErrInvalidState, "%s extends fence type %s", mask, f.Type()))
	}
	return f.Signaled(mask), nil
}

func (b *Backend) FenceWait(ctx context.Context, f *fence.Fence, mask fence.Type, flags fence.Flags) error {
	if err := f.Wait(ctx, mask, flags); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fail("FenceWait", CodeBusy, err)
		}
		return failFor("FenceWait", err)
	}
	return nil
}

func (b *Backend) FenceError(f *fence.Fence) int {
	return f.Error()
}

func (b *Backend) AddDetailedStatistics(memType bufmgr.MemType, stats *memutils.DetailedStatistics) error {
	r, err := b.region("AddDetailedStatistics", memType)
	if err != nil {
		return err
	}

	r.head.AddDetailedStatistics(stats)
	return nil
}

func (b *Backend) PrintDetailedMap(memType bufmgr.MemType, json *jwriter.ObjectState) error {
	r, err := b.region("PrintDetailedMap", memType)
	if err != nil {
		return err
	}

	r.head.PrintDetailedMap(json, func(json *jwriter.ObjectState, node *rangealloc.Node) {
		buf, ok := node.Private.(*Buffer)
		if !ok {
			json.Name("CustomData").String(fmt.Sprintf("%+v", node.Private))
			return
		}

		json.Name("Handle").Int(int(buf.handle))
		json.Name("Flags").String(buf.flags.String())
		json.Name("MapCount").Int(buf.mapCount)
	})
	return nil
}

func (b *Backend) FenceClassCount() int {
	return b.tracker.ClassCount()
}

func (b *Backend) FencesInFlight(class uint32) int {
	fc := b.tracker.Class(class)
	if fc == nil {
		return 0
	}
	return fc.InFlight()
}
