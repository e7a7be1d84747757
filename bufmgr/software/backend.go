// Package software implements bufmgr.Backend entirely in process memory. Memory types are
// carved up with a range allocator, mapped buffers are backed by anonymous memory, and
// fences complete when the caller retires them. It is meant for tests and for exercising the
// buffer manager without a kernel driver.
package software

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/drmbuf/bufmgr"
	"github.com/vkngwrapper/drmbuf/fence"
	"github.com/vkngwrapper/drmbuf/internal/utils"
	"github.com/vkngwrapper/drmbuf/memutils"
	"github.com/vkngwrapper/drmbuf/memutils/rangealloc"
	"golang.org/x/exp/slog"
)

// Status codes carried by the *bufmgr.BackendError values this backend returns
const (
	CodeNotFound = -2
	CodeNoMemory = -12
	CodeBusy     = -16
	CodeInvalid  = -22
)

// CreateFlags indicate specific backend behaviors to activate
type CreateFlags int32

const (
	// CreateAutoRetire completes every emitted fence as soon as the backend is asked about it,
	// as if the GPU were always idle
	CreateAutoRetire CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateAutoRetire: "CreateAutoRetire",
}

func (f CreateFlags) String() string {
	if name, ok := createFlagsMapping[f]; ok {
		return name
	}
	if f == 0 {
		return "None"
	}
	return "CreateFlags(unknown)"
}

type region struct {
	memType bufmgr.MemType
	head    *rangealloc.Head
	lock    utils.OptionalMutex
	locked  bool
	backing []byte
}

func (r *region) ensureBacking() ([]byte, error) {
	if r.backing == nil {
		backing, err := mapBacking(r.head.Size())
		if err != nil {
			return nil, err
		}
		r.backing = backing
	}
	return r.backing, nil
}

func (r *region) slice(node *rangealloc.Node) ([]byte, error) {
	backing, err := r.ensureBacking()
	if err != nil {
		return nil, err
	}

	offset := node.Start() - r.head.Start()
	return backing[offset : offset+node.Size() : offset+node.Size()], nil
}

// Backend is an in-process bufmgr.Backend. It is not safe for concurrent use apart from Lock
// and Unlock.
type Backend struct {
	logger    *slog.Logger
	strategy  rangealloc.Strategy
	nodeLimit int
	useMutex  bool

	regions    [bufmgr.MaxMemTypes]*region
	buffers    *swiss.Map[uint32, *Buffer]
	nextHandle uint32

	driver  *fenceDriver
	tracker *fence.Tracker
}

var _ bufmgr.Backend = &Backend{}
var _ bufmgr.Reporter = &Backend{}

// New creates a software backend configured by options. Memory types are not initialized
// until InitMemType is called, usually by bufmgr.New.
func New(logger *slog.Logger, options bufmgr.Options, flags CreateFlags) (*Backend, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}

	strategy, err := options.AllocationStrategy()
	if err != nil {
		return nil, err
	}

	trackerOptions := options.TrackerOptions()
	driver := newFenceDriver(logger, len(trackerOptions.Classes), flags&CreateAutoRetire != 0)
	tracker, err := fence.NewTracker(logger, driver, trackerOptions)
	if err != nil {
		return nil, err
	}
	driver.tracker = tracker

	return &Backend{
		logger:     logger,
		strategy:   strategy,
		nodeLimit:  options.NodeLimit,
		useMutex:   !options.ExternallySynchronized,
		buffers:    swiss.NewMap[uint32, *Buffer](42),
		nextHandle: 1,
		driver:     driver,
		tracker:    tracker,
	}, nil
}

func fail(op string, code int, err error) error {
	return &bufmgr.BackendError{Op: op, Code: code, Err: err}
}

func failFor(op string, err error) error {
	switch {
	case errors.Is(err, memutils.ErrOutOfMemory):
		return fail(op, CodeNoMemory, err)
	default:
		return fail(op, CodeInvalid, err)
	}
}

func (b *Backend) region(op string, memType bufmgr.MemType) (*region, error) {
	if memType >= bufmgr.MaxMemTypes || b.regions[memType] == nil {
		return nil, fail(op, CodeNotFound, errors.Newf("memory type %s is not initialized", memType))
	}
	return b.regions[memType], nil
}

func (b *Backend) lookup(op string, buf bufmgr.Buffer) (*Buffer, error) {
	sw, ok := buf.(*Buffer)
	if !ok || sw == nil || sw.backend != b {
		return nil, fail(op, CodeInvalid, errors.New("buffer does not belong to this backend"))
	}

	registered, ok := b.buffers.Get(sw.handle)
	if !ok || registered != sw {
		return nil, fail(op, CodeNotFound, errors.Newf("buffer %d has been destroyed", sw.handle))
	}

	return sw, nil
}

// Tracker returns the fence tracker the backend emits fences through
func (b *Backend) Tracker() *fence.Tracker { return b.tracker }

// BufferCount returns the number of live buffers
func (b *Backend) BufferCount() int { return b.buffers.Count() }

// LastEmitted returns the newest sequence number emitted on class
func (b *Backend) LastEmitted(class uint32) uint32 {
	if int(class) >= len(b.driver.emitted) {
		return 0
	}
	return b.driver.emitted[class]
}

// Retire reports that class has finished all work up to and including sequence, as a GPU
// interrupt would
func (b *Backend) Retire(class uint32, sequence uint32) error {
	return b.RetireWithError(class, sequence, 0)
}

// RetireWithError reports that class stopped at sequence with a failure. Every fence up to
// sequence is signaled with errCode.
func (b *Backend) RetireWithError(class uint32, sequence uint32, errCode int) error {
	if err := b.driver.retire(class, sequence, errCode); err != nil {
		return fail("Retire", CodeInvalid, err)
	}
	return nil
}

func (b *Backend) InitMemType(memType bufmgr.MemType, start, size uint64) error {
	if memType >= bufmgr.MaxMemTypes {
		return fail("InitMemType", CodeInvalid, errors.Newf("memory type %d is out of range", memType))
	}
	if b.regions[memType] != nil {
		return fail("InitMemType", CodeBusy, errors.Newf("memory type %s is already initialized", memType))
	}

	head, err := rangealloc.New(start, size, rangealloc.CreateOptions{NodeLimit: b.nodeLimit})
	if err != nil {
		return failFor("InitMemType", err)
	}

	b.regions[memType] = &region{
		memType: memType,
		head:    head,
		lock:    utils.OptionalMutex{UseMutex: b.useMutex},
	}

	b.logger.LogAttrs(context.Background(), slog.LevelDebug, "memory type initialized",
		slog.String("memType", memType.String()),
		slog.Uint64("start", start),
		slog.Uint64("size", size),
	)
	return nil
}

// TakeDownMemType releases a memory type that has no live buffers. A memory type that is
// currently locked is refused with CodeBusy.
func (b *Backend) TakeDownMemType(memType bufmgr.MemType) error {
	r, err := b.region("TakeDownMemType", memType)
	if err != nil {
		return err
	}

	if r.locked || !r.lock.TryLock() {
		return fail("TakeDownMemType", CodeBusy, errors.Newf("memory type %s is locked", memType))
	}
	defer r.lock.Unlock()

	if err := r.head.Takedown(); err != nil {
		r.head.DebugLogAllAllocations(b.logger, func(log *slog.Logger, start, size uint64, private any) {
			var handle uint32
			if buf, ok := private.(*Buffer); ok {
				handle = buf.handle
			}
			log.LogAttrs(context.Background(), slog.LevelError, "buffer was not destroyed before its memory type was taken down",
				slog.String("memType", memType.String()),
				slog.Uint64("offset", start),
				slog.Uint64("size", size),
				slog.Int("handle", int(handle)),
			)
		})
		return fail("TakeDownMemType", CodeBusy, err)
	}

	if r.backing != nil {
		if err := unmapBacking(r.backing); err != nil {
			b.logger.Error("failed to release backing memory", slog.String("memType", memType.String()), slog.Any("error", err))
		}
		r.backing = nil
	}

	b.regions[memType] = nil
	return nil
}

func (b *Backend) Lock(memType bufmgr.MemType) error {
	r, err := b.region("Lock", memType)
	if err != nil {
		return err
	}

	r.lock.Lock()
	r.locked = true
	return nil
}

func (b *Backend) Unlock(memType bufmgr.MemType) error {
	r, err := b.region("Unlock", memType)
	if err != nil {
		return err
	}
	if !r.locked {
		return fail("Unlock", CodeInvalid, errors.Newf("memory type %s is not locked", memType))
	}

	r.locked = false
	r.lock.Unlock()
	return nil
}

// place finds room for size bytes in one of the memory types named by flags, preferring
// VRAM over TT over local memory
func (b *Backend) place(size, alignment uint64, flags bufmgr.Flags) (*region, *rangealloc.Node, error) {
	memTypes := flags.MemTypes()

	var lastErr error = memutils.ErrOutOfMemory
	for i := len(memTypes) - 1; i >= 0; i-- {
		r := b.regions[memTypes[i]]
		if r == nil {
			continue
		}

		free, err := r.head.SearchFree(size, alignment, b.strategy)
		if err != nil {
			lastErr = err
			continue
		}

		node, err := r.head.GetBlock(free, size, alignment)
		if err != nil {
			lastErr = err
			continue
		}

		return r, node, nil
	}

	return nil, nil, errors.Wrapf(lastErr, "no room for %d bytes in %s", size, flags&bufmgr.MaskMem)
}

func (b *Backend) register(buf *Buffer) {
	buf.backend = b
	buf.handle = b.nextHandle
	b.nextHandle++
	b.buffers.Put(buf.handle, buf)
}

func (b *Backend) CreateBuffer(info bufmgr.BufferCreateInfo) (bufmgr.Buffer, error) {
	if info.Size == 0 {
		return nil, fail("CreateBuffer", CodeInvalid, errors.New("buffers must not be empty"))
	}

	mask := info.Mask
	if mask == 0 {
		mask = ^bufmgr.Flags(0)
	}

	r, node, err := b.place(info.Size, info.Alignment, info.Flags)
	if err != nil {
		return nil, failFor("CreateBuffer", err)
	}

	buf := &Buffer{
		size:      info.Size,
		alignment: info.Alignment,
		flags:     (info.Flags &^ bufmgr.MaskMem) | r.memType.Flag(),
		mask:      mask,
		memType:   r.memType,
		node:      node,
	}
	node.Private = buf
	b.register(buf)

	b.logger.LogAttrs(context.Background(), slog.LevelDebug, "buffer created",
		slog.Int("handle", int(buf.handle)),
		slog.String("memType", r.memType.String()),
		slog.Uint64("offset", node.Start()),
		slog.Uint64("size", node.Size()),
	)
	return buf, nil
}

func (b *Backend) CreateUserBuffer(info bufmgr.UserBufferCreateInfo) (bufmgr.Buffer, error) {
	if len(info.Memory) == 0 {
		return nil, fail("CreateUserBuffer", CodeInvalid, errors.New("buffers must not be empty"))
	}

	buf := &Buffer{
		size:    uint64(len(info.Memory)),
		flags:   (info.Flags &^ bufmgr.MaskMem) | bufmgr.MemLocal,
		mask:    ^bufmgr.Flags(0),
		memType: bufmgr.MemTypeLocal,
		user:    info.Memory,
	}
	b.register(buf)
	return buf, nil
}

func (b *Backend) DestroyBuffer(buf bufmgr.Buffer) error {
	sw, err := b.lookup("DestroyBuffer", buf)
	if err != nil {
		return err
	}

	if sw.node != nil {
		if err := sw.node.Head().PutBlock(sw.node); err != nil {
			return failFor("DestroyBuffer", err)
		}
		sw.node = nil
	}

	sw.mapping = nil
	sw.mapCount = 0
	b.buffers.Delete(sw.handle)
	return nil
}

func (b *Backend) MapBuffer(buf bufmgr.Buffer, flags bufmgr.Flags) ([]byte, error) {
	sw, err := b.lookup("MapBuffer", buf)
	if err != nil {
		return nil, err
	}
	if flags&^bufmgr.MaskAccess != 0 {
		return nil, fail("MapBuffer", CodeInvalid, errors.Newf("%s are not mapping flags", flags&^bufmgr.MaskAccess))
	}

	if sw.mapCount == 0 {
		if sw.user != nil {
			sw.mapping = sw.user
		} else {
			mapping, err := b.regions[sw.memType].slice(sw.node)
			if err != nil {
				return nil, fail("MapBuffer", CodeNoMemory, err)
			}
			sw.mapping = mapping
		}
	}

	sw.mapCount++
	return sw.mapping, nil
}

func (b *Backend) UnmapBuffer(buf bufmgr.Buffer) error {
	sw, err := b.lookup("UnmapBuffer", buf)
	if err != nil {
		return err
	}
	if sw.mapCount == 0 {
		return fail("UnmapBuffer", CodeInvalid, errors.Newf("buffer %d is not mapped", sw.handle))
	}

	sw.mapCount--
	if sw.mapCount == 0 {
		sw.mapping = nil
	}
	return nil
}

func (b *Backend) ValidateBuffer(buf bufmgr.Buffer, flags, mask bufmgr.Flags) error {
	sw, err := b.lookup("ValidateBuffer", buf)
	if err != nil {
		return err
	}

	if mask&bufmgr.MaskMem != 0 && flags&sw.memType.Flag() == 0 {
		if err := b.migrate(sw, flags&mask&bufmgr.MaskMem); err != nil {
			return err
		}
	}

	attributes := mask &^ bufmgr.MaskMem
	sw.flags = (sw.flags &^ attributes) | (flags & attributes)
	return nil
}

// migrate moves buf into one of the memory types named by memFlags, carrying its contents
func (b *Backend) migrate(buf *Buffer, memFlags bufmgr.Flags) error {
	switch {
	case buf.user != nil:
		return fail("ValidateBuffer", CodeInvalid, errors.Wrapf(memutils.ErrIncompatible, "user buffer %d cannot leave local memory", buf.handle))
	case buf.flags&bufmgr.FlagNoEvict != 0:
		return fail("ValidateBuffer", CodeBusy, errors.Newf("buffer %d is pinned in %s", buf.handle, buf.memType))
	case buf.mapCount > 0:
		return fail("ValidateBuffer", CodeBusy, errors.Newf("buffer %d is mapped", buf.handle))
	}

	target, node, err := b.place(buf.size, buf.alignment, memFlags)
	if err != nil {
		return failFor("ValidateBuffer", err)
	}

	source := b.regions[buf.memType]
	if source.backing != nil {
		from, err := source.slice(buf.node)
		if err == nil {
			var to []byte
			to, err = target.slice(node)
			if err == nil {
				copy(to, from)
			}
		}
		if err != nil {
			_ = target.head.PutBlock(node)
			return fail("ValidateBuffer", CodeNoMemory, err)
		}
	}

	if err := source.head.PutBlock(buf.node); err != nil {
		_ = target.head.PutBlock(node)
		return failFor("ValidateBuffer", err)
	}

	b.logger.LogAttrs(context.Background(), slog.LevelDebug, "buffer migrated",
		slog.Int("handle", int(buf.handle)),
		slog.String("from", buf.memType.String()),
		slog.String("to", target.memType.String()),
	)

	node.Private = buf
	buf.node = node
	buf.memType = target.memType
	buf.flags = (buf.flags &^ bufmgr.MaskMem) | target.memType.Flag()
	return nil
}
