// Package nodepool tracks a set of keyed entries, such as the buffers referenced by a command
// stream, together with the flags each of them was requested with. Entry storage is recycled
// through a free list whose size is steered toward a target capacity.
package nodepool

import (
	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"github.com/vkngwrapper/drmbuf/memutils"
	"github.com/vkngwrapper/drmbuf/memutils/list"
)

// DefaultMemSubmask selects the flag bits that describe memory locations. Requests for the same
// key must share at least one of these bits.
const DefaultMemSubmask uint64 = 0xFF000000

// CreateOptions contains optional settings for a Pool
type CreateOptions struct {
	// MemSubmask selects the flag bits that name memory locations. Zero selects DefaultMemSubmask.
	MemSubmask uint64
	// Limit caps the number of entries the pool will ever hold in storage at once. Requests that
	// need more fail with memutils.ErrOutOfMemory. Zero means no limit.
	Limit int
}

// Entry is an active member of a Pool. The pool owns the entry; callers may read it but must
// not keep it past the next Reset, Remove, or Destroy.
type Entry[K comparable] struct {
	// Key identifies the entry. No two active entries share a key.
	Key K
	// Flags holds the reconciled flag values requested for the key
	Flags uint64
	// Mask holds the bits of Flags that any request for the key cared about
	Mask uint64

	elem list.Handle
}

// Pool is a resizable collection of keyed entries. Active entries are kept newest first;
// entry storage that is not active waits on a free list for reuse. The number of entries in
// storage drifts toward a target: it may exceed the target under pressure, and Reset trims it
// back. A Pool is not safe for concurrent use.
type Pool[K comparable] struct {
	active     list.List[*Entry[K]]
	free       *queue.Queue
	numTarget  int
	numCurrent int
	limit      int
	memSubmask uint64
	destroyed  bool
}

// New creates a Pool and preallocates target free entries. If any of them cannot be allocated,
// everything is released and memutils.ErrOutOfMemory is returned.
func New[K comparable](target int, options CreateOptions) (*Pool[K], error) {
	if target < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidState, "invalid target capacity %d", target)
	}

	memSubmask := options.MemSubmask
	if memSubmask == 0 {
		memSubmask = DefaultMemSubmask
	}

	p := &Pool[K]{
		free:       queue.New(),
		numTarget:  target,
		limit:      options.Limit,
		memSubmask: memSubmask,
	}

	for i := 0; i < target; i++ {
		entry := p.allocateEntry()
		if entry == nil {
			p.Destroy()
			return nil, errors.Wrapf(memutils.ErrOutOfMemory, "could only preallocate %d of %d entries", i, target)
		}
		p.free.Add(entry)
	}

	return p, nil
}

func (p *Pool[K]) allocateEntry() *Entry[K] {
	if p.limit > 0 && p.numCurrent >= p.limit {
		return nil
	}

	p.numCurrent++
	return &Entry[K]{}
}

func (p *Pool[K]) checkUsable() error {
	if p.destroyed {
		return errors.Wrap(memutils.ErrInvalidState, "the pool has been destroyed")
	}
	return nil
}

// Len returns the number of active entries
func (p *Pool[K]) Len() int { return p.active.Len() }

// Current returns the number of entries held in storage, active or free
func (p *Pool[K]) Current() int { return p.numCurrent }

// Target returns the capacity the pool steers its storage toward
func (p *Pool[K]) Target() int { return p.numTarget }

// FreeCount returns the number of entries waiting on the free list
func (p *Pool[K]) FreeCount() int {
	if p.free == nil {
		return 0
	}
	return p.free.Length()
}

// SetTarget changes the target capacity. Storage is adjusted toward it on the next Reset.
func (p *Pool[K]) SetTarget(target int) {
	if target < 0 {
		target = 0
	}
	p.numTarget = target
}

// Reset returns every active entry to the free list and then allocates or releases free entries
// to bring storage back to the target capacity. If storage cannot grow to the target,
// memutils.ErrOutOfMemory is returned; the active entries have still been released.
func (p *Pool[K]) Reset() error {
	if err := p.checkUsable(); err != nil {
		return err
	}

	for e := p.active.Front(); e != list.Nil; e = p.active.Front() {
		p.release(p.active.Remove(e))
	}

	return p.adjust()
}

func (p *Pool[K]) adjust() error {
	for p.numCurrent > p.numTarget && p.free.Length() > 0 {
		p.free.Remove()
		p.numCurrent--
	}

	for p.numCurrent < p.numTarget {
		entry := p.allocateEntry()
		if entry == nil {
			return errors.Wrapf(memutils.ErrOutOfMemory, "could only grow the pool to %d of %d entries", p.numCurrent, p.numTarget)
		}
		p.free.Add(entry)
	}

	return nil
}

func (p *Pool[K]) release(entry *Entry[K]) {
	var zero K
	entry.Key = zero
	entry.Flags = 0
	entry.Mask = 0
	entry.elem = list.Nil
	p.free.Add(entry)
}

// Find returns the active entry for key, if there is one
func (p *Pool[K]) Find(key K) (*Entry[K], bool) {
	for e := p.active.Front(); e != list.Nil; e = p.active.Next(e) {
		entry := p.active.Value(e)
		if entry.Key == key {
			return entry, true
		}
	}

	return nil, false
}

// FindOrCreate returns the active entry for key, creating it with flags and mask if there is
// none. The boolean result is true when the entry was created by this call.
//
// When the entry already exists the new request is reconciled with it: the two requests must
// share a memory location bit, and any other bit that both masks cover must have the same
// value in both. If either check fails, memutils.ErrIncompatible is returned and the entry is
// left unchanged. Otherwise the masks are combined, the memory location bits are narrowed to
// the common ones, and the remaining bits are combined.
func (p *Pool[K]) FindOrCreate(key K, flags, mask uint64) (*Entry[K], bool, error) {
	if err := p.checkUsable(); err != nil {
		return nil, false, err
	}

	if entry, ok := p.Find(key); ok {
		if err := p.reconcile(entry, flags, mask); err != nil {
			return nil, false, err
		}
		return entry, false, nil
	}

	var entry *Entry[K]
	if p.free.Length() > 0 {
		entry = p.free.Remove().(*Entry[K])
	} else {
		entry = p.allocateEntry()
		if entry == nil {
			return nil, false, errors.Wrapf(memutils.ErrOutOfMemory, "the pool is limited to %d entries", p.limit)
		}
	}

	entry.Key = key
	entry.Flags = flags
	entry.Mask = mask
	entry.elem = p.active.PushFront(entry)

	return entry, true, nil
}

func (p *Pool[K]) reconcile(entry *Entry[K], flags, mask uint64) error {
	memMask := (entry.Mask | mask) & p.memSubmask
	memFlags := entry.Flags & flags & memMask

	if memFlags == 0 {
		return errors.Wrapf(memutils.ErrIncompatible, "no common memory location: 0x%x vs 0x%x", entry.Flags&memMask, flags&memMask)
	}

	conflict := mask & entry.Mask & ^p.memSubmask & (entry.Flags ^ flags)
	if conflict != 0 {
		return errors.Wrapf(memutils.ErrIncompatible, "conflicting flag bits 0x%x", conflict)
	}

	entry.Mask |= mask
	entry.Flags = memFlags | ((entry.Flags | flags) & entry.Mask & ^p.memSubmask)

	return nil
}

// Remove releases the active entry for key to the free list. It returns false if key has no
// active entry.
func (p *Pool[K]) Remove(key K) bool {
	entry, ok := p.Find(key)
	if !ok {
		return false
	}

	p.active.Remove(entry.elem)
	p.release(entry)
	return true
}

// Destroy releases every entry. The pool cannot be used afterward.
func (p *Pool[K]) Destroy() {
	p.active.Clear()
	p.free = queue.New()
	p.numCurrent = 0
	p.destroyed = true
}
