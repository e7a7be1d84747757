package rangealloc

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/drmbuf/memutils"
	"github.com/vkngwrapper/drmbuf/memutils/list"
)

// CreateOptions contains optional settings for a Head
type CreateOptions struct {
	// NodeLimit caps the number of nodes the Head may hold at once. Once the cap is reached,
	// any operation that must split a node fails with memutils.ErrOutOfMemory. Zero means
	// no limit.
	NodeLimit int
}

// Head manages the linear range [start, start+size) as an ordered list of contiguous nodes,
// each of them either free or allocated. Free nodes are also kept on an unordered free stack
// that searches walk from the most recently freed node down.
//
// Adjacent nodes are never both free, and the nodes always tile the managed range with no
// gaps or overlaps. A Head is not safe for concurrent use.
type Head struct {
	start uint64
	size  uint64

	nodes     list.List[*Node]
	freeStack list.List[*Node]
	allocated *swiss.Map[uint64, *Node]
	nodeCount int
	nodeLimit int

	takenDown bool
}

// New creates a Head managing [start, start+size) as one free node.
func New(start, size uint64, options CreateOptions) (*Head, error) {
	if size == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidState, "cannot manage an empty range")
	}
	if _, ok := memutils.AddNoWrap(start, size); !ok {
		return nil, errors.Wrapf(memutils.ErrInvalidState, "range starting at %d with size %d wraps the address space", start, size)
	}

	h := &Head{
		start:     start,
		size:      size,
		allocated: swiss.NewMap[uint64, *Node](42),
		nodeLimit: options.NodeLimit,
	}

	node := h.allocateNode()
	if node == nil {
		return nil, errors.Wrap(memutils.ErrOutOfMemory, "could not allocate the initial node")
	}

	node.start = start
	node.size = size
	node.rangeElem = h.nodes.PushBack(node)
	h.pushFree(node)

	return h, nil
}

func (h *Head) allocateNode() *Node {
	if h.nodeLimit > 0 && h.nodeCount >= h.nodeLimit {
		return nil
	}

	n := &Node{
		head:      h,
		rangeElem: list.Nil,
		freeElem:  list.Nil,
	}

	h.nodeCount++
	return n
}

func (h *Head) releaseNode(n *Node) {
	h.nodeCount--
	n.head = nil
	n.Private = nil
	n.rangeElem = list.Nil
	n.freeElem = list.Nil
	n.free = false
}

func (h *Head) pushFree(n *Node) {
	n.free = true
	n.freeElem = h.freeStack.PushFront(n)
}

func (h *Head) removeFree(n *Node) {
	h.freeStack.Remove(n.freeElem)
	n.freeElem = list.Nil
	n.free = false
}

func (h *Head) checkUsable() error {
	if h.takenDown {
		return errors.Wrap(memutils.ErrInvalidState, "the allocator has been taken down")
	}
	return nil
}

func (h *Head) checkOwned(n *Node) error {
	if n == nil {
		return errors.Wrap(memutils.ErrInvalidState, "received a nil node")
	}
	if n.head != h {
		return errors.Wrap(memutils.ErrInvalidState, "received a node that does not belong to this allocator")
	}
	return nil
}

// Start returns the first address of the managed range
func (h *Head) Start() uint64 { return h.start }

// Size returns the current size of the managed range, including any space added to or
// removed from the tail since creation
func (h *Head) Size() uint64 { return h.size }

// NodeCount returns the number of nodes, free and allocated, that tile the range
func (h *Head) NodeCount() int { return h.nodes.Len() }

// FreeNodeCount returns the number of nodes on the free stack
func (h *Head) FreeNodeCount() int { return h.freeStack.Len() }

// AllocationCount returns the number of allocated nodes
func (h *Head) AllocationCount() int { return h.nodes.Len() - h.freeStack.Len() }

// SumFreeSize returns the total size of every free node
func (h *Head) SumFreeSize() uint64 {
	var sum uint64
	for e := h.freeStack.Front(); e != list.Nil; e = h.freeStack.Next(e) {
		sum += h.freeStack.Value(e).size
	}
	return sum
}

// Lookup returns the allocated node that starts at the provided address, if any
func (h *Head) Lookup(start uint64) (*Node, bool) {
	return h.allocated.Get(start)
}

// SearchFree looks for a free node able to hold size bytes once the node's start has been
// padded up to alignment. An alignment of 0 means no constraint. The node is not modified:
// pass it to GetBlock to carve out the allocation. If no free node fits, SearchFree returns
// memutils.ErrOutOfMemory.
func (h *Head) SearchFree(size, alignment uint64, strategy Strategy) (*Node, error) {
	if err := h.checkUsable(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidState, "cannot search for an empty allocation")
	}

	var best *Node
	bestSize := ^uint64(0)

	for e := h.freeStack.Front(); e != list.Nil; e = h.freeStack.Next(e) {
		entry := h.freeStack.Value(e)
		if entry.size < size {
			continue
		}

		needed, ok := memutils.AddNoWrap(size, memutils.AlignmentPadding(entry.start, alignment))
		if !ok || entry.size < needed {
			continue
		}

		switch strategy {
		case StrategyBestFit:
			if entry.size < bestSize {
				best = entry
				bestSize = entry.size
			}
		case StrategyLegacyBestFit:
			if size < bestSize {
				best = entry
				bestSize = entry.size
			}
		default:
			return entry, nil
		}
	}

	if best == nil {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "no free node can hold %d bytes with alignment %d", size, alignment)
	}

	return best, nil
}

// splitAtStart carves an allocated node of the provided size off the front of parent, which
// shrinks from the front. It returns nil if the node limit has been reached.
func (h *Head) splitAtStart(parent *Node, size uint64) *Node {
	child := h.allocateNode()
	if child == nil {
		return nil
	}

	child.start = parent.start
	child.size = size
	child.rangeElem = h.nodes.InsertBefore(parent.rangeElem, child)

	parent.start += size
	parent.size -= size

	return child
}

// GetBlock allocates size bytes from the free node returned by SearchFree, with the start of
// the allocation aligned to alignment. Padding needed to reach alignment is split off the front
// of the node and stays free. The returned node is owned by the caller until it is passed to
// PutBlock; it starts on an alignment boundary and its size is exactly size.
//
// If a split cannot be made, GetBlock returns memutils.ErrOutOfMemory and the free space is
// left exactly as it was.
func (h *Head) GetBlock(node *Node, size, alignment uint64) (*Node, error) {
	if err := h.checkUsable(); err != nil {
		return nil, err
	}
	if err := h.checkOwned(node); err != nil {
		return nil, err
	}
	if !node.free {
		return nil, errors.Wrapf(memutils.ErrInvalidState, "node at %d is already allocated", node.start)
	}
	if size == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidState, "cannot allocate an empty block")
	}

	padding := memutils.AlignmentPadding(node.start, alignment)
	needed, ok := memutils.AddNoWrap(size, padding)
	if !ok || node.size < needed {
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "node at %d with size %d cannot hold %d bytes with alignment %d", node.start, node.size, size, alignment)
	}

	var alignSplit *Node
	if padding != 0 {
		alignSplit = h.splitAtStart(node, padding)
		if alignSplit == nil {
			return nil, errors.Wrap(memutils.ErrOutOfMemory, "could not allocate a node for alignment padding")
		}
	}

	var result *Node
	if node.size == size {
		h.removeFree(node)
		result = node
	} else {
		result = h.splitAtStart(node, size)
	}

	if alignSplit != nil {
		// Either way the padding goes back to free space: on success it stays a free fragment
		// in front of the allocation, on failure it merges back into the node it came from.
		h.putBlock(alignSplit)
	}

	if result == nil {
		return nil, errors.Wrap(memutils.ErrOutOfMemory, "could not allocate a node for the requested block")
	}

	h.allocated.Put(result.start, result)
	memutils.DebugValidate(h)

	return result, nil
}

// PutBlock returns an allocated node to free space, merging it with a free neighbor on either
// side. The node must not be used after PutBlock returns.
func (h *Head) PutBlock(node *Node) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	if err := h.checkOwned(node); err != nil {
		return err
	}
	if node.free {
		return errors.Wrapf(memutils.ErrInvalidState, "node at %d is already free", node.start)
	}

	h.allocated.Delete(node.start)
	h.putBlock(node)
	memutils.DebugValidate(h)

	return nil
}

func (h *Head) putBlock(cur *Node) {
	var prev *Node
	merged := false

	if prevElem := h.nodes.Prev(cur.rangeElem); prevElem != list.Nil {
		prev = h.nodes.Value(prevElem)
		if prev.free {
			prev.size += cur.size
			merged = true
		}
	}

	if nextElem := h.nodes.Next(cur.rangeElem); nextElem != list.Nil {
		next := h.nodes.Value(nextElem)
		if next.free {
			if merged {
				prev.size += next.size
				h.nodes.Remove(next.rangeElem)
				h.removeFree(next)
				h.releaseNode(next)
			} else {
				next.size += cur.size
				next.start = cur.start
				merged = true
			}
		}
	}

	if !merged {
		h.pushFree(cur)
		return
	}

	h.nodes.Remove(cur.rangeElem)
	h.releaseNode(cur)
}

func (h *Head) tail() *Node {
	return h.nodes.Value(h.nodes.Back())
}

// TailSpace returns the size of the last node of the range if it is free, or 0 if it is
// allocated
func (h *Head) TailSpace() uint64 {
	if h.takenDown {
		return 0
	}

	tail := h.tail()
	if !tail.free {
		return 0
	}
	return tail.size
}

// RemoveSpaceFromTail shrinks the managed range by size bytes taken from the free tail node.
// It fails with memutils.ErrOutOfMemory if the tail node is allocated or is not strictly
// larger than size.
func (h *Head) RemoveSpaceFromTail(size uint64) error {
	if err := h.checkUsable(); err != nil {
		return err
	}

	tail := h.tail()
	if !tail.free {
		return errors.Wrap(memutils.ErrOutOfMemory, "the tail node is allocated")
	}
	if tail.size <= size {
		return errors.Wrapf(memutils.ErrOutOfMemory, "the tail node holds %d bytes and cannot give up %d", tail.size, size)
	}

	tail.size -= size
	h.size -= size
	memutils.DebugValidate(h)

	return nil
}

// AddSpaceToTail grows the managed range by size bytes. The space extends the tail node if it
// is free; otherwise it becomes a new free tail node.
func (h *Head) AddSpaceToTail(size uint64) error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	end, ok := memutils.AddNoWrap(h.start, h.size)
	if ok {
		_, ok = memutils.AddNoWrap(end, size)
	}
	if !ok {
		return errors.Wrapf(memutils.ErrInvalidState, "adding %d bytes would wrap the address space", size)
	}

	tail := h.tail()
	if tail.free {
		tail.size += size
		h.size += size
		return nil
	}

	node := h.allocateNode()
	if node == nil {
		return errors.Wrap(memutils.ErrOutOfMemory, "could not allocate a new tail node")
	}

	node.start = end
	node.size = size
	node.rangeElem = h.nodes.PushBack(node)
	h.pushFree(node)
	h.size += size
	memutils.DebugValidate(h)

	return nil
}

// IsClean reports whether the whole range is a single free node, meaning every allocation
// has been returned
func (h *Head) IsClean() bool {
	if h.takenDown || h.nodes.Len() != 1 {
		return false
	}

	return h.tail().free
}

// Takedown releases the allocator. It is only valid once every allocation has been returned;
// otherwise it returns memutils.ErrInvalidState and leaves the allocator untouched.
func (h *Head) Takedown() error {
	if err := h.checkUsable(); err != nil {
		return err
	}
	if !h.IsClean() {
		return errors.Wrapf(memutils.ErrInvalidState, "allocator is not clean: %d nodes remain, %d of them allocated",
			h.nodes.Len(), h.AllocationCount())
	}

	last := h.tail()
	h.removeFree(last)
	h.nodes.Remove(last.rangeElem)
	h.releaseNode(last)
	h.allocated = swiss.NewMap[uint64, *Node](42)
	h.takenDown = true

	return nil
}
