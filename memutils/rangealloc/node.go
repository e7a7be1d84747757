package rangealloc

import "github.com/vkngwrapper/drmbuf/memutils/list"

// Node is a contiguous sub-range of the range managed by a Head. A node is either free or
// allocated. An allocated node returned by GetBlock belongs to the caller, and its start and
// size are fixed, until it is handed back with PutBlock. Nodes are never reused, so a node
// that has been released keeps a nil Head and is rejected by every allocator.
type Node struct {
	start uint64
	size  uint64
	free  bool
	head  *Head

	rangeElem list.Handle
	freeElem  list.Handle

	// Private is opaque data the owner of an allocated node may attach to it
	Private any
}

// Start is the first address covered by the node
func (n *Node) Start() uint64 { return n.start }

// Size is the number of addresses covered by the node
func (n *Node) Size() uint64 { return n.size }

// End is one past the last address covered by the node
func (n *Node) End() uint64 { return n.start + n.size }

// IsFree reports whether the node is on its allocator's free stack
func (n *Node) IsFree() bool { return n.free }

// Head returns the allocator that owns the node, or nil once the node has been released
func (n *Node) Head() *Head { return n.head }
