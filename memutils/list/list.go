// Package list provides a doubly linked list whose elements live in a slice-backed arena.
// Elements are addressed by Handle rather than by pointer, so splicing and removal are O(1)
// without any element holding a pointer to its neighbors.
package list

// Handle identifies a live element of a List. The zero Handle, Nil, never refers to an element.
type Handle uint32

// Nil is returned when there is no element to return, such as Front on an empty list
const Nil Handle = 0

type slot[T any] struct {
	value T
	prev  Handle
	next  Handle
	live  bool
}

// List is an arena-backed doubly linked list. The zero value is an empty list ready to use.
// Slot 0 of the arena is the sentinel that joins the tail back to the head.
type List[T any] struct {
	slots []slot[T]
	free  []Handle
	count int
}

// New creates a List with room for capacity elements before the arena must grow
func New[T any](capacity int) *List[T] {
	l := &List[T]{}
	l.slots = make([]slot[T], 1, capacity+1)
	return l
}

func (l *List[T]) lazyInit() {
	if len(l.slots) == 0 {
		l.slots = make([]slot[T], 1, 8)
	}
}

func (l *List[T]) allocate(value T) Handle {
	l.lazyInit()

	var h Handle
	if len(l.free) > 0 {
		h = l.free[len(l.free)-1]
		l.free = l.free[:len(l.free)-1]
	} else {
		l.slots = append(l.slots, slot[T]{})
		h = Handle(len(l.slots) - 1)
	}

	l.slots[h] = slot[T]{value: value, live: true}
	return h
}

// link places h between prev and next, which must be adjacent
func (l *List[T]) link(h, prev, next Handle) {
	l.slots[h].prev = prev
	l.slots[h].next = next
	l.slots[prev].next = h
	l.slots[next].prev = h
	l.count++
}

// Len returns the number of live elements
func (l *List[T]) Len() int { return l.count }

// Contains reports whether h refers to a live element of this list
func (l *List[T]) Contains(h Handle) bool {
	return h != Nil && int(h) < len(l.slots) && l.slots[h].live
}

// PushFront inserts value at the head of the list
func (l *List[T]) PushFront(value T) Handle {
	h := l.allocate(value)
	l.link(h, Nil, l.slots[Nil].next)
	return h
}

// PushBack inserts value at the tail of the list
func (l *List[T]) PushBack(value T) Handle {
	h := l.allocate(value)
	l.link(h, l.slots[Nil].prev, Nil)
	return h
}

// InsertBefore inserts value immediately before the live element mark
func (l *List[T]) InsertBefore(mark Handle, value T) Handle {
	if !l.Contains(mark) {
		panic("list: InsertBefore called with a handle that is not in the list")
	}

	h := l.allocate(value)
	l.link(h, l.slots[mark].prev, mark)
	return h
}

// InsertAfter inserts value immediately after the live element mark
func (l *List[T]) InsertAfter(mark Handle, value T) Handle {
	if !l.Contains(mark) {
		panic("list: InsertAfter called with a handle that is not in the list")
	}

	h := l.allocate(value)
	l.link(h, mark, l.slots[mark].next)
	return h
}

// Remove unlinks h from the list and returns its value. The handle may be reused by
// a later insertion.
func (l *List[T]) Remove(h Handle) T {
	if !l.Contains(h) {
		panic("list: Remove called with a handle that is not in the list")
	}

	s := l.slots[h]
	l.slots[s.prev].next = s.next
	l.slots[s.next].prev = s.prev

	var zero T
	l.slots[h] = slot[T]{value: zero}
	l.free = append(l.free, h)
	l.count--

	return s.value
}

// Front returns the head element, or Nil if the list is empty
func (l *List[T]) Front() Handle {
	if len(l.slots) == 0 {
		return Nil
	}
	return l.slots[Nil].next
}

// Back returns the tail element, or Nil if the list is empty
func (l *List[T]) Back() Handle {
	if len(l.slots) == 0 {
		return Nil
	}
	return l.slots[Nil].prev
}

// Next returns the element following h, or Nil if h is the tail
func (l *List[T]) Next(h Handle) Handle {
	return l.slots[h].next
}

// Prev returns the element preceding h, or Nil if h is the head
func (l *List[T]) Prev(h Handle) Handle {
	return l.slots[h].prev
}

// Value returns the value stored at h
func (l *List[T]) Value(h Handle) T {
	return l.slots[h].value
}

// Set replaces the value stored at h
func (l *List[T]) Set(h Handle, value T) {
	if !l.Contains(h) {
		panic("list: Set called with a handle that is not in the list")
	}
	l.slots[h].value = value
}

// Clear removes every element, keeping the arena's capacity
func (l *List[T]) Clear() {
	if len(l.slots) == 0 {
		return
	}

	l.slots = l.slots[:1]
	l.slots[Nil] = slot[T]{}
	l.free = l.free[:0]
	l.count = 0
}
