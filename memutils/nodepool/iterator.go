package nodepool

import "github.com/vkngwrapper/drmbuf/memutils/list"

// Iterator walks the active entries of a Pool, newest first. It cannot be restarted, and it is
// invalidated by any change to the pool's active entries.
type Iterator[K comparable] struct {
	pool    *Pool[K]
	next    list.Handle
	current *Entry[K]
}

// Iterate returns an Iterator positioned before the newest active entry
func (p *Pool[K]) Iterate() *Iterator[K] {
	return &Iterator[K]{
		pool: p,
		next: p.active.Front(),
	}
}

// Next advances to the next entry and reports whether there was one
func (it *Iterator[K]) Next() bool {
	if it.next == list.Nil {
		it.current = nil
		return false
	}

	it.current = it.pool.active.Value(it.next)
	it.next = it.pool.active.Next(it.next)
	return true
}

// Entry returns the entry the iterator is positioned on, or nil before the first call to
// Next and after the last one
func (it *Iterator[K]) Entry() *Entry[K] {
	return it.current
}
