package bufmgr

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/drmbuf/memutils/nodepool"
	"golang.org/x/exp/slog"
)

// ValidateList collects the buffers a batch of GPU work will touch, together with the
// placement each of them needs. Adding a buffer twice reconciles the two requests; Validate
// then asks the backend to move each buffer where the batch needs it.
type ValidateList struct {
	manager *Manager
	pool    *nodepool.Pool[Buffer]
}

// NewValidateList creates an empty validate list
func (m *Manager) NewValidateList() (*ValidateList, error) {
	pool, err := nodepool.New[Buffer](m.validateListTarget, nodepool.CreateOptions{
		MemSubmask: uint64(MaskMem),
	})
	if err != nil {
		return nil, err
	}

	return &ValidateList{
		manager: m,
		pool:    pool,
	}, nil
}

// Add records that buf must be placed according to the bits of flags selected by mask. The
// boolean result is true the first time buf is added. If buf is already on the list, the
// two requests must agree on at least one memory type and on every other bit both masks
// select, or memutils.ErrIncompatible is returned and the earlier request stands.
func (l *ValidateList) Add(buf Buffer, flags, mask Flags) (bool, error) {
	if buf == nil {
		return false, errors.New("cannot add a nil buffer to a validate list")
	}

	_, added, err := l.pool.FindOrCreate(buf, uint64(flags), uint64(mask))
	if err != nil {
		return false, errors.Wrapf(err, "buffer %d", buf.Handle())
	}

	return added, nil
}

// Requested returns the reconciled flags and mask recorded for buf
func (l *ValidateList) Requested(buf Buffer) (flags, mask Flags, ok bool) {
	entry, ok := l.pool.Find(buf)
	if !ok {
		return 0, 0, false
	}
	return Flags(entry.Flags), Flags(entry.Mask), true
}

// Len returns the number of buffers on the list
func (l *ValidateList) Len() int { return l.pool.Len() }

// Buffers returns the buffers on the list, most recently added first
func (l *ValidateList) Buffers() []Buffer {
	buffers := make([]Buffer, 0, l.pool.Len())
	it := l.pool.Iterate()
	for it.Next() {
		buffers = append(buffers, it.Entry().Key)
	}
	return buffers
}

// Validate asks the backend to place every buffer on the list, most recently added first. It
// stops at the first failure.
func (l *ValidateList) Validate() error {
	l.manager.logger.Debug("ValidateList::Validate", slog.Int("buffers", l.pool.Len()))

	it := l.pool.Iterate()
	for it.Next() {
		entry := it.Entry()
		if err := l.manager.ValidateBuffer(entry.Key, Flags(entry.Flags), Flags(entry.Mask)); err != nil {
			return errors.Wrapf(err, "validating buffer %d", entry.Key.Handle())
		}
	}

	return nil
}

// Reset empties the list for the next batch
func (l *ValidateList) Reset() error {
	return l.pool.Reset()
}

// Destroy releases the list's storage. The list must not be used afterward.
func (l *ValidateList) Destroy() {
	l.pool.Destroy()
}
