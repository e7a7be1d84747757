package nodepool_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/drmbuf/memutils"
	"github.com/vkngwrapper/drmbuf/memutils/nodepool"
)

const (
	memLocal uint64 = 1 << 24
	memTT    uint64 = 1 << 25
	memVRAM  uint64 = 1 << 26
	memMask  uint64 = 0xFF000000

	flagRead  uint64 = 1 << 0
	flagWrite uint64 = 1 << 1
	flagExe   uint64 = 1 << 2
)

type bufferKey struct {
	name string
}

func keys[K comparable](p *nodepool.Pool[K]) []K {
	var out []K
	it := p.Iterate()
	for it.Next() {
		out = append(out, it.Entry().Key)
	}
	return out
}

func TestPoolPreallocatesTarget(t *testing.T) {
	pool, err := nodepool.New[*bufferKey](8, nodepool.CreateOptions{})
	require.NoError(t, err)

	require.Equal(t, 8, pool.Target())
	require.Equal(t, 8, pool.Current())
	require.Equal(t, 8, pool.FreeCount())
	require.Equal(t, 0, pool.Len())
}

func TestPoolCreateFailsWhenLimitBelowTarget(t *testing.T) {
	_, err := nodepool.New[*bufferKey](8, nodepool.CreateOptions{Limit: 4})
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	_, err = nodepool.New[*bufferKey](-1, nodepool.CreateOptions{})
	require.True(t, errors.Is(err, memutils.ErrInvalidState))
}

func TestPoolIdentityUniqueness(t *testing.T) {
	pool, err := nodepool.New[*bufferKey](2, nodepool.CreateOptions{})
	require.NoError(t, err)

	a := &bufferKey{name: "a"}
	b := &bufferKey{name: "b"}
	aliasOfA := &bufferKey{name: "a"}

	entry, created, err := pool.FindOrCreate(a, memVRAM|flagRead, memVRAM|flagRead)
	require.NoError(t, err)
	require.True(t, created)
	require.Same(t, a, entry.Key)

	for i := 0; i < 5; i++ {
		again, created, err := pool.FindOrCreate(a, memVRAM|flagRead, memVRAM|flagRead)
		require.NoError(t, err)
		require.False(t, created)
		require.Same(t, entry, again)
	}

	_, created, err = pool.FindOrCreate(b, memTT, memTT)
	require.NoError(t, err)
	require.True(t, created)

	// Keys compare by identity, not by content
	_, created, err = pool.FindOrCreate(aliasOfA, memVRAM, memVRAM)
	require.NoError(t, err)
	require.True(t, created)

	require.Equal(t, 3, pool.Len())
	require.Equal(t, []*bufferKey{aliasOfA, b, a}, keys(pool))

	// Grew past the target under pressure
	require.Equal(t, 3, pool.Current())
}

func TestPoolReconcileNarrowsMemoryLocations(t *testing.T) {
	pool, err := nodepool.New[string](1, nodepool.CreateOptions{})
	require.NoError(t, err)

	entry, _, err := pool.FindOrCreate("scanout", memVRAM|memTT|flagRead, memMask|flagRead)
	require.NoError(t, err)

	_, created, err := pool.FindOrCreate("scanout", memVRAM|memLocal|flagWrite, memMask|flagWrite)
	require.NoError(t, err)
	require.False(t, created)

	require.Equal(t, memMask|flagRead|flagWrite, entry.Mask)
	require.Equal(t, memVRAM|flagRead|flagWrite, entry.Flags)
}

func TestPoolReconcileNoCommonMemoryLocation(t *testing.T) {
	pool, err := nodepool.New[string](1, nodepool.CreateOptions{})
	require.NoError(t, err)

	entry, _, err := pool.FindOrCreate("texture", memVRAM|flagRead, memMask|flagRead)
	require.NoError(t, err)

	_, _, err = pool.FindOrCreate("texture", memTT|flagRead, memMask|flagRead)
	require.True(t, errors.Is(err, memutils.ErrIncompatible))

	require.Equal(t, memVRAM|flagRead, entry.Flags)
	require.Equal(t, memMask|flagRead, entry.Mask)
	require.Equal(t, 1, pool.Len())
}

func TestPoolReconcileConflictingAttribute(t *testing.T) {
	pool, err := nodepool.New[string](1, nodepool.CreateOptions{})
	require.NoError(t, err)

	entry, _, err := pool.FindOrCreate("vertex", memVRAM|flagExe, memMask|flagExe)
	require.NoError(t, err)

	// Both care about flagExe and disagree on it
	_, _, err = pool.FindOrCreate("vertex", memVRAM, memMask|flagExe)
	require.True(t, errors.Is(err, memutils.ErrIncompatible))
	require.Equal(t, memVRAM|flagExe, entry.Flags)
	require.Equal(t, memMask|flagExe, entry.Mask)

	// A request that does not care about flagExe merges cleanly
	_, _, err = pool.FindOrCreate("vertex", memVRAM, memMask)
	require.NoError(t, err)
	require.Equal(t, memVRAM|flagExe, entry.Flags)
}

func TestPoolCustomMemSubmask(t *testing.T) {
	pool, err := nodepool.New[int](0, nodepool.CreateOptions{MemSubmask: 0x3})
	require.NoError(t, err)

	_, _, err = pool.FindOrCreate(1, 0x1, 0x3)
	require.NoError(t, err)

	_, _, err = pool.FindOrCreate(1, 0x2, 0x3)
	require.True(t, errors.Is(err, memutils.ErrIncompatible))
}

func TestPoolResetReturnsToTarget(t *testing.T) {
	pool, err := nodepool.New[int](2, nodepool.CreateOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, created, err := pool.FindOrCreate(i, memVRAM, memVRAM)
		require.NoError(t, err)
		require.True(t, created)
	}
	require.Equal(t, 5, pool.Current())
	require.Equal(t, 0, pool.FreeCount())

	require.NoError(t, pool.Reset())
	require.Equal(t, 0, pool.Len())
	require.Equal(t, 2, pool.Current())
	require.Equal(t, 2, pool.FreeCount())

	// After a reset a key is new again
	_, created, err := pool.FindOrCreate(0, memTT, memTT)
	require.NoError(t, err)
	require.True(t, created)

	pool.SetTarget(6)
	require.NoError(t, pool.Reset())
	require.Equal(t, 6, pool.Current())
	require.Equal(t, 6, pool.FreeCount())
}

func TestPoolLimit(t *testing.T) {
	pool, err := nodepool.New[int](1, nodepool.CreateOptions{Limit: 2})
	require.NoError(t, err)

	_, _, err = pool.FindOrCreate(1, memVRAM, memVRAM)
	require.NoError(t, err)
	_, _, err = pool.FindOrCreate(2, memVRAM, memVRAM)
	require.NoError(t, err)
	_, _, err = pool.FindOrCreate(3, memVRAM, memVRAM)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	require.True(t, pool.Remove(1))
	require.False(t, pool.Remove(1))
	_, created, err := pool.FindOrCreate(3, memVRAM, memVRAM)
	require.NoError(t, err)
	require.True(t, created)

	pool.SetTarget(3)
	require.True(t, errors.Is(pool.Reset(), memutils.ErrOutOfMemory))
	require.Equal(t, 0, pool.Len())
}

func TestPoolIteratorOrderAndEnd(t *testing.T) {
	pool, err := nodepool.New[int](0, nodepool.CreateOptions{})
	require.NoError(t, err)

	it := pool.Iterate()
	require.Nil(t, it.Entry())
	require.False(t, it.Next())

	for i := 1; i <= 3; i++ {
		_, _, err = pool.FindOrCreate(i, memVRAM, memVRAM)
		require.NoError(t, err)
	}

	it = pool.Iterate()
	require.True(t, it.Next())
	require.Equal(t, 3, it.Entry().Key)
	require.True(t, it.Next())
	require.Equal(t, 2, it.Entry().Key)
	require.True(t, it.Next())
	require.Equal(t, 1, it.Entry().Key)
	require.False(t, it.Next())
	require.Nil(t, it.Entry())
	require.False(t, it.Next())
}

func TestPoolDestroy(t *testing.T) {
	pool, err := nodepool.New[int](4, nodepool.CreateOptions{})
	require.NoError(t, err)
	_, _, err = pool.FindOrCreate(1, memVRAM, memVRAM)
	require.NoError(t, err)

	pool.Destroy()
	require.Equal(t, 0, pool.Len())
	require.Equal(t, 0, pool.Current())
	require.Equal(t, 0, pool.FreeCount())

	_, _, err = pool.FindOrCreate(1, memVRAM, memVRAM)
	require.True(t, errors.Is(err, memutils.ErrInvalidState))
	require.True(t, errors.Is(pool.Reset(), memutils.ErrInvalidState))
}
