package software_test

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/drmbuf/bufmgr"
	"github.com/vkngwrapper/drmbuf/bufmgr/software"
	"github.com/vkngwrapper/drmbuf/fence"
	"github.com/vkngwrapper/drmbuf/memutils"
	"golang.org/x/exp/slog"
)

func newBackend(t *testing.T, options bufmgr.Options, flags software.CreateFlags) *software.Backend {
	logger := slog.New(slog.NewJSONHandler(io.Discard))
	backend, err := software.New(logger, options, flags)
	require.NoError(t, err)
	return backend
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()

	var backendErr *bufmgr.BackendError
	require.True(t, errors.As(err, &backendErr), "expected a backend error, got %v", err)
	require.Equal(t, code, backendErr.Code)
}

func TestNewRejectsBadOptions(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard))

	_, err := software.New(logger, bufmgr.Options{Strategy: "worst-fit"}, 0)
	require.Error(t, err)

	_, err = software.New(logger, bufmgr.Options{
		FenceClasses: []fence.ClassOptions{{SequenceMask: 0x1234}},
	}, 0)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestInitAndTakeDown(t *testing.T) {
	backend := newBackend(t, bufmgr.Options{}, 0)

	require.NoError(t, backend.InitMemType(bufmgr.MemTypeVRAM, 0, 8192))
	requireCode(t, backend.InitMemType(bufmgr.MemTypeVRAM, 0, 8192), software.CodeBusy)
	requireCode(t, backend.InitMemType(bufmgr.MemTypeTT, 0, 0), software.CodeInvalid)
	requireCode(t, backend.InitMemType(bufmgr.MaxMemTypes, 0, 4096), software.CodeInvalid)

	require.NoError(t, backend.TakeDownMemType(bufmgr.MemTypeVRAM))
	requireCode(t, backend.TakeDownMemType(bufmgr.MemTypeVRAM), software.CodeNotFound)

	// The memory type can be brought back after it is taken down
	require.NoError(t, backend.InitMemType(bufmgr.MemTypeVRAM, 4096, 8192))
	require.NoError(t, backend.TakeDownMemType(bufmgr.MemTypeVRAM))
}

func TestTakeDownLogsLiveBuffers(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs))

	backend, err := software.New(logger, bufmgr.Options{}, 0)
	require.NoError(t, err)
	require.NoError(t, backend.InitMemType(bufmgr.MemTypeTT, 0, 4096))

	buf, err := backend.CreateBuffer(bufmgr.BufferCreateInfo{Size: 100, Flags: bufmgr.MemTT})
	require.NoError(t, err)

	err = backend.TakeDownMemType(bufmgr.MemTypeTT)
	requireCode(t, err, software.CodeBusy)
	require.ErrorIs(t, err, memutils.ErrInvalidState)
	require.Contains(t, logs.String(), "buffer was not destroyed before its memory type was taken down")
	require.Contains(t, logs.String(), `"handle":1`)

	require.NoError(t, backend.DestroyBuffer(buf))
	require.NoError(t, backend.TakeDownMemType(bufmgr.MemTypeTT))
}

func TestNodeLimit(t *testing.T) {
	backend := newBackend(t, bufmgr.Options{NodeLimit: 2}, 0)
	require.NoError(t, backend.InitMemType(bufmgr.MemTypeVRAM, 0, 4096))

	_, err := backend.CreateBuffer(bufmgr.BufferCreateInfo{Size: 100, Flags: bufmgr.MemVRAM})
	require.NoError(t, err)

	// Splitting the remaining free range needs a third node
	_, err = backend.CreateBuffer(bufmgr.BufferCreateInfo{Size: 100, Flags: bufmgr.MemVRAM})
	requireCode(t, err, software.CodeNoMemory)

	// An exact fit reuses the free node
	_, err = backend.CreateBuffer(bufmgr.BufferCreateInfo{Size: 3996, Flags: bufmgr.MemVRAM})
	require.NoError(t, err)
	require.Equal(t, 2, backend.BufferCount())
}

func TestForeignBuffers(t *testing.T) {
	first := newBackend(t, bufmgr.Options{}, 0)
	second := newBackend(t, bufmgr.Options{}, 0)
	require.NoError(t, first.InitMemType(bufmgr.MemTypeLocal, 0, 4096))

	buf, err := first.CreateBuffer(bufmgr.BufferCreateInfo{Size: 64, Flags: bufmgr.MemLocal})
	require.NoError(t, err)

	requireCode(t, second.DestroyBuffer(buf), software.CodeInvalid)
	_, err = second.MapBuffer(buf, bufmgr.FlagRead)
	requireCode(t, err, software.CodeInvalid)

	_, err = first.MapBuffer(buf, bufmgr.FlagNoEvict)
	requireCode(t, err, software.CodeInvalid)

	require.NoError(t, first.DestroyBuffer(buf))
	requireCode(t, first.ValidateBuffer(buf, bufmgr.MemLocal, bufmgr.MaskMem), software.CodeNotFound)
}

func TestPinnedBuffersStay(t *testing.T) {
	backend := newBackend(t, bufmgr.Options{}, 0)
	require.NoError(t, backend.InitMemType(bufmgr.MemTypeVRAM, 0, 4096))
	require.NoError(t, backend.InitMemType(bufmgr.MemTypeTT, 0, 4096))

	buf, err := backend.CreateBuffer(bufmgr.BufferCreateInfo{Size: 64, Flags: bufmgr.MemVRAM | bufmgr.FlagNoEvict})
	require.NoError(t, err)

	requireCode(t, backend.ValidateBuffer(buf, bufmgr.MemTT, bufmgr.MaskMem), software.CodeBusy)
	require.Equal(t, bufmgr.MemTypeVRAM, buf.MemType())

	// Clearing the pin with the same request lets the buffer move
	require.NoError(t, backend.ValidateBuffer(buf, bufmgr.MemVRAM, bufmgr.FlagNoEvict))
	require.NoError(t, backend.ValidateBuffer(buf, bufmgr.MemTT, bufmgr.MaskMem))
	require.Equal(t, bufmgr.MemTypeTT, buf.MemType())
}

func TestMapReferenceCounting(t *testing.T) {
	backend := newBackend(t, bufmgr.Options{}, 0)
	require.NoError(t, backend.InitMemType(bufmgr.MemTypeTT, 8192, 4096))

	buf, err := backend.CreateBuffer(bufmgr.BufferCreateInfo{Size: 128, Alignment: 64, Flags: bufmgr.MemTT})
	require.NoError(t, err)
	sw := buf.(*software.Buffer)
	require.Equal(t, uint64(8192), sw.Offset())
	require.False(t, sw.IsUserBuffer())

	first, err := backend.MapBuffer(buf, bufmgr.FlagWrite)
	require.NoError(t, err)
	second, err := backend.MapBuffer(buf, bufmgr.FlagRead)
	require.NoError(t, err)
	require.Equal(t, 2, sw.MapCount())
	require.Len(t, first, 128)
	require.Equal(t, 128, cap(first))

	first[3] = 7
	require.Equal(t, byte(7), second[3])

	require.NoError(t, backend.UnmapBuffer(buf))
	require.NotNil(t, buf.Mapping())
	require.NoError(t, backend.UnmapBuffer(buf))
	require.Nil(t, buf.Mapping())
}

func TestLocks(t *testing.T) {
	backend := newBackend(t, bufmgr.Options{}, 0)
	require.NoError(t, backend.InitMemType(bufmgr.MemTypeVRAM, 0, 4096))

	require.NoError(t, backend.Lock(bufmgr.MemTypeVRAM))

	acquired := make(chan struct{})
	go func() {
		_ = backend.Lock(bufmgr.MemTypeVRAM)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("lock was acquired twice")
	case <-time.After(10 * time.Millisecond):
	}

	require.NoError(t, backend.Unlock(bufmgr.MemTypeVRAM))
	<-acquired
	require.NoError(t, backend.Unlock(bufmgr.MemTypeVRAM))
	requireCode(t, backend.Unlock(bufmgr.MemTypeVRAM), software.CodeInvalid)
	requireCode(t, backend.Lock(bufmgr.MemTypeTT), software.CodeNotFound)
}

func TestExternallySynchronizedLocks(t *testing.T) {
	backend := newBackend(t, bufmgr.Options{ExternallySynchronized: true}, 0)
	require.NoError(t, backend.InitMemType(bufmgr.MemTypeVRAM, 0, 4096))

	require.NoError(t, backend.Lock(bufmgr.MemTypeVRAM))
	require.NoError(t, backend.Lock(bufmgr.MemTypeVRAM))
	require.NoError(t, backend.Unlock(bufmgr.MemTypeVRAM))
}

func TestTakeDownLockedMemType(t *testing.T) {
	for _, external := range []bool{false, true} {
		backend := newBackend(t, bufmgr.Options{ExternallySynchronized: external}, 0)
		require.NoError(t, backend.InitMemType(bufmgr.MemTypeVRAM, 0, 4096))

		require.NoError(t, backend.Lock(bufmgr.MemTypeVRAM))
		requireCode(t, backend.TakeDownMemType(bufmgr.MemTypeVRAM), software.CodeBusy)

		// The refused takedown leaves the memory type in place and still locked
		_, err := backend.CreateBuffer(bufmgr.BufferCreateInfo{Size: 100, Flags: bufmgr.MemVRAM})
		require.NoError(t, err)
		require.NoError(t, backend.Unlock(bufmgr.MemTypeVRAM))
		requireCode(t, backend.Unlock(bufmgr.MemTypeVRAM), software.CodeInvalid)
	}

	backend := newBackend(t, bufmgr.Options{}, 0)
	require.NoError(t, backend.InitMemType(bufmgr.MemTypeVRAM, 0, 4096))
	require.NoError(t, backend.Lock(bufmgr.MemTypeVRAM))
	require.NoError(t, backend.Unlock(bufmgr.MemTypeVRAM))
	require.NoError(t, backend.TakeDownMemType(bufmgr.MemTypeVRAM))
}

func TestRetireFenceClasses(t *testing.T) {
	backend := newBackend(t, bufmgr.Options{
		FenceClasses: []fence.ClassOptions{{}, {SequenceMask: 0xFF}},
	}, 0)
	require.Equal(t, 2, backend.FenceClassCount())

	var fences []*fence.Fence
	for i := 0; i < 3; i++ {
		f, err := backend.FenceCreate(1, fence.TypeExe, fence.FlagEmit)
		require.NoError(t, err)
		fences = append(fences, f)
	}
	other, err := backend.FenceCreate(0, fence.TypeExe, fence.FlagEmit)
	require.NoError(t, err)

	require.Equal(t, uint32(3), backend.LastEmitted(1))
	require.Equal(t, uint32(1), backend.LastEmitted(0))
	require.Equal(t, uint32(0), backend.LastEmitted(7))
	require.Equal(t, 3, backend.FencesInFlight(1))
	require.Equal(t, 0, backend.FencesInFlight(9))

	require.NoError(t, backend.Retire(1, 2))
	require.Equal(t, 1, backend.FencesInFlight(1))
	require.Equal(t, 1, backend.FencesInFlight(0))

	signaled, err := backend.FenceSignaled(fences[1], fence.TypeExe)
	require.NoError(t, err)
	require.True(t, signaled)
	signaled, err = backend.FenceSignaled(fences[2], fence.TypeExe)
	require.NoError(t, err)
	require.False(t, signaled)

	requireCode(t, backend.Retire(4, 1), software.CodeInvalid)

	for _, f := range append(fences, other) {
		require.NoError(t, f.Unreference())
	}
	require.Equal(t, 0, backend.Tracker().FenceCount())
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "CreateAutoRetire", software.CreateAutoRetire.String())
	require.Equal(t, "None", software.CreateFlags(0).String())
}
