package bufmgr

import (
	"context"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/drmbuf/fence"
	"github.com/vkngwrapper/drmbuf/memutils"
)

// Buffer is a block of memory owned by a backend
type Buffer interface {
	// Offset is the start of the buffer within its memory type
	Offset() uint64
	// Size is the number of bytes in the buffer
	Size() uint64
	// Flags are the buffer's current access and placement flags
	Flags() Flags
	// Mask holds the bits of Flags the buffer's creator cared about
	Mask() Flags
	// Mapping is the buffer's CPU mapping, or nil if it is not mapped
	Mapping() []byte
	// Handle identifies the buffer to the backend
	Handle() uint32
	// MemType is the memory type currently holding the buffer
	MemType() MemType
}

// BufferCreateInfo describes a buffer to be placed by the backend
type BufferCreateInfo struct {
	Size      uint64
	Alignment uint64
	// Flags must name at least one memory type
	Flags Flags
	// Mask selects the bits of Flags the buffer requires; zero requires all of them
	Mask Flags
}

// UserBufferCreateInfo describes a buffer wrapping memory the caller already owns
type UserBufferCreateInfo struct {
	Memory []byte
	Flags  Flags
}

// Backend is the driver-specific side of buffer management: placing buffers in memory,
// mapping them, and tracking the fences that guard them. Every method may fail with a
// *BackendError.
type Backend interface {
	InitMemType(memType MemType, start, size uint64) error
	TakeDownMemType(memType MemType) error
	Lock(memType MemType) error
	Unlock(memType MemType) error

	CreateBuffer(info BufferCreateInfo) (Buffer, error)
	CreateUserBuffer(info UserBufferCreateInfo) (Buffer, error)
	DestroyBuffer(buf Buffer) error
	MapBuffer(buf Buffer, flags Flags) ([]byte, error)
	UnmapBuffer(buf Buffer) error
	// ValidateBuffer moves buf, if needed, so that the bits of its flags selected by mask
	// match flags
	ValidateBuffer(buf Buffer, flags, mask Flags) error

	FenceCreate(class uint32, typ fence.Type, flags fence.Flags) (*fence.Fence, error)
	FenceEmit(f *fence.Fence, flags fence.Flags) error
	FenceFlush(f *fence.Fence, mask fence.Type) error
	FenceSignaled(f *fence.Fence, mask fence.Type) (bool, error)
	FenceWait(ctx context.Context, f *fence.Fence, mask fence.Type, flags fence.Flags) error
	FenceError(f *fence.Fence) int
}

// Reporter is implemented by backends that can describe the state of their memory types
// and fence classes
type Reporter interface {
	AddDetailedStatistics(memType MemType, stats *memutils.DetailedStatistics) error
	PrintDetailedMap(memType MemType, json *jwriter.ObjectState) error
	FenceClassCount() int
	FencesInFlight(class uint32) int
}
