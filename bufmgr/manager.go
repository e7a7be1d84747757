package bufmgr

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/drmbuf/fence"
	"github.com/vkngwrapper/drmbuf/memutils"
	"golang.org/x/exp/slog"
)

// Manager owns the memory types of a Backend and forwards buffer and fence operations to it.
// It adds the bookkeeping every backend shares: which memory types are live, validate lists,
// statistics and metrics.
type Manager struct {
	logger  *slog.Logger
	backend Backend

	memTypes           []MemoryTypeOptions
	initialized        Flags
	validateListTarget int
}

// New creates a Manager and initializes every memory type listed in options. If any memory
// type fails to initialize, those already initialized are taken down again and the error is
// returned.
func New(logger *slog.Logger, backend Backend, options Options) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("a backend is required")
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		logger:             logger,
		backend:            backend,
		validateListTarget: options.validateListTarget(),
	}

	for _, memType := range options.MemoryTypes {
		err := m.InitMemType(memType.Type, memType.Start, memType.Size)
		if err != nil {
			if destroyErr := m.Destroy(); destroyErr != nil {
				logger.Error("failed to take down memory types after a failed initialization", slog.Any("error", destroyErr))
			}
			return nil, err
		}
	}

	return m, nil
}

// Backend returns the backend the manager forwards to
func (m *Manager) Backend() Backend { return m.backend }

// MemTypes returns the memory types that are currently initialized
func (m *Manager) MemTypes() []MemoryTypeOptions {
	return append([]MemoryTypeOptions(nil), m.memTypes...)
}

// InitMemType asks the backend to manage the range [start, start+size) as memType
func (m *Manager) InitMemType(memType MemType, start, size uint64) error {
	m.logger.Debug("Manager::InitMemType", slog.String("memType", memType.String()))

	if memType >= MaxMemTypes {
		return errors.Wrapf(memutils.ErrInvalidState, "memory type %d is out of range", memType)
	}
	if m.initialized&memType.Flag() != 0 {
		return errors.Wrapf(memutils.ErrInvalidState, "memory type %s is already initialized", memType)
	}

	if err := m.backend.InitMemType(memType, start, size); err != nil {
		return err
	}

	m.initialized |= memType.Flag()
	m.memTypes = append(m.memTypes, MemoryTypeOptions{Type: memType, Start: start, Size: size})
	return nil
}

// TakeDownMemType asks the backend to release memType. It fails if buffers still live there.
func (m *Manager) TakeDownMemType(memType MemType) error {
	m.logger.Debug("Manager::TakeDownMemType", slog.String("memType", memType.String()))

	if m.initialized&memType.Flag() == 0 {
		return errors.Wrapf(memutils.ErrInvalidState, "memory type %s is not initialized", memType)
	}

	if err := m.backend.TakeDownMemType(memType); err != nil {
		return err
	}

	m.initialized &^= memType.Flag()
	for i, configured := range m.memTypes {
		if configured.Type == memType {
			m.memTypes = append(m.memTypes[:i], m.memTypes[i+1:]...)
			break
		}
	}
	return nil
}

// Destroy takes down every initialized memory type. Memory types that cannot be taken down
// are left initialized and their errors are returned together.
func (m *Manager) Destroy() error {
	m.logger.Debug("Manager::Destroy")

	var result *multierror.Error
	for _, memType := range m.MemTypes() {
		if err := m.TakeDownMemType(memType.Type); err != nil {
			m.logger.Error("memory type still in use at teardown", slog.String("memType", memType.Type.String()), slog.Any("error", err))
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (m *Manager) Lock(memType MemType) error {
	return m.backend.Lock(memType)
}

func (m *Manager) Unlock(memType MemType) error {
	return m.backend.Unlock(memType)
}

// CreateBuffer asks the backend to place a new buffer
func (m *Manager) CreateBuffer(info BufferCreateInfo) (Buffer, error) {
	m.logger.Debug("Manager::CreateBuffer")

	if info.Size == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidState, "buffers must not be empty")
	}
	if info.Flags&MaskMem&m.initialized == 0 {
		return nil, errors.Wrapf(memutils.ErrIncompatible, "none of the memory types in %s are initialized", info.Flags&MaskMem)
	}

	return m.backend.CreateBuffer(info)
}

// CreateUserBuffer wraps memory the caller owns in a buffer
func (m *Manager) CreateUserBuffer(info UserBufferCreateInfo) (Buffer, error) {
	m.logger.Debug("Manager::CreateUserBuffer")

	if len(info.Memory) == 0 {
		return nil, errors.Wrap(memutils.ErrInvalidState, "buffers must not be empty")
	}

	return m.backend.CreateUserBuffer(info)
}

func (m *Manager) DestroyBuffer(buf Buffer) error {
	m.logger.Debug("Manager::DestroyBuffer")
	return m.backend.DestroyBuffer(buf)
}

func (m *Manager) MapBuffer(buf Buffer, flags Flags) ([]byte, error) {
	m.logger.Debug("Manager::MapBuffer")
	return m.backend.MapBuffer(buf, flags)
}

func (m *Manager) UnmapBuffer(buf Buffer) error {
	m.logger.Debug("Manager::UnmapBuffer")
	return m.backend.UnmapBuffer(buf)
}

func (m *Manager) ValidateBuffer(buf Buffer, flags, mask Flags) error {
	m.logger.Debug("Manager::ValidateBuffer")
	return m.backend.ValidateBuffer(buf, flags, mask)
}

func (m *Manager) FenceCreate(class uint32, typ fence.Type, flags fence.Flags) (*fence.Fence, error) {
	m.logger.Debug("Manager::FenceCreate")
	return m.backend.FenceCreate(class, typ, flags)
}

func (m *Manager) FenceEmit(f *fence.Fence, flags fence.Flags) error {
	return m.backend.FenceEmit(f, flags)
}

func (m *Manager) FenceFlush(f *fence.Fence, mask fence.Type) error {
	return m.backend.FenceFlush(f, mask)
}

func (m *Manager) FenceSignaled(f *fence.Fence, mask fence.Type) (bool, error) {
	return m.backend.FenceSignaled(f, mask)
}

func (m *Manager) FenceWait(ctx context.Context, f *fence.Fence, mask fence.Type, flags fence.Flags) error {
	m.logger.Debug("Manager::FenceWait")
	return m.backend.FenceWait(ctx, f, mask, flags)
}

func (m *Manager) FenceError(f *fence.Fence) int {
	return m.backend.FenceError(f)
}
