package software

import (
	"github.com/vkngwrapper/drmbuf/bufmgr"
	"github.com/vkngwrapper/drmbuf/memutils/rangealloc"
)

// Buffer is a buffer placed by the software backend
type Buffer struct {
	backend   *Backend
	handle    uint32
	size      uint64
	alignment uint64
	flags     bufmgr.Flags
	mask      bufmgr.Flags
	memType   bufmgr.MemType

	node     *rangealloc.Node
	user     []byte
	mapping  []byte
	mapCount int
}

var _ bufmgr.Buffer = &Buffer{}

func (b *Buffer) Offset() uint64 {
	if b.node == nil {
		return 0
	}
	return b.node.Start()
}

func (b *Buffer) Size() uint64            { return b.size }
func (b *Buffer) Flags() bufmgr.Flags     { return b.flags }
func (b *Buffer) Mask() bufmgr.Flags      { return b.mask }
func (b *Buffer) Mapping() []byte         { return b.mapping }
func (b *Buffer) Handle() uint32          { return b.handle }
func (b *Buffer) MemType() bufmgr.MemType { return b.memType }
func (b *Buffer) MapCount() int           { return b.mapCount }
func (b *Buffer) IsUserBuffer() bool      { return b.user != nil }
