package bufmgr

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Flags describe how a buffer may be accessed and where it may live. The low bits are access
// and placement hints; the top byte names the memory types that may hold the buffer.
type Flags uint64

const (
	// FlagRead means the GPU reads the buffer
	FlagRead Flags = 1 << iota
	// FlagWrite means the GPU writes the buffer
	FlagWrite
	// FlagExe means the buffer holds commands the GPU executes
	FlagExe
	// FlagMappable means the CPU may map the buffer
	FlagMappable
	// FlagNoEvict pins the buffer in its current memory type
	FlagNoEvict
	// FlagCached asks for CPU-cached mappings
	FlagCached
	// FlagShareable allows the buffer to be used by other clients
	FlagShareable
)

const (
	// MemLocal is system memory that only the CPU can reach
	MemLocal Flags = 1 << (memTypeShift + iota)
	// MemTT is system memory the GPU reaches through the translation table aperture
	MemTT
	// MemVRAM is memory local to the GPU
	MemVRAM

	// MaskMem selects the memory type bits of Flags
	MaskMem Flags = 0xFF000000
	// MaskAccess selects the read, write and execute bits of Flags
	MaskAccess Flags = FlagRead | FlagWrite | FlagExe
)

const (
	memTypeShift = 24
	// MaxMemTypes is the number of memory types Flags can name
	MaxMemTypes = 8
)

var flagsMapping = map[Flags]string{
	FlagRead:      "FlagRead",
	FlagWrite:     "FlagWrite",
	FlagExe:       "FlagExe",
	FlagMappable:  "FlagMappable",
	FlagNoEvict:   "FlagNoEvict",
	FlagCached:    "FlagCached",
	FlagShareable: "FlagShareable",
	MemLocal:      "MemLocal",
	MemTT:         "MemTT",
	MemVRAM:       "MemVRAM",
}

func (f Flags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for remaining := uint64(f); remaining != 0; remaining &= remaining - 1 {
		bit := Flags(1) << bits.TrailingZeros64(remaining)
		name, ok := flagsMapping[bit]
		if !ok {
			name = fmt.Sprintf("Flags(0x%x)", uint64(bit))
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

// MemTypes returns the memory types named by the flags, lowest first
func (f Flags) MemTypes() []MemType {
	var types []MemType
	for remaining := uint64(f&MaskMem) >> memTypeShift; remaining != 0; remaining &= remaining - 1 {
		types = append(types, MemType(bits.TrailingZeros64(remaining)))
	}
	return types
}

// MemType identifies one memory region managed by a backend
type MemType uint32

const (
	MemTypeLocal MemType = iota
	MemTypeTT
	MemTypeVRAM
)

var memTypeMapping = map[MemType]string{
	MemTypeLocal: "local",
	MemTypeTT:    "tt",
	MemTypeVRAM:  "vram",
}

func (t MemType) String() string {
	name, ok := memTypeMapping[t]
	if !ok {
		return "memtype" + strconv.Itoa(int(t))
	}
	return name
}

// Flag returns the Flags bit naming this memory type
func (t MemType) Flag() Flags {
	return Flags(1) << (memTypeShift + t)
}

// ParseMemType reads a memory type from its name or its index
func ParseMemType(name string) (MemType, error) {
	for memType, memTypeName := range memTypeMapping {
		if strings.EqualFold(name, memTypeName) {
			return memType, nil
		}
	}

	index, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(name), "memtype"), 10, 32)
	if err != nil || index >= MaxMemTypes {
		return 0, errors.Newf("unknown memory type %q", name)
	}
	return MemType(index), nil
}

func (t MemType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *MemType) UnmarshalJSON(data []byte) error {
	var index uint32
	if err := json.Unmarshal(data, &index); err == nil {
		if index >= MaxMemTypes {
			return errors.Newf("memory type %d is out of range", index)
		}
		*t = MemType(index)
		return nil
	}

	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return errors.Wrap(err, "memory type must be a name or an index")
	}

	parsed, err := ParseMemType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
