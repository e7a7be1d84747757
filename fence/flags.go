package fence

import (
	"fmt"
	"math/bits"
	"strings"
)

// Type is a bitmask of the kinds of work a fence tracks. TypeExe is common to every driver;
// the remaining bits are defined by the driver.
type Type uint32

const (
	// TypeExe means the commands preceding the fence have finished executing
	TypeExe Type = 1 << 0
)

func (t Type) String() string {
	if t == 0 {
		return "None"
	}

	var names []string
	for remaining := uint32(t); remaining != 0; remaining &= remaining - 1 {
		bit := Type(1) << bits.TrailingZeros32(remaining)
		if bit == TypeExe {
			names = append(names, "TypeExe")
		} else {
			names = append(names, fmt.Sprintf("Type(0x%x)", uint32(bit)))
		}
	}

	return strings.Join(names, "|")
}

// Flags modify how fences are created, emitted and waited on
type Flags uint32

const (
	// FlagEmit emits the fence as part of creating it
	FlagEmit Flags = 1 << iota
	// FlagShareable marks the fence as usable by other clients of the driver
	FlagShareable
	// FlagWaitLazy sleeps between polls while waiting instead of yielding the processor
	FlagWaitLazy
	// FlagNoFlush skips the flush Wait normally requests before it starts polling
	FlagNoFlush
)

var flagsMapping = map[Flags]string{
	FlagEmit:      "FlagEmit",
	FlagShareable: "FlagShareable",
	FlagWaitLazy:  "FlagWaitLazy",
	FlagNoFlush:   "FlagNoFlush",
}

func (f Flags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for remaining := uint32(f); remaining != 0; remaining &= remaining - 1 {
		bit := Flags(1) << bits.TrailingZeros32(remaining)
		name, ok := flagsMapping[bit]
		if !ok {
			name = fmt.Sprintf("Flags(0x%x)", uint32(bit))
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}
