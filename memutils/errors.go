package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfMemory is returned when a node, entry, or fence could not be allocated, or when no
	// free range can satisfy a request
	ErrOutOfMemory error = errors.New("out of memory")
	// ErrInvalidState is returned when an operation is not valid for the current state of a structure,
	// such as removing more space than a free tail node holds or tearing down an allocator that
	// still has live allocations
	ErrInvalidState error = errors.New("invalid state")
	// ErrIncompatible is returned when two requests for the same pool key carry flags that cannot
	// be reconciled
	ErrIncompatible error = errors.New("incompatible flags")
)
