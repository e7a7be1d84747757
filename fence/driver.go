package fence

//go:generate mockgen -source driver.go -destination ./mocks/mock_driver.go

// EmitResult is what a Driver reports when it places a fence in a command stream
type EmitResult struct {
	// Sequence is the hardware sequence number the fence will signal at
	Sequence uint32
	// NativeType holds the types the hardware signals on its own once the fence's
	// execution completes
	NativeType Type
	// SignalPrevious holds types that, once this fence signals, are also complete for
	// every fence emitted before it in the same class
	SignalPrevious Type
}

// Driver is the hardware-specific side of fence tracking. It is the only point where the
// tracker reaches out of process memory.
type Driver interface {
	// Emit places a fence of the provided type in the command stream for class and reports
	// the sequence number it will signal at. Errors are passed to the caller untouched.
	Emit(class uint32, typ Type, flags Flags) (EmitResult, error)
	// Poke asks the hardware to flush the provided types for class, and gives the driver a
	// chance to report completed sequences by calling Tracker.Signal before it returns.
	Poke(class uint32, pendingFlush Type)
}
