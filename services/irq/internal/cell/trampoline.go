package cell

// Trampoline is the single function every driver installs. ctx is the Handle
// returned by New. It recovers the cell and calls it; it never fails, blocks
// or allocates.
//
//go:noinline
func Trampoline(ctx uintptr) {
	Invoke(Handle(ctx))
}
