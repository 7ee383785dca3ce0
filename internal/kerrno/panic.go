package kerrno

import "fmt"

// Panic raises a fatal kernel invariant violation. spec.md §7: "Fatal
// kernel invariants (double-free, bad magic, corrupt list): panic with a
// banner; the core does not attempt to continue." Mirrors the teacher's
// uartPuts banner-then-halt convention, just via Go's panic/recover instead
// of spinning forever in a UART loop.
func Panic(subsystem, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(fmt.Sprintf("KERNEL PANIC [%s]: %s", subsystem, msg))
}
