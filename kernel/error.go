package kernel

// Error describes an error condition encountered by kernel code. Unlike the
// standard error interface, Error deliberately carries no stack trace or
// wrapping chain: by the time the kernel can run arbitrary allocation-backed
// error wrapping it has usually already decided whether to log-and-continue
// or log-and-halt.
type Error struct {
	// Module names the package or subsystem that produced the error.
	Module string

	// Message describes what went wrong.
	Message string
}

// Error implements the standard error interface so that *Error values can be
// passed to Panic and to anything else that accepts an error.
func (e *Error) Error() string {
	return "[" + e.Module + "] " + e.Message
}
