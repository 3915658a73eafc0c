package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// variables that point to an Error value so that callers can compare them by
// identity and so that reporting an error never needs to allocate.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error message prefixed by the module that raised it.
func (e *Error) String() string {
	if e.Module == "" {
		return e.Message
	}

	return e.Module + ": " + e.Message
}
