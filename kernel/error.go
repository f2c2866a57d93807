package kernel

// ErrorKind classifies a kernel error by how callers are expected to react
// to it.
type ErrorKind uint8

const (
	// KindInternal marks errors that indicate corrupted kernel state. They
	// are never returned to user code; the kernel panics instead.
	KindInternal ErrorKind = iota

	// KindAlloc marks resource exhaustion (frames, page tables, kernel
	// stacks). The operation that reports it has been rolled back.
	KindAlloc

	// KindValidation marks invalid caller input such as bad user pointers
	// or misaligned regions. It is always detected before any mutation.
	KindValidation

	// KindLifecycle marks protocol violations such as forking a
	// multi-threaded task or waiting without children.
	KindLifecycle
)

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so that callers can
// compare them by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind ErrorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Code maps err to the integer a syscall hands back to user space: 0 for
// success and a negative value that identifies the error kind otherwise.
func Code(err *Error) int {
	if err == nil {
		return 0
	}

	return -1 - int(err.Kind)
}
