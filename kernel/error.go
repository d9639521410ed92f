package kernel

import "golang.org/x/sys/unix"

// Kind classifies a kernel error so that callers can react to a whole class
// of failures without comparing against every module-specific error value.
type Kind uint8

const (
	// KindUnknown is the zero Kind; errors created without an explicit
	// kind fall into this class.
	KindUnknown Kind = iota

	// ResourceExhausted indicates that no free physical frames are left.
	ResourceExhausted

	// Unsupported indicates a request the VM system does not implement.
	Unsupported

	// AccessViolation indicates a fault outside every mapped region or a
	// write to a read-only mapping.
	AccessViolation

	// InvalidArgument indicates a malformed request.
	InvalidArgument

	// InternalInconsistency indicates corrupted kernel state. Errors of this
	// kind are never returned; they are passed to panic.
	InternalInconsistency
)

var kindNames = [...]string{
	KindUnknown:           "unknown",
	ResourceExhausted:     "resource exhausted",
	Unsupported:           "unsupported",
	AccessViolation:       "access violation",
	InvalidArgument:       "invalid argument",
	InternalInconsistency: "internal inconsistency",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Errno returns the errno value that the syscall layer reports to user
// space for errors of this kind. os161 reports unimplemented features with
// EUNIMP which maps to ENOSYS on the host.
func (k Kind) Errno() unix.Errno {
	switch k {
	case ResourceExhausted:
		return unix.ENOMEM
	case Unsupported:
		return unix.ENOSYS
	case AccessViolation:
		return unix.EFAULT
	case InvalidArgument:
		return unix.EINVAL
	default:
		return 0
	}
}

// Error describes a kernel kerror. All kernel errors must be defined as global
// variables that are pointers to the Error structure so they can be compared
// by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// The class of the error.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Errno returns the errno value associated with the error's kind.
func (e *Error) Errno() unix.Errno {
	return e.Kind.Errno()
}
