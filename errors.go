package fusion

import "fmt"

// Code identifies a member of the error taxonomy in spec.md §7. Unlike the
// teacher's errors.go, which simply re-exports bazilfuse.Errno values for a
// handful of kernel errnos, Fusion's error surface is not kernel-shaped —
// callers live in arbitrary processes talking over three different
// transports — so it is its own closed set of codes.
type Code int

// Error code constants, per spec.md §7.
const (
	_ Code = iota
	InvalidArgument
	Unsupported
	VersionMismatch
	InitFailed
	Io
	Destroyed
	Timeout
	OutOfMemory
	OutOfSharedMemory
	LimitExceeded
	Fusion
)

func (c Code) String() string {
	switch c {
	case InvalidArgument:
		return "InvalidArgument"
	case Unsupported:
		return "Unsupported"
	case VersionMismatch:
		return "VersionMismatch"
	case InitFailed:
		return "InitFailed"
	case Io:
		return "Io"
	case Destroyed:
		return "Destroyed"
	case Timeout:
		return "Timeout"
	case OutOfMemory:
		return "OutOfMemory"
	case OutOfSharedMemory:
		return "OutOfSharedMemory"
	case LimitExceeded:
		return "LimitExceeded"
	case Fusion:
		return "Fusion"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is the error type returned by every exported Fusion operation.
type Error struct {
	Code Code
	Op   string // operation that failed, e.g. "Enter", "Flip"
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fusion: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("fusion: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code, so callers can
// write errors.Is(err, fusion.NewError("", fusion.Destroyed, nil)) -style checks, or more
// simply compare against the sentinel codes with HasCode.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError constructs an *Error for the given operation and code, wrapping
// cause if non-nil.
func NewError(op string, code Code, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// HasCode reports whether err is (or wraps) a Fusion *Error with the given
// code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			if fe.Code == code {
				return true
			}
			err = fe.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
