// Package fault defines the tagged error taxonomy raised by CrashDebug's
// memory simulator, dump readers, image loaders, and RSP session.
//
// A *fault.Error carries a Kind plus an optional message; callers use
// github.com/pkg/errors.Wrap to add context while propagating, so a
// later, more specific fault can dominate an earlier one as it
// surfaces up the call stack.
package fault

import "fmt"

// Kind tags the taxonomy of faults raised by the memory simulator, dump
// readers, image loaders, and RSP session.
type Kind int

const (
	// BusError is raised on an access outside any region, a write to a
	// read-only region, or a read-count query on a non-FLASH region.
	BusError Kind = iota
	// OutOfMemory is raised on any allocation failure.
	OutOfMemory
	// HardwareBreakpoint is raised when a half-word read hits a breakpoint
	// watchpoint entry.
	HardwareBreakpoint
	// HardwareWatchpoint is never raised; reserved to mirror the source
	// taxonomy (watchpoint hits are latched in the sticky counter only).
	HardwareWatchpoint
	// File marks an inability to open, read, or rewind an input file.
	File
	// FileFormat marks a truncated or malformed dump file.
	FileFormat
	// ElfFormat marks an ELF image failing validation.
	ElfFormat
	// StackOverflow is raised when a CrashCatcher dump's stack-overflow
	// sentinel is encountered instead of a memory region header.
	StackOverflow
	// BufferOverrun marks a FLASH image too short to contain an initial
	// stack-pointer word.
	BufferOverrun
	// InvalidArgument marks a CLI parse failure.
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case BusError:
		return "BusError"
	case OutOfMemory:
		return "OutOfMemory"
	case HardwareBreakpoint:
		return "HardwareBreakpoint"
	case HardwareWatchpoint:
		return "HardwareWatchpoint"
	case File:
		return "File"
	case FileFormat:
		return "FileFormat"
	case ElfFormat:
		return "ElfFormat"
	case StackOverflow:
		return "StackOverflow"
	case BufferOverrun:
		return "BufferOverrun"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error is a tagged fault: a Kind plus an optional human-readable message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Msg
}

// New creates a kind-only fault, with no message.
func New(kind Kind) error {
	return &Error{Kind: kind}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a *fault.Error of the given Kind, looking
// through any github.com/pkg/errors wrapping via errors.Cause-compatible
// unwrapping.
func Is(err error, kind Kind) bool {
	k, ok := As(err)
	return ok && k == kind
}

// As extracts the Kind from err if it (or something it wraps) is a
// *fault.Error.
func As(err error) (Kind, bool) {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			return fe.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return 0, false
}
