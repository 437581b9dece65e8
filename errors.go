package jitcore

import "fmt"

// ErrorKind enumerates the error kinds the core itself can raise.
// Runtime faults (null dereference, array bounds, class cast) are not
// represented here: the core never catches them, it emits a call to a
// helper that throws the appropriate exception object and lets it enter
// the normal unwind path.
type ErrorKind int

const (
	// ErrUnknown is the zero value; never produced deliberately.
	ErrUnknown ErrorKind = iota

	// ErrMalformedMethod: bytecode failed a size, branch-target, or stack
	// shape check during CFG/HIR construction.
	ErrMalformedMethod

	// ErrCompileOutOfMemory: the compiler itself could not allocate
	// (virtual registers, the code buffer, ...) during compilation.
	ErrCompileOutOfMemory

	// ErrResolutionFailure: a constant pool resolve call failed while
	// building the HIR. The compile fails with this kind; the core emits
	// no helper that retries the resolution at run time.
	ErrResolutionFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMalformedMethod:
		return "malformed method"
	case ErrCompileOutOfMemory:
		return "compile out of memory"
	case ErrResolutionFailure:
		return "resolution failure"
	default:
		return "unknown jit error"
	}
}

// CompileError is the core's single error type; Code selects one of the
// ErrorKind values above and Cause optionally wraps an underlying error
// (e.g. the LinkageError from a failed resolve).
type CompileError struct {
	Code    ErrorKind
	Method  string
	Message string
	Cause   error
}

func (e *CompileError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("jit: %s compiling %s: %s (%v)", e.Code, e.Method, e.Message, e.Cause)
	}
	return fmt.Sprintf("jit: %s compiling %s: %s", e.Code, e.Method, e.Message)
}

func (e *CompileError) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, &CompileError{Code: X}) by comparing Code
// alone, the way vybium-starks-vm's VMError.Is compares ErrorCode alone.
func (e *CompileError) Is(target error) bool {
	other, ok := target.(*CompileError)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

func newMalformed(method, format string, args ...any) *CompileError {
	return &CompileError{Code: ErrMalformedMethod, Method: method, Message: fmt.Sprintf(format, args...)}
}

func newOutOfMemory(method, format string, args ...any) *CompileError {
	return &CompileError{Code: ErrCompileOutOfMemory, Method: method, Message: fmt.Sprintf(format, args...)}
}

func newResolutionFailure(method string, cause error) *CompileError {
	return &CompileError{Code: ErrResolutionFailure, Method: method, Message: "constant pool resolve failed", Cause: cause}
}
