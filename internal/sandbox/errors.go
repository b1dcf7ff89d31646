package sandbox

import (
	"context"
	"errors"
	"fmt"

	"judge-sandbox/internal/runtime"
	"judge-sandbox/internal/workspace"
)

// ErrorKind classifies why an execution did not produce a clean result.
// The zero value means the program ran; its exit status may still be non-zero.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindUnsupportedLanguage ErrorKind = "UnsupportedLanguage"
	KindInvalidRequest      ErrorKind = "InvalidRequest"
	KindProvisioning        ErrorKind = "ProvisioningError"
	KindLaunch              ErrorKind = "LaunchError"
	KindTimeout             ErrorKind = "TimeoutExceeded"
	KindLogRetrieval        ErrorKind = "LogRetrievalError"
	KindMemoryExceeded      ErrorKind = "MemoryExceeded"
	KindWait                ErrorKind = "WaitError"
	KindCanceled            ErrorKind = "Canceled"
	KindQueueFull           ErrorKind = "QueueFull"
	KindInternal            ErrorKind = "InternalError"
)

// Sentinel errors for typed error checking.
var (
	ErrUnsupportedLanguage = runtime.ErrUnsupportedLanguage
	ErrInvalidRequest      = errors.New("invalid execution request")
	ErrProvisioning        = workspace.ErrProvisioning
	ErrLaunch              = errors.New("launch failed")
	ErrTimeout             = errors.New("execution timed out")
	ErrLogRetrieval        = errors.New("log retrieval failed")
	ErrMemoryExceeded      = errors.New("memory limit exceeded")
	ErrWait                = errors.New("waiting for unit failed")
	ErrCanceled            = errors.New("execution canceled")
	ErrQueueFull           = errors.New("execution queue full")
	ErrClosed              = errors.New("sandbox service closed")
	ErrCleanup             = errors.New("cleanup failed")
	ErrNoBackend           = errors.New("no sandbox backend available")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// KindOf maps an error to its taxonomy entry. Order matters: a timeout that
// also failed to fetch logs is still a timeout.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnsupportedLanguage):
		return KindUnsupportedLanguage
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, runtime.ErrInvalidSource):
		return KindInvalidRequest
	case errors.Is(err, ErrProvisioning):
		return KindProvisioning
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrMemoryExceeded):
		return KindMemoryExceeded
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrLaunch):
		return KindLaunch
	case errors.Is(err, ErrLogRetrieval):
		return KindLogRetrieval
	case errors.Is(err, ErrWait):
		return KindWait
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	default:
		return KindInternal
	}
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsOOM returns true if the error is an out-of-memory kill.
func IsOOM(err error) bool {
	return errors.Is(err, ErrMemoryExceeded)
}
