package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotRunning  = errors.New("process not running")
	ErrBreakerOpen = errors.New("reconnect breaker open")
)

// SpawnError reports that the child process could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError reports a failed write to the child's stdin.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to process stdin: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ParseError describes an inbound line that was not valid JSON. It is only
// logged; it never fails a pending request.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed message %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
