package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectionLost is reported for every request outstanding when the
	// process goes away, and for requests issued while disconnected.
	ErrConnectionLost = errors.New("connection lost")
	ErrNotConnected   = fmt.Errorf("%w: client not connected", ErrConnectionLost)
)

// RequestTimeout means no matching response arrived within the budget. The
// connection itself is unaffected.
type RequestTimeout struct {
	Method  string
	ID      uint64
	Elapsed time.Duration
}

func (e *RequestTimeout) Error() string {
	return fmt.Sprintf("request %d (%s) timed out after %dms", e.ID, e.Method, e.Elapsed.Milliseconds())
}

func (e *RequestTimeout) Timeout() bool { return true }

// ToolError carries a JSON-RPC error object returned by the host. It is an
// application-level rejection and is never retried.
type ToolError struct {
	Method  string
	Code    int64
	Message string
	Data    json.RawMessage
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed (code %d): %s", e.Method, e.Code, e.Message)
}

func connectionLost(cause error) error {
	if cause == nil {
		return ErrConnectionLost
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, cause)
}
