// Package protocol holds the method names and payload shapes exchanged with
// the tool host process. Envelopes are JSON-RPC 2.0, one object per line.
package protocol

import "encoding/json"

const (
	Version = "2.0"

	MethodToolsCall   = "tools/call"
	MethodHealthCheck = "health/check"
)

// Standard JSON-RPC error codes plus the application range used by tool hosts.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeToolFailed     = -32000
)

type ToolCallParams struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

type MemoryUsage struct {
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	Goroutines int    `json:"goroutines,omitempty"`
}

// HealthStatus is what a well-behaved host answers to health/check. Hosts may
// return any object; clients only rely on the call succeeding.
type HealthStatus struct {
	Status   string      `json:"status"`
	Uptime   int64       `json:"uptime"`
	Requests int64       `json:"requests"`
	Errors   int64       `json:"errors"`
	Memory   MemoryUsage `json:"memory"`
}
