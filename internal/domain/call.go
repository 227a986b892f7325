package domain

import (
	"time"

	"github.com/google/uuid"
)

// ToolCallEnvelope is the canonical, transport-agnostic tool invocation.
// Immutable once dispatched; one CallID maps to exactly one outcome.
type ToolCallEnvelope struct {
	CallID    uuid.UUID      `json:"call_id"`
	SessionID uuid.UUID      `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Timestamp time.Time      `json:"timestamp"`
}

// CallStatus is the terminal status of a dispatched call.
type CallStatus string

const (
	StatusOK      CallStatus = "ok"
	StatusError   CallStatus = "error"
	StatusTimeout CallStatus = "timeout"
)

// ToolResult is the single outcome of a ToolCallEnvelope. Every result,
// success or failure, carries the originating CallID so adapters can
// correlate asynchronous ChangeEvents with the call that caused them.
type ToolResult struct {
	CallID    uuid.UUID  `json:"call_id"`
	Status    CallStatus `json:"status"`
	Payload   any        `json:"payload,omitempty"`
	ErrorKind ErrorKind  `json:"error_kind,omitempty"`
	// Detail is an optional human-readable elaboration for logging only;
	// adapters branch on ErrorKind, never on Detail.
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	// RetryAfterMS is set only for rate_limited results.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
	// FromCache marks results served from the broker cache without
	// invoking the handler.
	FromCache bool `json:"from_cache,omitempty"`
}
