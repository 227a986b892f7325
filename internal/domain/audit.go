package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditRecord is one append-only entry per tool call, written regardless of
// outcome. The broker never mutates or deletes records; retention is an
// external concern.
type AuditRecord struct {
	CallID    uuid.UUID
	SessionID uuid.UUID
	ToolName  string
	ArgHash   string
	Status    CallStatus
	ErrorKind ErrorKind
	LatencyMS int64
	// Warnings notes degraded dependencies (cache/bus bypass) that did not
	// fail the call.
	Warnings  []string
	Timestamp time.Time
}
