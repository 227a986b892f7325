// Package audit implements the append-only audit trail. Every tool call
// produces exactly one record regardless of outcome; a degraded sink never
// fails the enclosing call.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/koord/internal/domain"
)

// Sink persists audit records. Implementations: Memory (tests and the
// memory sink target) and the Postgres sink in internal/store/postgres.
type Sink interface {
	Record(ctx context.Context, record domain.AuditRecord) error
}

// Recorder wraps a Sink with the fire-and-continue policy: the write gets
// its own short deadline, and failures land in the process log instead of
// propagating to the caller. Perfect audit completeness is traded for
// dispatcher latency and availability.
type Recorder struct {
	sink    Sink
	timeout time.Duration
}

// NewRecorder wraps a sink. A timeout of zero defaults to 500ms.
func NewRecorder(sink Sink, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Recorder{sink: sink, timeout: timeout}
}

// Record writes the record, best-effort. The write deadline is independent
// of the caller's context deadline so a timed-out tool call still gets its
// audit entry.
func (r *Recorder) Record(ctx context.Context, record domain.AuditRecord) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.sink.Record(writeCtx, record); err != nil {
		log.Error().
			Err(err).
			Str("call_id", record.CallID.String()).
			Str("tool", record.ToolName).
			Str("status", string(record.Status)).
			Msg("audit sink degraded, record logged here instead")
	}
}

// Memory is an in-process append-only Sink.
type Memory struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

// NewMemory creates an empty in-process sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, record domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// Records returns a copy of everything recorded so far.
func (m *Memory) Records() []domain.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditRecord, len(m.records))
	copy(out, m.records)
	return out
}
