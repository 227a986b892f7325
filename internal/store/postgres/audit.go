package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/koord/internal/domain"
)

// AuditSink appends tool-call records to the audit_log table. The broker
// only ever inserts; retention and rotation are external concerns.
type AuditSink struct {
	pool *pgxpool.Pool
}

func NewAuditSink(pool *pgxpool.Pool) *AuditSink {
	return &AuditSink{pool: pool}
}

func (s *AuditSink) Record(ctx context.Context, record domain.AuditRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (call_id, session_id, tool_name, arg_hash, status, error_kind, latency_ms, warnings, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.CallID, record.SessionID, record.ToolName, record.ArgHash,
		string(record.Status), string(record.ErrorKind), record.LatencyMS,
		record.Warnings, record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("auditSink.Record: %w", err)
	}

	return nil
}
