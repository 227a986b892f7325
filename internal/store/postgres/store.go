// Package postgres provides the pgx-backed audit sink: the one durable
// store the broker owns. Tool handlers talk to their own stores through
// the handler contract; the broker never touches those.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool  *pgxpool.Pool
	audit *AuditSink
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	return &Store{
		pool:  pool,
		audit: NewAuditSink(pool),
	}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Audit() *AuditSink { return s.audit }

// Ready reports whether the pool answers a ping, for the health probe.
func (s *Store) Ready(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}
