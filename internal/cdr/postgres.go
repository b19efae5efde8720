package cdr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists call records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			id TEXT PRIMARY KEY,
			stream_sid TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			frames_in INTEGER NOT NULL DEFAULT 0,
			frames_out INTEGER NOT NULL DEFAULT 0,
			end_reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_records_started ON call_records (started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context, record CallRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_records (id, stream_sid, started_at) VALUES ($1, $2, $3)`,
		record.ID,
		record.StreamSid,
		record.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("begin call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) End(ctx context.Context, id string, endedAt time.Time, framesIn, framesOut int, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE call_records SET ended_at=$2, frames_in=$3, frames_out=$4, end_reason=$5 WHERE id=$1`,
		id,
		endedAt,
		framesIn,
		framesOut,
		reason,
	)
	if err != nil {
		return fmt.Errorf("end call record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, stream_sid, started_at, COALESCE(ended_at, 'epoch'::timestamptz), frames_in, frames_out, end_reason
		 FROM call_records ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	records := make([]CallRecord, 0, limit)
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.ID, &r.StreamSid, &r.StartedAt, &r.EndedAt, &r.FramesIn, &r.FramesOut, &r.EndReason); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		if r.EndedAt.Unix() == 0 {
			r.EndedAt = time.Time{}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
