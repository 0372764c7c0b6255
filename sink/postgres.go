package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sith-oath/apexd/extract"
	"github.com/sith-oath/apexd/metrics"
)

const eventsTable = "analytics_events"

var eventColumns = []string{"log_id", "job_id", "payload", "created_at"}

type PostgresSink struct {
	conn *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresSink(ctx context.Context, uri string) (*PostgresSink, error) {
	conn, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &PostgresSink{conn: conn, now: time.Now}, nil
}

// Migrate creates the events table if it does not exist.
func (p *PostgresSink) Migrate(ctx context.Context) error {
	stmts := []string{`
CREATE TABLE IF NOT EXISTS analytics_events (
	id BIGSERIAL PRIMARY KEY,
	log_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS analytics_events_job_id_idx ON analytics_events (job_id)`,
	}
	for _, sql := range stmts {
		if _, err := p.conn.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to migrate analytics table: %w", err)
		}
	}
	return nil
}

func (p *PostgresSink) BulkUpload(ctx context.Context, events []extract.Event) error {
	if len(events) == 0 {
		return nil
	}
	createdAt := p.now().UTC()
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev.Fields)
		if err != nil {
			log.Warn("skipping unencodable analytics event", "log_id", ev.LogID, "err", err)
			continue
		}
		rows = append(rows, []any{ev.LogID, ev.JobID, json.RawMessage(payload), createdAt})
	}

	n, err := p.conn.CopyFrom(ctx, pgx.Identifier{eventsTable}, eventColumns, pgx.CopyFromRows(rows))
	metrics.RecordSinkUpload("postgres", err)
	if err != nil {
		return fmt.Errorf("failed to copy analytics events: %w", err)
	}
	log.Debug("uploaded analytics events", "rows", n)
	return nil
}

// Count returns the number of stored events for a job.
func (p *PostgresSink) Count(ctx context.Context, jobID string) (int, error) {
	var n int
	row := p.conn.QueryRow(ctx, `SELECT COUNT(*) FROM analytics_events WHERE job_id = $1`, jobID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count analytics events: %w", err)
	}
	return n, nil
}

func (p *PostgresSink) Close() error {
	p.conn.Close()
	return nil
}
