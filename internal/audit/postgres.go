package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresLedger stores audit records in an append-only table. The payload
// is kept whole as JSONB so the record is always reconstructible even as
// the Go types evolve.
type PostgresLedger struct {
	db      *sqlx.DB
	timeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id          BIGSERIAL PRIMARY KEY,
	cycle_id    TEXT NOT NULL,
	instrument  TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_records_ts_idx ON audit_records (ts);
CREATE INDEX IF NOT EXISTS audit_records_instrument_idx ON audit_records (instrument, ts);
`

func NewPostgresLedger(dsn string, timeout time.Duration) (*PostgresLedger, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required for the postgres audit backend")
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresLedger{db: db, timeout: timeout}, nil
}

func (l *PostgresLedger) Record(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	const query = `
		INSERT INTO audit_records (cycle_id, instrument, outcome, ts, payload)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := l.db.ExecContext(ctx, query,
		rec.CycleID, rec.Instrument, rec.Outcome, rec.Timestamp, payload); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Find(ctx context.Context, q Query) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	query := `
		SELECT payload FROM audit_records
		WHERE ts >= $1::date AND ts < ($1::date + INTERVAL '1 day')`
	args := []any{q.Date}
	if q.Instrument != "" {
		query += ` AND instrument = $2`
		args = append(args, q.Instrument)
	}
	query += ` ORDER BY ts`

	rows, err := l.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
