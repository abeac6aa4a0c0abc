package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Dialect names the SQL placeholder/feature variant in use. Both backends
// this repository ships (modernc.org/sqlite and lib/pq) accept the $N
// positional style, so the query text itself does not need to branch.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLBackend implements Backend over database/sql. It is driver-agnostic:
// NewSQLiteBackend and NewPostgresBackend only differ in DSN handling and
// driver import.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

func newSQLBackend(db *sql.DB, dialect Dialect) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect}
}

const traceSchema = `
CREATE TABLE IF NOT EXISTS traces (
	trace_id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	closed_at TIMESTAMP,
	status TEXT NOT NULL
);
`

const traceStepSchema = `
CREATE TABLE IF NOT EXISTS trace_steps (
	trace_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	step_type TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	payload JSON NOT NULL,
	event_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	PRIMARY KEY (trace_id, position)
);
`

func (b *SQLBackend) Init(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, traceSchema); err != nil {
		return fmt.Errorf("migrate traces: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, traceStepSchema); err != nil {
		return fmt.Errorf("migrate trace_steps: %w", err)
	}
	return nil
}

func (b *SQLBackend) OpenTrace(ctx context.Context, t Trace) error {
	query := `INSERT INTO traces (trace_id, created_at, closed_at, status) VALUES ($1, $2, $3, $4)`
	_, err := b.db.ExecContext(ctx, query, t.ID, t.CreatedAt, t.ClosedAt, string(t.Status))
	return err
}

func (b *SQLBackend) GetTrace(ctx context.Context, traceID string) (*Trace, error) {
	query := `SELECT trace_id, created_at, closed_at, status FROM traces WHERE trace_id = $1`
	row := b.db.QueryRowContext(ctx, query, traceID)

	var t Trace
	var status string
	var closedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.CreatedAt, &closedAt, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTraceNotFound
		}
		return nil, err
	}
	t.Status = TraceStatus(status)
	if closedAt.Valid {
		t.ClosedAt = &closedAt.Time
	}
	return &t, nil
}

func (b *SQLBackend) CloseTrace(ctx context.Context, traceID string, closedAt time.Time) error {
	query := `UPDATE traces SET status = $1, closed_at = $2 WHERE trace_id = $3`
	res, err := b.db.ExecContext(ctx, query, string(TraceClosed), closedAt, traceID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTraceNotFound
	}
	return nil
}

func (b *SQLBackend) AppendStep(ctx context.Context, step TraceStep) error {
	payloadJSON, err := json.Marshal(step.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := `
		INSERT INTO trace_steps (trace_id, position, step_type, created_at, payload, event_hash, prev_hash, chain_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = b.db.ExecContext(ctx, query,
		step.TraceID, step.Position, step.StepType, step.CreatedAt,
		string(payloadJSON), step.EventHash, step.PrevHash, step.ChainHash,
	)
	return err
}

func (b *SQLBackend) ListSteps(ctx context.Context, traceID string) ([]TraceStep, error) {
	query := `
		SELECT trace_id, position, step_type, created_at, payload, event_hash, prev_hash, chain_hash
		FROM trace_steps WHERE trace_id = $1 ORDER BY position ASC
	`
	rows, err := b.db.QueryContext(ctx, query, traceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var steps []TraceStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (b *SQLBackend) LastStep(ctx context.Context, traceID string) (*TraceStep, error) {
	query := `
		SELECT trace_id, position, step_type, created_at, payload, event_hash, prev_hash, chain_hash
		FROM trace_steps WHERE trace_id = $1 ORDER BY position DESC LIMIT 1
	`
	row := b.db.QueryRowContext(ctx, query, traceID)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &step, nil
}

func (b *SQLBackend) RecentSteps(ctx context.Context, limit int) ([]TraceStep, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT trace_id, position, step_type, created_at, payload, event_hash, prev_hash, chain_hash
		FROM trace_steps ORDER BY created_at DESC, position DESC LIMIT $1
	`
	rows, err := b.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var steps []TraceStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStep(row rowScanner) (TraceStep, error) {
	var s TraceStep
	var payloadRaw string
	if err := row.Scan(&s.TraceID, &s.Position, &s.StepType, &s.CreatedAt, &payloadRaw, &s.EventHash, &s.PrevHash, &s.ChainHash); err != nil {
		return TraceStep{}, err
	}
	if err := json.Unmarshal([]byte(payloadRaw), &s.Payload); err != nil {
		return TraceStep{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return s, nil
}
