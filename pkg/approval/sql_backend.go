package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLBackend implements Backend over database/sql, for both the local
// sqlite file backend and a shared postgres deployment.
type SQLBackend struct {
	db *sql.DB
}

func newSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

const approvalSchema = `
CREATE TABLE IF NOT EXISTS tool_approvals (
	approval_id TEXT PRIMARY KEY,
	tool_name TEXT NOT NULL,
	args_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	consumed_at TIMESTAMP,
	status TEXT NOT NULL
);
`

func (b *SQLBackend) Init(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, approvalSchema)
	return err
}

func (b *SQLBackend) Insert(ctx context.Context, a Approval) error {
	query := `
		INSERT INTO tool_approvals (approval_id, tool_name, args_hash, created_at, expires_at, consumed_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := b.db.ExecContext(ctx, query, a.ID, a.ToolName, a.ArgsHash, a.CreatedAt, a.ExpiresAt, a.ConsumedAt, a.Status)
	return err
}

func (b *SQLBackend) Get(ctx context.Context, approvalID string) (*Approval, error) {
	query := `
		SELECT approval_id, tool_name, args_hash, created_at, expires_at, consumed_at, status
		FROM tool_approvals WHERE approval_id = $1
	`
	row := b.db.QueryRowContext(ctx, query, approvalID)

	var a Approval
	var consumedAt sql.NullTime
	err := row.Scan(&a.ID, &a.ToolName, &a.ArgsHash, &a.CreatedAt, &a.ExpiresAt, &consumedAt, &a.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if consumedAt.Valid {
		a.ConsumedAt = &consumedAt.Time
	}
	return &a, nil
}

func (b *SQLBackend) ConditionalConsume(ctx context.Context, approvalID, toolName, argsHash string, now time.Time) (int64, error) {
	query := `
		UPDATE tool_approvals
		SET status = 'consumed', consumed_at = $1
		WHERE approval_id = $2 AND status = 'pending' AND tool_name = $3 AND args_hash = $4 AND expires_at > $1
	`
	res, err := b.db.ExecContext(ctx, query, now, approvalID, toolName, argsHash)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *SQLBackend) GarbageCollect(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE tool_approvals SET status = 'expired' WHERE status = 'pending' AND expires_at <= $1`
	res, err := b.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("garbage_collect: %w", err)
	}
	return res.RowsAffected()
}
