package ledger

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresBackend opens a postgres-backed ledger using dsn, for
// deployments that point the orchestrator at a shared relational backend
// instead of a local file.
func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}
	return newSQLBackend(db, DialectPostgres), nil
}
