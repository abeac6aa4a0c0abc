package approval

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresBackend opens a postgres-backed approval store using dsn.
func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("approval: open postgres: %w", err)
	}
	return newSQLBackend(db), nil
}
