package approval

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLiteBackend opens (or creates) a single-file sqlite-backed
// approval store at path.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("approval: open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("approval: enable WAL: %w", err)
	}
	return newSQLBackend(db), nil
}
