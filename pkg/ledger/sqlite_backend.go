package ledger

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLiteBackend opens (or creates) a single-file sqlite-backed ledger at
// path, with WAL journaling enabled for durability under concurrent readers.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("ledger: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		return nil, fmt.Errorf("ledger: enable foreign_keys: %w", err)
	}
	return newSQLBackend(db, DialectSQLite), nil
}
