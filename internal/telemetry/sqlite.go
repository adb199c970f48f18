package telemetry

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var schemaSQL = []string{`
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    name TEXT NOT NULL,
    ts TEXT NOT NULL,
    doc TEXT NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS documents_kind_name_ts ON documents(kind, name, ts);`,
}

// SQLite stores records as JSON documents, one row each, queryable per
// input or output by (kind, name).
type SQLite struct {
	db   *sql.DB
	stmt *sql.Stmt
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: sqlite open %s: %w", path, err)
	}
	// One writer; the driver serializes anyway.
	db.SetMaxOpenConns(1)
	for _, q := range schemaSQL {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("telemetry: sqlite schema %s: %w", path, err)
		}
	}
	stmt, err := db.Prepare("INSERT INTO documents(id, run_id, kind, name, ts, doc) VALUES(?, ?, ?, ?, ?, ?)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("telemetry: sqlite prepare: %w", err)
	}
	return &SQLite{db: db, stmt: stmt}, nil
}

func (s *SQLite) Write(ctx context.Context, r Record) error {
	ts := r.At.UTC().Format("2006-01-02 15:04:05.000")
	_, err := s.stmt.ExecContext(ctx, r.ID.String(), r.RunID, string(r.Kind), r.Name, ts, string(r.Doc))
	if err != nil {
		return fmt.Errorf("telemetry: sqlite insert %s %s: %w", r.Kind, r.Name, err)
	}
	return nil
}

// Count returns the number of stored documents for kind/name.
func (s *SQLite) Count(ctx context.Context, kind Kind, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE kind = ? AND name = ?", string(kind), name).Scan(&n)
	return n, err
}

// Latest returns the newest document for kind/name.
func (s *SQLite) Latest(ctx context.Context, kind Kind, name string) (string, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		"SELECT doc FROM documents WHERE kind = ? AND name = ? ORDER BY ts DESC, rowid DESC LIMIT 1",
		string(kind), name).Scan(&doc)
	return doc, err
}

func (s *SQLite) Close() error {
	_ = s.stmt.Close()
	return s.db.Close()
}
