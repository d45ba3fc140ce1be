package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores one row per client with history and memory as JSON
// columns. Save replaces every row inside a single transaction.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. The schema is
// created automatically on first use.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS client_state (
		client_id  TEXT PRIMARY KEY,
		history    TEXT NOT NULL,
		memory     TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load reads every client row. An empty table yields ErrNotFound so a
// fresh database behaves like a missing JSON file.
func (s *SQLite) Load(ctx context.Context) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id, history, memory FROM client_state`)
	if err != nil {
		return nil, fmt.Errorf("query client state: %w", err)
	}
	defer rows.Close()

	snap := Snapshot{}
	for rows.Next() {
		var id, history, memory string
		if err := rows.Scan(&id, &history, &memory); err != nil {
			return nil, fmt.Errorf("scan client state: %w", err)
		}
		var rec ClientRecord
		if err := json.Unmarshal([]byte(history), &rec.History); err != nil {
			return nil, fmt.Errorf("decode history for %s: %w", id, err)
		}
		if err := json.Unmarshal([]byte(memory), &rec.Memory); err != nil {
			return nil, fmt.Errorf("decode memory for %s: %w", id, err)
		}
		snap[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client state: %w", err)
	}
	if len(snap) == 0 {
		return nil, ErrNotFound
	}
	return snap, nil
}

// Save replaces all rows with snap.
func (s *SQLite) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM client_state`); err != nil {
		return fmt.Errorf("clear client state: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO client_state (client_id, history, memory, updated_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for id, rec := range snap {
		history, err := json.Marshal(nonNilTurns(rec.History))
		if err != nil {
			return fmt.Errorf("encode history for %s: %w", id, err)
		}
		memory, err := json.Marshal(nonNilMemory(rec.Memory))
		if err != nil {
			return fmt.Errorf("encode memory for %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, string(history), string(memory), now); err != nil {
			return fmt.Errorf("insert %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func nonNilTurns(t []Turn) []Turn {
	if t == nil {
		return []Turn{}
	}
	return t
}

func nonNilMemory(m []MemoryEntry) []MemoryEntry {
	if m == nil {
		return []MemoryEntry{}
	}
	return m
}
