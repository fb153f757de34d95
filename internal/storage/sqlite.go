package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/annai/internal/learning"
)

// LocalQTable persists the learner's Q-table in a single-file SQLite
// database instead of Postgres. Used when the deployment wants Q-table
// flushes on local disk (frequent small writes, survives restarts without
// a round-trip to the shared database).
type LocalQTable struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLocalQTable opens (creating if needed) the SQLite file at path and
// ensures the qtable schema exists.
func NewLocalQTable(ctx context.Context, path string, logger *slog.Logger) (*LocalQTable, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// from the flush goroutine racing Load at startup.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS qtable (
			state_key  TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			value      REAL NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (state_key, agent_id)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create sqlite qtable schema: %w", err)
	}

	return &LocalQTable{db: db, logger: logger}, nil
}

// LoadQTable reads the entire persisted Q-table.
func (s *LocalQTable) LoadQTable(ctx context.Context) ([]learning.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_key, agent_id, value, updated_at FROM qtable`)
	if err != nil {
		return nil, fmt.Errorf("storage: load sqlite qtable: %w", err)
	}
	defer rows.Close()

	var entries []learning.Entry
	for rows.Next() {
		var e learning.Entry
		if err := rows.Scan(&e.StateKey, &e.AgentID, &e.Value, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan sqlite qtable entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate sqlite qtable: %w", err)
	}
	return entries, nil
}

// UpsertQTable writes a batch of Q-table cells in one transaction.
func (s *LocalQTable) UpsertQTable(ctx context.Context, entries []learning.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin sqlite qtable upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO qtable (state_key, agent_id, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (state_key, agent_id)
		 DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("storage: prepare sqlite qtable upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.StateKey, e.AgentID, e.Value, e.UpdatedAt); err != nil {
			return fmt.Errorf("storage: upsert sqlite qtable %s/%s: %w", e.StateKey, e.AgentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit sqlite qtable upsert: %w", err)
	}
	return nil
}

// Close closes the SQLite handle.
func (s *LocalQTable) Close() error {
	return s.db.Close()
}
