package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/annai/internal/learning"
)

// LoadQTable reads the entire persisted Q-table. Called once at startup to
// warm the learner.
func (db *DB) LoadQTable(ctx context.Context) ([]learning.Entry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT state_key, agent_id, value, updated_at FROM qtable`)
	if err != nil {
		return nil, fmt.Errorf("storage: load qtable: %w", err)
	}
	defer rows.Close()

	var entries []learning.Entry
	for rows.Next() {
		var e learning.Entry
		if err := rows.Scan(&e.StateKey, &e.AgentID, &e.Value, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan qtable entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate qtable: %w", err)
	}
	return entries, nil
}

// UpsertQTable writes a batch of Q-table cells in one transaction, so a
// flush is applied atomically or not at all.
func (db *DB) UpsertQTable(ctx context.Context, entries []learning.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin qtable upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO qtable (state_key, agent_id, value, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (state_key, agent_id)
			 DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			e.StateKey, e.AgentID, e.Value, e.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: upsert qtable %s/%s: %w", e.StateKey, e.AgentID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit qtable upsert: %w", err)
	}
	return nil
}
