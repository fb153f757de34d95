package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/annai/internal/model"
)

// ewmaAlpha is the smoothing factor for the rolling performance metrics:
// each observation moves the average 20% of the way toward itself.
const ewmaAlpha = 0.2

const agentColumns = `id, agent_id, name, type, status, tags, metadata,
	success_rate, avg_latency_ms, total_requests, created_at, updated_at`

// CreateAgent registers a new agent in the directory.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = model.StatusActive
	}
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}
	if agent.Tags == nil {
		agent.Tags = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, agent_id, name, type, status, tags, metadata,
		 success_rate, avg_latency_ms, total_requests, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		agent.ID, agent.AgentID, agent.Name, agent.Type, string(agent.Status),
		agent.Tags, agent.Metadata,
		agent.SuccessRate, agent.AvgLatencyMs, agent.TotalRequests,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, fmt.Errorf("%w: agent %s", ErrDuplicate, agent.AgentID)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by its external agent ID.
func (db *DB) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return agent, nil
}

// ListActive returns all agents currently available as routing candidates:
// every agent not marked inactive, so maintenance agents still compete with
// a reduced availability score.
func (db *DB) ListActive(ctx context.Context) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE status != $1 ORDER BY agent_id`, string(model.StatusInactive))
	if err != nil {
		return nil, fmt.Errorf("storage: list active agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// ListAgents returns all registered agents regardless of status.
func (db *DB) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// UpdateAgent applies a partial update. Nil fields are left unchanged.
func (db *DB) UpdateAgent(ctx context.Context, agentID string, upd model.UpdateAgentRequest) (model.Agent, error) {
	var status *string
	if upd.Status != nil {
		s := string(*upd.Status)
		status = &s
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET
		   name     = COALESCE($2, name),
		   type     = COALESCE($3, type),
		   status   = COALESCE($4, status),
		   tags     = COALESCE($5, tags),
		   metadata = COALESCE($6, metadata),
		   updated_at = now()
		 WHERE agent_id = $1`,
		agentID, upd.Name, upd.Type, status, upd.Tags, upd.Metadata,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Agent{}, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return db.GetAgent(ctx, agentID)
}

// UpdatePerformance folds one observed outcome into the agent's rolling
// metrics. The very first observation seeds the averages directly; later
// ones move them by ewmaAlpha. Concurrent feedback for the same agent can
// deadlock under load, so the update runs under WithRetry.
func (db *DB) UpdatePerformance(ctx context.Context, agentID string, success bool, latencyMs float64) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE agents SET
			   success_rate = CASE WHEN total_requests = 0 THEN $2
			                       ELSE success_rate + ($2 - success_rate) * $4 END,
			   avg_latency_ms = CASE WHEN total_requests = 0 THEN $3
			                         ELSE avg_latency_ms + ($3 - avg_latency_ms) * $4 END,
			   total_requests = total_requests + 1,
			   updated_at = now()
			 WHERE agent_id = $1`,
			agentID, outcome, latencyMs, ewmaAlpha,
		)
		if err != nil {
			return fmt.Errorf("storage: update performance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
		}
		return nil
	})
}

// DeleteAgent removes an agent from the directory.
func (db *DB) DeleteAgent(ctx context.Context, agentID string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (model.Agent, error) {
	var a model.Agent
	var status string
	err := row.Scan(
		&a.ID, &a.AgentID, &a.Name, &a.Type, &status, &a.Tags, &a.Metadata,
		&a.SuccessRate, &a.AvgLatencyMs, &a.TotalRequests, &a.CreatedAt, &a.UpdatedAt,
	)
	a.Status = model.AgentStatus(status)
	return a, err
}

func scanAgents(rows pgx.Rows) ([]model.Agent, error) {
	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate agents: %w", err)
	}
	return agents, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
