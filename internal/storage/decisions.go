package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/annai/internal/model"
)

// feedbackScoreWindow bounds how many recent feedback rows contribute to an
// agent's feedback score component.
const feedbackScoreWindow = 50

const decisionColumns = `id, request_id, agent_id, input_type, strategy, confidence,
	reason, alternatives, context, status, content_hash, created_at`

// InsertDecision records a routing decision. Decisions are immutable once
// inserted; only the status column changes afterward.
func (db *DB) InsertDecision(ctx context.Context, d model.Decision) (model.Decision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DecisionPending
	}
	if d.Alternatives == nil {
		d.Alternatives = []model.Alternative{}
	}
	if d.Context == nil {
		d.Context = model.RoutingContext{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO decisions (id, request_id, agent_id, input_type, strategy, confidence,
		 reason, alternatives, context, status, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.RequestID, d.AgentID, d.InputType, string(d.Strategy), d.Confidence,
		d.Reason, d.Alternatives, d.Context, string(d.Status), d.ContentHash, d.CreatedAt,
	)
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: insert decision: %w", err)
	}
	return d, nil
}

// GetDecision retrieves a decision by ID.
func (db *DB) GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, fmt.Errorf("%w: decision %s", ErrNotFound, id)
		}
		return model.Decision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// UpdateDecisionStatus attaches the terminal status once feedback arrives.
func (db *DB) UpdateDecisionStatus(ctx context.Context, id uuid.UUID, status model.DecisionStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE decisions SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("storage: update decision status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: decision %s", ErrNotFound, id)
	}
	return nil
}

// DecisionFilter narrows ListDecisions. Zero values mean "no filter".
type DecisionFilter struct {
	AgentID  string
	Strategy model.Strategy
	Status   model.DecisionStatus
	Limit    int
	Offset   int
}

// ListDecisions returns decisions newest first, with the total count of
// rows matching the filter for pagination.
func (db *DB) ListDecisions(ctx context.Context, f DecisionFilter) ([]model.Decision, int, error) {
	where := ""
	args := []any{}
	add := func(clause string, val any) {
		args = append(args, val)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(clause, len(args))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.Strategy != "" {
		add("strategy = $%d", string(f.Strategy))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM decisions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count decisions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM decisions%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		decisionColumns, where, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: iterate decisions: %w", err)
	}
	return decisions, total, nil
}

// InsertFeedback records a feedback report and its computed reward.
func (db *DB) InsertFeedback(ctx context.Context, agentID string, fb model.Feedback, reward float64) error {
	if fb.ReceivedAt.IsZero() {
		fb.ReceivedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO feedback (id, decision_id, agent_id, success, latency_ms,
		 accuracy, satisfaction, reward, synthetic, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.New(), fb.DecisionID, agentID, fb.Success, fb.LatencyMs,
		fb.Accuracy, fb.Satisfaction, reward, fb.Synthetic, fb.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert feedback: %w", err)
	}
	return nil
}

// AgentFeedbackScore maps an agent's recent rewards into a [0,1] score for
// the rule-based strategy. Agents with no feedback yet score a neutral 0.5.
func (db *DB) AgentFeedbackScore(ctx context.Context, agentID string) (float64, error) {
	var score *float64
	err := db.pool.QueryRow(ctx,
		`SELECT AVG((reward + 1) / 2) FROM (
		   SELECT reward FROM feedback WHERE agent_id = $1
		   ORDER BY received_at DESC LIMIT $2
		 ) recent`, agentID, feedbackScoreWindow,
	).Scan(&score)
	if err != nil {
		return 0, fmt.Errorf("storage: agent feedback score: %w", err)
	}
	if score == nil {
		return 0.5, nil
	}
	return *score, nil
}

func scanDecision(row rowScanner) (model.Decision, error) {
	var d model.Decision
	var strategy, status string
	err := row.Scan(
		&d.ID, &d.RequestID, &d.AgentID, &d.InputType, &strategy, &d.Confidence,
		&d.Reason, &d.Alternatives, &d.Context, &status, &d.ContentHash, &d.CreatedAt,
	)
	d.Strategy = model.Strategy(strategy)
	d.Status = model.DecisionStatus(status)
	return d, err
}
