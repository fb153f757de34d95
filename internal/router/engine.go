// Package router is the decision engine: it discovers candidate agents,
// ranks them with the configured strategy, records the decision, and feeds
// outcomes back into agent metrics and the learner.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/annai/internal/bus"
	"github.com/ashita-ai/annai/internal/integrity"
	"github.com/ashita-ai/annai/internal/karma"
	"github.com/ashita-ai/annai/internal/learning"
	"github.com/ashita-ai/annai/internal/model"
	"github.com/ashita-ai/annai/internal/scoring"
	"github.com/ashita-ai/annai/internal/storage"
	"github.com/ashita-ai/annai/internal/stp"
	"github.com/ashita-ai/annai/internal/telemetry"
)

// DefaultMaxAlternatives bounds the ranked runners-up recorded per decision.
const DefaultMaxAlternatives = 3

// Directory is the agent directory the engine consumes.
type Directory interface {
	ListActive(ctx context.Context) ([]model.Agent, error)
	UpdatePerformance(ctx context.Context, agentID string, success bool, latencyMs float64) error
}

// DecisionLog is the decision and feedback store the engine writes.
type DecisionLog interface {
	InsertDecision(ctx context.Context, d model.Decision) (model.Decision, error)
	GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error)
	UpdateDecisionStatus(ctx context.Context, id uuid.UUID, status model.DecisionStatus) error
	InsertFeedback(ctx context.Context, agentID string, fb model.Feedback, reward float64) error
}

// FeedbackSource supplies the per-agent feedback score component.
type FeedbackSource interface {
	AgentFeedbackScore(ctx context.Context, agentID string) (float64, error)
}

// Store is the full storage surface the engine needs. *storage.DB
// implements it.
type Store interface {
	Directory
	DecisionLog
	FeedbackSource
}

// KarmaClient is the reputation service surface the engine consumes.
// *karma.Client implements it; GetScore also satisfies scoring.KarmaSource.
type KarmaClient interface {
	GetScore(ctx context.Context, agentID string) float64
	ReportPerformance(agentID string, score float64)
}

var _ KarmaClient = (*karma.Client)(nil)

// DecisionHook is invoked after every recorded decision, outside the
// request path. Used by embedders to observe routing without subscribing
// to the telemetry bus.
type DecisionHook func(model.Decision)

// Config holds decision engine settings.
type Config struct {
	// Source names this node in STP envelope metadata.
	Source string
	// NodeID identifies this node for telemetry fingerprinting.
	NodeID uuid.UUID
	// MaxAlternatives bounds recorded runners-up; 0 means the default.
	MaxAlternatives int
}

// Engine orchestrates routing and feedback processing.
type Engine struct {
	cfg     Config
	store   Store
	karma   KarmaClient
	learner *learning.Learner
	codec   *stp.Codec
	bus     *bus.Bus
	logger  *slog.Logger
	hook    DecisionHook

	fingerprint string
	strategies  map[model.Strategy]strategy

	routeLatency metric.Float64Histogram
}

// New creates the decision engine.
func New(cfg Config, store Store, scorer *scoring.Engine, learner *learning.Learner,
	karmaClient KarmaClient, codec *stp.Codec, b *bus.Bus, logger *slog.Logger) *Engine {
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = DefaultMaxAlternatives
	}
	if cfg.NodeID == uuid.Nil {
		cfg.NodeID = uuid.New()
	}
	e := &Engine{
		cfg:         cfg,
		store:       store,
		karma:       karmaClient,
		learner:     learner,
		codec:       codec,
		bus:         b,
		logger:      logger,
		fingerprint: integrity.Fingerprint(cfg.NodeID, cfg.Source),
		strategies: map[model.Strategy]strategy{
			model.StrategyRuleBased:     &ruleBased{scorer: scorer, feedback: store, karma: karmaClient, logger: logger},
			model.StrategySemantic:      &semantic{scorer: scorer, feedback: store, karma: karmaClient, logger: logger},
			model.StrategyReinforcement: &reinforcement{scorer: scorer, learner: learner, karma: karmaClient},
		},
	}

	var err error
	if e.routeLatency, err = telemetry.Meter("annai/router").Float64Histogram("router.route_duration_ms"); err != nil {
		logger.Warn("router: create latency histogram", "error", err)
	}
	return e
}

// SetHook installs the decision hook. Call before serving.
func (e *Engine) SetHook(h DecisionHook) { e.hook = h }

// Route selects an agent for the request and records the decision.
// Side channels (decision log, telemetry, karma) are best effort: only
// validation failures and an empty candidate set fail the call.
func (e *Engine) Route(ctx context.Context, req model.RouteRequest) (model.Decision, error) {
	start := time.Now()

	if err := model.ValidateRouteRequest(req); err != nil {
		return model.Decision{}, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	agents, err := e.store.ListActive(ctx)
	if err != nil {
		return model.Decision{}, &model.UpstreamError{Service: "agent directory", Err: err}
	}
	if len(agents) == 0 {
		return model.Decision{}, model.ErrNoAgentsAvailable
	}

	strategyName := model.NormalizeStrategy(req.Strategy)
	ranked, err := e.strategies[strategyName].Rank(ctx, req, agents)
	if err != nil {
		return model.Decision{}, fmt.Errorf("router: rank candidates: %w", err)
	}

	winner := ranked[0]
	decision := model.Decision{
		ID:           uuid.New(),
		RequestID:    req.RequestID,
		AgentID:      winner.Agent.AgentID,
		InputType:    req.InputType,
		Strategy:     strategyName,
		Confidence:   winner.Confidence,
		Reason:       winner.Reason,
		Alternatives: alternatives(ranked, e.cfg.MaxAlternatives),
		Context:      req.Context,
		Status:       model.DecisionPending,
		CreatedAt:    time.Now().UTC(),
	}
	decision.ContentHash = integrity.ComputeContentHash(decision)

	if _, err := e.store.InsertDecision(ctx, decision); err != nil {
		e.logger.Error("router: persist decision failed, continuing", "decision_id", decision.ID, "error", err)
	}

	e.logger.Info("router: routed request",
		"request_id", decision.RequestID,
		"agent_id", decision.AgentID,
		"strategy", decision.Strategy,
		"confidence", decision.Confidence,
		"explored", winner.Explored,
	)

	elapsed := float64(time.Since(start).Microseconds()) / 1000
	if e.routeLatency != nil {
		e.routeLatency.Record(ctx, elapsed)
	}

	// Telemetry and hooks run off the request path; their failure never
	// fails the routing response.
	emitCtx := context.WithoutCancel(ctx)
	go e.emitDecision(emitCtx, decision, elapsed)
	if e.hook != nil {
		go e.hook(decision)
	}

	return decision, nil
}

// ProcessFeedback records an outcome: it attaches the terminal status to
// the decision, folds the result into the agent's rolling metrics, reports
// to karma, and trains the learner when the decision was made by the
// reinforcement strategy. A missing decision reference degrades to a
// synthetic record; only malformed feedback errors out.
func (e *Engine) ProcessFeedback(ctx context.Context, req model.FeedbackRequest) (model.Feedback, error) {
	if err := model.ValidateFeedbackRequest(req); err != nil {
		return model.Feedback{}, err
	}

	fb := model.Feedback{
		DecisionID:   req.DecisionID,
		Success:      req.Success,
		LatencyMs:    req.LatencyMs,
		Accuracy:     req.Accuracy,
		Satisfaction: req.Satisfaction,
		ReceivedAt:   time.Now().UTC(),
	}

	decision, err := e.store.GetDecision(ctx, req.DecisionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Feedback{}, &model.UpstreamError{Service: "decision log", Err: err}
		}
		// Unknown reference: process against a best-effort synthetic record
		// so the reporter's signal is not lost entirely.
		e.logger.Warn("router: feedback for unknown decision, synthesizing", "decision_id", req.DecisionID)
		fb.Synthetic = true
		decision = model.Decision{
			ID:       req.DecisionID,
			Strategy: model.StrategyRuleBased,
			Status:   model.DecisionPending,
		}
	}

	reward := fb.Reward()

	status := model.DecisionFailed
	if fb.Success {
		status = model.DecisionSucceeded
	}
	if !fb.Synthetic {
		if err := e.store.UpdateDecisionStatus(ctx, decision.ID, status); err != nil {
			e.logger.Warn("router: update decision status failed", "decision_id", decision.ID, "error", err)
		}
		if err := e.store.UpdatePerformance(ctx, decision.AgentID, fb.Success, fb.LatencyMs); err != nil {
			e.logger.Warn("router: update agent performance failed", "agent_id", decision.AgentID, "error", err)
		}
		e.karma.ReportPerformance(decision.AgentID, reward)

		if decision.Strategy == model.StrategyReinforcement {
			stateKey := stateKeyFor(decision.InputType, decision.Context)
			smoothed := learning.SmoothReward(reward, e.karma.GetScore(ctx, decision.AgentID))
			e.learner.Update(ctx, stateKey, decision.AgentID, smoothed, stateKey)
		}
	}

	if err := e.store.InsertFeedback(ctx, decision.AgentID, fb, reward); err != nil {
		e.logger.Warn("router: persist feedback failed", "decision_id", decision.ID, "error", err)
	}

	go e.emitFeedback(context.WithoutCancel(ctx), decision, fb, reward)

	return fb, nil
}

// VerifyDecision recomputes a stored decision's content hash.
func (e *Engine) VerifyDecision(ctx context.Context, id uuid.UUID) (model.Decision, bool, error) {
	decision, err := e.store.GetDecision(ctx, id)
	if err != nil {
		return model.Decision{}, false, err
	}
	return decision, integrity.VerifyContentHash(decision), nil
}

// emitDecision wraps the decision in an STP envelope and hands it to the
// telemetry bus.
func (e *Engine) emitDecision(ctx context.Context, d model.Decision, latencyMs float64) {
	alts := make([]map[string]any, 0, len(d.Alternatives))
	for _, a := range d.Alternatives {
		alts = append(alts, map[string]any{"agent_id": a.AgentID, "score": a.Score, "rank": a.Rank})
	}
	payload := map[string]any{
		"request_id":   d.RequestID,
		"decision_id":  d.ID.String(),
		"agent_id":     d.AgentID,
		"confidence":   d.Confidence,
		"strategy":     string(d.Strategy),
		"alternatives": alts,
		"latency_ms":   latencyMs,
	}
	e.emit(ctx, payload, stp.TypeRoutingDecision)
}

// emitFeedback forwards an STP-wrapped feedback packet to the bus.
func (e *Engine) emitFeedback(ctx context.Context, d model.Decision, fb model.Feedback, reward float64) {
	payload := map[string]any{
		"decision_id": fb.DecisionID.String(),
		"agent_id":    d.AgentID,
		"success":     fb.Success,
		"latency_ms":  fb.LatencyMs,
		"reward":      reward,
		"synthetic":   fb.Synthetic,
	}
	e.emit(ctx, payload, stp.TypeFeedback)
}

func (e *Engine) emit(ctx context.Context, payload map[string]any, typ stp.PacketType) {
	env, err := e.codec.Wrap(payload, typ, stp.WrapOptions{Destination: "telemetry"})
	if err != nil {
		e.logger.Warn("router: wrap telemetry packet failed", "type", typ, "error", err)
		return
	}
	packet, err := envelopeMap(env)
	if err != nil {
		e.logger.Warn("router: encode telemetry packet failed", "type", typ, "error", err)
		return
	}
	if err := e.bus.Emit(ctx, packet, e.fingerprint); err != nil {
		e.logger.Warn("router: telemetry emission failed", "type", typ, "error", err)
	}
}

// envelopeMap flattens an STP envelope into the generic packet form the
// bus transports.
func envelopeMap(env stp.Envelope) (map[string]any, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func alternatives(ranked []Candidate, limit int) []model.Alternative {
	rest := ranked[1:]
	if len(rest) > limit {
		rest = rest[:limit]
	}
	alts := make([]model.Alternative, 0, len(rest))
	for i, c := range rest {
		alts = append(alts, model.Alternative{AgentID: c.Agent.AgentID, Score: c.Confidence, Rank: i + 2})
	}
	return alts
}
