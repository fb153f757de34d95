package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ashita-ai/annai/internal/learning"
	"github.com/ashita-ai/annai/internal/model"
	"github.com/ashita-ai/annai/internal/scoring"
)

// Candidate is one scored agent produced by a strategy, best first.
type Candidate struct {
	Agent      model.Agent
	Confidence float64
	Reason     string
	Explored   bool
}

// strategy ranks the available agents for a request. Implementations are
// a closed set; unknown strategy names are normalized to rule-based before
// dispatch.
type strategy interface {
	Name() model.Strategy
	Rank(ctx context.Context, req model.RouteRequest, agents []model.Agent) ([]Candidate, error)
}

// Default component weights per strategy.
var (
	ruleWeights     = map[string]float64{"rule": 0.4, "feedback": 0.4, "availability": 0.2}
	semanticWeights = map[string]float64{"semantic": 0.5, "feedback": 0.3, "availability": 0.2}
	learnedWeights  = map[string]float64{"q": 0.8, "availability": 0.2}
)

// ruleBased blends a type-affinity bonus with the agent's rolling success
// rate, its recent feedback score, and a status-derived availability score.
type ruleBased struct {
	scorer   *scoring.Engine
	feedback FeedbackSource
	karma    KarmaClient
	logger   *slog.Logger
}

func (s *ruleBased) Name() model.Strategy { return model.StrategyRuleBased }

func (s *ruleBased) Rank(ctx context.Context, req model.RouteRequest, agents []model.Agent) ([]Candidate, error) {
	out := make([]Candidate, 0, len(agents))
	for _, agent := range agents {
		comps := map[string]float64{
			"rule":         ruleComponent(agent, req.InputType),
			"feedback":     feedbackScore(ctx, s.feedback, s.logger, agent.AgentID),
			"availability": agent.AvailabilityScore(),
		}
		score := s.scorer.ScoreWithKarma(ctx, comps, ruleWeights, agent.AgentID, s.karma)
		out = append(out, Candidate{
			Agent:      agent,
			Confidence: score.Final,
			Reason:     fmt.Sprintf("rule-based blend: affinity %.2f, feedback %.2f, availability %.2f", comps["rule"], comps["feedback"], comps["availability"]),
		})
	}
	sortCandidates(out)
	return out, nil
}

// feedbackScore is a best-effort signal: on store failure it degrades to
// neutral rather than failing the routing request.
func feedbackScore(ctx context.Context, src FeedbackSource, logger *slog.Logger, agentID string) float64 {
	score, err := src.AgentFeedbackScore(ctx, agentID)
	if err != nil {
		logger.Warn("router: feedback score unavailable, using neutral", "agent_id", agentID, "error", err)
		return 0.5
	}
	return score
}

// ruleComponent folds type affinity and the rolling success rate into one
// score. Agents with no history yet are judged on affinity alone.
func ruleComponent(agent model.Agent, inputType string) float64 {
	affinity := 0.4
	switch {
	case agent.Type == inputType:
		affinity = 1.0
	case agent.HasTag(strings.ToLower(inputType)):
		affinity = 0.8
	}
	if agent.TotalRequests == 0 {
		return affinity
	}
	return 0.5*affinity + 0.5*agent.SuccessRate
}

// semantic ranks agents by tag affinity with the request's input type and
// context values, blended with feedback and availability.
type semantic struct {
	scorer   *scoring.Engine
	feedback FeedbackSource
	karma    KarmaClient
	logger   *slog.Logger
}

func (s *semantic) Name() model.Strategy { return model.StrategySemantic }

func (s *semantic) Rank(ctx context.Context, req model.RouteRequest, agents []model.Agent) ([]Candidate, error) {
	wanted := wantedTags(req)
	out := make([]Candidate, 0, len(agents))
	for _, agent := range agents {
		comps := map[string]float64{
			"semantic":     tagAffinity(agent, wanted),
			"feedback":     feedbackScore(ctx, s.feedback, s.logger, agent.AgentID),
			"availability": agent.AvailabilityScore(),
		}
		score := s.scorer.ScoreWithKarma(ctx, comps, semanticWeights, agent.AgentID, s.karma)
		out = append(out, Candidate{
			Agent:      agent,
			Confidence: score.Final,
			Reason:     fmt.Sprintf("semantic match %.2f against %d request tags", comps["semantic"], len(wanted)),
		})
	}
	sortCandidates(out)
	return out, nil
}

// wantedTags collects the lowercased tag vocabulary of a request: its input
// type plus every context value.
func wantedTags(req model.RouteRequest) []string {
	seen := map[string]struct{}{}
	var tags []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			return
		}
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	add(req.InputType)
	for _, v := range req.Context {
		add(v)
	}
	sort.Strings(tags)
	return tags
}

// tagAffinity is the matched fraction of wanted tags. An agent matching
// nothing still scores a small base so it stays rankable by the other
// components.
func tagAffinity(agent model.Agent, wanted []string) float64 {
	if len(wanted) == 0 {
		return 0.5
	}
	matched := 0
	for _, tag := range wanted {
		if agent.HasTag(tag) || strings.EqualFold(agent.Type, tag) {
			matched++
		}
	}
	return 0.2 + 0.8*float64(matched)/float64(len(wanted))
}

// reinforcement delegates the pick to the Q-learner's epsilon-greedy
// policy and derives confidence from the learned value.
type reinforcement struct {
	scorer  *scoring.Engine
	learner *learning.Learner
	karma   KarmaClient
}

func (s *reinforcement) Name() model.Strategy { return model.StrategyReinforcement }

func (s *reinforcement) Rank(ctx context.Context, req model.RouteRequest, agents []model.Agent) ([]Candidate, error) {
	stateKey := stateKeyFor(req.InputType, req.Context)

	byID := make(map[string]model.Agent, len(agents))
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		byID[a.AgentID] = a
		ids = append(ids, a.AgentID)
	}

	sel, err := s.learner.Select(stateKey, ids)
	if err != nil {
		return nil, fmt.Errorf("router: learner selection: %w", err)
	}

	winner := byID[sel.AgentID]
	out := []Candidate{{
		Agent: winner,
		Confidence: s.scorer.ScoreWithKarma(ctx, map[string]float64{
			"q":            sel.Confidence,
			"availability": winner.AvailabilityScore(),
		}, learnedWeights, winner.AgentID, s.karma).Final,
		Reason:   reinforcementReason(stateKey, sel),
		Explored: sel.Explored,
	}}

	// Runners-up ranked by their stored Q-values.
	rest := make([]Candidate, 0, len(agents)-1)
	for _, a := range agents {
		if a.AgentID == sel.AgentID {
			continue
		}
		rest = append(rest, Candidate{
			Agent:      a,
			Confidence: s.learner.Value(stateKey, a.AgentID),
			Reason:     "q-value runner-up",
		})
	}
	sortCandidates(rest)
	return append(out, rest...), nil
}

func reinforcementReason(stateKey string, sel learning.Selection) string {
	if sel.Explored {
		return fmt.Sprintf("epsilon-greedy exploration in state %q", stateKey)
	}
	return fmt.Sprintf("q-value argmax %.3f in state %q", sel.Confidence, stateKey)
}

// stateKeyFor derives the learner's state key from the request context,
// always conditioning on the input type. Route and feedback processing
// must use the same derivation.
func stateKeyFor(inputType string, rc model.RoutingContext) string {
	merged := make(model.RoutingContext, len(rc)+1)
	for k, v := range rc {
		merged[k] = v
	}
	merged["input_type"] = inputType
	return learning.DeriveStateKey(merged)
}

// sortCandidates orders best first, breaking confidence ties by agent ID
// so rankings are deterministic.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Confidence != cs[j].Confidence {
			return cs[i].Confidence > cs[j].Confidence
		}
		return cs[i].Agent.AgentID < cs[j].Agent.AgentID
	})
}
