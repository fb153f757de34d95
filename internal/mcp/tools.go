package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/annai/internal/model"
)

func (s *Server) registerTools() {
	// annai_route — select an agent for a request.
	s.mcpServer.AddTool(
		mcplib.NewTool("annai_route",
			mcplib.WithDescription("Route a request to the best-suited agent. Returns the selected agent, confidence, and ranked alternatives."),
			mcplib.WithString("input", mcplib.Description("The request payload to route"), mcplib.Required()),
			mcplib.WithString("input_type", mcplib.Description("Kind of input, e.g. code, text, image"), mcplib.Required()),
			mcplib.WithString("strategy", mcplib.Description("Selection strategy: rule_based, semantic, or reinforcement")),
			mcplib.WithObject("context", mcplib.Description("Optional routing context: string key/value pairs the strategies condition on")),
		),
		s.handleRoute,
	)

	// annai_feedback — report the outcome of a routed request.
	s.mcpServer.AddTool(
		mcplib.NewTool("annai_feedback",
			mcplib.WithDescription("Report the outcome of a previously routed request so future routing improves"),
			mcplib.WithString("decision_id", mcplib.Description("Decision UUID returned by annai_route"), mcplib.Required()),
			mcplib.WithBoolean("success", mcplib.Description("Whether the routed agent handled the request successfully"), mcplib.Required()),
			mcplib.WithNumber("latency_ms", mcplib.Description("Observed handling latency in milliseconds")),
			mcplib.WithNumber("accuracy", mcplib.Description("Optional accuracy score 0.0-1.0")),
			mcplib.WithNumber("satisfaction", mcplib.Description("Optional satisfaction score 0.0-1.0")),
		),
		s.handleFeedback,
	)

	// annai_verify — check a recorded decision's integrity.
	s.mcpServer.AddTool(
		mcplib.NewTool("annai_verify",
			mcplib.WithDescription("Verify the tamper-evident content hash of a recorded decision"),
			mcplib.WithString("decision_id", mcplib.Description("Decision UUID to verify"), mcplib.Required()),
		),
		s.handleVerify,
	)
}

func (s *Server) handleRoute(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.RouteRequest{
		Input:     request.GetString("input", ""),
		InputType: request.GetString("input_type", ""),
		Strategy:  request.GetString("strategy", ""),
	}

	if raw, ok := request.GetArguments()["context"].(map[string]any); ok {
		req.Context = make(model.RoutingContext, len(raw))
		for k, v := range raw {
			str, ok := v.(string)
			if !ok {
				return errorResult(fmt.Sprintf("context values must be strings, got %T for %q", v, k)), nil
			}
			req.Context[k] = str
		}
	}

	decision, err := s.engine.Route(ctx, req)
	if err != nil {
		var validationErr *model.ValidationError
		if errors.As(err, &validationErr) {
			return errorResult(validationErr.Error()), nil
		}
		if errors.Is(err, model.ErrNoAgentsAvailable) {
			return errorResult("no agents available for routing"), nil
		}
		s.logger.Error("mcp: route failed", "error", err)
		return errorResult(fmt.Sprintf("routing failed: %v", err)), nil
	}

	return jsonResult(decision)
}

func (s *Server) handleFeedback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	decisionID, err := uuid.Parse(request.GetString("decision_id", ""))
	if err != nil {
		return errorResult("decision_id must be a UUID"), nil
	}

	req := model.FeedbackRequest{
		DecisionID: decisionID,
		Success:    request.GetBool("success", false),
		LatencyMs:  request.GetFloat("latency_ms", 0),
	}
	if v := request.GetFloat("accuracy", -1); v >= 0 {
		req.Accuracy = &v
	}
	if v := request.GetFloat("satisfaction", -1); v >= 0 {
		req.Satisfaction = &v
	}

	fb, err := s.engine.ProcessFeedback(ctx, req)
	if err != nil {
		var validationErr *model.ValidationError
		if errors.As(err, &validationErr) {
			return errorResult(validationErr.Error()), nil
		}
		s.logger.Error("mcp: feedback failed", "decision_id", decisionID, "error", err)
		return errorResult(fmt.Sprintf("feedback failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"decision_id": fb.DecisionID,
		"reward":      fb.Reward(),
		"synthetic":   fb.Synthetic,
		"status":      "recorded",
	})
}

func (s *Server) handleVerify(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	decisionID, err := uuid.Parse(request.GetString("decision_id", ""))
	if err != nil {
		return errorResult("decision_id must be a UUID"), nil
	}

	decision, valid, err := s.engine.VerifyDecision(ctx, decisionID)
	if err != nil {
		return errorResult(fmt.Sprintf("verify failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"decision_id":  decision.ID,
		"agent_id":     decision.AgentID,
		"content_hash": decision.ContentHash,
		"valid":        valid,
	})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
