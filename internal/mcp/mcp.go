// Package mcp implements the Model Context Protocol server for annai.
//
// The MCP server exposes routing, feedback, and decision inspection as
// MCP tools and resources, so MCP-compatible AI agents can use annai
// without speaking its HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/annai/internal/model"
	"github.com/ashita-ai/annai/internal/storage"
)

// Engine is the decision engine surface the MCP tools call.
type Engine interface {
	Route(ctx context.Context, req model.RouteRequest) (model.Decision, error)
	ProcessFeedback(ctx context.Context, req model.FeedbackRequest) (model.Feedback, error)
	VerifyDecision(ctx context.Context, id uuid.UUID) (model.Decision, bool, error)
}

// Store is the read-only storage surface the MCP resources use.
type Store interface {
	ListAgents(ctx context.Context) ([]model.Agent, error)
	ListDecisions(ctx context.Context, f storage.DecisionFilter) ([]model.Decision, int, error)
}

// Server wraps the MCP server with annai's routing engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    Engine
	store     Store
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(engine Engine, store Store, logger *slog.Logger) *Server {
	s := &Server{
		engine: engine,
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"annai",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// annai://agents — the agent directory.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"annai://agents",
			"Agent Directory",
			mcplib.WithResourceDescription("All registered agents with their rolling performance metrics"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgents,
	)

	// annai://decisions/recent — recent routing decisions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"annai://decisions/recent",
			"Recent Decisions",
			mcplib.WithResourceDescription("Most recent routing decisions with confidence and alternatives"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleDecisionsRecent,
	)

	// annai://agent/{id}/decisions — a specific agent's decision history.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"annai://agent/{id}/decisions",
			"Agent Decisions",
			mcplib.WithTemplateDescription("Routing decisions that selected a specific agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentDecisions,
	)
}

func (s *Server) handleAgents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list agents: %w", err)
	}
	return jsonResource("annai://agents", agents)
}

func (s *Server) handleDecisionsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	decisions, _, err := s.store.ListDecisions(ctx, storage.DecisionFilter{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent decisions: %w", err)
	}
	return jsonResource("annai://decisions/recent", decisions)
}

func (s *Server) handleAgentDecisions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	agentID := agentIDFromURI(uri)
	if agentID == "" {
		return nil, fmt.Errorf("mcp: invalid agent decisions URI: %s", uri)
	}

	decisions, total, err := s.store.ListDecisions(ctx, storage.DecisionFilter{AgentID: agentID, Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: agent decisions: %w", err)
	}
	return jsonResource(uri, map[string]any{
		"agent_id":  agentID,
		"total":     total,
		"decisions": decisions,
	})
}

// agentIDFromURI extracts the agent ID from annai://agent/{id}/decisions.
func agentIDFromURI(uri string) string {
	rest, ok := strings.CutPrefix(uri, "annai://agent/")
	if !ok {
		return ""
	}
	agentID, ok := strings.CutSuffix(rest, "/decisions")
	if !ok || agentID == "" || strings.Contains(agentID, "/") {
		return ""
	}
	return agentID
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
