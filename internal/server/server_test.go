package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/annai/internal/auth"
	"github.com/ashita-ai/annai/internal/bus"
	"github.com/ashita-ai/annai/internal/model"
	"github.com/ashita-ai/annai/internal/ratelimit"
	"github.com/ashita-ai/annai/internal/server"
	"github.com/ashita-ai/annai/internal/storage"
)

// stubStore is an in-memory Store implementation for handler tests.
type stubStore struct {
	agents    map[string]model.Agent
	decisions map[uuid.UUID]model.Decision
	pingErr   error
}

func newStubStore() *stubStore {
	return &stubStore{
		agents:    make(map[string]model.Agent),
		decisions: make(map[uuid.UUID]model.Decision),
	}
}

func (s *stubStore) Ping(context.Context) error { return s.pingErr }

func (s *stubStore) CreateAgent(_ context.Context, agent model.Agent) (model.Agent, error) {
	if _, ok := s.agents[agent.AgentID]; ok {
		return model.Agent{}, fmt.Errorf("%w: agent %s", storage.ErrDuplicate, agent.AgentID)
	}
	agent.ID = uuid.New()
	if agent.Status == "" {
		agent.Status = model.StatusActive
	}
	s.agents[agent.AgentID] = agent
	return agent, nil
}

func (s *stubStore) GetAgent(_ context.Context, agentID string) (model.Agent, error) {
	a, ok := s.agents[agentID]
	if !ok {
		return model.Agent{}, fmt.Errorf("%w: agent %s", storage.ErrNotFound, agentID)
	}
	return a, nil
}

func (s *stubStore) ListAgents(context.Context) ([]model.Agent, error) {
	out := make([]model.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out, nil
}

func (s *stubStore) UpdateAgent(_ context.Context, agentID string, upd model.UpdateAgentRequest) (model.Agent, error) {
	a, ok := s.agents[agentID]
	if !ok {
		return model.Agent{}, fmt.Errorf("%w: agent %s", storage.ErrNotFound, agentID)
	}
	if upd.Name != nil {
		a.Name = *upd.Name
	}
	if upd.Status != nil {
		a.Status = *upd.Status
	}
	s.agents[agentID] = a
	return a, nil
}

func (s *stubStore) DeleteAgent(_ context.Context, agentID string) error {
	if _, ok := s.agents[agentID]; !ok {
		return fmt.Errorf("%w: agent %s", storage.ErrNotFound, agentID)
	}
	delete(s.agents, agentID)
	return nil
}

func (s *stubStore) GetDecision(_ context.Context, id uuid.UUID) (model.Decision, error) {
	d, ok := s.decisions[id]
	if !ok {
		return model.Decision{}, fmt.Errorf("%w: decision %s", storage.ErrNotFound, id)
	}
	return d, nil
}

func (s *stubStore) ListDecisions(_ context.Context, f storage.DecisionFilter) ([]model.Decision, int, error) {
	var out []model.Decision
	for _, d := range s.decisions {
		if f.AgentID != "" && d.AgentID != f.AgentID {
			continue
		}
		out = append(out, d)
	}
	return out, len(out), nil
}

// stubEngine is a RoutingEngine implementation with injectable behavior.
type stubEngine struct {
	routeFn    func(ctx context.Context, req model.RouteRequest) (model.Decision, error)
	feedbackFn func(ctx context.Context, req model.FeedbackRequest) (model.Feedback, error)
	verifyFn   func(ctx context.Context, id uuid.UUID) (model.Decision, bool, error)
}

func (e *stubEngine) Route(ctx context.Context, req model.RouteRequest) (model.Decision, error) {
	return e.routeFn(ctx, req)
}

func (e *stubEngine) ProcessFeedback(ctx context.Context, req model.FeedbackRequest) (model.Feedback, error) {
	return e.feedbackFn(ctx, req)
}

func (e *stubEngine) VerifyDecision(ctx context.Context, id uuid.UUID) (model.Decision, bool, error) {
	return e.verifyFn(ctx, id)
}

type testEnv struct {
	srv    *httptest.Server
	store  *stubStore
	engine *stubEngine
	bus    *bus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	store := newStubStore()
	engine := &stubEngine{
		routeFn: func(_ context.Context, req model.RouteRequest) (model.Decision, error) {
			if err := model.ValidateRouteRequest(req); err != nil {
				return model.Decision{}, err
			}
			return model.Decision{
				ID:         uuid.New(),
				RequestID:  req.RequestID,
				AgentID:    "agent-1",
				InputType:  req.InputType,
				Strategy:   model.StrategyRuleBased,
				Confidence: 0.8,
				Status:     model.DecisionPending,
				CreatedAt:  time.Now().UTC(),
			}, nil
		},
		feedbackFn: func(_ context.Context, req model.FeedbackRequest) (model.Feedback, error) {
			if err := model.ValidateFeedbackRequest(req); err != nil {
				return model.Feedback{}, err
			}
			return model.Feedback{DecisionID: req.DecisionID, Success: req.Success, ReceivedAt: time.Now().UTC()}, nil
		},
		verifyFn: func(_ context.Context, id uuid.UUID) (model.Decision, bool, error) {
			d, ok := store.decisions[id]
			if !ok {
				return model.Decision{}, false, fmt.Errorf("%w: decision %s", storage.ErrNotFound, id)
			}
			return d, true, nil
		},
	}

	signer := bus.NewSigner([]byte("test-secret"), bus.DefaultMaxDrift, logger)
	b := bus.New(100, 10, signer, logger)
	t.Cleanup(b.Close)

	s := server.New(server.Config{
		Store:               store,
		Engine:              engine,
		JWTMgr:              jwtMgr,
		Bus:                 b,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	require.NoError(t, s.Handlers().SeedClient("admin", "admin-key"))
	require.NoError(t, s.Handlers().SeedClient("client-1", "key-1"))

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, store: store, engine: engine, bus: b}
}

func (e *testEnv) token(t *testing.T, clientID, apiKey string) string {
	t.Helper()
	body, _ := json.Marshal(model.AuthTokenRequest{ClientID: clientID, APIKey: apiKey})
	resp, err := http.Post(e.srv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NotEmpty(t, envelope.Data.Token)
	return envelope.Data.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Data
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var envelope model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error.Code
}

func TestAuthTokenFlow(t *testing.T) {
	env := newTestEnv(t)

	t.Run("valid credentials issue a token", func(t *testing.T) {
		token := env.token(t, "client-1", "key-1")
		assert.NotEmpty(t, token)
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		body, _ := json.Marshal(model.AuthTokenRequest{ClientID: "client-1", APIKey: "wrong"})
		resp, err := http.Post(env.srv.URL+"/auth/token", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown client rejected", func(t *testing.T) {
		body, _ := json.Marshal(model.AuthTokenRequest{ClientID: "nobody", APIKey: "key"})
		resp, err := http.Post(env.srv.URL+"/auth/token", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestAuthTokenBruteForceGuard(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	// Zero refill rate: only the initial burst of 2 requests is allowed.
	guard := ratelimit.NewMemoryLimiter(0, 2)
	t.Cleanup(func() { _ = guard.Close() })

	s := server.New(server.Config{
		Store:               newStubStore(),
		Engine:              &stubEngine{},
		JWTMgr:              jwtMgr,
		AuthGuard:           guard,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	require.NoError(t, s.Handlers().SeedClient("client-1", "key-1"))

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	post := func(clientID, key string) int {
		body, _ := json.Marshal(model.AuthTokenRequest{ClientID: clientID, APIKey: key})
		resp, err := http.Post(ts.URL+"/auth/token", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post("client-1", "guess-1"))
	assert.Equal(t, http.StatusUnauthorized, post("client-1", "guess-2"))
	assert.Equal(t, http.StatusTooManyRequests, post("client-1", "key-1"))

	// Other clients have independent buckets.
	assert.Equal(t, http.StatusUnauthorized, post("client-2", "guess-1"))
}

func TestRouteRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/route", "", model.RouteRequest{Input: "x", InputType: "code"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouteHappyPath(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "client-1", "key-1")

	resp := env.do(t, http.MethodPost, "/v1/route", token,
		model.RouteRequest{Input: "refactor this function", InputType: "code"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	decision := decodeData[model.Decision](t, resp)
	assert.Equal(t, "agent-1", decision.AgentID)
	assert.Equal(t, model.StrategyRuleBased, decision.Strategy)
	assert.NotEqual(t, uuid.Nil, decision.ID)

	// Request ID header is always set.
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRouteValidationError(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "client-1", "key-1")

	resp := env.do(t, http.MethodPost, "/v1/route", token, model.RouteRequest{InputType: "code"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))
}

func TestRouteNoAgentsAvailable(t *testing.T) {
	env := newTestEnv(t)
	env.engine.routeFn = func(context.Context, model.RouteRequest) (model.Decision, error) {
		return model.Decision{}, model.ErrNoAgentsAvailable
	}
	token := env.token(t, "client-1", "key-1")

	resp := env.do(t, http.MethodPost, "/v1/route", token,
		model.RouteRequest{Input: "x", InputType: "code"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNoAgents, errorCode(t, resp))
}

func TestRouteUpstreamError(t *testing.T) {
	env := newTestEnv(t)
	env.engine.routeFn = func(context.Context, model.RouteRequest) (model.Decision, error) {
		return model.Decision{}, &model.UpstreamError{Service: "agent directory", Err: fmt.Errorf("connection refused")}
	}
	token := env.token(t, "client-1", "key-1")

	resp := env.do(t, http.MethodPost, "/v1/route", token,
		model.RouteRequest{Input: "x", InputType: "code"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestFeedbackAccepted(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "client-1", "key-1")

	resp := env.do(t, http.MethodPost, "/v1/feedback", token,
		model.FeedbackRequest{DecisionID: uuid.New(), Success: true, LatencyMs: 120})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	fb := decodeData[model.Feedback](t, resp)
	assert.True(t, fb.Success)
}

func TestFeedbackValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "client-1", "key-1")

	resp := env.do(t, http.MethodPost, "/v1/feedback", token,
		model.FeedbackRequest{Success: true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, resp))
}

func TestGetDecision(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "client-1", "key-1")

	d := model.Decision{ID: uuid.New(), AgentID: "agent-1", Status: model.DecisionPending}
	env.store.decisions[d.ID] = d

	t.Run("found", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/v1/decisions/"+d.ID.String(), token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got := decodeData[model.Decision](t, resp)
		assert.Equal(t, d.ID, got.ID)
	})

	t.Run("not found", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/v1/decisions/"+uuid.New().String(), token, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, model.ErrCodeNotFound, errorCode(t, resp))
	})

	t.Run("malformed id", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/v1/decisions/not-a-uuid", token, nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestListDecisions(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "client-1", "key-1")

	for i := 0; i < 3; i++ {
		d := model.Decision{ID: uuid.New(), AgentID: "agent-1"}
		env.store.decisions[d.ID] = d
	}

	resp := env.do(t, http.MethodGet, "/v1/decisions?agent_id=agent-1", token, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope model.ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, 3, envelope.Total)

	badResp := env.do(t, http.MethodGet, "/v1/decisions?limit=abc", token, nil)
	defer badResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestVerifyDecision(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "client-1", "key-1")

	d := model.Decision{ID: uuid.New(), AgentID: "agent-1", ContentHash: "abc123"}
	env.store.decisions[d.ID] = d

	resp := env.do(t, http.MethodGet, "/v1/decisions/"+d.ID.String()+"/verify", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeData[server.VerifyDecisionResponse](t, resp)
	assert.True(t, got.Valid)
	assert.Equal(t, d.ID, got.DecisionID)
}

func TestAgentCRUD(t *testing.T) {
	env := newTestEnv(t)
	adminToken := env.token(t, "admin", "admin-key")
	clientToken := env.token(t, "client-1", "key-1")

	create := model.CreateAgentRequest{AgentID: "agent-1", Name: "Agent One", Type: "code", Tags: []string{"fast"}}

	t.Run("non-admin cannot create", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/v1/agents", clientToken, create)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, model.ErrCodeForbidden, errorCode(t, resp))
	})

	t.Run("admin creates", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/v1/agents", adminToken, create)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		agent := decodeData[model.Agent](t, resp)
		assert.Equal(t, "agent-1", agent.AgentID)
		assert.Equal(t, model.StatusActive, agent.Status)
	})

	t.Run("duplicate conflicts", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/v1/agents", adminToken, create)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("invalid agent id rejected", func(t *testing.T) {
		bad := create
		bad.AgentID = "has spaces!"
		resp := env.do(t, http.MethodPost, "/v1/agents", adminToken, bad)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("any client can read", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/v1/agents/agent-1", clientToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		agent := decodeData[model.Agent](t, resp)
		assert.Equal(t, "Agent One", agent.Name)
	})

	t.Run("admin updates", func(t *testing.T) {
		name := "Renamed"
		resp := env.do(t, http.MethodPatch, "/v1/agents/agent-1", adminToken, model.UpdateAgentRequest{Name: &name})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		agent := decodeData[model.Agent](t, resp)
		assert.Equal(t, "Renamed", agent.Name)
	})

	t.Run("admin deletes", func(t *testing.T) {
		resp := env.do(t, http.MethodDelete, "/v1/agents/agent-1", adminToken, nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		getResp := env.do(t, http.MethodGet, "/v1/agents/agent-1", clientToken, nil)
		defer getResp.Body.Close()
		assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
	})
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingErr = fmt.Errorf("connection refused")

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "unreachable", health.Store)
}

func TestTelemetryVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "client-1", "key-1")

	// Emit a signed packet and replay its wire form through the verify endpoint.
	require.NoError(t, env.bus.Emit(context.Background(), map[string]any{"kind": "probe"}, "fp-test"))
	queued := env.bus.Queued()
	require.Len(t, queued, 1)

	var packet map[string]any
	require.NoError(t, json.Unmarshal(queued[0], &packet))

	resp := env.do(t, http.MethodPost, "/v1/telemetry/verify", token, packet)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeData[server.VerifyPacketResponse](t, resp)
	assert.True(t, got.Valid)

	// Tampered packet fails verification.
	packet["kind"] = "tampered"
	resp2 := env.do(t, http.MethodPost, "/v1/telemetry/verify", token, packet)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	got2 := decodeData[server.VerifyPacketResponse](t, resp2)
	assert.False(t, got2.Valid)
	assert.NotEmpty(t, got2.Reason)
}

func TestTelemetryStream(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "client-1", "key-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/telemetry/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Wait for the subscriber registration before emitting.
	require.Eventually(t, func() bool {
		return env.bus.Stats().Subscribers == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.bus.Emit(context.Background(), map[string]any{"kind": "stream-probe"}, "fp-test"))

	scanner := bufio.NewScanner(resp.Body)
	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, dataLine, "expected an SSE data line")

	var packet map[string]any
	require.NoError(t, json.Unmarshal([]byte(dataLine), &packet))
	assert.Equal(t, "stream-probe", packet["kind"])
	assert.Contains(t, packet, "security")
}

func TestOversizedBodyRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "client-1", "key-1")

	big := model.RouteRequest{Input: strings.Repeat("a", 2<<20), InputType: "code"}
	resp := env.do(t, http.MethodPost, "/v1/route", token, big)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
