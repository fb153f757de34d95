// Package annai is the public API for embedding the annai routing server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := annai.New(
//	    annai.WithVersion(version),
//	    annai.WithLogger(logger),
//	    annai.WithEventHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: annai (root) imports
// internal/*, but internal/* never imports annai (root). Public types
// (Decision, Alternative) are standalone structs with no internal imports;
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package annai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/annai/internal/auth"
	"github.com/ashita-ai/annai/internal/bus"
	"github.com/ashita-ai/annai/internal/config"
	"github.com/ashita-ai/annai/internal/karma"
	"github.com/ashita-ai/annai/internal/learning"
	"github.com/ashita-ai/annai/internal/mcp"
	"github.com/ashita-ai/annai/internal/model"
	"github.com/ashita-ai/annai/internal/ratelimit"
	"github.com/ashita-ai/annai/internal/router"
	"github.com/ashita-ai/annai/internal/scoring"
	"github.com/ashita-ai/annai/internal/server"
	"github.com/ashita-ai/annai/internal/storage"
	"github.com/ashita-ai/annai/internal/stp"
	"github.com/ashita-ai/annai/internal/telemetry"
	"github.com/ashita-ai/annai/migrations"
)

// adminClientID is the bootstrap client seeded from ANNAI_ADMIN_API_KEY.
const adminClientID = "admin"

// App is the annai server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	localQTable  *storage.LocalQTable // nil when the Q-table lives in Postgres
	learner      *learning.Learner
	tracker      *stp.AckTracker
	bus          *bus.Bus
	srv          *server.Server
	authGuard    *ratelimit.MemoryLimiter
	redisClient  *redis.Client // nil when rate limiting is disabled
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the annai server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does not accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("annai starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database and run migrations.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Q-table store: a local SQLite file when configured, else Postgres.
	var qstore learning.Store = db
	var localQTable *storage.LocalQTable
	if cfg.QTablePath != "" {
		localQTable, err = storage.NewLocalQTable(context.Background(), cfg.QTablePath, logger)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("local q-table: %w", err)
		}
		qstore = localQTable
		logger.Info("q-table: local sqlite", "path", cfg.QTablePath)
	} else {
		logger.Info("q-table: postgres")
	}

	// Reinforcement learner.
	learner := learning.New(qstore, learning.Config{
		Alpha:          cfg.LearningRate,
		Gamma:          cfg.DiscountFactor,
		Epsilon:        cfg.Epsilon,
		EpsilonDecay:   cfg.EpsilonDecay,
		MinEpsilon:     cfg.MinEpsilon,
		FlushThreshold: cfg.FlushThreshold,
		FlushInterval:  cfg.FlushInterval,
	}, logger)
	if err := learner.Load(context.Background()); err != nil {
		_ = learner.Shutdown(context.Background())
		closeLocalQTable(localQTable, logger)
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("q-table load: %w", err)
	}

	// Karma reputation client. External override takes priority.
	var karmaClient router.KarmaClient
	if o.karmaSource != nil {
		karmaClient = &karmaSourceAdapter{s: o.karmaSource}
		logger.Info("karma: external source")
	} else {
		karmaClient = karma.New(karma.Config{
			BaseURL:        cfg.KarmaURL,
			Enabled:        cfg.KarmaEnabled,
			Timeout:        cfg.KarmaTimeout,
			TTL:            cfg.KarmaTTL,
			DriftThreshold: cfg.KarmaDriftThreshold,
		}, logger)
		logger.Info("karma", "enabled", cfg.KarmaEnabled, "url", cfg.KarmaURL)
	}

	// STP codec and ack tracking.
	tracker := stp.NewAckTracker(cfg.AckTimeout, cfg.AckMaxRetries, 0, logger)
	codec := stp.NewCodec(cfg.NodeName, cfg.StrictChecksum, tracker, logger)

	// Telemetry bus; HMAC signing only when a secret is configured.
	var signer *bus.Signer
	if cfg.SigningSecret != "" {
		signer = bus.NewSigner([]byte(cfg.SigningSecret), cfg.SigningMaxDrift, logger)
		logger.Info("telemetry bus: packet signing enabled")
	} else {
		logger.Warn("telemetry bus: packet signing disabled (no ANNAI_SIGNING_SECRET)")
	}
	telemetryBus := bus.New(cfg.BusQueueSize, cfg.BusMaxConnections, signer, logger)

	// Scoring and decision engine.
	scorer := scoring.NewEngine(scoring.Config{
		MinConfidence: cfg.MinConfidence,
		KarmaWeight:   cfg.KarmaWeight,
	}, logger)
	engine := router.New(router.Config{Source: cfg.NodeName}, db, scorer, learner, karmaClient, codec, telemetryBus, logger)
	if len(o.eventHooks) > 0 {
		hooks := o.eventHooks
		engine.SetHook(func(d model.Decision) {
			pub := toPublicDecision(d)
			for _, h := range hooks {
				h.OnDecision(pub)
			}
		})
	}

	// MCP server.
	mcpSrv := mcp.New(engine, db, logger)

	// Rate limiter: Redis sliding window when configured, else noop mode.
	redisClient, err := ratelimit.NewClient(context.Background(), cfg.RedisURL)
	if err != nil {
		_ = learner.Shutdown(context.Background())
		closeLocalQTable(localQTable, logger)
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("redis: %w", err)
	}
	limiter := ratelimit.New(redisClient, logger)
	if redisClient != nil {
		logger.Info("rate limiting: redis sliding window",
			"route_rpm", cfg.RouteRateLimit, "auth_rpm", cfg.AuthRateLimit)
	} else {
		logger.Info("rate limiting: disabled (no ANNAI_REDIS_URL)")
	}

	// JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = learner.Shutdown(context.Background())
		closeLocalQTable(localQTable, logger)
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Per-client token-request guard: an in-process token bucket that slows
	// API key brute forcing even when Redis is not configured.
	authGuard := ratelimit.NewMemoryLimiter(1, 10)

	// HTTP server (MCP mounted at /mcp).
	srv := server.New(server.Config{
		Store:               db,
		Engine:              engine,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Bus:                 telemetryBus,
		Tracker:             tracker,
		Limiter:             limiter,
		AuthGuard:           authGuard,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RouteRateLimit:      cfg.RouteRateLimit,
		AuthRateLimit:       cfg.AuthRateLimit,
	})

	// Seed the bootstrap admin client.
	if cfg.AdminAPIKey != "" {
		if err := srv.Handlers().SeedClient(adminClientID, cfg.AdminAPIKey); err != nil {
			_ = learner.Shutdown(context.Background())
			closeLocalQTable(localQTable, logger)
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("admin seed: %w", err)
		}
	} else {
		logger.Warn("no ANNAI_ADMIN_API_KEY set — admin endpoints unreachable")
	}
	for id, key := range o.seedClients {
		if err := srv.Handlers().SeedClient(id, key); err != nil {
			_ = learner.Shutdown(context.Background())
			closeLocalQTable(localQTable, logger)
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("seed client %q: %w", id, err)
		}
	}

	return &App{
		cfg:          cfg,
		db:           db,
		localQTable:  localQTable,
		learner:      learner,
		tracker:      tracker,
		bus:          telemetryBus,
		srv:          srv,
		authGuard:    authGuard,
		redisClient:  redisClient,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically —
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: (1) stop accepting HTTP requests
// and drain in-flight, (2) flush the Q-table, (3) close the telemetry bus,
// ack tracker, database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("annai shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	flushCtx, flushCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.learner.Shutdown(flushCtx); err != nil {
		a.logger.Error("q-table flush incomplete — unsaved updates will be lost", "error", err)
	}
	flushCancel()

	a.bus.Close()
	a.tracker.Close()
	_ = a.authGuard.Close()
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	closeLocalQTable(a.localQTable, a.logger)
	a.db.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("annai stopped")
	return nil
}

// Handler exposes the HTTP handler for tests and embedders that mount the
// server under their own listener.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

func closeLocalQTable(l *storage.LocalQTable, logger *slog.Logger) {
	if l == nil {
		return
	}
	if err := l.Close(); err != nil {
		logger.Warn("local q-table close failed", "error", err)
	}
}

// ── Adapters and converters (this file imports both sides) ─────────────────

// karmaSourceAdapter wraps a public KarmaSource to satisfy router.KarmaClient.
// The public contract is [0, 1] with neutral 0.5; the internal scoring and
// reward paths expect [-1, 1] with neutral 0.0, so the adapter rescales in
// both directions.
type karmaSourceAdapter struct {
	s KarmaSource
}

func (a *karmaSourceAdapter) GetScore(ctx context.Context, agentID string) float64 {
	score := 2*a.s.Score(ctx, agentID) - 1
	if score < -1 {
		return -1
	}
	if score > 1 {
		return 1
	}
	return score
}

func (a *karmaSourceAdapter) ReportPerformance(agentID string, reward float64) {
	a.s.ReportPerformance(agentID, (reward+1)/2)
}

// toPublicDecision converts an internal model.Decision to the public
// annai.Decision at the package boundary.
func toPublicDecision(d model.Decision) Decision {
	alts := make([]Alternative, len(d.Alternatives))
	for i, alt := range d.Alternatives {
		alts[i] = Alternative{AgentID: alt.AgentID, Score: alt.Score, Rank: alt.Rank}
	}
	return Decision{
		ID:           d.ID,
		RequestID:    d.RequestID,
		AgentID:      d.AgentID,
		InputType:    d.InputType,
		Strategy:     string(d.Strategy),
		Confidence:   d.Confidence,
		Reason:       d.Reason,
		Alternatives: alts,
		Context:      d.Context,
		Status:       string(d.Status),
		ContentHash:  d.ContentHash,
		CreatedAt:    d.CreatedAt,
	}
}
