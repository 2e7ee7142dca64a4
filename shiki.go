// Package shiki is the public API for embedding the Shiki agent runtime.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := shiki.New(
//	    shiki.WithVersion(version),
//	    shiki.WithLogger(logger),
//	    shiki.WithTool(shiki.Tool{Name: "lookup_order", Handler: myHandler}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: shiki (root) imports
// internal/*, but internal/* never imports shiki (root).
package shiki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/shiki/internal/auth"
	"github.com/ashita-ai/shiki/internal/config"
	"github.com/ashita-ai/shiki/internal/conversation"
	"github.com/ashita-ai/shiki/internal/events"
	"github.com/ashita-ai/shiki/internal/knowledge"
	"github.com/ashita-ai/shiki/internal/mcp"
	"github.com/ashita-ai/shiki/internal/openai"
	"github.com/ashita-ai/shiki/internal/pricing"
	"github.com/ashita-ai/shiki/internal/prompts"
	"github.com/ashita-ai/shiki/internal/ratelimit"
	"github.com/ashita-ai/shiki/internal/runner"
	"github.com/ashita-ai/shiki/internal/search"
	"github.com/ashita-ai/shiki/internal/server"
	"github.com/ashita-ai/shiki/internal/storage"
	"github.com/ashita-ai/shiki/internal/telemetry"
	"github.com/ashita-ai/shiki/internal/tools"
	"github.com/ashita-ai/shiki/internal/usage"
	"github.com/ashita-ai/shiki/migrations"
)

// App is the Shiki server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	broker       *server.Broker // nil when no notify connection
	workers      *events.WorkerPool
	outbox       *search.OutboxWorker
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	mcpSrv       *mcp.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Shiki server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
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
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shiki starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	teardown := func() {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
	}

	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		teardown()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Verify critical tables exist after migration. If the pgvector extension
	// failed to create, the initial migration fails silently and the server
	// would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'agents')`,
	).Scan(&schemaOK); err != nil {
		teardown()
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		teardown()
		return nil, fmt.Errorf("critical table 'agents' does not exist after migration — check that the pgvector extension is available")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		teardown()
		return nil, fmt.Errorf("auth: %w", err)
	}

	client := openai.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, openai.WithLogger(logger))

	registry := tools.NewRegistry()
	for _, t := range o.tools {
		registry.Register(tools.Registration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
			Handler:     adaptToolHandler(t.Handler),
		})
	}

	publisher := events.NewPublisher(db, logger)
	convs := conversation.NewStore(db, publisher, client, conversation.Config{
		HistoryWindow: cfg.HistoryWindow,
		BatchMax:      cfg.BatchMax,
		SummaryModel:  cfg.SummaryModel,
	}, logger)
	tracker := usage.NewTracker(db, publisher, pricing.DefaultTable())

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewSlidingLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
		logger.Info("rate limiting: sliding window",
			"window", cfg.RateLimitWindow, "max", cfg.RateLimitMax)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	run := runner.New(
		db,
		convs,
		prompts.NewResolver(db),
		tools.NewResolver(db, registry),
		tools.NewExecutor(nil),
		client,
		limiter,
		tracker,
		publisher,
		runner.Config{DefaultModel: cfg.DefaultModel, MaxToolIterations: cfg.MaxToolIterations},
		logger,
	)

	knowledgeSvc := knowledge.NewService(client, db, knowledge.Config{
		EmbeddingModel:      cfg.EmbeddingModel,
		EmbeddingDimensions: cfg.EmbeddingDimensions,
	}, logger)

	// Qdrant is optional; without it search falls back to pgvector scans and
	// the outbox worker only persists embeddings in Postgres.
	var (
		qdrantIndex *search.QdrantIndex
		searcher    search.Searcher
	)
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			teardown()
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			teardown()
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}
	outbox := search.NewOutboxWorker(db.Pool(), knowledgeSvc, qdrantIndex, logger,
		cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	searchSvc := search.NewService(knowledgeSvc, searcher, db, logger)

	processor := events.NewProcessor(db, publisher, cfg.EventMaxAttempts, logger)
	ingestor := events.NewIngestor(db, processor, logger)
	workers := events.NewWorkerPool(db, processor, cfg.EventWorkers, cfg.EventPollInterval, cfg.EventMaxAttempts, logger)

	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	mcpSrv := mcp.New(db, run, searchSvc, version, logger)

	handlers := server.NewHandlers(db, run, ingestor, searchSvc, knowledgeSvc, jwtMgr, broker,
		server.HandlersConfig{MaxBodyBytes: cfg.MaxRequestBodyBytes}, logger)
	srv := server.New(server.Config{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, handlers, limiter, mcpSrv.MCPServer(), logger)

	if err := handlers.SeedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		teardown()
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		broker:       broker,
		workers:      workers,
		outbox:       outbox,
		qdrantIndex:  qdrantIndex,
		limiter:      limiter,
		mcpSrv:       mcpSrv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// MCP returns the embedded MCP server, for callers that want to serve it
// over stdio instead of (or in addition to) HTTP.
func (a *App) MCP() *mcp.Server {
	return a.mcpSrv
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown has
// already been called — callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := a.workers.Run(runCtx); err != nil {
			a.logger.Error("event worker pool stopped", "error", err)
		}
	}()
	a.outbox.Start(runCtx)
	if a.broker != nil {
		go func() {
			if err := a.broker.Run(runCtx); err != nil {
				a.logger.Error("lifecycle broker stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		_ = a.Shutdown(context.Background())
		return err
	}

	cancel()
	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight ones, then drain remaining search outbox entries, then
// close everything else.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shiki shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
	a.outbox.Drain(drainCtx)
	drainCancel()

	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("shiki stopped")
	return nil
}

func contextWithOptionalTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
