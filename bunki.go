// Package bunki is the public API for embedding the Bunki dispatch engine.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := bunki.New(
//	    bunki.WithVersion(version),
//	    bunki.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: bunki (root) imports
// internal/*, but internal/* never imports the root.
package bunki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/shisetsu-ai/bunki/api"
	"github.com/shisetsu-ai/bunki/internal/analytics"
	"github.com/shisetsu-ai/bunki/internal/auth"
	"github.com/shisetsu-ai/bunki/internal/classifier"
	"github.com/shisetsu-ai/bunki/internal/config"
	"github.com/shisetsu-ai/bunki/internal/corpus"
	"github.com/shisetsu-ai/bunki/internal/dispatch"
	"github.com/shisetsu-ai/bunki/internal/integrity"
	"github.com/shisetsu-ai/bunki/internal/mcp"
	"github.com/shisetsu-ai/bunki/internal/model"
	"github.com/shisetsu-ai/bunki/internal/payload"
	"github.com/shisetsu-ai/bunki/internal/ratelimit"
	"github.com/shisetsu-ai/bunki/internal/registry"
	"github.com/shisetsu-ai/bunki/internal/server"
	"github.com/shisetsu-ai/bunki/internal/service/decision"
	"github.com/shisetsu-ai/bunki/internal/storage"
	"github.com/shisetsu-ai/bunki/internal/telemetry"
	"github.com/shisetsu-ai/bunki/internal/training"
)

// App is the Bunki server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	runner       *training.Runner
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Bunki server. It opens the store, runs migrations,
// restores persisted dynamic functions, loads or trains the classifier
// artifact, and wires all subsystems. It does NOT start any goroutines
// or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
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
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.artifactPath != "" {
		cfg.ArtifactPath = o.artifactPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("bunki starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the store. Parent directories are created for file-backed
	// paths so a fresh checkout boots without setup.
	if err := ensureParentDir(cfg.DBPath); err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := ensureParentDir(cfg.ArtifactPath); err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("artifact: %w", err)
	}
	db, err := storage.New(cfg.DBPath, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Build the function catalog: builtins and embedder-supplied functions
	// first, then persisted dynamic functions re-admitted through the same
	// gate they passed originally.
	reg := registry.New(db, logger)
	if err := analytics.RegisterBuiltins(reg); err != nil {
		_ = db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("registry: %w", err)
	}
	for _, fn := range o.functions {
		if err := registerCustom(reg, fn); err != nil {
			_ = db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("registry: %w", err)
		}
	}
	if n, err := reg.ReloadPersisted(context.Background()); err != nil {
		logger.Warn("dynamic function reload failed, continuing with builtins", "error", err)
	} else if n > 0 {
		logger.Info("dynamic functions restored", "count", n)
	}

	// Decision service plus classifier artifact.
	decisionSvc := decision.New(reg, cfg.DegradedFallback, logger)
	if art, loadErr := classifier.Load(cfg.ArtifactPath); loadErr == nil {
		decisionSvc.SetArtifact(art)
		logger.Info("classifier artifact loaded",
			"path", cfg.ArtifactPath,
			"trained_at", art.TrainedAt,
			"test_accuracy", art.Metrics["test_accuracy"],
		)
	} else {
		logger.Warn("no usable classifier artifact", "path", cfg.ArtifactPath, "error", loadErr)
	}

	// Train synchronously at boot when configured and nothing loaded.
	// A training failure leaves the keyword fallback answering /decide;
	// it never blocks startup.
	if decisionSvc.Artifact() == nil && cfg.TrainOnStart {
		trainInitialArtifact(cfg, reg, decisionSvc, logger)
	}

	// Dispatcher.
	policy := payload.KeepLast
	if cfg.DuplicatePolicy == "first" {
		policy = payload.KeepFirst
	}
	dispatcher := dispatch.New(reg, cfg.ExecTimeout, policy, logger)

	// Background training runner.
	runner := training.New(db, reg, decisionSvc, training.Config{
		ArtifactPath: cfg.ArtifactPath,
		CuratedPath:  cfg.CuratedCorpusPath,
		Training:     trainingConfig(cfg),
	}, logger)

	// Admin API key hash. Empty disables the admin surface.
	adminKeyHash := ""
	if cfg.AdminAPIKey != "" {
		adminKeyHash, err = auth.HashAPIKey(cfg.AdminAPIKey)
		if err != nil {
			_ = db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: hash admin key: %w", err)
		}
	} else {
		logger.Warn("no admin API key configured, admin surface disabled")
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server, mounted by the HTTP server at /mcp.
	mcpSrv := mcp.New(decisionSvc, dispatcher, reg, logger, version)

	// HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		DecisionSvc:         decisionSvc,
		Dispatcher:          dispatcher,
		Registry:            reg,
		Runner:              runner,
		RateLimiter:         limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		TrustProxy:          cfg.TrustProxy,
		CompileTimeout:      cfg.CompileTimeout,
		AdminKeyHash:        adminKeyHash,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		runner:       runner,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the training runner, the audit proof loop, and the HTTP
// server, then blocks until ctx is cancelled or a fatal server error
// occurs. On return, Shutdown is called automatically — callers should
// not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.runner.Start(ctx)
	go a.auditProofLoop(ctx)

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

// Shutdown performs a staged graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) let the in-flight training job finish and mark the queue,
// (3) close the store and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("bunki shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	a.runner.Drain(drainCtx)
	drainCancel()

	_ = a.limiter.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("bunki stopped")
	return nil
}

// ── Background loops ──────────────────────────────────────────────────────────

// auditProofLoop periodically seals the function audit log into a
// Merkle-chained proof so later tampering with audit rows is detectable.
func (a *App) auditProofLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.AuditProofInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, time.Minute)
			buildAuditProof(opCtx, a.db, a.logger)
			cancel()
		}
	}
}

func buildAuditProof(ctx context.Context, db *storage.DB, logger *slog.Logger) {
	now := time.Now().UTC()

	latest, err := db.LatestAuditProof(ctx)
	if err != nil {
		logger.Warn("audit proof: get latest failed", "error", err)
		return
	}

	batchStart := time.Time{} // Zero time: include all entries from the beginning.
	var previousRoot *string
	if latest != nil {
		batchStart = latest.BatchEnd
		previousRoot = &latest.RootHash
	}

	hashes, err := db.AuditHashesBetween(ctx, batchStart, now)
	if err != nil {
		logger.Warn("audit proof: get hashes failed", "error", err)
		return
	}
	if len(hashes) == 0 {
		return // No new audit entries; skip proof.
	}

	root := integrity.BuildMerkleRoot(hashes)

	proof := model.AuditProof{
		BatchStart:   batchStart,
		BatchEnd:     now,
		EntryCount:   len(hashes),
		RootHash:     root,
		PreviousRoot: previousRoot,
		CreatedAt:    now,
	}

	if err := db.CreateAuditProof(ctx, proof); err != nil {
		logger.Warn("audit proof: create failed", "error", err)
		return
	}

	logger.Info("audit proof created",
		"entries", len(hashes),
		"root_hash", root[:16]+"...",
	)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// trainInitialArtifact synthesizes a corpus from the live catalog and
// fits the first artifact synchronously. Failures are logged, never
// fatal: the keyword fallback covers /decide until a training run
// succeeds.
func trainInitialArtifact(cfg config.Config, reg *registry.Registry, svc *decision.Service, logger *slog.Logger) {
	logger.Info("training initial classifier artifact")

	curated, err := corpus.LoadCurated(cfg.CuratedCorpusPath)
	if err != nil {
		logger.Warn("curated corpus unusable, synthesizing from catalog only", "error", err)
	}
	examples, warnings := corpus.Synthesize(reg.List(), curated, corpus.Options{CapPerLabel: cfg.CapPerLabel})
	for _, w := range warnings {
		logger.Warn("corpus warning", "warning", w)
	}

	art, err := classifier.Train(context.Background(), examples, trainingConfig(cfg))
	if err != nil {
		logger.Warn("initial training failed, continuing degraded", "error", err)
		return
	}
	if err := art.Save(cfg.ArtifactPath); err != nil {
		logger.Warn("artifact save failed, artifact kept in memory only", "error", err)
	}
	svc.SetArtifact(art)
	logger.Info("initial classifier trained",
		"examples", len(examples),
		"test_accuracy", art.Metrics["test_accuracy"],
	)
}

// registerCustom bridges an embedder-supplied function into the internal
// registry contract. Series are copied reading by reading so consumer
// handlers never hold references into the canonical payload.
func registerCustom(reg *registry.Registry, fn customFunction) error {
	if fn.handler == nil {
		return model.Ef(model.KindInvalidInput, "function %q has no handler", fn.spec.Name)
	}

	var params []model.ParameterSpec
	for _, p := range fn.spec.Parameters {
		params = append(params, model.ParameterSpec{
			Name:        p.Name,
			Type:        p.Type,
			Default:     p.Default,
			Description: p.Description,
			Required:    p.Required,
		})
	}

	handler := fn.handler
	return reg.Register(model.FunctionDescriptor{
		Name:        fn.spec.Name,
		Description: fn.spec.Description,
		Patterns:    fn.spec.Patterns,
		Parameters:  params,
		Added:       time.Now().UTC(),
	}, func(ctx context.Context, c *payload.Canonical, bound map[string]any) (*registry.Result, error) {
		series := make(map[string][]Reading, len(c.Series))
		for name, readings := range c.Series {
			copied := make([]Reading, len(readings))
			for i, r := range readings {
				copied[i] = Reading{Timestamp: r.Timestamp, Value: r.Value}
			}
			series[name] = copied
		}

		res, err := handler(ctx, series, bound)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, nil
		}
		return &registry.Result{Metrics: res.Metrics, Warnings: res.Warnings}, nil
	})
}

func trainingConfig(cfg config.Config) classifier.TrainingConfig {
	tc := classifier.DefaultTrainingConfig()
	tc.Seed = cfg.TrainSeed
	tc.TestFraction = cfg.TestFraction
	tc.MinPerClass = cfg.MinClassExamples
	return tc
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." || path == ":memory:" {
		return nil
	}
	return os.MkdirAll(dir, 0o750)
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
