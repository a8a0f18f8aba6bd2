// Package app wires the daemon: config, upstream discovery, registry,
// sandbox pool, planner, fallback index, and the MCP gateway.
package app

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"orchd/internal/domain"
	"orchd/internal/infra/catalog"
	"orchd/internal/infra/gateway"
	"orchd/internal/infra/planner"
	"orchd/internal/infra/registry"
	"orchd/internal/infra/routing"
	"orchd/internal/infra/sandbox"
	"orchd/internal/infra/telemetry"
	"orchd/internal/infra/upstream"
	"orchd/internal/infra/validation"
	"orchd/internal/infra/vectorindex"
)

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
}

type ValidateConfig struct {
	ConfigPath string
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{logger: logger.Named("app")}
}

// ValidateConfig loads and validates the configuration without
// starting anything.
func (a *App) ValidateConfig(ctx context.Context, cfg ValidateConfig) error {
	loader := catalog.NewLoader(a.logger)
	loaded, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}
	a.logger.Info("configuration is valid",
		zap.String("config", cfg.ConfigPath),
		zap.Int("servers", len(loaded.Servers)),
		zap.Bool("planner", loaded.Planner.Enabled()),
	)
	return nil
}

// Serve runs the daemon until the context is canceled.
func (a *App) Serve(ctx context.Context, serve ServeConfig) error {
	loader := catalog.NewLoader(a.logger)
	cfg, err := loader.Load(ctx, serve.ConfigPath)
	if err != nil {
		return err
	}

	logger := loggerAtLevel(a.logger, cfg.Observability.LogLevel)
	logger.Info("configuration loaded",
		zap.String("config", serve.ConfigPath),
		zap.Int("servers", len(cfg.Servers)),
		zap.Bool("planner", cfg.Planner.Enabled()),
	)

	var metrics domain.Metrics = domain.NopMetrics{}
	if cfg.Observability.MetricsEnabled {
		metrics = telemetry.NewPrometheusMetrics(nil)
	}

	manager := upstream.NewManager(cfg.Servers, logger)
	defer manager.Close()

	tools, err := manager.Discover(ctx)
	if err != nil {
		return err
	}
	logger.Info("upstream discovery complete", zap.Int("tools", len(tools)))

	reg := registry.New(registry.Options{
		TTL:           cfg.Registry.TTL,
		MaxDynamic:    cfg.Registry.MaxDynamic,
		SweepInterval: cfg.Registry.SweepInterval,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err := seedBaseTools(reg, tools); err != nil {
		return err
	}

	index, err := vectorindex.Open(cfg.Fallback.Path, logger)
	if err != nil {
		return err
	}
	defer index.Close()

	embedder := vectorindex.NewDeterministicEmbedder(cfg.Fallback.EmbedDimension)
	if err := index.Rebuild(ctx, embedder, tools); err != nil {
		return err
	}
	searcher := vectorindex.NewSearcher(index, embedder, vectorindex.SearcherOptions{
		MaxCandidates:    cfg.Fallback.MaxCandidates,
		CoarseShortlist:  cfg.Fallback.CoarseShortlist,
		ClusterThreshold: cfg.Fallback.ClusterThreshold,
		Logger:           logger,
		Metrics:          metrics,
	})

	refs := make([]domain.ToolRef, 0, len(tools))
	for _, t := range tools {
		refs = append(refs, t.Ref)
	}
	engine := sandbox.NewEngine(sandbox.EngineOptions{Bridges: refs, Logger: logger})
	pool, err := sandbox.NewPool(engine, sandbox.PoolOptions{
		Size:           cfg.Sandbox.PoolSize,
		Warm:           cfg.Sandbox.PoolWarm,
		AcquireTimeout: cfg.Sandbox.AcquireTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return err
	}

	snapshot := &toolSnapshot{}
	snapshot.store(tools)

	validationOpts := validation.Options{
		Sandbox:       validation.NewPoolProber(pool),
		MaxRepairs:    cfg.Planner.MaxRepairs,
		DryRunTimeout: cfg.Sandbox.DryRunTimeout,
		Logger:        logger,
	}
	routerOpts := routing.Options{
		Searcher:          searcher,
		Registry:          reg,
		Catalog:           snapshot,
		FastPathThreshold: cfg.Fallback.FastPathThreshold,
		Logger:            logger,
		Metrics:           metrics,
	}
	if cfg.Planner.Enabled() {
		pl, err := planner.New(ctx, planner.Options{
			Config:  cfg.Planner,
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			return err
		}
		routerOpts.Planner = pl
		validationOpts.Repairer = pl
	} else {
		logger.Info("no planner model configured, orchestration disabled")
	}
	routerOpts.Validator = validation.NewPipeline(validationOpts)

	router := routing.New(routerOpts)

	limits := domain.RunLimits{
		WallClock:   cfg.Sandbox.RunTimeout,
		MemoryBytes: cfg.Sandbox.MemoryBytes,
		StackDepth:  cfg.Sandbox.StackDepth,
	}
	dispatcher := gateway.NewDispatcher(reg, pool, manager, limits, logger)

	gw := gateway.New(gateway.Options{
		Registry:   reg,
		Router:     router,
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		reg.RunSweeper(groupCtx)
		return nil
	})

	watcher := catalog.NewWatcher(loader, serve.ConfigPath, func(domain.Config) {
		refreshCtx, cancel := context.WithTimeout(groupCtx, refreshTimeout)
		defer cancel()
		a.refresh(refreshCtx, logger, manager, reg, index, embedder, snapshot)
	}, logger)
	group.Go(func() error {
		return watcher.Run(groupCtx)
	})

	if cfg.Observability.MetricsEnabled {
		group.Go(func() error {
			return telemetry.StartHTTPServer(groupCtx, telemetry.HTTPServerOptions{
				Addr: cfg.Observability.MetricsAddress,
			}, logger)
		})
	}

	group.Go(func() error {
		return gw.Run(groupCtx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

const refreshTimeout = 30 * time.Second

// refresh re-runs discovery and reindexes after a config edit. Server
// list, planner, and sandbox changes still require a restart; the
// reload covers the common case of upstream tool churn.
func (a *App) refresh(ctx context.Context, logger *zap.Logger, manager *upstream.Manager,
	reg *registry.Registry, index *vectorindex.Index, embedder vectorindex.Embedder,
	snapshot *toolSnapshot) {

	tools, err := manager.Discover(ctx)
	if err != nil {
		logger.Warn("rediscovery failed on config reload", zap.Error(err))
		return
	}
	if err := seedBaseTools(reg, tools); err != nil {
		logger.Warn("reseed failed on config reload", zap.Error(err))
		return
	}
	if err := index.Rebuild(ctx, embedder, tools); err != nil {
		logger.Warn("reindex failed on config reload", zap.Error(err))
		return
	}
	snapshot.store(tools)
	logger.Info("upstream tool set refreshed", zap.Int("tools", len(tools)))
}

func seedBaseTools(reg *registry.Registry, tools []domain.DiscoveredTool) error {
	for _, t := range tools {
		err := reg.SeedBase(&domain.ToolEntry{
			ID:          baseToolID(t.Ref),
			Kind:        domain.ToolKindBase,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Upstream:    t.Ref,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// baseToolID derives the advertised name for a discovered upstream
// method. Proxy ids carry a "_proxy" suffix so the namespaces stay
// disjoint.
func baseToolID(ref domain.ToolRef) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(ref.Server + "_" + ref.Method) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// loggerAtLevel builds a logger honoring the configured level. The
// base logger's own level cannot be lowered after construction, so a
// "debug" setting needs a rebuilt core rather than a level wrapper.
func loggerAtLevel(logger *zap.Logger, level string) *zap.Logger {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return logger
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	built, err := cfg.Build()
	if err != nil {
		return logger
	}
	return built
}
