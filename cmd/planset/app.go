package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/planset/config"
	"github.com/hazyhaar/planset/connectivity"
	"github.com/hazyhaar/planset/dbopen"
	"github.com/hazyhaar/planset/docpipe"
	"github.com/hazyhaar/planset/idgen"
	"github.com/hazyhaar/planset/inference"
	"github.com/hazyhaar/planset/jobs"
	"github.com/hazyhaar/planset/objstore"
	"github.com/hazyhaar/planset/observability"
	"github.com/hazyhaar/planset/pipeline"
	"github.com/hazyhaar/planset/scoping"
	"github.com/hazyhaar/planset/vtq"
)

const version = "0.1.0"

// app is the wired service graph shared by every subcommand.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	db        *sql.DB
	obsDB     *sql.DB
	metrics   *observability.MetricsManager
	events    *observability.EventLogger
	orch      *jobs.Orchestrator
	svc       *pipeline.Service
	analyzers int
	closers   []func() error
}

func openApp(ctx context.Context) (*app, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	a := &app{cfg: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	dbOpts := []dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(jobs.Schema),
		dbopen.WithSchema(vtq.Schema),
	}
	if cfg.SlowQuery > 0 {
		dbOpts = append(dbOpts, dbopen.WithTrace(logger, cfg.SlowQuery))
	}
	db, err := dbopen.Open(cfg.DBPath, dbOpts...)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBPath, err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	if cfg.Metrics.Enabled {
		obs := db
		if cfg.Metrics.DBPath != "" {
			if obs, err = dbopen.Open(cfg.Metrics.DBPath, dbopen.WithMkdirAll()); err != nil {
				return nil, fmt.Errorf("open %s: %w", cfg.Metrics.DBPath, err)
			}
			a.closers = append(a.closers, obs.Close)
		}
		if err := observability.Init(obs); err != nil {
			return nil, fmt.Errorf("observability schema: %w", err)
		}
		a.obsDB = obs
		a.metrics = observability.NewMetricsManager(obs, 100, cfg.Metrics.FlushInterval)
		a.events = observability.NewEventLogger(obs,
			observability.WithEventIDGenerator(idgen.Prefixed("evt_", idgen.Default)))
		a.closers = append(a.closers, a.metrics.Close)
	}

	var store jobs.Store = jobs.NewSQLiteStore(db)
	if cfg.PostgresDSN != "" {
		pg, err := jobs.OpenPG(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		store = pg
		logger.Info("jobs store on postgres")
	}

	objects, err := objstore.NewFS(cfg.ObjectDir)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	fetchOpts := []objstore.FetchOption{
		objstore.WithStore(objects),
		objstore.WithMaxBytes(cfg.MaxFileBytes()),
		objstore.WithLogger(logger),
		objstore.WithFileRoot(cfg.Ingest.FileRoot),
	}
	if !cfg.Ingest.AllowPrivateURLs {
		fetchOpts = append(fetchOpts, objstore.WithURLGuard(objstore.PublicHostsOnly))
	}
	fetcher := objstore.NewFetcher(fetchOpts...)

	clients, err := a.inferenceClients(ctx, fetcher)
	if err != nil {
		return nil, err
	}
	analyzers := make([]jobs.Analyzer, len(clients))
	for i, c := range clients {
		analyzers[i] = c
	}
	a.analyzers = len(analyzers)

	ec := cfg.Ingest.Extract
	ec.Store = objects
	ec.Metrics = a.metrics
	ec.Logger = logger
	if ec.MaxFileSize == 0 {
		ec.MaxFileSize = cfg.MaxFileBytes()
	}
	if cfg.Inference.OCRFallback && len(clients) > 0 {
		ec.Transcriber = clients[0]
	}

	var orch *jobs.Orchestrator
	queue := vtq.New(db, vtq.Options{
		Queue:       "jobs",
		Visibility:  cfg.Jobs.QueueVisibility,
		MaxAttempts: cfg.Jobs.MaxAttempts,
		OnDiscard:   func(ctx context.Context, m *vtq.Message) { orch.Abandon(ctx, m) },
		Logger:      logger,
	})
	orch = jobs.New(jobs.Config{
		Store:              store,
		Analyzers:          analyzers,
		Lookup:             cfg.Costs.Lookup(),
		AgreementThreshold: cfg.Jobs.AgreementThreshold,
		DefaultParallel:    cfg.Jobs.MaxParallel,
		Queue:              queue,
		WorkConcurrency:    cfg.Jobs.Workers,
		Metrics:            a.metrics,
		Events:             a.events,
		Logger:             logger,
	})
	a.orch = orch

	a.svc, err = pipeline.New(pipeline.Config{
		Orchestrator:  orch,
		Fetcher:       fetcher,
		Extractor:     docpipe.New(ec),
		Planner:       scoping.New(logger),
		IngestTimeout: cfg.Ingest.Timeout,
		RenderImages:  cfg.Ingest.RenderImages,
		PageBatchSize: cfg.Ingest.PageBatchSize,
		MaxParallel:   cfg.Jobs.MaxParallel,
		Currency:      cfg.Costs.Currency,
		CostPolicy:    cfg.Costs.Policy,
		Metrics:       a.metrics,
		Events:        a.events,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) inferenceClients(ctx context.Context, loader inference.ImageLoader) ([]*inference.Client, error) {
	pricing := inference.DefaultPricing()
	for model, p := range a.cfg.Inference.Pricing {
		pricing[model] = p
	}
	cc := inference.ClientConfig{
		Timeout:     a.cfg.Inference.Timeout,
		MaxRetries:  a.cfg.Inference.MaxRetries,
		BaseBackoff: a.cfg.Inference.BaseBackoff,
		Breakers:    connectivity.NewBreakerSet(),
		Metrics:     a.metrics,
		Pricing:     pricing,
		Logger:      a.log,
	}

	var clients []*inference.Client
	for _, p := range a.cfg.ConfiguredProviders() {
		var prov inference.Provider
		switch p.Name {
		case "openai":
			o, err := inference.NewOpenAI(inference.OpenAIConfig{
				APIKey:      p.APIKey,
				BaseURL:     p.BaseURL,
				Model:       p.Model,
				VisionModel: p.VisionModel,
				MaxTokens:   p.MaxTokens,
				Loader:      loader,
			})
			if err != nil {
				return nil, err
			}
			prov = o
		case "gemini":
			g, err := inference.NewGemini(ctx, inference.GeminiConfig{
				APIKey:      p.APIKey,
				Model:       p.Model,
				VisionModel: p.VisionModel,
				MaxTokens:   int32(p.MaxTokens),
				Loader:      loader,
			})
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, g.Close)
			prov = g
		}
		clients = append(clients, inference.NewClient(prov, cc))
		a.log.Info("inference provider ready", "provider", p.Name, "model", p.Model)
	}
	return clients, nil
}

// requireInference fails commands that dispatch batches without a provider.
func (a *app) requireInference() error {
	if a.analyzers == 0 {
		return errors.New("no inference provider configured: set OPENAI_API_KEY or GEMINI_API_KEY")
	}
	return nil
}

func (a *app) mcpServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "planset", Version: version}, nil)
	a.svc.RegisterMCP(srv)
	return srv
}

// retention trims metrics and events older than the configured window once
// a day until ctx ends.
func (a *app) retention(ctx context.Context) {
	if a.metrics == nil || a.cfg.Metrics.RetentionDays <= 0 {
		return
	}
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		if n, err := a.metrics.Cleanup(ctx, a.cfg.Metrics.RetentionDays); err != nil {
			a.log.Warn("metrics cleanup", "error", err)
		} else if n > 0 {
			a.log.Info("metrics cleanup", "deleted", n)
		}
		if _, err := a.events.Cleanup(ctx, a.cfg.Metrics.RetentionDays); err != nil {
			a.log.Warn("events cleanup", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.log != nil {
			a.log.Warn("close", "error", err)
		}
	}
	a.closers = nil
}
