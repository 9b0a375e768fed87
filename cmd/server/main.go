package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"orbit/internal/adapter/embedding"
	"orbit/internal/adapter/esclient"
	"orbit/internal/adapter/mongoclient"
	"orbit/internal/adapter/rerank"
	"orbit/internal/adapter/sqlexec"
	"orbit/internal/adapter/templatestore"
	"orbit/internal/breaker"
	"orbit/internal/configload"
	"orbit/internal/domain"
	"orbit/internal/domainadapter"
	"orbit/internal/followupcache"
	"orbit/internal/infra/config"
	"orbit/internal/pipeline"
	"orbit/internal/registry"
	"orbit/internal/retriever/composite"
	"orbit/internal/retriever/intent"
	"orbit/internal/server"
	"orbit/internal/wiring"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error("failed to connect to db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	esClient, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: strings.Split(cfg.ESAddresses, ",")})
	if err != nil {
		logger.Error("failed to build elasticsearch client", "error", err)
		os.Exit(1)
	}

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Error("failed to connect to mongodb", "error", err)
		os.Exit(1)
	}
	defer mongoClient.Disconnect(context.Background())

	embedder := embedding.NewDeduped(embedding.NewOllama(cfg.EmbeddingURL, cfg.EmbeddingModel, cfg.EmbeddingTimeout, logger))
	reranker := rerank.NewHTTPReranker(cfg.RerankerURL, cfg.RerankerTimeout, logger)
	templateStore := templatestore.NewPgvectorStore(pool, "orbit_templates")

	domainAdapters := domainadapter.NewRegistry()
	domainAdapters.Register(domainadapter.NewGeneric())
	domainAdapters.Register(domainadapter.NewQA(0.75))
	domainAdapters.Register(domainadapter.NewIntent(domain.ContextFormatPipe))
	domainAdapters.Register(domainadapter.NewFile())

	adaptersPath := envOrDefault("ADAPTERS_CONFIG_PATH", "config/adapters.yaml")
	adapterConfigs, err := configload.LoadAdapters(adaptersPath)
	if err != nil {
		logger.Error("failed to load adapter configuration", "path", adaptersPath, "error", err)
		os.Exit(1)
	}

	if err := loadTemplateLibraries(ctx, adapterConfigs, templateStore, embedder, logger); err != nil {
		logger.Error("failed to load template libraries", "error", err)
		os.Exit(1)
	}

	builder := wiring.NewBuilder(wiring.Backends{
		TemplateStore: templateStore,
		Embedder:      embedder,
		Reranker:      reranker,
		SQLExecutor:   sqlexec.NewPgxExecutor(pool),
		HTTPExecutor:  intent.NewStandardHTTPExecutor(nil),
		ESExecutor:    esclient.NewExecutor(esClient),
		MongoExecutor: mongoclient.NewExecutor(mongoClient.Database(cfg.MongoDB)),
		DomainAdapter: domainAdapters,
	})

	reg := registry.New(logger)
	breakerMgr := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		CleanupInterval:  cfg.BreakerCleanupInterval,
		RetentionPeriod:  cfg.BreakerRetentionPeriod,
		MaxHistoryLen:    cfg.BreakerMaxHistoryLen,
	}, logger)
	go breakerMgr.RunCleanupLoop(ctx)

	adapterTags := map[string]domain.AdapterTag{}
	names := configload.SortedAdapterNames(adapterConfigs)

	// Leaves before composites: a composite's BuildComposite call resolves
	// its children from the builder's already-built set.
	for _, name := range names {
		c := adapterConfigs[name]
		adapterTags[name] = c.Adapter
		if c.Kind == domain.KindComposite || !c.Enabled {
			continue
		}
		if err := registerAdapter(ctx, reg, builder, c, nil, breakerMgr, logger); err != nil {
			logger.Error("failed to build adapter", "adapter", name, "error", err)
			os.Exit(1)
		}
	}
	for _, name := range names {
		c := adapterConfigs[name]
		if c.Kind != domain.KindComposite || !c.Enabled {
			continue
		}
		compositeCfg := compositeConfigFromEnv(cfg)
		if err := registerAdapter(ctx, reg, builder, c, &compositeCfg, breakerMgr, logger); err != nil {
			logger.Error("failed to build composite adapter", "adapter", name, "error", err)
			os.Exit(1)
		}
	}

	cacheCfg := followupcache.Config{
		ThresholdHigh:   cfg.CacheThresholdHigh,
		ThresholdLow:    cfg.CacheThresholdLow,
		RecentRingSize:  cfg.CacheRecentRingSize,
		MaxResultSizeMB: cfg.CacheMaxResultSizeMB,
		RefreshKeywords: cfg.CacheRefreshKeywords,
		Weights:         followupcache.Weights{Orig: 1.0 / 3, Recent: 1.0 / 3, Classifier: 1.0 / 3},
		TTL:             30 * time.Minute,
	}
	cache := followupcache.New(cacheCfg, embedder, followupcache.KeywordSimilarityClassifier{}, logger)

	p := pipeline.New(logger,
		&pipeline.CapabilityResolutionStep{Lookup: capabilityLookup(reg)},
		&pipeline.CacheCheckStep{Cache: cache, Format: func(columns []string, rows []map[string]any) string {
			return intent.FormatResult(columns, rows, domain.ContextFormatPipe, -1)
		}},
		&pipeline.ContextRetrievalStep{
			Resolve:       retrieverResolver(reg),
			ResolveDomain: domainAdapterResolver(domainAdapters, adapterTags),
			Breaker:       breakerMgr,
			RetryPolicy:   breaker.RetryPolicy{MaxRetries: cfg.RetryMaxRetries, RetryDelay: cfg.RetryDelay, ShouldRetry: domain.IsRetryable},
		},
		&pipeline.PostRetrievalCacheStoreStep{Cache: cache, Embedder: embedder},
	)

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	handler := server.NewHandler(reg, p, logger, server.WithAdminAPIKey(cfg.AdminAPIKey), server.WithBreakerManager(breakerMgr))
	handler.Register(e)

	go func() {
		addr := ":" + cfg.Port
		logger.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// registerAdapter builds one adapter instance (leaf or composite) and
// registers + eagerly instantiates it under its declared type/datasource
// key, mirroring the registry's lazy-Create contract but run once at
// startup instead of on first request.
func registerAdapter(ctx context.Context, reg *registry.Registry, b *wiring.Builder, cfg domain.AdapterConfig, compositeCfg *composite.Config, breakerMgr *breaker.Manager, logger *slog.Logger) error {
	var instance *wiring.Instance
	var err error
	if compositeCfg != nil {
		instance, err = b.BuildComposite(cfg, *compositeCfg, logger)
	} else {
		instance, err = b.BuildLeaf(cfg)
	}
	if err != nil {
		return err
	}

	if rps, ok := cfg.Config["rate_limit_rps"].(float64); ok && rps > 0 {
		burst := int(rps)
		if b, ok := cfg.Config["rate_limit_burst"].(int); ok && b > 0 {
			burst = b
		}
		breakerMgr.SetRateLimit(cfg.Name, rps, burst)
	}

	if err := reg.Register(registry.Registration{
		Type: cfg.Type, Datasource: cfg.Datasource, Name: cfg.Name,
		Implementation: instance, DefaultConfig: cfg,
	}); err != nil {
		return err
	}
	_, err = reg.Create(ctx, cfg.Type, cfg.Datasource, cfg.Name, domain.AdapterConfig{})
	return err
}

func capabilityLookup(reg *registry.Registry) pipeline.CapabilityLookup {
	return func(name string) (domain.AdapterCapabilities, error) {
		instance, err := reg.Get(name)
		if err != nil {
			return domain.AdapterCapabilities{}, err
		}
		return instance.Capabilities(), nil
	}
}

func retrieverResolver(reg *registry.Registry) func(string) (pipeline.Retriever, error) {
	return func(name string) (pipeline.Retriever, error) {
		instance, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		r, ok := instance.(pipeline.Retriever)
		if !ok {
			return nil, domain.NewConfigError(name, "registered adapter does not implement retrieval")
		}
		return r, nil
	}
}

func domainAdapterResolver(domainAdapters *domainadapter.Registry, tags map[string]domain.AdapterTag) pipeline.DomainAdapterLookup {
	return func(name string) (domainadapter.DomainAdapter, error) {
		tag := tags[name]
		if da, err := domainAdapters.Get(string(tag)); err == nil {
			return da, nil
		}
		return domainadapter.NewGeneric(), nil
	}
}

// loadTemplateLibraries loads every distinct template_library file named
// across adapterConfigs exactly once and upserts its templates into
// store, embedding each template's concatenated nl_examples.
func loadTemplateLibraries(ctx context.Context, adapterConfigs map[string]domain.AdapterConfig, store *templatestore.PgvectorStore, embedder embedding.Provider, logger *slog.Logger) error {
	seen := map[string]bool{}
	for _, cfg := range adapterConfigs {
		if cfg.TemplateLibrary == "" || seen[cfg.TemplateLibrary] {
			continue
		}
		seen[cfg.TemplateLibrary] = true

		templates, err := configload.LoadTemplateLibrary(cfg.TemplateLibrary)
		if err != nil {
			return fmt.Errorf("load template library %s: %w", cfg.TemplateLibrary, err)
		}

		for _, report := range configload.ValidateTemplates(templates) {
			if !report.OK() {
				logger.Warn("template declares undeclared placeholders", "template", report.TemplateID, "placeholders", report.UndeclaredParams)
			}
			if len(report.UnusedParams) > 0 {
				logger.Info("template declares unused parameters", "template", report.TemplateID, "parameters", report.UnusedParams)
			}
		}

		for i := range templates {
			tmpl := templates[i]
			vectors, err := embedder.Encode(ctx, []string{strings.Join(tmpl.NLExamples, "\n")})
			if err != nil {
				return fmt.Errorf("embed template %s: %w", tmpl.ID, err)
			}
			if len(vectors) == 0 {
				continue
			}
			if err := store.Upsert(ctx, tmpl.ID, vectors[0], &tmpl); err != nil {
				return fmt.Errorf("upsert template %s: %w", tmpl.ID, err)
			}
		}
	}
	return nil
}

func compositeConfigFromEnv(cfg config.Config) composite.Config {
	return composite.Config{
		MaxTemplatesPerSource: cfg.CompositeMaxTemplatesPerSrc,
		SearchTimeout:         cfg.CompositeSearchTimeout,
		TopCandidates:         cfg.CompositeTopCandidates,
		MultiStageEnabled:     true,
		Weights: composite.Weights{
			Embedding: cfg.CompositeWeightEmbedding,
			Rerank:    cfg.CompositeWeightRerank,
			String:    cfg.CompositeWeightString,
		},
		NormalizeScores:     true,
		CacheRerankResults:  true,
		CacheTTLSeconds:     cfg.CompositeCacheTTLSeconds,
		ConfidenceThreshold: cfg.CompositeConfidenceThreshold,
		TieBreaker:          composite.TieBreakEmbedding,
	}
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
