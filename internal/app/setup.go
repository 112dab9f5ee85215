package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/altiqa/helpchat/db"
	"github.com/altiqa/helpchat/internal/cache"
	"github.com/altiqa/helpchat/internal/chat"
	"github.com/altiqa/helpchat/internal/config"
	"github.com/altiqa/helpchat/internal/conversation"
	"github.com/altiqa/helpchat/internal/database"
	"github.com/altiqa/helpchat/internal/embed"
	"github.com/altiqa/helpchat/internal/generate"
	"github.com/altiqa/helpchat/internal/index"
	"github.com/altiqa/helpchat/internal/ingest"
	"github.com/altiqa/helpchat/internal/knowledge"
	"github.com/altiqa/helpchat/internal/observability"
	"github.com/altiqa/helpchat/internal/querylog"
	"github.com/altiqa/helpchat/internal/retrieve"
	"github.com/altiqa/helpchat/internal/translate"
)

// Setup creates and initializes the application. On error every component
// already initialized is released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, err := provideGenkit(ctx)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedClient := provideEmbedClient(g, cfg, logger)
	modelRef := googlegenai.GoogleAIModelRef(cfg.ModelName, nil)

	a.Knowledge = knowledge.NewStore(pool, logger)
	idx := index.NewPostgres(pool, cfg.EmbedderDim, logger)

	translator := translate.NewGenkit(g, modelRef, logger)
	glossary := translate.DefaultGlossary()

	retriever := retrieve.NewRetriever(
		translator, embedClient, idx,
		retrieve.DefaultPageCategories(), cfg.BoostFactor, logger)

	generator := generate.NewGenerator(
		generate.NewGenkitModel(g, modelRef), translator, glossary,
		generate.Config{
			LowConfidence:    cfg.LowConfidence,
			TranslationFloor: cfg.TranslationFloor,
			MaxContextTokens: cfg.MaxContextTokens,
			HistoryWindow:    cfg.MaxHistoryMessages,
		}, logger)

	a.Responses = cache.New(cfg.CacheTTL)

	qlog, err := querylog.Open(cfg.QueryLogPath)
	if err != nil {
		return nil, fmt.Errorf("opening query log: %w", err)
	}
	a.QueryLog = qlog

	a.Chat = chat.NewService(
		retriever, generator, a.Responses, qlog,
		chat.NewRateLimiter(cfg.RatePerMinute, cfg.RateBurst),
		conversation.NewRegistry(),
		chat.Config{
			TopK:          cfg.TopK,
			CallTimeout:   cfg.CallTimeout,
			GapThreshold:  cfg.GapThreshold,
			HistoryWindow: cfg.MaxHistoryMessages,
		}, logger)

	pipeline := ingest.NewPipeline(embedClient, idx, a.Knowledge,
		ingest.ChunkConfig{
			Target:  cfg.ChunkTargetTokens,
			Overlap: cfg.ChunkOverlap,
			Min:     cfg.ChunkMinTokens,
			Max:     cfg.ChunkMaxTokens,
		}, logger)
	a.Ingest = ingest.NewService(a.Knowledge, pipeline, idx, a.Responses, logger)

	return a, nil
}

// provideOtelShutdown wires trace export before Genkit initialization so the
// shared TracerProvider is ready when spans start flowing.
func provideOtelShutdown(ctx context.Context, cfg *config.Config) func() {
	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		slog.Warn("tracing setup failed, continuing without traces", "error", err)
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and opens the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	pool, err := database.Connect(ctx, cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return pool, nil
}

// provideGenkit initializes Genkit with the Gemini plugin. GEMINI_API_KEY is
// read by the plugin from the environment.
func provideGenkit(ctx context.Context) (*genkit.Genkit, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit")
	}
	return g, nil
}

// provideEmbedClient wraps the provider embedder with dimension enforcement,
// bounded retry, and coalescing of concurrent single-query embeds.
func provideEmbedClient(g *genkit.Genkit, cfg *config.Config, logger *slog.Logger) embed.Client {
	var embedder ai.Embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	client := embed.NewGenkitClient(embedder, cfg.EmbedderDim)
	retried := embed.WithRetry(client, embed.DefaultRetryConfig(), logger)
	return embed.NewBatcher(retried, 0, 0, cfg.CallTimeout)
}
