package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contexta/internal/api/handlers"
	"github.com/markdave123-py/contexta/internal/config"
	"github.com/markdave123-py/contexta/internal/core"
	db "github.com/markdave123-py/contexta/internal/core/database"
	ingest "github.com/markdave123-py/contexta/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta/internal/core/llm"
	objectclient "github.com/markdave123-py/contexta/internal/core/object-client"
	"github.com/markdave123-py/contexta/internal/core/vectorstore"
	"github.com/markdave123-py/contexta/internal/queue"
	"github.com/markdave123-py/contexta/internal/services"
)

// App owns every long-lived component. The vector store is opened once and
// shared by the ingestor, the service and the consumer.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Repo      core.KnowledgeRepository
	Artifacts core.ObjectClient
	Store     vectorstore.Store
	Embedder  *llm.BatchEmbedder
	Service   *services.KnowledgeService
	Metrics   *queue.Metrics
	Publisher *queue.Publisher
	Consumer  *queue.Consumer
	Server    *Server

	closers []func() error
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{Config: cfg, Logger: logger, Metrics: queue.NewMetrics()}
	if err := a.build(appCtx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	repo, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	a.Repo = repo
	a.onClose(repo.Close)
	logger.Info("database initialized and ready")

	artifacts, err := objectclient.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	a.Artifacts = artifacts
	logger.Info("artifact store ready", "backend", cfg.ArtifactStore)

	provider, err := a.embeddingProvider(ctx)
	if err != nil {
		return err
	}
	a.Embedder = llm.NewBatchEmbedder(provider,
		llm.WithBatchSize(cfg.Ingest.EmbedBatchSize),
		llm.WithRetries(cfg.Ingest.EmbedRetries, 0),
		llm.WithBatchLogger(logger),
	)

	store, err := vectorstore.Open(ctx, cfg, vectorstore.WithEmbedder(a.Embedder), vectorstore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	a.Store = store
	a.onClose(store.Close)
	logger.Info("vector store ready", "backend", cfg.VectorStore)

	extractorOpts := []ingest.ExtractorOption{
		ingest.WithOCRThreshold(cfg.Ingest.OCRMinChars),
		ingest.WithOCRTimeouts(cfg.OCRTimeout, cfg.RasterTimeout),
		ingest.WithOCRWorkers(cfg.OCRWorkers),
		ingest.WithExtractorLogger(logger),
		ingest.WithPageFailureHook(a.Metrics.OCRPageFailed),
	}
	ocrOpt, err := a.ocr(ctx)
	if err != nil {
		return err
	}
	if ocrOpt != nil {
		extractorOpts = append(extractorOpts, ocrOpt)
	}

	splitter, err := ingest.NewSplitter(ingest.SplitConfig{
		TargetSize: cfg.Ingest.TargetSize,
		Overlap:    cfg.Ingest.Overlap,
		MinSize:    cfg.Ingest.MinSize,
		MaxSize:    cfg.Ingest.MaxSize,
	})
	if err != nil {
		return err
	}
	ingestor := ingest.NewDocumentIngestor(ingest.NewExtractor(extractorOpts...), splitter, a.Embedder, store,
		ingest.WithIngestorLogger(logger),
		ingest.WithIndexedHook(a.Metrics.AddChunks),
	)

	a.Service = services.NewKnowledgeService(repo, artifacts, ingestor, store, a.Embedder, logger)

	a.Publisher = queue.NewPublisher(cfg.AMQPURL, cfg.QueueName, logger)
	a.onClose(a.Publisher.Close)

	var notifier queue.Notifier = queue.NewLogNotifier(logger)
	if cfg.EventsQueue != "" {
		notifier = queue.NewQueueNotifier(a.Publisher, cfg.EventsQueue, logger)
	}
	a.Consumer = queue.NewConsumer(cfg.AMQPURL, cfg.QueueName, queue.NewDispatcher(a.Service, logger), logger,
		queue.WithNotifier(notifier),
		queue.WithMetrics(a.Metrics),
		queue.WithReconnectDelay(cfg.ReconnectDelay),
	)

	a.Server = NewServer(cfg, handlers.NewKnowledgeHandler(a.Service, a.Publisher, logger), a.Metrics, logger)
	return nil
}

func (a *App) embeddingProvider(ctx context.Context) (core.EmbeddingProvider, error) {
	cfg := a.Config
	switch cfg.EmbedProvider {
	case "gemini":
		e, err := llm.NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel)
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
		}
		a.onClose(e.Close)
		return e, nil
	case "openai":
		e, err := llm.NewOpenAIEmbedder(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.EmbedModel)
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown embed provider %q", cfg.EmbedProvider)
	}
}

// ocr returns the OCR extractor option, or nil when OCR is off or no
// rasterizer is installed. Scanned PDFs then fail with an ExtractionError.
func (a *App) ocr(ctx context.Context) (ingest.ExtractorOption, error) {
	cfg, logger := a.Config, a.Logger
	if cfg.OCRProvider == "none" || cfg.OCRProvider == "" {
		return nil, nil
	}
	raster := ingest.NewPopplerRasterizer(cfg.RasterDPI)
	if !raster.Available() {
		logger.Warn("pdftoppm not found, OCR fallback disabled")
		return nil, nil
	}

	var provider core.OCRProvider
	switch cfg.OCRProvider {
	case "gemini":
		g, err := llm.NewGeminiOCR(ctx, cfg.AIAPIKey, cfg.OCRModel)
		if err != nil {
			return nil, fmt.Errorf("ocr: %w", err)
		}
		a.onClose(g.Close)
		provider = g
	case "tesseract":
		t, err := llm.NewTesseractOCR(cfg.OCRLanguages)
		if errors.Is(err, core.ErrOCRUnavailable) {
			logger.Warn("tesseract not compiled in, OCR fallback disabled")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("ocr: %w", err)
		}
		a.onClose(t.Close)
		provider = t
	default:
		return nil, fmt.Errorf("unknown ocr provider %q", cfg.OCRProvider)
	}
	logger.Info("OCR fallback enabled", "provider", cfg.OCRProvider, "dpi", cfg.RasterDPI)
	return ingest.WithOCR(provider, raster), nil
}

// Serve runs the HTTP server and the queue consumer until ctx is cancelled
// or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.Server.Start)
	if a.Config.AMQPURL != "" {
		g.Go(func() error { return a.Consumer.Run(gctx) })
	} else {
		a.Logger.Warn("AMQP_URL not set, queue consumer disabled")
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// Close releases components in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
