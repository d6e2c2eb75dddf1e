// Package app assembles the retriever's components from configuration. Both
// the HTTP server and the operator CLI run on an App.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/his0si/retriever-project-lite/internal/archive"
	"github.com/his0si/retriever-project-lite/internal/change"
	"github.com/his0si/retriever-project-lite/internal/chunker"
	"github.com/his0si/retriever-project-lite/internal/config"
	"github.com/his0si/retriever-project-lite/internal/crawl"
	"github.com/his0si/retriever-project-lite/internal/embedding"
	"github.com/his0si/retriever-project-lite/internal/extract"
	"github.com/his0si/retriever-project-lite/internal/fetcher"
	"github.com/his0si/retriever-project-lite/internal/indexer"
	"github.com/his0si/retriever-project-lite/internal/metrics"
	"github.com/his0si/retriever-project-lite/internal/notify"
	"github.com/his0si/retriever-project-lite/internal/rag"
	"github.com/his0si/retriever-project-lite/internal/service"
	"github.com/his0si/retriever-project-lite/internal/sites"
	"github.com/his0si/retriever-project-lite/internal/storage"
	"github.com/his0si/retriever-project-lite/internal/tasks"
	"github.com/his0si/retriever-project-lite/internal/tasks/postgres"
	"github.com/his0si/retriever-project-lite/internal/tasks/sqlite"
	"github.com/his0si/retriever-project-lite/internal/worker"
)

// App holds the running components.
type App struct {
	Config   config.Config
	Gateway  *storage.Gateway
	Tasks    tasks.Store
	Pool     *worker.Pool
	Crawler  *crawl.Crawler
	Registry *sites.Registry
	Service  *service.Service

	logger  *slog.Logger
	closers []io.Closer
}

// NewLogger builds the slog logger selected by cfg.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenTaskStore opens the task-state backend named by cfg.Backend.
func OpenTaskStore(ctx context.Context, cfg config.TasksConfig) (tasks.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return tasks.NewMemoryStore(), nil
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath)
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown task backend %q", cfg.Backend)
	}
}

// Build connects to external services and wires every component. Without an
// OpenAI key the app still serves status, URL search and crawling, but
// process-URL tasks, search and chat are unavailable.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	a := &App{Config: cfg, logger: logger}

	gateway, err := storage.NewGateway(ctx, storage.Options{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		APIKey:     cfg.Qdrant.APIKey,
		UseTLS:     cfg.Qdrant.UseTLS,
		Collection: cfg.Qdrant.Collection,
		Location:   cfg.Location(),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to qdrant: %w", err)
	}
	a.Gateway = gateway
	a.closers = append(a.closers, gateway)

	if err := a.build(ctx, cfg, logger); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := OpenTaskStore(ctx, cfg.Tasks)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	a.Tasks = store
	a.closers = append(a.closers, store)

	events, err := openNotifier(ctx, cfg.PubSub, logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, events)

	a.Pool = worker.New(store, events, worker.Config{
		Workers:    cfg.Worker.Count,
		QueueDepth: cfg.Worker.QueueDepth,
		Lanes: map[tasks.Kind]worker.Lane{
			tasks.KindProcessURL: {Workers: cfg.Worker.ProcessCount, QueueDepth: cfg.Worker.QueueDepth},
		},
		Retry: worker.RetryPolicy{
			MaxRetries: cfg.Worker.MaxRetries,
			Base:       cfg.RetryBase(),
			Max:        worker.DefaultRetryPolicy.Max,
		},
	}, logger)

	fetchOpts := fetcher.Options{
		Mode:              cfg.Crawler.Mode,
		UserAgent:         cfg.Crawler.UserAgent,
		RenderTimeout:     cfg.RenderTimeout(),
		RequestsPerSecond: cfg.Crawler.RequestsPerSecond,
		Burst:             cfg.Crawler.Burst,
	}
	a.Crawler = crawl.New(
		func(ctx context.Context) (fetcher.Fetcher, error) { return fetcher.Open(ctx, fetchOpts) },
		crawl.TaskScheduler{Tasks: a.Pool},
		crawl.Config{MaxDepth: cfg.Crawler.MaxDepth, Concurrency: cfg.Crawler.Concurrency},
		logger,
	)
	a.Registry = sites.NewRegistry(cfg.Sites.Path)
	a.Pool.Handle(tasks.KindCrawl, a.Crawler.CrawlHandler)
	a.Pool.Handle(tasks.KindAutoCrawl, a.Crawler.AutoCrawlHandler(a.Registry))

	deps := service.Deps{
		Store:         a.Gateway,
		Tasks:         a.Pool,
		TaskLog:       store,
		Sites:         a.Registry,
		Logger:        logger,
		Location:      cfg.Location(),
		MaxDepth:      cfg.Crawler.MaxDepth,
		CrawlSchedule: cfg.CrawlSchedule,
	}

	if cfg.OpenAI.APIKey == "" {
		logger.Warn("openai api key is not set; indexing, search and chat are disabled")
	} else {
		client, err := embedding.NewClient(cfg.OpenAI.APIKey)
		if err != nil {
			return fmt.Errorf("create openai client: %w", err)
		}
		embedder := embedding.NewEmbedder(client, cfg.OpenAI.EmbeddingModel, cfg.OpenAI.BatchSize)

		processor, err := a.newProcessor(ctx, cfg, fetchOpts, embedder, logger)
		if err != nil {
			return err
		}
		a.Pool.Handle(tasks.KindProcessURL, processor.Handler)

		deps.Embedder = embedder
		deps.Answerer = rag.NewAnswerer(client.Client(), embedder, a.Gateway, rag.Config{
			Model:       cfg.OpenAI.LLMModel,
			Temperature: cfg.OpenAI.Temperature,
			TopK:        cfg.RAG.TopK,
		}, logger)
	}

	a.Service = service.New(deps)
	return nil
}

// newProcessor wires the smart processor. Pages are fetched with the static
// fetcher regardless of the crawl mode.
func (a *App) newProcessor(ctx context.Context, cfg config.Config, fetchOpts fetcher.Options, embedder indexer.Embedder, logger *slog.Logger) (*indexer.Processor, error) {
	fetchOpts.Mode = "static"
	pageFetcher, err := fetcher.Open(ctx, fetchOpts)
	if err != nil {
		return nil, fmt.Errorf("open page fetcher: %w", err)
	}
	a.closers = append(a.closers, pageFetcher)

	splitter, err := chunker.New(chunker.Config{Size: cfg.Chunker.Size, Overlap: cfg.Chunker.Overlap})
	if err != nil {
		return nil, fmt.Errorf("create chunker: %w", err)
	}

	deps := indexer.Deps{
		Fetcher:     pageFetcher,
		Extractor:   extract.New(),
		Splitter:    splitter,
		Detector:    change.NewDetector(a.Gateway, logger),
		Embedder:    embedder,
		Store:       a.Gateway,
		Logger:      logger,
		CallTimeout: cfg.CallTimeout(),
	}
	if cfg.Archive.Bucket != "" {
		gcs, err := archive.OpenGCS(ctx, cfg.Archive.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open page archive: %w", err)
		}
		a.closers = append(a.closers, gcs)
		deps.Archiver = archive.New(gcs, cfg.Archive.Prefix)
	}
	return indexer.NewProcessor(deps), nil
}

// RecoverTasks fails tasks left queued or running by a previous process.
// Only the long-running server calls it, so a CLI sharing the store does not
// fail the server's live tasks.
func (a *App) RecoverTasks(ctx context.Context) error {
	n, err := a.Tasks.Interrupt(ctx, tasks.ReasonInterrupted, time.Now())
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if n > 0 {
		a.logger.Warn("marked leftover tasks as interrupted", "count", n)
	}
	return nil
}

type notifier interface {
	worker.Notifier
	io.Closer
}

func openNotifier(ctx context.Context, cfg config.PubSubConfig, logger *slog.Logger) (notifier, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return notify.NewLog(logger), nil
	}
	ps, err := notify.OpenPubSub(ctx, cfg.ProjectID, cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("open pubsub notifier: %w", err)
	}
	return ps, nil
}

// Close releases every opened resource in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
