// Package indexer runs the change-aware per-URL indexing pipeline.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/his0si/retriever-project-lite/internal/extract"
	"github.com/his0si/retriever-project-lite/internal/fetcher"
	"github.com/his0si/retriever-project-lite/internal/metrics"
	"github.com/his0si/retriever-project-lite/internal/storage"
)

// Result statuses and skip reasons.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"

	ReasonInsufficientContent = "insufficient_content"
	ReasonContentUnchanged    = "content_unchanged"
	ReasonInProgress          = "in_progress"
)

// Result is the outcome of processing one URL.
type Result struct {
	Status          string `json:"status"`
	URL             string `json:"url"`
	Reason          string `json:"reason,omitempty"`
	ChunksProcessed int    `json:"chunks_processed,omitempty"`
	ContentHash     string `json:"content_hash,omitempty"`
	ArchiveURI      string `json:"archive_uri,omitempty"`
}

// PageFetcher retrieves a page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Page, error)
}

// TextExtractor turns HTML into text.
type TextExtractor interface {
	Extract(html string) (extract.Document, error)
}

// Splitter chunks text.
type Splitter interface {
	Split(text string) []string
}

// ChangeDetector decides whether content differs from what is stored.
type ChangeDetector interface {
	ShouldProcess(ctx context.Context, url, content string) (bool, string, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Store is the part of the vector store the processor writes to.
type Store interface {
	EnsureCollection(ctx context.Context) error
	DeleteByURL(ctx context.Context, url string) error
	Upsert(ctx context.Context, points []storage.Point) error
}

// Archiver keeps a copy of changed pages.
type Archiver interface {
	Save(ctx context.Context, pageURL, fingerprint, html string) (string, error)
}

// Deps are the collaborators of a Processor. Archiver and Logger are optional.
type Deps struct {
	Fetcher   PageFetcher
	Extractor TextExtractor
	Splitter  Splitter
	Detector  ChangeDetector
	Embedder  Embedder
	Store     Store
	Archiver  Archiver
	Logger    *slog.Logger

	// CallTimeout bounds each fingerprint lookup, embedding and store call. Zero means no bound.
	CallTimeout time.Duration
}

// Processor indexes single URLs, skipping pages whose content is unchanged.
type Processor struct {
	deps     Deps
	logger   *slog.Logger
	inflight *inflight
	now      func() time.Time
	newID    func() string
}

// NewProcessor creates a Processor.
func NewProcessor(deps Deps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		deps:     deps,
		logger:   logger,
		inflight: newInflight(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Process fetches url and, if its text changed, replaces its indexed chunks.
// Steps for one URL run strictly in order; a failure leaves the task to be retried.
func (p *Processor) Process(ctx context.Context, url string) (*Result, error) {
	if !p.inflight.acquire(url) {
		p.logger.Info("URL already being processed, skipping", "url", url)
		return p.finish(&Result{Status: StatusSkipped, URL: url, Reason: ReasonInProgress}), nil
	}
	defer p.inflight.release(url)

	page, err := p.deps.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	doc, err := p.deps.Extractor.Extract(page.HTML)
	if err != nil {
		var extractErr *extract.ExtractionError
		if !errors.As(err, &extractErr) {
			return nil, fmt.Errorf("extract: %w", err)
		}
		p.logger.Warn("Extraction failed, treating as empty", "url", url, "error", err)
		doc = extract.Document{}
	}

	if !doc.Sufficient() {
		p.logger.Warn("Insufficient content", "url", url, "length", len([]rune(doc.Text)))
		return p.finish(&Result{Status: StatusSkipped, URL: url, Reason: ReasonInsufficientContent}), nil
	}

	var (
		changed     bool
		fingerprint string
	)
	err = p.call(ctx, func(ctx context.Context) error {
		var err error
		changed, fingerprint, err = p.deps.Detector.ShouldProcess(ctx, url, doc.Text)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("check change: %w", err)
	}
	if !changed {
		p.logger.Info("Content unchanged, skipping", "url", url)
		return p.finish(&Result{Status: StatusSkipped, URL: url, Reason: ReasonContentUnchanged}), nil
	}
	p.logger.Info("Content changed or new URL, processing", "url", url)

	if err := p.call(ctx, p.deps.Store.EnsureCollection); err != nil {
		return nil, fmt.Errorf("ensure collection: %w", err)
	}

	if err := p.call(ctx, func(ctx context.Context) error { return p.deps.Store.DeleteByURL(ctx, url) }); err != nil {
		return nil, fmt.Errorf("remove old chunks: %w", err)
	}

	texts := p.deps.Splitter.Split(doc.Text)
	p.logger.Debug("Split into chunks", "url", url, "chunks", len(texts))

	var vectors [][]float32
	err = p.call(ctx, func(ctx context.Context) error {
		var err error
		vectors, err = p.deps.Embedder.EmbedBatch(ctx, texts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d chunks", len(vectors), len(texts))
	}

	updatedAt := p.now()
	points := make([]storage.Point, len(texts))
	for i, text := range texts {
		points[i] = storage.Point{
			ID:     p.newID(),
			Vector: vectors[i],
			Chunk: storage.Chunk{
				Text:        text,
				URL:         url,
				ChunkIndex:  i,
				TotalChunks: len(texts),
				ContentHash: fingerprint,
				UpdatedAt:   updatedAt,
				Title:       doc.Title,
			},
		}
	}
	if err := p.call(ctx, func(ctx context.Context) error { return p.deps.Store.Upsert(ctx, points) }); err != nil {
		return nil, fmt.Errorf("store chunks: %w", err)
	}

	result := &Result{Status: StatusSuccess, URL: url, ChunksProcessed: len(texts), ContentHash: fingerprint}
	if p.deps.Archiver != nil {
		uri, err := p.deps.Archiver.Save(ctx, url, fingerprint, page.HTML)
		if err != nil {
			p.logger.Warn("Archiving page failed", "url", url, "error", err)
		} else {
			result.ArchiveURI = uri
		}
	}

	p.logger.Info("Updated embeddings", "url", url, "chunks", len(texts))
	return p.finish(result), nil
}

func (p *Processor) finish(r *Result) *Result {
	metrics.ObserveProcess(r.Status, r.Reason, r.ChunksProcessed)
	return r
}

// call runs fn under the per-call timeout.
func (p *Processor) call(ctx context.Context, fn func(context.Context) error) error {
	if p.deps.CallTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.deps.CallTimeout)
	defer cancel()
	return fn(ctx)
}
