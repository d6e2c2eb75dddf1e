package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
)

const (
	upsertBatchSize   = 100
	scrollPageSize    = 100
	countPageSize     = 1000
	recentScanLimit   = 1000
	prefixScanLimit   = 1000
	maxPrefixMatches  = 20
	fingerprintWindow = 100
)

// qdrantAPI is the subset of the Qdrant client the gateway uses.
type qdrantAPI interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, req *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Count(ctx context.Context, req *qdrant.CountPoints) (uint64, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	// ScrollPage returns one page and the offset of the next, nil at the end.
	ScrollPage(ctx context.Context, req *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error)
	Close() error
}

// grpcClient adds paged scrolling to the Qdrant client.
type grpcClient struct {
	*qdrant.Client
}

func (c grpcClient) ScrollPage(ctx context.Context, req *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error) {
	resp, err := c.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return resp.GetResult(), resp.GetNextPageOffset(), nil
}

// Options configures the gateway connection.
type Options struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	// Location is used to read timestamps stored without an offset and to
	// write new ones. Defaults to UTC.
	Location *time.Location
	Logger   *slog.Logger
}

// Gateway is the vector store used by indexing, status and search.
type Gateway struct {
	client     qdrantAPI
	collection string
	loc        *time.Location
	logger     *slog.Logger
}

// NewGateway connects to Qdrant and performs a health check with retry.
// It fails fast with ErrQdrantUnreachable if Qdrant does not come up.
func NewGateway(ctx context.Context, opts Options) (*Gateway, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	g := newGateway(grpcClient{client}, opts)
	if err := g.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
	}
	return g, nil
}

func newGateway(api qdrantAPI, opts Options) *Gateway {
	collection := opts.Collection
	if collection == "" {
		collection = DefaultCollection
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{client: api, collection: collection, loc: loc, logger: logger}
}

// Collection returns the collection name.
func (g *Gateway) Collection() string {
	return g.collection
}

// healthCheckWithRetry performs health check with exponential backoff.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func (g *Gateway) healthCheckWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error { return g.Health(ctx) }, backoff.WithContext(b, ctx))
}

// Health performs a single health check against Qdrant.
func (g *Gateway) Health(ctx context.Context) error {
	result, err := g.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.GetTitle() == "" {
		return errors.New("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the collection with 1536-dimension cosine vectors
// and a keyword index on url. Idempotent - safe to call multiple times.
func (g *Gateway) EnsureCollection(ctx context.Context) error {
	collections, err := g.client.ListCollections(ctx)
	if err != nil {
		return storeErr("list collections", err)
	}
	for _, name := range collections {
		if name == g.collection {
			return nil
		}
	}

	err = g.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: g.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     VectorDimension,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return storeErr("create collection", err)
	}

	_, err = g.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: g.collection,
		FieldName:      FieldURL,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return storeErr("create url index", err)
	}

	g.logger.Info("created collection", "collection", g.collection)
	return nil
}

// Upsert stores points in batches of 100 and waits for each batch to apply.
func (g *Gateway) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	for i, p := range points {
		if len(p.Vector) != VectorDimension {
			return storeErr("upsert", fmt.Errorf("%w: point %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(p.Vector), VectorDimension))
		}
	}

	for i := 0; i < len(points); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(points))
		batch := make([]*qdrant.PointStruct, 0, end-i)
		for _, p := range points[i:end] {
			batch = append(batch, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(p.ID),
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: qdrant.NewValueMap(g.payload(p.Chunk)),
			})
		}
		_, err := g.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: g.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         batch,
		})
		if err != nil {
			return storeErr("upsert", fmt.Errorf("batch %d-%d: %w", i, end, err))
		}
	}
	return nil
}

func (g *Gateway) payload(c Chunk) map[string]any {
	m := map[string]any{
		FieldText:        c.Text,
		FieldURL:         c.URL,
		FieldChunkIndex:  c.ChunkIndex,
		FieldTotalChunks: c.TotalChunks,
		FieldContentHash: c.ContentHash,
		FieldUpdatedAt:   c.UpdatedAt.In(g.loc).Format(time.RFC3339Nano),
	}
	if c.Title != "" {
		m[FieldTitle] = c.Title
	}
	return m
}

// DeleteByURL removes every point whose url equals url exactly.
func (g *Gateway) DeleteByURL(ctx context.Context, url string) error {
	_, err := g.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: g.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(Equals(FieldURL, url).Filter()),
	})
	if err != nil {
		return storeErr("delete by url", err)
	}
	return nil
}

// FindByURL returns the newest stored content fingerprint for url.
func (g *Gateway) FindByURL(ctx context.Context, url string) (string, bool, error) {
	points, _, err := g.client.ScrollPage(ctx, &qdrant.ScrollPoints{
		CollectionName: g.collection,
		Filter:         Equals(FieldURL, url).Filter(),
		Limit:          qdrant.PtrOf(uint32(fingerprintWindow)),
		WithPayload:    qdrant.NewWithPayloadInclude(FieldContentHash, FieldUpdatedAt),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return "", false, storeErr("find by url", err)
	}
	if len(points) == 0 {
		return "", false, nil
	}

	best := points[0].GetPayload()
	bestAt, bestOK := ParseTimestamp(best[FieldUpdatedAt].GetStringValue(), g.loc)
	for _, p := range points[1:] {
		at, ok := ParseTimestamp(p.GetPayload()[FieldUpdatedAt].GetStringValue(), g.loc)
		if ok && (!bestOK || at.After(bestAt)) {
			best, bestAt, bestOK = p.GetPayload(), at, true
		}
	}
	return best[FieldContentHash].GetStringValue(), true, nil
}

// CountAll returns the number of points. If the exact count fails it falls
// back to counting pages of a full scroll.
func (g *Gateway) CountAll(ctx context.Context) (uint64, error) {
	n, err := g.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: g.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err == nil {
		return n, nil
	}
	g.logger.Warn("count failed, falling back to scroll", "collection", g.collection, "error", err)

	var total uint64
	var offset *qdrant.PointId
	for {
		points, next, err := g.client.ScrollPage(ctx, &qdrant.ScrollPoints{
			CollectionName: g.collection,
			Limit:          qdrant.PtrOf(uint32(countPageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(false),
			WithVectors:    qdrant.NewWithVectors(false),
		})
		if err != nil {
			return 0, storeErr("count", err)
		}
		total += uint64(len(points))
		if next == nil {
			return total, nil
		}
		offset = next
	}
}

// ListRecent returns up to n entries ordered by updated_at, newest first.
// Only the first 1000 points of the collection are considered.
func (g *Gateway) ListRecent(ctx context.Context, n int) ([]URLEntry, error) {
	var entries []URLEntry
	err := g.scan(ctx, recentScanLimit, func(p *qdrant.RetrievedPoint) {
		entries = append(entries, entryFromPayload(p.GetPayload()))
	})
	if err != nil {
		return nil, storeErr("list recent", err)
	}
	sortNewestFirst(entries, g.loc)
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// SearchByURLPrefix finds stored URLs starting with prefix (trailing slash
// ignored), one entry per URL, newest first, at most 20.
func (g *Gateway) SearchByURLPrefix(ctx context.Context, prefix string) (URLSearchResult, error) {
	normalized := strings.TrimRight(prefix, "/")
	if normalized == "" {
		return URLSearchResult{}, storeErr("search by url prefix", ErrEmptyPrefix)
	}
	cond := Prefix(FieldURL, normalized)

	matches, checked, err := g.searchFiltered(ctx, cond)
	if err != nil || len(matches) == 0 {
		if err != nil {
			g.logger.Warn("prefix filter failed, falling back to full scan", "prefix", normalized, "error", err)
		}
		matches, checked = nil, 0
		seen := make(map[string]struct{})
		err = g.scan(ctx, prefixScanLimit, func(p *qdrant.RetrievedPoint) {
			checked++
			matches = addMatch(matches, seen, cond, p.GetPayload())
		})
		if err != nil {
			return URLSearchResult{}, storeErr("search by url prefix", err)
		}
	}

	sortNewestFirst(matches, g.loc)
	if len(matches) > maxPrefixMatches {
		matches = matches[:maxPrefixMatches]
	}
	return URLSearchResult{SearchURL: normalized, Matches: matches, TotalChecked: checked}, nil
}

func (g *Gateway) searchFiltered(ctx context.Context, cond Condition) ([]URLEntry, int, error) {
	points, _, err := g.client.ScrollPage(ctx, &qdrant.ScrollPoints{
		CollectionName: g.collection,
		Filter:         cond.Filter(),
		Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, 0, err
	}
	var matches []URLEntry
	seen := make(map[string]struct{})
	for _, p := range points {
		matches = addMatch(matches, seen, cond, p.GetPayload())
	}
	return matches, len(points), nil
}

// addMatch appends the payload's entry if it matches and its URL is new.
func addMatch(matches []URLEntry, seen map[string]struct{}, cond Condition, payload map[string]*qdrant.Value) []URLEntry {
	if !cond.Matches(payload) {
		return matches
	}
	url := payload[FieldURL].GetStringValue()
	if _, ok := seen[url]; ok {
		return matches
	}
	seen[url] = struct{}{}
	return append(matches, entryFromPayload(payload))
}

// scan visits points in pages of 100 until limit points were seen or the
// collection is exhausted.
func (g *Gateway) scan(ctx context.Context, limit int, visit func(*qdrant.RetrievedPoint)) error {
	var offset *qdrant.PointId
	seen := 0
	for {
		points, next, err := g.client.ScrollPage(ctx, &qdrant.ScrollPoints{
			CollectionName: g.collection,
			Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(false),
		})
		if err != nil {
			return err
		}
		for _, p := range points {
			visit(p)
		}
		seen += len(points)
		if next == nil || seen >= limit {
			return nil
		}
		offset = next
	}
}

func entryFromPayload(payload map[string]*qdrant.Value) URLEntry {
	e := URLEntry{
		URL:         "Unknown",
		UpdatedAt:   UnknownTimestamp,
		ChunkIndex:  0,
		TotalChunks: 1,
	}
	if v, ok := payload[FieldURL]; ok {
		e.URL = v.GetStringValue()
	}
	if v, ok := payload[FieldUpdatedAt]; ok {
		e.UpdatedAt = v.GetStringValue()
	}
	if v, ok := payload[FieldChunkIndex]; ok {
		e.ChunkIndex = int(v.GetIntegerValue())
	}
	if v, ok := payload[FieldTotalChunks]; ok {
		e.TotalChunks = int(v.GetIntegerValue())
	}
	return e
}

// SimilaritySearch returns the k points closest to vector.
func (g *Gateway) SimilaritySearch(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error) {
	if len(vector) != VectorDimension {
		return nil, storeErr("similarity search", fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(vector), VectorDimension))
	}
	results, err := g.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: g.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, storeErr("similarity search", err)
	}

	hits := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		payload := r.GetPayload()
		hits = append(hits, ScoredChunk{
			Text:  payload[FieldText].GetStringValue(),
			URL:   payload[FieldURL].GetStringValue(),
			Title: payload[FieldTitle].GetStringValue(),
			Score: float64(r.GetScore()),
		})
	}
	return hits, nil
}

// Close closes the Qdrant client connection.
func (g *Gateway) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
