// Package service implements the operations shared by the HTTP API, the MCP
// tools and the operator CLI.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/his0si/retriever-project-lite/internal/crawl"
	"github.com/his0si/retriever-project-lite/internal/rag"
	"github.com/his0si/retriever-project-lite/internal/sites"
	"github.com/his0si/retriever-project-lite/internal/storage"
	"github.com/his0si/retriever-project-lite/internal/tasks"
)

// RecentUpdatesLimit is how many recent chunks the status report lists.
const RecentUpdatesLimit = 5

// StatusHealthy is reported when the vector store answered.
const StatusHealthy = "healthy"

var (
	ErrURLRequired  = errors.New("URL is required")
	ErrInvalidDepth = errors.New("max_depth must be >= 0")
)

// VectorStore is the read side of the vector store.
type VectorStore interface {
	Collection() string
	Health(ctx context.Context) error
	CountAll(ctx context.Context) (uint64, error)
	ListRecent(ctx context.Context, n int) ([]storage.URLEntry, error)
	SearchByURLPrefix(ctx context.Context, prefix string) (storage.URLSearchResult, error)
	SimilaritySearch(ctx context.Context, vector []float32, k int) ([]storage.ScoredChunk, error)
}

// Submitter queues tasks.
type Submitter interface {
	Submit(ctx context.Context, kind tasks.Kind, params tasks.Params) (tasks.Task, error)
}

// TaskReader reads task state.
type TaskReader interface {
	Get(ctx context.Context, id string) (tasks.Task, error)
}

// Registry is the site registry.
type Registry interface {
	Load() (*sites.File, error)
	Enabled() ([]sites.Site, error)
	Toggle(name string) (sites.Site, error)
}

// Answerer answers questions from indexed content.
type Answerer interface {
	Answer(ctx context.Context, question string) (*rag.Answer, error)
}

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Deps are the collaborators of a Service. Answerer and Embedder may be nil
// when no OpenAI key is configured.
type Deps struct {
	Store    VectorStore
	Tasks    Submitter
	TaskLog  TaskReader
	Sites    Registry
	Answerer Answerer
	Embedder QueryEmbedder
	Logger   *slog.Logger

	Location      *time.Location
	MaxDepth      int
	CrawlSchedule string
}

// Service implements the externally visible operations.
type Service struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Service.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &Service{deps: deps, logger: logger, now: time.Now}
}

// DBStatus summarizes the vector collection.
type DBStatus struct {
	Status         string             `json:"status"`
	TotalDocuments uint64             `json:"total_documents"`
	CollectionName string             `json:"collection_name"`
	RecentUpdates  []storage.URLEntry `json:"recent_updates"`
	LastChecked    string             `json:"last_checked"`
}

// URLSearch is the outcome of a stored-URL prefix search.
type URLSearch struct {
	SearchURL    string             `json:"search_url"`
	Found        bool               `json:"found"`
	Count        int                `json:"count"`
	TotalChecked int                `json:"total_checked"`
	MatchingURLs []storage.URLEntry `json:"matching_urls"`
	CheckedAt    string             `json:"checked_at"`
}

// SitesView is the registry as shown to clients.
type SitesView struct {
	Sites    []sites.Site    `json:"sites"`
	Settings json.RawMessage `json:"settings"`
	Schedule string          `json:"schedule"`
}

// Timestamp formats the current time in the service's reference zone.
func (s *Service) Timestamp() string {
	return FormatTimestamp(s.now().In(s.deps.Location))
}

// FormatTimestamp renders t as ISO 8601 with a numeric offset and microseconds when non-zero.
func FormatTimestamp(t time.Time) string {
	if t.Nanosecond()/1000 == 0 {
		return t.Format("2006-01-02T15:04:05-07:00")
	}
	return t.Format("2006-01-02T15:04:05.000000-07:00")
}

// Health checks vector store reachability.
func (s *Service) Health(ctx context.Context) error {
	return s.deps.Store.Health(ctx)
}

// DBStatus counts stored chunks and lists the most recent ones.
// A failed recency listing degrades to an empty list.
func (s *Service) DBStatus(ctx context.Context) (*DBStatus, error) {
	total, err := s.deps.Store.CountAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	recent, err := s.deps.Store.ListRecent(ctx, RecentUpdatesLimit)
	if err != nil {
		s.logger.Warn("failed to list recent updates", "error", err)
		recent = nil
	}
	if recent == nil {
		recent = []storage.URLEntry{}
	}
	return &DBStatus{
		Status:         StatusHealthy,
		TotalDocuments: total,
		CollectionName: s.deps.Store.Collection(),
		RecentUpdates:  recent,
		LastChecked:    s.Timestamp(),
	}, nil
}

// SearchURL lists stored URLs starting with rawURL, newest first.
func (s *Service) SearchURL(ctx context.Context, rawURL string) (*URLSearch, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrURLRequired
	}
	res, err := s.deps.Store.SearchByURLPrefix(ctx, rawURL)
	if errors.Is(err, storage.ErrEmptyPrefix) {
		return nil, ErrURLRequired
	}
	if err != nil {
		return nil, err
	}
	matches := res.Matches
	if matches == nil {
		matches = []storage.URLEntry{}
	}
	s.logger.Info("url search complete", "search_url", res.SearchURL, "found", len(matches), "checked", res.TotalChecked)
	return &URLSearch{
		SearchURL:    res.SearchURL,
		Found:        len(matches) > 0,
		Count:        len(matches),
		TotalChecked: res.TotalChecked,
		MatchingURLs: matches,
		CheckedAt:    s.Timestamp(),
	}, nil
}

// TriggerCrawl queues a crawl of root. A nil depth uses the configured default.
func (s *Service) TriggerCrawl(ctx context.Context, root string, depth *int) (tasks.Task, error) {
	if err := crawl.ValidateRoot(root); err != nil {
		return tasks.Task{}, err
	}
	maxDepth := s.deps.MaxDepth
	if depth != nil {
		maxDepth = *depth
	}
	if maxDepth < 0 {
		return tasks.Task{}, ErrInvalidDepth
	}
	t, err := s.deps.Tasks.Submit(ctx, tasks.KindCrawl, tasks.Params{RootURL: root, MaxDepth: maxDepth})
	if err != nil {
		return tasks.Task{}, fmt.Errorf("submit crawl: %w", err)
	}
	s.logger.Info("crawl task triggered", "task_id", t.ID, "root_url", root, "max_depth", maxDepth)
	return t, nil
}

// TriggerAutoCrawl queues an auto-crawl and returns the URLs of the enabled sites.
// It fails with sites.ErrNoEnabledSites when nothing would be crawled.
func (s *Service) TriggerAutoCrawl(ctx context.Context) (tasks.Task, []string, error) {
	enabled, err := s.deps.Sites.Enabled()
	if err != nil {
		return tasks.Task{}, nil, err
	}
	urls := make([]string, 0, len(enabled))
	for _, site := range enabled {
		urls = append(urls, site.URL)
	}
	t, err := s.deps.Tasks.Submit(ctx, tasks.KindAutoCrawl, tasks.Params{Sites: urls})
	if err != nil {
		return tasks.Task{}, nil, fmt.Errorf("submit auto-crawl: %w", err)
	}
	s.logger.Info("auto-crawl triggered", "task_id", t.ID, "sites", len(urls))
	return t, urls, nil
}

// TaskStatus returns the stored state of a task.
func (s *Service) TaskStatus(ctx context.Context, id string) (tasks.Task, error) {
	return s.deps.TaskLog.Get(ctx, id)
}

// Sites returns the registry with the configured schedule.
func (s *Service) Sites() (*SitesView, error) {
	f, err := s.deps.Sites.Load()
	if err != nil {
		return nil, err
	}
	list := f.Sites
	if list == nil {
		list = []sites.Site{}
	}
	settings := f.Settings
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}
	return &SitesView{Sites: list, Settings: settings, Schedule: s.deps.CrawlSchedule}, nil
}

// ToggleSite flips the enabled flag of a registry site.
func (s *Service) ToggleSite(name string) (sites.Site, error) {
	site, err := s.deps.Sites.Toggle(name)
	if err != nil {
		return sites.Site{}, err
	}
	s.logger.Info("site toggled", "site", name, "enabled", site.Enabled)
	return site, nil
}

// ErrUnavailable is returned by operations that need OpenAI when no key is configured.
var ErrUnavailable = errors.New("operation unavailable: no OpenAI API key configured")

// Ask answers a question from indexed content.
func (s *Service) Ask(ctx context.Context, question string) (*rag.Answer, error) {
	if s.deps.Answerer == nil {
		return nil, ErrUnavailable
	}
	return s.deps.Answerer.Answer(ctx, question)
}

// Search returns the k chunks most similar to query.
func (s *Service) Search(ctx context.Context, query string, k int) ([]storage.ScoredChunk, error) {
	if s.deps.Embedder == nil {
		return nil, ErrUnavailable
	}
	vec, err := s.deps.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.deps.Store.SimilaritySearch(ctx, vec, k)
}
