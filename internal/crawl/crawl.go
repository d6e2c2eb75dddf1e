// Package crawl walks a website breadth-first and hands every page it reaches
// to smart processing.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/his0si/retriever-project-lite/internal/fetcher"
	"github.com/his0si/retriever-project-lite/internal/metrics"
	"github.com/his0si/retriever-project-lite/internal/sites"
)

// ErrInvalidRoot is returned when a crawl root is not an absolute http(s) URL.
var ErrInvalidRoot = errors.New("invalid crawl root url")

// StatusCompleted is the status reported by finished traversals.
const StatusCompleted = "completed"

// binaryExtensions are never followed.
var binaryExtensions = map[string]struct{}{
	".pdf": {}, ".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".zip": {},
	".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {},
	".hwp": {}, ".mp4": {}, ".mp3": {}, ".svg": {}, ".webp": {}, ".ico": {},
	".css": {}, ".js": {}, ".rar": {}, ".7z": {}, ".tar": {}, ".gz": {},
}

// Opener returns a fetcher for one traversal. The crawler closes it when the traversal ends.
type Opener func(ctx context.Context) (fetcher.Fetcher, error)

// Scheduler queues a URL for smart processing.
type Scheduler interface {
	ScheduleProcess(ctx context.Context, pageURL string) error
}

// SiteSource lists the sites included in an auto-crawl.
type SiteSource interface {
	Enabled() ([]sites.Site, error)
}

// Config bounds traversals.
type Config struct {
	MaxDepth    int // used by auto-crawl
	Concurrency int // pages fetched in parallel within one BFS level
}

// Result describes one finished traversal.
type Result struct {
	Status     string   `json:"status"`
	RootURL    string   `json:"root_url"`
	URLsFound  int      `json:"urls_found"`
	URLsQueued int      `json:"urls_queued"`
	URLs       []string `json:"urls"`
}

// AutoResult aggregates an auto-crawl over every enabled site.
type AutoResult struct {
	Status             string   `json:"status"`
	TotalURLsFound     int      `json:"total_urls_found"`
	TotalNewURLsQueued int      `json:"total_new_urls_queued"`
	CrawledSites       []string `json:"crawled_sites"`
	Message            string   `json:"message,omitempty"`
}

// Crawler runs traversals.
type Crawler struct {
	open      Opener
	scheduler Scheduler
	cfg       Config
	logger    *slog.Logger
}

// New constructs a Crawler. A nil scheduler disables scheduling.
func New(open Opener, scheduler Scheduler, cfg Config, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	return &Crawler{open: open, scheduler: scheduler, cfg: cfg, logger: logger}
}

// Crawl traverses from root and schedules every visited URL for processing.
// Scheduling waits for queue room, but completion does not wait for processing.
func (c *Crawler) Crawl(ctx context.Context, root string, maxDepth int) (*Result, error) {
	visited, err := c.Traverse(ctx, root, maxDepth)
	if err != nil {
		return nil, err
	}

	queued := 0
	if c.scheduler != nil {
		for _, u := range visited {
			if err := c.scheduler.ScheduleProcess(ctx, u); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				c.logger.Warn("failed to schedule processing", "url", u, "error", err)
				continue
			}
			queued++
		}
	}

	c.logger.Info("crawl completed", "root_url", root, "urls_found", len(visited), "urls_queued", queued)
	return &Result{
		Status:     StatusCompleted,
		RootURL:    root,
		URLsFound:  len(visited),
		URLsQueued: queued,
		URLs:       visited,
	}, nil
}

// AutoCrawl crawls every enabled site in order with the configured depth.
// A failing site is logged and skipped.
func (c *Crawler) AutoCrawl(ctx context.Context, src SiteSource) (*AutoResult, error) {
	enabled, err := src.Enabled()
	if errors.Is(err, sites.ErrNoEnabledSites) {
		c.logger.Warn("no enabled sites found for auto-crawl")
		return &AutoResult{
			Status:       StatusCompleted,
			CrawledSites: []string{},
			Message:      "No enabled sites found",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load enabled sites: %w", err)
	}

	res := &AutoResult{Status: StatusCompleted, CrawledSites: make([]string, 0, len(enabled))}
	for _, site := range enabled {
		res.CrawledSites = append(res.CrawledSites, site.URL)

		c.logger.Info("auto-crawling site", "site", site.Name, "url", site.URL)
		r, err := c.Crawl(ctx, site.URL, c.cfg.MaxDepth)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Error("failed to auto-crawl site", "url", site.URL, "error", err)
			continue
		}
		res.TotalURLsFound += r.URLsFound
		res.TotalNewURLsQueued += r.URLsQueued
	}

	c.logger.Info("auto-crawl completed",
		"total_urls_found", res.TotalURLsFound,
		"total_new_urls_queued", res.TotalNewURLsQueued,
		"sites", len(res.CrawledSites),
	)
	return res, nil
}

// Traverse runs the BFS from root and returns the visited URLs in visit order.
// Per-page fetch failures are logged and skipped.
func (c *Crawler) Traverse(ctx context.Context, root string, maxDepth int) ([]string, error) {
	rootURL, err := parseRoot(root)
	if err != nil {
		return nil, err
	}
	if maxDepth < 0 {
		maxDepth = 0
	}

	f, err := c.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open fetcher: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			c.logger.Warn("failed to close fetcher", "error", err)
		}
	}()

	host := rootURL.Host
	visited := make(map[string]struct{})
	var order []string

	level := []string{rootURL.String()}
	for depth := 0; depth <= maxDepth && len(level) > 0; depth++ {
		batch := unvisited(level, visited)
		pages := c.fetchLevel(ctx, f, batch, depth)
		if err := ctx.Err(); err != nil {
			return order, err
		}

		var next []string
		for i, u := range batch {
			page := pages[i]
			if page == nil {
				continue
			}
			visited[u] = struct{}{}
			order = append(order, u)

			if depth >= maxDepth {
				continue
			}
			for _, link := range page.Links {
				if _, seen := visited[link]; seen {
					continue
				}
				if follow(link, host) {
					next = append(next, link)
				}
			}
		}
		level = next
	}
	return order, nil
}

// fetchLevel fetches batch with bounded parallelism. Failed entries are nil.
func (c *Crawler) fetchLevel(ctx context.Context, f fetcher.Fetcher, batch []string, depth int) []*fetcher.Page {
	pages := make([]*fetcher.Page, len(batch))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Concurrency)
	for i, u := range batch {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			page, err := f.Fetch(ctx, u)
			if err != nil {
				metrics.ObservePage(u, "error")
				if ctx.Err() == nil {
					c.logger.Error("failed to crawl page", "url", u, "depth", depth, "error", err)
				}
				return nil
			}
			metrics.ObservePage(u, "ok")
			c.logger.Info("crawled page", "url", u, "depth", depth)
			mu.Lock()
			pages[i] = page
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return pages
}

// unvisited drops visited URLs and duplicates, keeping first-seen order.
func unvisited(level []string, visited map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(level))
	out := make([]string, 0, len(level))
	for _, u := range level {
		if _, ok := visited[u]; ok {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// follow reports whether link stays on host and does not point at a binary file.
func follow(link, host string) bool {
	u, err := url.Parse(link)
	if err != nil || u.Host != host {
		return false
	}
	_, binary := binaryExtensions[strings.ToLower(path.Ext(u.Path))]
	return !binary
}

// ValidateRoot reports whether root can start a traversal.
func ValidateRoot(root string) error {
	_, err := parseRoot(root)
	return err
}

func parseRoot(root string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(root))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoot, root)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidRoot, root)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}
