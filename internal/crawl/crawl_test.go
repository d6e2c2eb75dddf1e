package crawl

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/his0si/retriever-project-lite/internal/fetcher"
	"github.com/his0si/retriever-project-lite/internal/sites"
	"github.com/his0si/retriever-project-lite/internal/tasks"
)

// siteFetcher serves a fixed link graph.
type siteFetcher struct {
	mu      sync.Mutex
	links   map[string][]string
	fail    map[string]bool
	fetched []string
	closed  atomic.Bool
}

func (f *siteFetcher) Fetch(_ context.Context, u string) (*fetcher.Page, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, u)
	f.mu.Unlock()
	if f.fail[u] {
		return nil, &fetcher.FetchError{URL: u, Err: errors.New("timeout")}
	}
	links, ok := f.links[u]
	if !ok {
		return nil, &fetcher.FetchError{URL: u, Err: errors.New("status 404")}
	}
	return &fetcher.Page{URL: u, FinalURL: u, HTML: "<html></html>", Links: links}, nil
}

func (f *siteFetcher) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *siteFetcher) fetchedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type recordingScheduler struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (s *recordingScheduler) ScheduleProcess(_ context.Context, u string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.urls = append(s.urls, u)
	return nil
}

func opener(f fetcher.Fetcher) Opener {
	return func(context.Context) (fetcher.Fetcher, error) { return f, nil }
}

// exampleSite is a small site with an external link and a PDF.
func exampleSite() *siteFetcher {
	return &siteFetcher{links: map[string][]string{
		"https://example.com/": {
			"https://example.com/a",
			"https://example.com/b.pdf",
			"https://other.com/x",
		},
		"https://example.com/a": {
			"https://example.com/",
			"https://example.com/c",
		},
		"https://example.com/c": {},
	}}
}

func TestTraverseDepthZeroVisitsOnlyRoot(t *testing.T) {
	f := exampleSite()
	c := New(opener(f), nil, Config{}, nil)

	visited, err := c.Traverse(context.Background(), "https://example.com/", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/"}, visited)
	assert.Equal(t, []string{"https://example.com/"}, f.fetchedURLs())
	assert.True(t, f.closed.Load())
}

func TestTraverseDepthOneSkipsBinaryAndForeignLinks(t *testing.T) {
	f := exampleSite()
	c := New(opener(f), nil, Config{}, nil)

	visited, err := c.Traverse(context.Background(), "https://example.com/", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/", "https://example.com/a"}, visited)
	assert.NotContains(t, f.fetchedURLs(), "https://example.com/b.pdf")
	assert.NotContains(t, f.fetchedURLs(), "https://other.com/x")
}

func TestTraverseDepthTwoDoesNotRevisit(t *testing.T) {
	f := exampleSite()
	c := New(opener(f), nil, Config{}, nil)

	visited, err := c.Traverse(context.Background(), "https://example.com/", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/", "https://example.com/a", "https://example.com/c"}, visited)
	assert.Len(t, f.fetchedURLs(), 3, "the back link to the root is not fetched again")
}

func TestTraverseAbsorbsPageFailures(t *testing.T) {
	f := exampleSite()
	f.fail = map[string]bool{"https://example.com/a": true}
	c := New(opener(f), nil, Config{}, nil)

	visited, err := c.Traverse(context.Background(), "https://example.com/", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/"}, visited)
}

func TestTraverseConcurrentLevel(t *testing.T) {
	links := map[string][]string{"https://example.com/": nil}
	var children []string
	for _, p := range []string{"a", "b", "c", "d", "e", "f"} {
		u := "https://example.com/" + p
		children = append(children, u, u) // duplicates in one level are fetched once
		links[u] = []string{"https://example.com/"}
	}
	links["https://example.com/"] = children
	f := &siteFetcher{links: links}
	c := New(opener(f), nil, Config{Concurrency: 4}, nil)

	visited, err := c.Traverse(context.Background(), "https://example.com/", 1)
	require.NoError(t, err)
	assert.Len(t, visited, 7)
	assert.Len(t, f.fetchedURLs(), 7)
	assert.Equal(t, "https://example.com/", visited[0])
	rest := append([]string(nil), visited[1:]...)
	assert.True(t, sort.StringsAreSorted(rest), "visit order follows link order within a level")
}

func TestTraverseInvalidRoot(t *testing.T) {
	c := New(opener(exampleSite()), nil, Config{}, nil)
	for _, root := range []string{"", "ftp://example.com", "example.com/path", "https://"} {
		_, err := c.Traverse(context.Background(), root, 1)
		assert.ErrorIs(t, err, ErrInvalidRoot, root)
	}
}

func TestTraverseOpenerFailure(t *testing.T) {
	c := New(func(context.Context) (fetcher.Fetcher, error) {
		return nil, errors.New("chrome not found")
	}, nil, Config{}, nil)

	_, err := c.Traverse(context.Background(), "https://example.com/", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidRoot)
}

func TestTraverseCancelled(t *testing.T) {
	c := New(opener(exampleSite()), nil, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Traverse(ctx, "https://example.com/", 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFollow(t *testing.T) {
	tests := []struct {
		link string
		want bool
	}{
		{"https://example.com/board/list", true},
		{"https://example.com/file.PDF", false},
		{"https://example.com/img/logo.webp", false},
		{"https://example.com/doc.hwp", false},
		{"https://example.com/download.do?file=a.pdf", true},
		{"https://sub.example.com/page", false},
		{"https://example.com:8443/page", false},
	}
	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			assert.Equal(t, tt.want, follow(tt.link, "example.com"))
		})
	}
}

func TestCrawlSchedulesVisitedURLs(t *testing.T) {
	sched := &recordingScheduler{}
	c := New(opener(exampleSite()), sched, Config{}, nil)

	res, err := c.Crawl(context.Background(), "https://example.com/", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.URLsFound)
	assert.Equal(t, 2, res.URLsQueued)
	assert.Equal(t, res.URLs, sched.urls)
}

func TestCrawlCountsOnlyScheduledURLs(t *testing.T) {
	sched := &recordingScheduler{err: errors.New("task queue is full")}
	c := New(opener(exampleSite()), sched, Config{}, nil)

	res, err := c.Crawl(context.Background(), "https://example.com/", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.URLsFound)
	assert.Equal(t, 0, res.URLsQueued)
}

type staticSites struct {
	sites []sites.Site
	err   error
}

func (s staticSites) Enabled() ([]sites.Site, error) { return s.sites, s.err }

func TestAutoCrawlAggregatesAndSkipsFailures(t *testing.T) {
	f := exampleSite()
	f.links["https://docs.example.com/"] = []string{"https://docs.example.com/guide"}
	f.links["https://docs.example.com/guide"] = nil
	sched := &recordingScheduler{}
	c := New(opener(f), sched, Config{MaxDepth: 1}, nil)

	res, err := c.AutoCrawl(context.Background(), staticSites{sites: []sites.Site{
		{Name: "main", URL: "https://example.com/", Enabled: true},
		{Name: "broken", URL: "notaurl", Enabled: true},
		{Name: "docs", URL: "https://docs.example.com/", Enabled: true},
	}})
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalURLsFound)
	assert.Equal(t, 4, res.TotalNewURLsQueued)
	assert.Equal(t, []string{"https://example.com/", "notaurl", "https://docs.example.com/"}, res.CrawledSites)
}

func TestAutoCrawlNoEnabledSites(t *testing.T) {
	c := New(opener(exampleSite()), nil, Config{}, nil)

	res, err := c.AutoCrawl(context.Background(), staticSites{err: sites.ErrNoEnabledSites})
	require.NoError(t, err)
	assert.Equal(t, "No enabled sites found", res.Message)
	assert.Zero(t, res.TotalURLsFound)
	assert.Empty(t, res.CrawledSites)

	_, err = c.AutoCrawl(context.Background(), staticSites{err: sites.ErrRegistryNotFound})
	assert.ErrorIs(t, err, sites.ErrRegistryNotFound)
}

type fakeSubmitter struct {
	kinds  []tasks.Kind
	params []tasks.Params
}

func (s *fakeSubmitter) SubmitWait(_ context.Context, kind tasks.Kind, p tasks.Params) (tasks.Task, error) {
	s.kinds = append(s.kinds, kind)
	s.params = append(s.params, p)
	return tasks.Task{ID: "t"}, nil
}

func TestCrawlHandler(t *testing.T) {
	sub := &fakeSubmitter{}
	c := New(opener(exampleSite()), TaskScheduler{Tasks: sub}, Config{}, nil)

	out, err := c.CrawlHandler(context.Background(), tasks.Task{
		Kind:   tasks.KindCrawl,
		Params: tasks.Params{RootURL: "https://example.com/", MaxDepth: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.(*Result).URLsFound)
	assert.Equal(t, []tasks.Kind{tasks.KindProcessURL, tasks.KindProcessURL}, sub.kinds)
	assert.Equal(t, "https://example.com/a", sub.params[1].URL)

	_, err = c.CrawlHandler(context.Background(), tasks.Task{Params: tasks.Params{RootURL: "mailto:x@y"}})
	var perm *backoff.PermanentError
	assert.ErrorAs(t, err, &perm)
}
