package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/his0si/retriever-project-lite/internal/crawl"
	"github.com/his0si/retriever-project-lite/internal/service"
	"github.com/his0si/retriever-project-lite/internal/storage"
	"github.com/his0si/retriever-project-lite/internal/tasks"
)

type fakeBackend struct {
	hits      []storage.ScoredChunk
	k         int
	statusErr error
	searchErr error
}

func (f *fakeBackend) Search(_ context.Context, _ string, k int) ([]storage.ScoredChunk, error) {
	f.k = k
	return f.hits, nil
}

func (f *fakeBackend) DBStatus(context.Context) (*service.DBStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &service.DBStatus{
		Status:         service.StatusHealthy,
		TotalDocuments: 12,
		CollectionName: "school_documents",
		RecentUpdates:  []storage.URLEntry{{URL: "https://example.ac.kr/a", UpdatedAt: "2024-03-01T10:00:00"}},
		LastChecked:    "2024-03-01T11:00:00+09:00",
	}, nil
}

func (f *fakeBackend) SearchURL(_ context.Context, rawURL string) (*service.URLSearch, error) {
	if rawURL == "" {
		return nil, service.ErrURLRequired
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &service.URLSearch{
		SearchURL:    rawURL,
		MatchingURLs: []storage.URLEntry{},
		TotalChecked: 9,
		CheckedAt:    "2024-03-01T11:00:00+09:00",
	}, nil
}

func (f *fakeBackend) TriggerCrawl(_ context.Context, root string, depth *int) (tasks.Task, error) {
	if err := crawl.ValidateRoot(root); err != nil {
		return tasks.Task{}, err
	}
	d := 2
	if depth != nil {
		d = *depth
	}
	return tasks.Task{ID: "task-1", Status: tasks.StatusQueued, Params: tasks.Params{RootURL: root, MaxDepth: d}}, nil
}

func (f *fakeBackend) Timestamp() string { return "2024-03-01T11:00:00+09:00" }

func connect(t *testing.T, backend Backend) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	server := NewServer(backend, "test")

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	_, err := server.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func call[Out any](t *testing.T, s *mcp.ClientSession, name string, args any) (*mcp.CallToolResult, Out) {
	t.Helper()
	res, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	var out Out
	if !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return res, out
}

func TestListTools(t *testing.T) {
	s := connect(t, &fakeBackend{})
	res, err := s.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"search_documents", "get_database_status", "search_url", "trigger_crawl"}, names)
}

func TestSearchDocuments(t *testing.T) {
	backend := &fakeBackend{hits: []storage.ScoredChunk{
		{Text: "수강신청 안내", URL: "https://example.ac.kr/notice/1", Title: "학사공지", Score: 0.83},
	}}
	s := connect(t, backend)

	_, out := call[SearchDocumentsOutput](t, s, "search_documents", map[string]any{"query": "수강신청", "top_k": 50})
	require.Len(t, out.Results, 1)
	assert.Equal(t, "https://example.ac.kr/notice/1", out.Results[0].URL)
	assert.Equal(t, "학사공지", out.Results[0].Title)
	assert.Equal(t, maxTopK, backend.k)

	backend.hits = nil
	_, out = call[SearchDocumentsOutput](t, s, "search_documents", map[string]any{"query": "없는 내용"})
	assert.Empty(t, out.Results)
	assert.NotEmpty(t, out.Message)
	assert.Equal(t, defaultTopK, backend.k)

	res, _ := call[SearchDocumentsOutput](t, s, "search_documents", map[string]any{"query": "  "})
	assert.True(t, res.IsError)
}

func TestDatabaseStatus(t *testing.T) {
	_, out := call[DatabaseStatusOutput](t, connect(t, &fakeBackend{}), "get_database_status", map[string]any{})
	assert.Equal(t, "healthy", out.Status)
	assert.EqualValues(t, 12, out.TotalDocuments)
	assert.Len(t, out.RecentUpdates, 1)

	res, out := call[DatabaseStatusOutput](t, connect(t, &fakeBackend{statusErr: errors.New("connection refused")}), "get_database_status", map[string]any{})
	assert.False(t, res.IsError)
	assert.Equal(t, "error", out.Status)
	assert.Equal(t, "connection refused", out.Error)
}

func TestSearchURLTool(t *testing.T) {
	s := connect(t, &fakeBackend{})

	_, out := call[SearchURLOutput](t, s, "search_url", map[string]any{"url": "https://example.ac.kr/board"})
	assert.Equal(t, "https://example.ac.kr/board", out.SearchURL)
	assert.False(t, out.Found)
	assert.Equal(t, 9, out.TotalChecked)

	res, out := call[SearchURLOutput](t, s, "search_url", map[string]any{"url": ""})
	assert.False(t, res.IsError)
	assert.False(t, out.Found)
	assert.Equal(t, service.ErrURLRequired.Error(), out.Error)
}

func TestSearchURLToolStoreFailure(t *testing.T) {
	s := connect(t, &fakeBackend{searchErr: errors.New("qdrant: connection refused")})

	res, out := call[SearchURLOutput](t, s, "search_url", map[string]any{"url": "https://example.ac.kr/board"})
	assert.False(t, res.IsError)
	assert.False(t, out.Found)
	assert.Equal(t, "https://example.ac.kr/board", out.SearchURL)
	assert.Equal(t, "qdrant: connection refused", out.Error)
	assert.Equal(t, "2024-03-01T11:00:00+09:00", out.CheckedAt)
	assert.Empty(t, out.MatchingURLs)
}

func TestTriggerCrawlTool(t *testing.T) {
	s := connect(t, &fakeBackend{})

	_, out := call[TriggerCrawlOutput](t, s, "trigger_crawl", map[string]any{"root_url": "https://example.ac.kr", "max_depth": 1})
	assert.Equal(t, "task-1", out.TaskID)
	assert.Equal(t, "queued", out.Status)
	assert.Equal(t, 1, out.MaxDepth)

	res, _ := call[TriggerCrawlOutput](t, s, "trigger_crawl", map[string]any{"root_url": "mailto:x@example.ac.kr"})
	assert.True(t, res.IsError)
}

func TestLandingHandler(t *testing.T) {
	h := NewLandingHandler()

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/mcp")

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
