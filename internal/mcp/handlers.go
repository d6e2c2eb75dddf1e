package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/his0si/retriever-project-lite/internal/storage"
)

const (
	defaultTopK = 5
	maxTopK     = 20
)

// makeSearchHandler creates the search_documents tool handler.
func makeSearchHandler(backend Backend) mcp.ToolHandlerFor[SearchDocumentsInput, SearchDocumentsOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SearchDocumentsInput) (
		*mcp.CallToolResult, SearchDocumentsOutput, error,
	) {
		query := strings.TrimSpace(input.Query)
		if query == "" {
			return nil, SearchDocumentsOutput{}, errors.New("query is required")
		}
		k := input.TopK
		if k <= 0 {
			k = defaultTopK
		}
		k = min(k, maxTopK)

		hits, err := backend.Search(ctx, query, k)
		if err != nil {
			return nil, SearchDocumentsOutput{}, fmt.Errorf("search failed: %w", err)
		}
		if len(hits) == 0 {
			return nil, SearchDocumentsOutput{
				Results: []DocumentHit{},
				Message: "No matching documents found. Try broader search terms.",
			}, nil
		}

		results := make([]DocumentHit, 0, len(hits))
		for _, h := range hits {
			results = append(results, DocumentHit{URL: h.URL, Title: h.Title, Text: h.Text, Score: h.Score})
		}
		return nil, SearchDocumentsOutput{Results: results}, nil
	}
}

// makeStatusHandler creates the get_database_status tool handler.
// Store failures are reported in the output rather than as tool errors.
func makeStatusHandler(backend Backend) mcp.ToolHandlerFor[DatabaseStatusInput, DatabaseStatusOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ DatabaseStatusInput) (
		*mcp.CallToolResult, DatabaseStatusOutput, error,
	) {
		st, err := backend.DBStatus(ctx)
		if err != nil {
			return nil, DatabaseStatusOutput{
				Status:        "error",
				RecentUpdates: []storage.URLEntry{},
				LastChecked:   backend.Timestamp(),
				Error:         err.Error(),
			}, nil
		}
		return nil, DatabaseStatusOutput{
			Status:         st.Status,
			TotalDocuments: st.TotalDocuments,
			CollectionName: st.CollectionName,
			RecentUpdates:  st.RecentUpdates,
			LastChecked:    st.LastChecked,
		}, nil
	}
}

// makeSearchURLHandler creates the search_url tool handler.
// Like the status tool, failures come back as a payload with found set to false.
func makeSearchURLHandler(backend Backend) mcp.ToolHandlerFor[SearchURLInput, SearchURLOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SearchURLInput) (
		*mcp.CallToolResult, SearchURLOutput, error,
	) {
		res, err := backend.SearchURL(ctx, input.URL)
		if err != nil {
			return nil, SearchURLOutput{
				SearchURL:    input.URL,
				Found:        false,
				MatchingURLs: []storage.URLEntry{},
				CheckedAt:    backend.Timestamp(),
				Error:        err.Error(),
			}, nil
		}
		return nil, SearchURLOutput{
			SearchURL:    res.SearchURL,
			Found:        res.Found,
			Count:        res.Count,
			TotalChecked: res.TotalChecked,
			MatchingURLs: res.MatchingURLs,
			CheckedAt:    res.CheckedAt,
		}, nil
	}
}

// makeCrawlHandler creates the trigger_crawl tool handler.
func makeCrawlHandler(backend Backend) mcp.ToolHandlerFor[TriggerCrawlInput, TriggerCrawlOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TriggerCrawlInput) (
		*mcp.CallToolResult, TriggerCrawlOutput, error,
	) {
		t, err := backend.TriggerCrawl(ctx, input.RootURL, input.MaxDepth)
		if err != nil {
			return nil, TriggerCrawlOutput{}, fmt.Errorf("trigger crawl: %w", err)
		}
		return nil, TriggerCrawlOutput{
			TaskID:   t.ID,
			Status:   string(t.Status),
			RootURL:  t.Params.RootURL,
			MaxDepth: t.Params.MaxDepth,
		}, nil
	}
}
