// Package mcp exposes the retriever's search, status and crawl operations as
// Model Context Protocol tools.
package mcp

import "github.com/his0si/retriever-project-lite/internal/storage"

// SearchDocumentsInput defines the input parameters for the search_documents tool.
type SearchDocumentsInput struct {
	// Query is the natural language search query.
	Query string `json:"query" jsonschema:"The natural language query to match against indexed page chunks"`
	// TopK is the maximum number of chunks to return.
	TopK int `json:"top_k,omitempty" jsonschema:"Maximum number of chunks to return (default 5, at most 20)"`
}

// SearchDocumentsOutput contains the matching chunks.
type SearchDocumentsOutput struct {
	Results []DocumentHit `json:"results"`
	// Message explains an empty result.
	Message string `json:"message,omitempty"`
}

// DocumentHit is one chunk returned by similarity search.
type DocumentHit struct {
	URL   string  `json:"url"`
	Title string  `json:"title,omitempty"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// DatabaseStatusInput takes no parameters.
type DatabaseStatusInput struct{}

// DatabaseStatusOutput summarizes the vector collection. On failure Status is
// "error" and Error carries the cause.
type DatabaseStatusOutput struct {
	Status         string             `json:"status"`
	TotalDocuments uint64             `json:"total_documents"`
	CollectionName string             `json:"collection_name,omitempty"`
	RecentUpdates  []storage.URLEntry `json:"recent_updates"`
	LastChecked    string             `json:"last_checked"`
	Error          string             `json:"error,omitempty"`
}

// SearchURLInput defines the input parameters for the search_url tool.
type SearchURLInput struct {
	URL string `json:"url" jsonschema:"URL or URL prefix to look up among indexed pages"`
}

// SearchURLOutput lists stored chunks whose URL starts with the searched prefix.
type SearchURLOutput struct {
	SearchURL    string             `json:"search_url"`
	Found        bool               `json:"found"`
	Count        int                `json:"count"`
	TotalChecked int                `json:"total_checked"`
	MatchingURLs []storage.URLEntry `json:"matching_urls"`
	CheckedAt    string             `json:"checked_at"`
	Error        string             `json:"error,omitempty"`
}

// TriggerCrawlInput defines the input parameters for the trigger_crawl tool.
type TriggerCrawlInput struct {
	RootURL  string `json:"root_url" jsonschema:"http or https URL where the crawl starts"`
	MaxDepth *int   `json:"max_depth,omitempty" jsonschema:"Link depth to follow from the root (default 2)"`
}

// TriggerCrawlOutput identifies the queued crawl task.
type TriggerCrawlOutput struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	RootURL  string `json:"root_url"`
	MaxDepth int    `json:"max_depth"`
}
