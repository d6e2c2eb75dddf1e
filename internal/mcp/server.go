package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/his0si/retriever-project-lite/internal/service"
	"github.com/his0si/retriever-project-lite/internal/storage"
	"github.com/his0si/retriever-project-lite/internal/tasks"
)

// Backend is the set of operations the tools call.
type Backend interface {
	Search(ctx context.Context, query string, k int) ([]storage.ScoredChunk, error)
	DBStatus(ctx context.Context) (*service.DBStatus, error)
	SearchURL(ctx context.Context, rawURL string) (*service.URLSearch, error)
	TriggerCrawl(ctx context.Context, root string, depth *int) (tasks.Task, error)
	Timestamp() string
}

// Server wraps the MCP server with its backend.
type Server struct {
	server  *mcp.Server
	backend Backend
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(backend Backend, version string) *Server {
	if version == "" {
		version = "dev"
	}
	impl := &mcp.Implementation{
		Name:    "retriever",
		Version: version,
	}
	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_documents",
		Description: "Semantic search over crawled university web pages. Returns the most similar text chunks with their source URLs.",
	}, makeSearchHandler(backend))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_database_status",
		Description: "Report the vector collection's document count and most recently indexed chunks.",
	}, makeStatusHandler(backend))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_url",
		Description: "Check whether pages under a URL or URL prefix are indexed. Returns matching chunks, newest first.",
	}, makeSearchURLHandler(backend))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "trigger_crawl",
		Description: "Queue a same-site crawl from a root URL. Changed pages are re-indexed in the background.",
	}, makeCrawlHandler(backend))

	return &Server{server: server, backend: backend}
}

// Run serves over stdio and blocks until the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
