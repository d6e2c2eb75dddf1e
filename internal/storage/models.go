package storage

import "time"

// DefaultCollection is the collection used when none is configured.
const DefaultCollection = "school_documents"

// VectorDimension is the embedding size for text-embedding-3-small.
const VectorDimension = 1536

// Payload keys. Existing collections already use these names.
const (
	FieldText        = "text"
	FieldURL         = "url"
	FieldChunkIndex  = "chunk_index"
	FieldTotalChunks = "total_chunks"
	FieldContentHash = "content_hash"
	FieldUpdatedAt   = "updated_at"
	FieldTitle       = "title"
)

// UnknownTimestamp stands in for a missing updated_at.
const UnknownTimestamp = "Unknown"

// Chunk is the payload of one indexed chunk.
type Chunk struct {
	Text        string
	URL         string
	ChunkIndex  int
	TotalChunks int
	ContentHash string
	UpdatedAt   time.Time
	Title       string
}

// Point is one vector and its chunk payload.
type Point struct {
	ID     string // UUID
	Vector []float32
	Chunk  Chunk
}

// ScoredChunk is a similarity search hit.
type ScoredChunk struct {
	Text  string
	URL   string
	Title string
	Score float64
}

// URLEntry summarizes one stored chunk for status and search listings.
// UpdatedAt is the stored string, or UnknownTimestamp.
type URLEntry struct {
	URL         string `json:"url"`
	UpdatedAt   string `json:"updated_at"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
}

// URLSearchResult is the outcome of a URL prefix search.
type URLSearchResult struct {
	SearchURL    string
	Matches      []URLEntry
	TotalChecked int
}
