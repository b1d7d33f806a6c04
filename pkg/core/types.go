package core

import "encoding/json"

// Memory is a single stored row: free-text content, an optional embedding
// vector, and an arbitrary JSON metadata object, plus the access-tracking
// columns used for frequency boosting and recency decay.
type Memory struct {
	ID           string          `json:"id"`
	Content      string          `json:"content"`
	Vector       []float32       `json:"vector,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    float64         `json:"created_at"`
	UpdatedAt    float64         `json:"updated_at"`
	LastAccessed float64         `json:"last_accessed"`
	AccessCount  int64           `json:"access_count"`
	Score        *float32        `json:"score,omitempty"`
}

// SortField selects the ordering used by List when no search scoring
// applies. The four variants mirror the four independently tracked
// timestamp/counter columns on Memory: created_at, updated_at,
// last_accessed, and access_count.
type SortField int

const (
	SortByCreatedAt SortField = iota
	SortByUpdatedAt
	SortByLastAccessed
	SortByAccessCount
)

// InsertResult reports whether Insert created a new row or, because a
// near-duplicate already existed above the caller's threshold, updated one
// in place instead.
type InsertResult struct {
	ID           string
	Deduplicated bool
}

// Created builds an InsertResult for a newly inserted row.
func Created(id string) InsertResult {
	return InsertResult{ID: id}
}

// Deduplicated builds an InsertResult for a row that was merged into an
// existing near-duplicate rather than inserted fresh.
func Deduplicated(id string) InsertResult {
	return InsertResult{ID: id, Deduplicated: true}
}

// SearchQuery describes a single search request. Exactly which of Vector
// and Text are set determines the search strategy: both present runs a
// hybrid RRF search, only Vector runs a pure similarity search, only Text
// runs full-text (or, when an embedder is configured and TextOnly is
// false, Store.Search embeds Text and runs a hybrid search), and neither
// falls back to a plain recency listing.
type SearchQuery struct {
	Vector   []float32
	Text     string
	TextOnly bool
	Filter   map[string]any
	Before   float64
	After    float64
	Limit    int
}

// StoreStats summarizes the contents of a store.
type StoreStats struct {
	Count      int64
	Dimensions int
}

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file path, or ":memory:" for a
	// transient in-process database.
	Path string

	// VectorDim is the expected embedding dimension. When non-zero,
	// Insert and Update reject any vector whose length doesn't match it.
	// 0 disables the check, allowing any (or mixed) dimensions.
	VectorDim int

	// DedupThreshold is the minimum cosine similarity, among same-type
	// rows, above which an insert redirects to an update instead of
	// creating a new row. 0 disables deduplication. Store.Insert does not
	// read this field (it takes the threshold as an argument); the value
	// is exposed through Store.DedupThreshold, which memori.DB.Insert
	// passes in.
	DedupThreshold float32

	Logger Logger
}

// DefaultConfig returns a Config with deduplication disabled and a no-op
// logger.
func DefaultConfig(path string) Config {
	return Config{
		Path:   path,
		Logger: NopLogger(),
	}
}
