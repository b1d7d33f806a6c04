// Package memori is the public entry point: a functional-options wrapper
// around pkg/core's engine that adds text-convenience methods (embed content
// on write, embed a query string before searching) on top of the vector/
// metadata primitives core.Store exposes directly.
package memori

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/memori-db/memori/pkg/core"
)

// DB is a handle to an open store.
type DB struct {
	store    *core.Store
	embedder core.Embedder
}

// Config configures a DB.
type Config struct {
	// Path is the SQLite database file path, or ":memory:" for a
	// transient in-process database.
	Path string

	// VectorDim is the expected embedding dimension. When non-zero,
	// Insert and Update reject any vector whose length doesn't match it.
	// 0 disables the check, allowing any (or mixed) dimensions.
	VectorDim int

	// DedupThreshold is the minimum cosine similarity, among same-type
	// rows, above which Insert redirects to an update instead of
	// creating a new row. 0 disables deduplication.
	DedupThreshold float32

	Logger core.Logger
}

// DefaultConfig returns a Config with deduplication disabled and a no-op
// logger.
func DefaultConfig(path string) Config {
	return Config{
		Path:   path,
		Logger: core.NopLogger(),
	}
}

// Option is a functional option for configuring a DB at Open time.
type Option func(*DB)

// WithEmbedder wires an Embedder into the DB. Once set, InsertText and
// SearchText (and the auto-embed paths on Insert/Update/BackfillEmbeddings)
// become usable.
func WithEmbedder(e core.Embedder) Option {
	return func(db *DB) {
		db.embedder = e
	}
}

// Open opens or creates a store at config.Path, running any pending schema
// migrations, and applies opts.
func Open(ctx context.Context, config Config, opts ...Option) (*DB, error) {
	store, err := core.NewWithConfig(core.Config{
		Path:           config.Path,
		VectorDim:      config.VectorDim,
		DedupThreshold: config.DedupThreshold,
		Logger:         config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("memori: open: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("memori: open: %w", err)
	}

	db := &DB{store: store}
	for _, opt := range opts {
		opt(db)
	}
	if db.embedder != nil {
		store.SetEmbedder(db.embedder)
	}
	return db, nil
}

// Store returns the underlying engine for callers that want the full
// vector/metadata API directly instead of the text convenience wrappers.
func (db *DB) Store() *core.Store {
	return db.store
}

// Close releases the underlying database handle.
func (db *DB) Close() error {
	return db.store.Close()
}

// Insert stores content as-is (with an optional explicit vector and
// metadata); see core.Store.Insert for the dedup/auto-embed semantics.
func (db *DB) Insert(ctx context.Context, content string, vector []float32, metadata json.RawMessage) (core.InsertResult, error) {
	return db.store.Insert(ctx, content, vector, metadata, db.store.DedupThreshold(), false)
}

// InsertText embeds content through the configured Embedder and stores the
// result. Requires WithEmbedder.
func (db *DB) InsertText(ctx context.Context, content string, metadata json.RawMessage) (core.InsertResult, error) {
	if db.embedder == nil {
		return core.InsertResult{}, core.ErrEmbedderNotConfigured
	}
	if content == "" {
		return core.InsertResult{}, core.ErrEmptyText
	}
	return db.store.Insert(ctx, content, nil, metadata, db.store.DedupThreshold(), false)
}

// Get resolves idOrPrefix and returns the memory, bumping its access stats.
func (db *DB) Get(ctx context.Context, idOrPrefix string) (core.Memory, bool, error) {
	return db.store.Get(ctx, idOrPrefix)
}

// Update modifies an existing memory in place. A nil content/vector/metadata
// argument leaves that field unchanged.
func (db *DB) Update(ctx context.Context, idOrPrefix string, content *string, vector []float32, metadata json.RawMessage, mergeMetadata bool) error {
	return db.store.Update(ctx, idOrPrefix, content, vector, metadata, mergeMetadata)
}

// Delete removes a memory by id or unambiguous prefix.
func (db *DB) Delete(ctx context.Context, idOrPrefix string) error {
	return db.store.Delete(ctx, idOrPrefix)
}

// Search runs a vector, text, hybrid, or recency search depending on which
// of query.Vector/query.Text are populated.
func (db *DB) Search(ctx context.Context, query core.SearchQuery) ([]core.Memory, error) {
	return db.store.Search(ctx, query)
}

// SearchText embeds query through the configured Embedder and runs a hybrid
// search combining it with full-text matching. Requires WithEmbedder.
func (db *DB) SearchText(ctx context.Context, query string, limit int) ([]core.Memory, error) {
	if db.embedder == nil {
		return nil, core.ErrEmbedderNotConfigured
	}
	if query == "" {
		return nil, core.ErrEmptyText
	}
	vec, err := db.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memori: search text: %w", err)
	}
	return db.store.Search(ctx, core.SearchQuery{Vector: vec, Text: query, Limit: limit})
}

// SearchTextOnly runs a pure full-text search, bypassing any configured
// embedder even when one is set.
func (db *DB) SearchTextOnly(ctx context.Context, query string, limit int) ([]core.Memory, error) {
	return db.store.Search(ctx, core.SearchQuery{Text: query, TextOnly: true, Limit: limit})
}

// Related finds memories similar to idOrPrefix's own embedding.
func (db *DB) Related(ctx context.Context, idOrPrefix string, limit int) ([]core.Memory, error) {
	return db.store.Related(ctx, idOrPrefix, limit)
}

// Count returns the total number of stored memories.
func (db *DB) Count(ctx context.Context) (int64, error) {
	return db.store.Count(ctx)
}

// List returns memories of the given type (or all types, if empty),
// sorted and paginated.
func (db *DB) List(ctx context.Context, typeFilter string, sortField core.SortField, limit, offset int, before, after *float64) ([]core.Memory, error) {
	return db.store.List(ctx, typeFilter, sortField, limit, offset, before, after)
}

// TypeDistribution counts memories grouped by their metadata "type" field.
func (db *DB) TypeDistribution(ctx context.Context) (map[string]int64, error) {
	return db.store.TypeDistribution(ctx)
}

// DeleteBefore removes every memory created before ts, returning the count
// deleted.
func (db *DB) DeleteBefore(ctx context.Context, ts float64) (int64, error) {
	return db.store.DeleteBefore(ctx, ts)
}

// DeleteByType removes every memory whose metadata "type" field equals
// typeValue, returning the count deleted.
func (db *DB) DeleteByType(ctx context.Context, typeValue string) (int64, error) {
	return db.store.DeleteByType(ctx, typeValue)
}

// Vacuum reclaims disk space freed by prior deletes/updates.
func (db *DB) Vacuum(ctx context.Context) error {
	return db.store.Vacuum(ctx)
}

// EmbeddingStats reports how many stored memories have a vector versus the
// total row count.
func (db *DB) EmbeddingStats(ctx context.Context) (withVector, total int64, err error) {
	return db.store.EmbeddingStats(ctx)
}

// BackfillEmbeddings embeds batchSize rows at a time that are missing a
// vector, using the configured Embedder, until none remain. Requires
// WithEmbedder; returns 0 with no error otherwise.
func (db *DB) BackfillEmbeddings(ctx context.Context, batchSize int) (int64, error) {
	return db.store.BackfillEmbeddings(ctx, batchSize)
}

// SetAccessStats overwrites the access-tracking columns directly, bypassing
// the normal increment-on-read behavior of Touch.
func (db *DB) SetAccessStats(ctx context.Context, idOrPrefix string, lastAccessed *float64, accessCount int64) error {
	return db.store.SetAccessStats(ctx, idOrPrefix, lastAccessed, accessCount)
}
