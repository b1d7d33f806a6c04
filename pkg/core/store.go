package core

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store is the storage and retrieval engine. It wraps a single *sql.DB
// behind a mutex: every exported method holds the lock for its whole
// duration, so the engine behaves like one writer and one reader sharing a
// single handle rather than a connection pool fronting concurrent access.
type Store struct {
	db       *sql.DB
	config   Config
	mu       sync.Mutex
	closed   bool
	logger   Logger
	embedder Embedder
}

// New creates a Store at path with an otherwise-default configuration.
// Call Init before using it.
func New(path string) (*Store, error) {
	return NewWithConfig(DefaultConfig(path))
}

// NewWithConfig creates a Store from an explicit Config. Call Init before
// using it.
func NewWithConfig(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, wrapError("new", fmt.Errorf("database path cannot be empty"))
	}
	if config.VectorDim < 0 {
		return nil, wrapError("new", fmt.Errorf("vector dimension must be non-negative"))
	}
	if config.Logger == nil {
		config.Logger = NopLogger()
	}

	return &Store{
		config: config,
		logger: config.Logger,
	}, nil
}

// DB returns the underlying *sql.DB for callers that need to run queries
// this engine doesn't expose directly (e.g. ad-hoc diagnostics).
func (s *Store) DB() *sql.DB {
	return s.db
}

// opLogger scopes the store's logger to a single operation name, so call
// sites log "id"/"error"/etc. without repeating "op" at every call.
func (s *Store) opLogger(op string) Logger {
	return s.logger.With("op", op)
}

// DedupThreshold returns the configured dedup threshold (0 disables dedup).
func (s *Store) DedupThreshold() float32 {
	return s.config.DedupThreshold
}

// SetEmbedder wires an Embedder into the engine so Insert/Update/
// BackfillEmbeddings can auto-embed content. Passing nil disables
// auto-embed, collapsing those paths back to no-ops.
func (s *Store) SetEmbedder(e Embedder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedder = e
}
