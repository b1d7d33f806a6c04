// Package core provides the storage and retrieval engine backing a memory
// store: a SQLite-backed table of content, embedding vector, and JSON
// metadata rows, searchable by vector similarity, full-text match, or a
// reciprocal-rank fusion of both.
//
// # Key components
//
//   - Store: the main entry point, guarding one *sql.DB with a mutex so the
//     whole engine behaves like a single-writer, single-reader handle.
//   - Schema migration: an idempotent, user_version-gated DDL ladder that
//     brings any existing database file up to the current shape.
//   - Search: dispatches a query to vector, full-text, hybrid, or recency
//     search depending on which of vector/text the caller supplied, and
//     applies an access-frequency boost with recency decay to the vector
//     and full-text scores (including those feeding hybrid fusion). The
//     hybrid fusion score itself is not boosted, and recency search
//     assigns no score at all.
//
// # Observability
//
// The engine accepts a pluggable Logger for structured diagnostic output;
// by default it logs nothing. Internally it scopes one via Store.opLogger
// per operation (Logger.With("op", name)) instead of repeating the
// operation name as a keyval at every call site.
package core
