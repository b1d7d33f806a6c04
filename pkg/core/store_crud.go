package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memori-db/memori/internal/encoding"
)

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Insert generates a fresh id, auto-embeds the content when a vector isn't
// supplied and an embedder is wired in, runs a dedup probe when
// dedupThreshold > 0, and commits a row. See findDuplicate for the dedup
// semantics.
func (s *Store) Insert(ctx context.Context, content string, vector []float32, metadata json.RawMessage, dedupThreshold float32, noEmbed bool) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return InsertResult{}, wrapError("insert", ErrStoreClosed)
	}

	effectiveVector := vector
	if effectiveVector == nil && !noEmbed && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			return InsertResult{}, wrapError("insert", err)
		}
		effectiveVector = vec
	}

	if dedupThreshold > 0 && len(effectiveVector) > 0 {
		typeFilter := metadataTypeField(metadata)
		dupID, err := s.findDuplicateLocked(ctx, effectiveVector, typeFilter, dedupThreshold)
		if err != nil {
			return InsertResult{}, wrapError("insert", err)
		}
		if dupID != "" {
			if err := s.updateLocked(ctx, dupID, &content, effectiveVector, metadata, false); err != nil {
				return InsertResult{}, wrapError("insert", err)
			}
			return Deduplicated(dupID), nil
		}
	}

	id := uuid.New().String()
	ts := now()
	if err := s.insertRow(ctx, id, content, effectiveVector, metadata, ts, ts); err != nil {
		return InsertResult{}, wrapError("insert", err)
	}
	return Created(id), nil
}

// InsertWithID inserts a row with a caller-supplied id and timestamps; used
// for imports and seeding. No deduplication; auto-embed still applies.
func (s *Store) InsertWithID(ctx context.Context, id, content string, vector []float32, metadata json.RawMessage, createdAt, updatedAt float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", wrapError("insert_with_id", ErrStoreClosed)
	}

	effectiveVector := vector
	if effectiveVector == nil && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			return "", wrapError("insert_with_id", err)
		}
		effectiveVector = vec
	}

	if err := s.insertRow(ctx, id, content, effectiveVector, metadata, createdAt, updatedAt); err != nil {
		return "", wrapError("insert_with_id", err)
	}
	return id, nil
}

// checkDimension rejects a vector whose length doesn't match the store's
// configured dimension. A configured dimension of 0 disables the check.
func (s *Store) checkDimension(vector []float32) error {
	if s.config.VectorDim > 0 && len(vector) != s.config.VectorDim {
		return fmt.Errorf("%w: expected dimension %d, got %d", ErrInvalidVector, s.config.VectorDim, len(vector))
	}
	return nil
}

func (s *Store) insertRow(ctx context.Context, id, content string, vector []float32, metadata json.RawMessage, createdAt, updatedAt float64) error {
	var blob []byte
	if len(vector) > 0 {
		if err := encoding.ValidateVector(vector); err != nil {
			return err
		}
		if err := s.checkDimension(vector); err != nil {
			return err
		}
		b, err := encoding.EncodeVector(vector)
		if err != nil {
			return err
		}
		blob = b
	}

	var metaStr sql.NullString
	if len(metadata) > 0 {
		metaStr = sql.NullString{String: string(metadata), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, vector, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, content, blob, metaStr, createdAt, updatedAt)
	return err
}

// findDuplicateLocked scans same-type rows with a vector and returns the id
// of the strictly-best cosine match above threshold, or "" when none
// qualifies. Caller must hold s.mu.
func (s *Store) findDuplicateLocked(ctx context.Context, queryVec []float32, typeFilter string, threshold float32) (string, error) {
	query := "SELECT id, vector FROM memories WHERE vector IS NOT NULL"
	var args []any
	if typeFilter != "" {
		query += " AND json_extract(metadata, '$.type') = ?"
		args = append(args, typeFilter)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	bestID := ""
	var bestScore float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return "", err
		}
		vec, err := encoding.DecodeVector(blob)
		if err != nil {
			continue
		}
		sim := encoding.CosineSimilarity(queryVec, vec)
		if sim > threshold && (bestID == "" || sim > bestScore) {
			bestID, bestScore = id, sim
		}
	}
	return bestID, rows.Err()
}

// metadataTypeField extracts the "type" string field from a raw metadata
// JSON object, returning "" when absent or not an object.
func metadataTypeField(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(metadata, &obj); err != nil {
		return ""
	}
	if v, ok := obj["type"].(string); ok {
		return v
	}
	return ""
}

// Get resolves idOrPrefix, reads the row, and bumps access stats
// (last_accessed, access_count) as a side effect. The returned snapshot
// reflects the pre-touch state. ok is false when the prefix doesn't
// resolve or no row has the resolved id; neither case is an error.
func (s *Store) Get(ctx context.Context, idOrPrefix string) (Memory, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Memory{}, false, wrapError("get", ErrStoreClosed)
	}

	id, err := s.resolvePrefixLocked(ctx, idOrPrefix)
	if err != nil {
		if err == ErrNotFound {
			return Memory{}, false, nil
		}
		return Memory{}, false, wrapError("get", err)
	}

	mem, err := s.getRowLocked(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return Memory{}, false, nil
		}
		return Memory{}, false, wrapError("get", err)
	}

	if err := s.touchLocked(ctx, id); err != nil {
		s.opLogger("get").Warn("touch after get failed", "id", id, "error", err)
	}

	return mem, true, nil
}

// GetReadonly is Get without the access-stats side effect. Related reads
// its source row the same non-touching way, through getRowLocked.
func (s *Store) GetReadonly(ctx context.Context, idOrPrefix string) (Memory, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Memory{}, false, wrapError("get_readonly", ErrStoreClosed)
	}

	id, err := s.resolvePrefixLocked(ctx, idOrPrefix)
	if err != nil {
		if err == ErrNotFound {
			return Memory{}, false, nil
		}
		return Memory{}, false, wrapError("get_readonly", err)
	}

	mem, err := s.getRowLocked(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return Memory{}, false, nil
		}
		return Memory{}, false, wrapError("get_readonly", err)
	}
	return mem, true, nil
}

func (s *Store) getRowLocked(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, vector, metadata, created_at, updated_at, last_accessed, access_count
		FROM memories WHERE id = ?
	`, id)
	return scanMemory(row)
}

func scanMemory(row *sql.Row) (Memory, error) {
	var m Memory
	var vectorBlob []byte
	var metaStr sql.NullString

	if err := row.Scan(&m.ID, &m.Content, &vectorBlob, &metaStr, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessed, &m.AccessCount); err != nil {
		if err == sql.ErrNoRows {
			return Memory{}, ErrNotFound
		}
		return Memory{}, err
	}
	if len(vectorBlob) > 0 {
		vec, err := encoding.DecodeVector(vectorBlob)
		if err != nil {
			return Memory{}, err
		}
		m.Vector = vec
	}
	if metaStr.Valid {
		m.Metadata = json.RawMessage(metaStr.String)
	}
	return m, nil
}

// Update resolves idOrPrefix and applies the provided fields, bumping
// updated_at. A content change without an explicit vector re-embeds from
// the new content (when an embedder is wired). A metadata change without
// an explicit vector re-embeds from content plus the space-joined string
// values of the final metadata, so tag-style metadata participates in
// vector search.
func (s *Store) Update(ctx context.Context, idOrPrefix string, content *string, vector []float32, metadata json.RawMessage, mergeMetadata bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("update", ErrStoreClosed)
	}

	id, err := s.resolvePrefixLocked(ctx, idOrPrefix)
	if err != nil {
		return wrapError("update", err)
	}
	return wrapError("update", s.updateLocked(ctx, id, content, vector, metadata, mergeMetadata))
}

func (s *Store) updateLocked(ctx context.Context, id string, content *string, vector []float32, metadata json.RawMessage, mergeMetadata bool) error {
	existing, err := s.getRowLocked(ctx, id)
	if err != nil {
		return err
	}

	finalContent := existing.Content
	if content != nil {
		finalContent = *content
	}

	finalMetadata := existing.Metadata
	metadataChanged := false
	if len(metadata) > 0 {
		metadataChanged = true
		if mergeMetadata && len(existing.Metadata) > 0 {
			merged, err := deepMergeJSON(existing.Metadata, metadata)
			if err != nil {
				return &JSONError{Op: "update", Err: err}
			}
			finalMetadata = merged
		} else {
			finalMetadata = metadata
		}
	}

	finalVector := vector
	if finalVector == nil && s.embedder != nil {
		switch {
		case metadataChanged:
			text := finalContent + " " + joinStringValues(finalMetadata)
			vec, err := s.embedder.Embed(ctx, text)
			if err != nil {
				return err
			}
			finalVector = vec
		case content != nil:
			vec, err := s.embedder.Embed(ctx, finalContent)
			if err != nil {
				return err
			}
			finalVector = vec
		}
	}

	ts := now()
	var blob []byte
	if len(finalVector) > 0 {
		if err := encoding.ValidateVector(finalVector); err != nil {
			return err
		}
		if err := s.checkDimension(finalVector); err != nil {
			return err
		}
		b, err := encoding.EncodeVector(finalVector)
		if err != nil {
			return err
		}
		blob = b
	} else if vector != nil {
		// caller explicitly cleared the vector
		blob = nil
	} else {
		blob = existing.vectorBlobOrNil()
	}

	var metaStr sql.NullString
	if len(finalMetadata) > 0 {
		metaStr = sql.NullString{String: string(finalMetadata), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE memories SET content = ?, vector = ?, metadata = ?, updated_at = ? WHERE id = ?
	`, finalContent, blob, metaStr, ts, id)
	return err
}

// vectorBlobOrNil re-encodes m.Vector for an unmodified rewrite, or returns
// nil when m has no vector.
func (m Memory) vectorBlobOrNil() []byte {
	if len(m.Vector) == 0 {
		return nil
	}
	b, err := encoding.EncodeVector(m.Vector)
	if err != nil {
		return nil
	}
	return b
}

// deepMergeJSON merges patch into base: object keys merge recursively,
// anything else (including a non-object patch) replaces the base value
// outright.
func deepMergeJSON(base, patch json.RawMessage) (json.RawMessage, error) {
	var baseObj, patchObj map[string]any
	if err := json.Unmarshal(base, &baseObj); err != nil {
		return patch, nil
	}
	if err := json.Unmarshal(patch, &patchObj); err != nil {
		if json.Valid(patch) {
			return patch, nil
		}
		return nil, err
	}

	merged := mergeMaps(baseObj, patchObj)
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func mergeMaps(base, patch map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		result[k] = v
	}
	for k, pv := range patch {
		if bv, ok := result[k]; ok {
			if bMap, ok := bv.(map[string]any); ok {
				if pMap, ok := pv.(map[string]any); ok {
					result[k] = mergeMaps(bMap, pMap)
					continue
				}
			}
		}
		result[k] = pv
	}
	return result
}

// joinStringValues flattens the string-valued fields of a JSON object into
// a single space-joined string, for re-embedding metadata-only updates.
func joinStringValues(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(metadata, &obj); err != nil {
		return ""
	}
	var parts []string
	for _, v := range obj {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Delete resolves idOrPrefix and removes the row, failing with ErrNotFound
// if no row matched.
func (s *Store) Delete(ctx context.Context, idOrPrefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("delete", ErrStoreClosed)
	}

	id, err := s.resolvePrefixLocked(ctx, idOrPrefix)
	if err != nil {
		return wrapError("delete", err)
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return wrapError("delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError("delete", err)
	}
	if affected == 0 {
		return wrapError("delete", ErrNotFound)
	}
	return nil
}

// Touch bumps last_accessed and access_count for id. It never errors on a
// missing row; best-effort by contract.
func (s *Store) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("touch", ErrStoreClosed)
	}
	if err := s.touchLocked(ctx, id); err != nil {
		s.opLogger("touch").Warn("touch failed", "id", id, "error", err)
	}
	return nil
}

func (s *Store) touchLocked(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?
	`, now(), id)
	return err
}

// SetAccessStats overwrites access_count and, when lastAccessed is
// non-nil, last_accessed verbatim. Used by import paths restoring a
// previously exported snapshot.
func (s *Store) SetAccessStats(ctx context.Context, idOrPrefix string, lastAccessed *float64, accessCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("set_access_stats", ErrStoreClosed)
	}

	id, err := s.resolvePrefixLocked(ctx, idOrPrefix)
	if err != nil {
		return wrapError("set_access_stats", err)
	}

	if lastAccessed != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE memories SET last_accessed = ?, access_count = ? WHERE id = ?
		`, *lastAccessed, accessCount, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE memories SET access_count = ? WHERE id = ?
		`, accessCount, id)
	}
	return wrapError("set_access_stats", err)
}

// resolvePrefixLocked resolves idOrPrefix to a full id per §4.4.1. Caller
// must hold s.mu.
func (s *Store) resolvePrefixLocked(ctx context.Context, prefix string) (string, error) {
	if len(prefix) >= 36 {
		return prefix, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM memories WHERE id LIKE ? LIMIT 2", prefix+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		matches = append(matches, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return matches[0], nil
	default:
		var count int64
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE id LIKE ?", prefix+"%").Scan(&count)
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %q matches %d memories", ErrAmbiguousPrefix, prefix, count)
	}
}

// Count returns the total number of memories.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&c)
	return c, wrapError("count", err)
}

// TypeDistribution returns the count of memories grouped by
// metadata.$.type, excluding rows without that field.
func (s *Store) TypeDistribution(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT json_extract(metadata, '$.type') AS mtype, COUNT(*)
		FROM memories WHERE mtype IS NOT NULL GROUP BY mtype
	`)
	if err != nil {
		return nil, wrapError("type_distribution", err)
	}
	defer rows.Close()

	dist := make(map[string]int64)
	for rows.Next() {
		var t string
		var c int64
		if err := rows.Scan(&t, &c); err != nil {
			return nil, wrapError("type_distribution", err)
		}
		dist[t] = c
	}
	return dist, wrapError("type_distribution", rows.Err())
}

// DeleteBefore removes every memory with created_at strictly less than ts,
// returning the number of rows removed.
func (s *Store) DeleteBefore(ctx context.Context, ts float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE created_at < ?", ts)
	if err != nil {
		return 0, wrapError("delete_before", err)
	}
	n, err := res.RowsAffected()
	return n, wrapError("delete_before", err)
}

// DeleteByType removes every memory whose metadata.$.type equals typeValue,
// returning the number of rows removed.
func (s *Store) DeleteByType(ctx context.Context, typeValue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE json_extract(metadata, '$.type') = ?", typeValue)
	if err != nil {
		return 0, wrapError("delete_by_type", err)
	}
	n, err := res.RowsAffected()
	return n, wrapError("delete_by_type", err)
}

// Vacuum reclaims space freed by deletes.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "VACUUM")
	return wrapError("vacuum", err)
}

// EmbeddingStats reports how many memories carry a vector versus the total
// row count.
func (s *Store) EmbeddingStats(ctx context.Context) (withVector, total int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&total)
	if err != nil {
		return 0, 0, wrapError("embedding_stats", err)
	}
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE vector IS NOT NULL").Scan(&withVector)
	return withVector, total, wrapError("embedding_stats", err)
}

// BackfillEmbeddings embeds and writes vectors for rows currently missing
// one, batchSize rows at a time, until none remain. Returns the total
// number of rows processed. A no-op returning 0 when no embedder is wired.
func (s *Store) BackfillEmbeddings(ctx context.Context, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.embedder == nil {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	var processed int64
	for {
		rows, err := s.db.QueryContext(ctx, "SELECT id, content FROM memories WHERE vector IS NULL LIMIT ?", batchSize)
		if err != nil {
			return processed, wrapError("backfill_embeddings", err)
		}

		ids := make([]string, 0, batchSize)
		texts := make([]string, 0, batchSize)
		for rows.Next() {
			var id, content string
			if err := rows.Scan(&id, &content); err != nil {
				rows.Close()
				return processed, wrapError("backfill_embeddings", err)
			}
			ids = append(ids, id)
			texts = append(texts, content)
		}
		rows.Close()
		if len(ids) == 0 {
			break
		}

		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return processed, wrapError("backfill_embeddings", err)
		}

		for i, id := range ids {
			blob, err := encoding.EncodeVector(vectors[i])
			if err != nil {
				continue
			}
			if _, err := s.db.ExecContext(ctx, "UPDATE memories SET vector = ? WHERE id = ?", blob, id); err != nil {
				return processed, wrapError("backfill_embeddings", err)
			}
			processed++
		}

		if len(ids) < batchSize {
			break
		}
	}
	return processed, nil
}

// List returns memories matching typeFilter (when non-empty) and the
// created_at bounds (after is inclusive, before is exclusive), ordered
// descending by sortField.
func (s *Store) List(ctx context.Context, typeFilter string, sortField SortField, limit, offset int, before, after *float64) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conditions []string
	var args []any

	if typeFilter != "" {
		conditions = append(conditions, "json_extract(metadata, '$.type') = ?")
		args = append(args, typeFilter)
	}
	if before != nil {
		conditions = append(conditions, "created_at < ?")
		args = append(args, *before)
	}
	if after != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *after)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	orderCol := "updated_at"
	switch sortField {
	case SortByCreatedAt:
		orderCol = "created_at"
	case SortByUpdatedAt:
		orderCol = "updated_at"
	case SortByLastAccessed:
		orderCol = "last_accessed"
	case SortByAccessCount:
		orderCol = "access_count"
	}

	query := fmt.Sprintf(`
		SELECT id, content, vector, metadata, created_at, updated_at, last_accessed, access_count
		FROM memories %s ORDER BY %s DESC LIMIT ? OFFSET ?
	`, where, orderCol)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("list", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		mem, err := scanMemoryRows(rows)
		if err != nil {
			return nil, wrapError("list", err)
		}
		out = append(out, mem)
	}
	return out, wrapError("list", rows.Err())
}

func scanMemoryRows(rows *sql.Rows) (Memory, error) {
	var m Memory
	var vectorBlob []byte
	var metaStr sql.NullString

	if err := rows.Scan(&m.ID, &m.Content, &vectorBlob, &metaStr, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessed, &m.AccessCount); err != nil {
		return Memory{}, err
	}
	if len(vectorBlob) > 0 {
		vec, err := encoding.DecodeVector(vectorBlob)
		if err != nil {
			return Memory{}, err
		}
		m.Vector = vec
	}
	if metaStr.Valid {
		m.Metadata = json.RawMessage(metaStr.String)
	}
	return m, nil
}
