package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/memori-db/memori/internal/encoding"
)

const rrfK = 60.0

// Search dispatches to vector, text, hybrid, or recency search depending on
// which of query.Vector/query.Text are set. See SearchQuery for the
// dispatch table.
func (s *Store) Search(ctx context.Context, query SearchQuery) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, wrapError("search", ErrStoreClosed)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}

	filterClause, err := buildFilterClause(query.Filter, query.Before, query.After)
	if err != nil {
		return nil, wrapError("search", err)
	}

	switch {
	case len(query.Vector) > 0 && query.Text != "":
		return s.hybridSearchLocked(ctx, query.Vector, query.Text, filterClause, limit)
	case len(query.Vector) > 0:
		return s.vectorSearchLocked(ctx, query.Vector, filterClause, limit)
	case query.Text != "":
		if query.TextOnly || s.embedder == nil {
			return s.textSearchLocked(ctx, query.Text, filterClause, limit)
		}
		vec, err := s.embedder.Embed(ctx, query.Text)
		if err != nil {
			return nil, wrapError("search", err)
		}
		return s.hybridSearchLocked(ctx, vec, query.Text, filterClause, limit)
	default:
		return s.recentSearchLocked(ctx, filterClause, limit)
	}
}

// applyAccessBoost multiplies baseScore by a logarithmic access-frequency
// boost and an exponential recency decay. Never-accessed rows (access_count
// == 0 or last_accessed <= 0) are exempt from decay.
func applyAccessBoost(baseScore float32, accessCount int64, lastAccessed, nowTS float64) float32 {
	boost := 1.0 + 0.1*float32(math.Log(1+float64(accessCount)))
	decay := float32(1.0)
	if accessCount != 0 && lastAccessed > 0 {
		daysSince := (nowTS - lastAccessed) / 86400.0
		if daysSince < 0 {
			daysSince = 0
		}
		decay = float32(math.Exp(-0.01 * daysSince))
	}
	return baseScore * boost * decay
}

func (s *Store) vectorSearchLocked(ctx context.Context, queryVec []float32, filterClause string, limit int) ([]Memory, error) {
	where := ""
	if filterClause != "" {
		where = "WHERE " + filterClause
	}
	query := fmt.Sprintf(`
		SELECT id, content, vector, metadata, created_at, updated_at, last_accessed, access_count
		FROM memories %s ORDER BY rowid
	`, where)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nowTS := now()
	var scored []Memory
	for rows.Next() {
		mem, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		if len(mem.Vector) == 0 {
			continue
		}
		sim := encoding.CosineSimilarity(queryVec, mem.Vector)
		boosted := applyAccessBoost(sim, mem.AccessCount, mem.LastAccessed, nowTS)
		mem.Score = &boosted
		scored = append(scored, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scoreOf(scored[i]) > scoreOf(scored[j])
	})
	return truncate(scored, limit), nil
}

// sanitizeFTSQuery wraps every whitespace-split token in double quotes
// (internal quotes doubled) to neutralize FTS5 operator syntax: hyphen as
// NOT, colon as a column filter, asterisk as a prefix wildcard.
func sanitizeFTSQuery(query string) string {
	tokens := strings.Fields(query)
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

func (s *Store) textSearchLocked(ctx context.Context, queryText, filterClause string, limit int) ([]Memory, error) {
	safeQuery := sanitizeFTSQuery(queryText)

	sqlQuery := `
		SELECT m.id, m.content, m.vector, m.metadata, m.created_at, m.updated_at,
		       m.last_accessed, m.access_count, fts.rank
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ?
	`
	args := []any{safeQuery}
	if filterClause != "" {
		sqlQuery += " AND " + filterClause
	}
	sqlQuery += " ORDER BY fts.rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nowTS := now()
	var out []Memory
	for rows.Next() {
		var m Memory
		var vectorBlob []byte
		var metaStr sql.NullString
		var rank float64

		if err := rows.Scan(&m.ID, &m.Content, &vectorBlob, &metaStr, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessed, &m.AccessCount, &rank); err != nil {
			return nil, err
		}
		if len(vectorBlob) > 0 {
			vec, err := encoding.DecodeVector(vectorBlob)
			if err != nil {
				return nil, err
			}
			m.Vector = vec
		}
		if metaStr.Valid {
			m.Metadata = json.RawMessage(metaStr.String)
		}

		baseScore := float32(-rank)
		boosted := applyAccessBoost(baseScore, m.AccessCount, m.LastAccessed, nowTS)
		m.Score = &boosted
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) hybridSearchLocked(ctx context.Context, queryVec []float32, queryText, filterClause string, limit int) ([]Memory, error) {
	candidateLimit := limit * 3

	vecResults, err := s.vectorSearchLocked(ctx, queryVec, filterClause, candidateLimit)
	if err != nil {
		return nil, err
	}
	textResults, err := s.textSearchLocked(ctx, queryText, filterClause, candidateLimit)
	if err != nil {
		return nil, err
	}

	vecRanks := make(map[string]int, len(vecResults))
	for i, m := range vecResults {
		vecRanks[m.ID] = i + 1
	}
	textRanks := make(map[string]int, len(textResults))
	for i, m := range textResults {
		textRanks[m.ID] = i + 1
	}

	byID := make(map[string]Memory, len(vecResults)+len(textResults))
	order := make([]string, 0, len(vecResults)+len(textResults))
	for _, m := range vecResults {
		byID[m.ID] = m
		order = append(order, m.ID)
	}
	for _, m := range textResults {
		if _, ok := byID[m.ID]; !ok {
			byID[m.ID] = m
			order = append(order, m.ID)
		}
	}

	type scoredID struct {
		id  string
		rrf float32
	}
	scored := make([]scoredID, 0, len(order))
	for _, id := range order {
		vecRank, ok := vecRanks[id]
		if !ok {
			vecRank = candidateLimit + 1
		}
		textRank, ok := textRanks[id]
		if !ok {
			textRank = candidateLimit + 1
		}
		rrf := float32(1.0/(rrfK+float64(vecRank))) + float32(1.0/(rrfK+float64(textRank)))
		scored = append(scored, scoredID{id: id, rrf: rrf})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].rrf > scored[j].rrf
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	out := make([]Memory, len(scored))
	for i, sc := range scored {
		mem := byID[sc.id]
		rrf := sc.rrf
		mem.Score = &rrf
		out[i] = mem
	}
	return out, nil
}

func (s *Store) recentSearchLocked(ctx context.Context, filterClause string, limit int) ([]Memory, error) {
	where := ""
	if filterClause != "" {
		where = "WHERE " + filterClause
	}
	query := fmt.Sprintf(`
		SELECT id, content, vector, metadata, created_at, updated_at, last_accessed, access_count
		FROM memories %s ORDER BY updated_at DESC LIMIT ?
	`, where)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		mem, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mem)
	}
	return out, rows.Err()
}

// Related finds memories similar to id's own embedding, excluding id
// itself. Fails with ErrInvalidVector if the source row has no vector.
func (s *Store) Related(ctx context.Context, idOrPrefix string, limit int) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, wrapError("related", ErrStoreClosed)
	}

	id, err := s.resolvePrefixLocked(ctx, idOrPrefix)
	if err != nil {
		return nil, wrapError("related", err)
	}

	source, err := s.getRowLocked(ctx, id)
	if err != nil {
		return nil, wrapError("related", err)
	}
	if len(source.Vector) == 0 {
		return nil, wrapError("related", fmt.Errorf("%w: memory has no embedding", ErrInvalidVector))
	}

	if limit <= 0 {
		limit = 10
	}
	excludeFilter := fmt.Sprintf("id != '%s'", strings.ReplaceAll(id, "'", "''"))
	return s.vectorSearchLocked(ctx, source.Vector, excludeFilter, limit)
}

var filterKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// buildFilterClause compiles a metadata filter object plus before/after
// timestamp bounds into an AND-joined SQL predicate. Metadata keys are
// validated against a strict identifier pattern before being interpolated
// into the json_extract path expression, since JSON-path segments cannot be
// bound as SQL parameters; values are quoted/escaped or emitted as numeric
// literals.
func buildFilterClause(filter map[string]any, before, after float64) (string, error) {
	var conditions []string

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !filterKeyPattern.MatchString(key) {
			return "", fmt.Errorf("%w: key %q must match [A-Za-z_][A-Za-z0-9_]*", ErrInvalidFilter, key)
		}
		literal, err := sqlLiteral(filter[key])
		if err != nil {
			return "", err
		}
		conditions = append(conditions, fmt.Sprintf("json_extract(metadata, '$.%s') = %s", key, literal))
	}

	if before != 0 {
		conditions = append(conditions, fmt.Sprintf("created_at < %s", strconv.FormatFloat(before, 'f', -1, 64)))
	}
	if after != 0 {
		conditions = append(conditions, fmt.Sprintf("created_at > %s", strconv.FormatFloat(after, 'f', -1, 64)))
	}

	return strings.Join(conditions, " AND "), nil
}

func sqlLiteral(val any) (string, error) {
	switch v := val.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'", nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return "'" + strings.ReplaceAll(string(b), "'", "''") + "'", nil
	}
}

func scoreOf(m Memory) float32 {
	if m.Score == nil {
		return 0
	}
	return *m.Score
}

func truncate(memories []Memory, limit int) []Memory {
	if limit >= 0 && len(memories) > limit {
		return memories[:limit]
	}
	return memories
}
