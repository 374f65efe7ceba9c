package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tonguekeeper/internal/embedding"
	"tonguekeeper/internal/logging"
	"tonguekeeper/internal/types"

	sq "github.com/Masterminds/squirrel"
)

// semanticCandidateLimit bounds how many stored vectors one search ranks.
const semanticCandidateLimit = 200

var _ types.RecordStore = (*LocalStore)(nil)

// GetLanguage returns stored metadata for a language code.
func (s *LocalStore) GetLanguage(ctx context.Context, code string) (*types.Language, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args, err := builder().Select("doc").From("languages").Where(sq.Eq{"code": code}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var doc string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load language %s: %w", code, err)
	}

	var lang types.Language
	if err := json.Unmarshal([]byte(doc), &lang); err != nil {
		return nil, fmt.Errorf("failed to decode language %s: %w", code, err)
	}
	return &lang, nil
}

// UpsertLanguage stores language metadata.
func (s *LocalStore) UpsertLanguage(ctx context.Context, lang types.Language) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(lang)
	if err != nil {
		return fmt.Errorf("failed to encode language: %w", err)
	}

	query, args, err := builder().Insert("languages").
		Columns("code", "doc").
		Values(lang.Code, string(doc)).
		Suffix("ON CONFLICT(code) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert language %s: %w", lang.Code, err)
	}
	return nil
}

// BulkIndex upserts freshly extracted records. Embeddings are computed
// best-effort; an embedding failure indexes the batch without vectors
// rather than failing it.
func (s *LocalStore) BulkIndex(ctx context.Context, records []types.VocabularyRecord) error {
	if len(records) == 0 {
		return nil
	}

	var vectors [][]float32
	if s.engine != nil {
		texts := make([]string, len(records))
		for i, r := range records {
			texts[i] = searchText(r)
		}
		var err error
		vectors, err = s.engine.EmbedBatch(ctx, texts)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("embedding batch failed, indexing without vectors: %v", err)
			vectors = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for i, r := range records {
		doc, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", r.ID, err)
		}
		var vec any
		if vectors != nil {
			if data, err := json.Marshal(vectors[i]); err == nil {
				vec = string(data)
			}
		}

		query, args, err := builder().Insert("records").
			Columns("id", "language_code", "headword", "search_text", "doc", "embedding").
			Values(r.ID, r.LanguageCode, r.HeadwordNative, searchText(r), string(doc), vec).
			Suffix(`ON CONFLICT(id) DO UPDATE SET
				language_code = excluded.language_code,
				headword = excluded.headword,
				search_text = excluded.search_text,
				doc = excluded.doc,
				embedding = COALESCE(excluded.embedding, records.embedding),
				updated_at = CURRENT_TIMESTAMP`).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to index record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit index batch: %w", err)
	}
	logging.StoreDebug("indexed %d records", len(records))
	return nil
}

// GetRecord loads one record by id, following the retirement chain.
func (s *LocalStore) GetRecord(ctx context.Context, id string) (*types.VocabularyRecord, error) {
	primary, err := s.ResolvePrimary(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRecordLocked(ctx, primary)
}

func (s *LocalStore) getRecordLocked(ctx context.Context, id string) (*types.VocabularyRecord, error) {
	query, args, err := builder().Select("doc").From("records").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var doc string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}

	var record types.VocabularyRecord
	if err := json.Unmarshal([]byte(doc), &record); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	return &record, nil
}

// UpdateRecord overwrites one record in place.
func (s *LocalStore) UpdateRecord(ctx context.Context, record types.VocabularyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	query, args, err := builder().Update("records").
		Set("doc", string(doc)).
		Set("headword", record.HeadwordNative).
		Set("search_text", searchText(record)).
		Set("updated_at", sq.Expr("CURRENT_TIMESTAMP")).
		Where(sq.Eq{"id": record.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", record.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// Search ranks stored records for the language against a free-text query.
// Keyword matches come first; when an embedding engine is configured, the
// remaining slots are filled by cosine-ranked semantic candidates.
func (s *LocalStore) Search(ctx context.Context, code, query string, limit int) ([]types.VocabularyRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	keyword, err := s.keywordSearchLocked(ctx, code, query, limit)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	results := keyword
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.ID] = true
	}

	if s.engine != nil && len(results) < limit {
		semantic, err := s.semanticSearch(ctx, code, query, limit)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("semantic search degraded to keyword-only: %v", err)
		} else {
			for _, r := range semantic {
				if len(results) >= limit {
					break
				}
				if !seen[r.ID] {
					seen[r.ID] = true
					results = append(results, r)
				}
			}
		}
	}
	return results, nil
}

func (s *LocalStore) keywordSearchLocked(ctx context.Context, code, query string, limit int) ([]types.VocabularyRecord, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	b := builder().Select("doc").From("records").Where(sq.Eq{"language_code": code})
	or := sq.Or{}
	for _, term := range terms {
		or = append(or, sq.Like{"search_text": "%" + term + "%"})
	}
	b = b.Where(or).OrderBy("updated_at DESC").Limit(uint64(limit))

	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build search: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer rows.Close()

	var out []types.VocabularyRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var r types.VocabularyRecord
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			continue // skip undecodable rows rather than failing the search
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LocalStore) semanticSearch(ctx context.Context, code, query string, limit int) ([]types.VocabularyRecord, error) {
	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlStr, args, err := builder().Select("doc", "embedding").From("records").
		Where(sq.Eq{"language_code": code}).
		Where(sq.NotEq{"embedding": nil}).
		OrderBy("updated_at DESC").
		Limit(semanticCandidateLimit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build semantic query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	defer rows.Close()

	type scored struct {
		record types.VocabularyRecord
		score  float64
	}
	var candidates []scored
	for rows.Next() {
		var doc, emb string
		if err := rows.Scan(&doc, &emb); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		var r types.VocabularyRecord
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(emb), &vec); err != nil {
			continue
		}
		if score := embedding.Cosine(queryVec, vec); score > 0.5 {
			candidates = append(candidates, scored{record: r, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Highest similarity first.
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].score > candidates[i].score {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}

	out := make([]types.VocabularyRecord, 0, limit)
	for _, c := range candidates {
		if len(out) >= limit {
			break
		}
		out = append(out, c.record)
	}
	return out, nil
}

// MergeRecords retires the secondary ids into the primary. The merged
// record replaces the primary's fields; secondaries are deleted and left
// addressable only through the retirement map.
func (s *LocalStore) MergeRecords(ctx context.Context, primaryID string, secondaryIDs []string, merged types.VocabularyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getRecordLocked(ctx, primaryID); err != nil {
		return fmt.Errorf("merge primary %s: %w", primaryID, err)
	}

	merged.ID = primaryID
	doc, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode merged record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := builder().Update("records").
		Set("doc", string(doc)).
		Set("headword", merged.HeadwordNative).
		Set("search_text", searchText(merged)).
		Set("updated_at", sq.Expr("CURRENT_TIMESTAMP")).
		Where(sq.Eq{"id": primaryID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build merge update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update merge survivor: %w", err)
	}

	for _, sid := range secondaryIDs {
		if sid == primaryID {
			continue
		}
		del, args, err := builder().Delete("records").Where(sq.Eq{"id": sid}).ToSql()
		if err != nil {
			return fmt.Errorf("failed to build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, del, args...); err != nil {
			return fmt.Errorf("failed to retire record %s: %w", sid, err)
		}

		ins, args, err := builder().Insert("merges").
			Columns("retired_id", "primary_id").
			Values(sid, primaryID).
			Suffix("ON CONFLICT(retired_id) DO UPDATE SET primary_id = excluded.primary_id").
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build retirement insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, ins, args...); err != nil {
			return fmt.Errorf("failed to record retirement of %s: %w", sid, err)
		}

		// Re-point earlier retirements that resolved to this secondary.
		upd, args, err := builder().Update("merges").
			Set("primary_id", primaryID).
			Where(sq.Eq{"primary_id": sid}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build retirement repoint: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upd, args...); err != nil {
			return fmt.Errorf("failed to repoint retirements of %s: %w", sid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	logging.Store("merged %d records into %s", len(secondaryIDs), primaryID)
	return nil
}

// ResolvePrimary follows the retirement chain from id to the surviving
// record id. An id that was never retired resolves to itself.
func (s *LocalStore) ResolvePrimary(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current := id
	for i := 0; i < 32; i++ { // chain length guard
		query, args, err := builder().Select("primary_id").From("merges").
			Where(sq.Eq{"retired_id": current}).ToSql()
		if err != nil {
			return "", fmt.Errorf("failed to build query: %w", err)
		}
		var next string
		err = s.db.QueryRowContext(ctx, query, args...).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return current, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", current, err)
		}
		current = next
	}
	return current, nil
}

// SetSourceReliability propagates a reliability score to every record
// whose cross-references cite the URL. Returns the number of records
// updated.
func (s *LocalStore) SetSourceReliability(ctx context.Context, sourceURL string, score float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Prefilter on the JSON text, then verify against decoded refs.
	query, args, err := builder().Select("id", "doc").From("records").
		Where(sq.Like{"doc": "%" + sourceURL + "%"}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reliability scan failed: %w", err)
	}

	type pending struct {
		id  string
		doc string
	}
	var updates []pending
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan record: %w", err)
		}
		var r types.VocabularyRecord
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			continue
		}
		changed := false
		for i := range r.CrossReferences {
			if r.CrossReferences[i].SourceURL == sourceURL {
				v := score
				r.CrossReferences[i].ReliabilityScore = &v
				changed = true
			}
		}
		if !changed {
			continue
		}
		newDoc, err := json.Marshal(r)
		if err != nil {
			continue
		}
		updates = append(updates, pending{id: id, doc: string(newDoc)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, u := range updates {
		query, args, err := builder().Update("records").Set("doc", u.doc).Where(sq.Eq{"id": u.id}).ToSql()
		if err != nil {
			return 0, fmt.Errorf("failed to build update: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("failed to propagate reliability to %s: %w", u.id, err)
		}
	}
	return len(updates), nil
}

// searchText flattens a record into the lowercase haystack used for
// keyword search.
func searchText(r types.VocabularyRecord) string {
	parts := []string{r.HeadwordNative, r.HeadwordRomanized, r.PartOfSpeech, r.SemanticCluster}
	for _, d := range r.Definitions {
		parts = append(parts, d.Text)
	}
	parts = append(parts, r.RelatedTerms...)
	return strings.ToLower(strings.Join(parts, " "))
}
