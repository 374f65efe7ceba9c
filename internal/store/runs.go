package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tonguekeeper/internal/types"

	sq "github.com/Masterminds/squirrel"
)

// ProcessedURLs returns every URL already processed for the language,
// keyed by URL with the stored content hash as value.
func (s *LocalStore) ProcessedURLs(ctx context.Context, code string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args, err := builder().Select("url", "content_hash").From("processed_urls").
		Where(sq.Eq{"language_code": code}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load processed urls: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var url, hash string
		if err := rows.Scan(&url, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan processed url: %w", err)
		}
		out[url] = hash
	}
	return out, rows.Err()
}

// MarkProcessed records that a URL was processed with the given content
// hash, so later runs skip it.
func (s *LocalStore) MarkProcessed(ctx context.Context, code, url, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query, args, err := builder().Insert("processed_urls").
		Columns("language_code", "url", "content_hash").
		Values(code, url, contentHash).
		Suffix("ON CONFLICT(language_code, url) DO UPDATE SET content_hash = excluded.content_hash, processed_at = CURRENT_TIMESTAMP").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark %s processed: %w", url, err)
	}
	return nil
}

// SaveRun persists a run artifact. Artifacts are written once at run end
// and immutable afterwards; a second save for the same id overwrites the
// earlier copy, which only happens on retried shutdown paths.
func (s *LocalStore) SaveRun(ctx context.Context, run types.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	query, args, err := builder().Insert("runs").
		Columns("id", "language_code", "doc").
		Values(run.ID, run.LanguageCode, string(doc)).
		Suffix("ON CONFLICT(language_code, id) DO UPDATE SET doc = excluded.doc").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run artifact by language and run id. Returns
// types.ErrNotFound when the artifact does not exist — a distinct outcome
// from a storage failure.
func (s *LocalStore) GetRun(ctx context.Context, code, runID string) (*types.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args, err := builder().Select("doc").From("runs").
		Where(sq.Eq{"language_code": code, "id": runID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var doc string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load run %s/%s: %w", code, runID, err)
	}

	var run types.PipelineRun
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &run, nil
}

// UpdateCoverage accumulates per-language coverage statistics at run end.
func (s *LocalStore) UpdateCoverage(ctx context.Context, cov types.LanguageCoverage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cov.UpdatedAt.IsZero() {
		cov.UpdatedAt = time.Now().UTC()
	}

	query, args, err := builder().Insert("coverage").
		Columns("language_code", "total_entries", "total_sources", "total_audio", "last_run_id", "updated_at").
		Values(cov.LanguageCode, cov.TotalEntries, cov.TotalSources, cov.TotalAudioClips, cov.LastRunID, cov.UpdatedAt).
		Suffix(`ON CONFLICT(language_code) DO UPDATE SET
			total_entries = coverage.total_entries + excluded.total_entries,
			total_sources = coverage.total_sources + excluded.total_sources,
			total_audio = coverage.total_audio + excluded.total_audio,
			last_run_id = excluded.last_run_id,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build coverage upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update coverage for %s: %w", cov.LanguageCode, err)
	}
	return nil
}
