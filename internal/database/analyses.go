package database

import (
	"context"
	"fmt"
	"time"
)

// AnalysisRow is the input for recording a successful analysis.
type AnalysisRow struct {
	SampleRef         string
	SessionID         string
	SourceKind        string
	DisplayName       string
	MIMEType          string
	SizeBytes         int64
	DurationSeconds   *float64
	IsAuthentic       bool
	ConfidencePercent int
	Score             *float64
	Label             string
	Provider          string
	LatencyMS         int
	ArchiveKey        string
	AnalyzedAt        time.Time
}

// AnalysisAPI is the analysis representation for API responses.
type AnalysisAPI struct {
	ID                int64     `json:"id"`
	SampleRef         string    `json:"sample_ref"`
	SessionID         string    `json:"session_id"`
	SourceKind        string    `json:"source_kind"`
	DisplayName       string    `json:"display_name"`
	MIMEType          string    `json:"mime_type"`
	SizeBytes         int64     `json:"size_bytes"`
	DurationSeconds   *float64  `json:"duration_seconds,omitempty"`
	IsAuthentic       bool      `json:"is_authentic"`
	ConfidencePercent int       `json:"confidence_percent"`
	Score             *float64  `json:"score,omitempty"`
	Label             *string   `json:"label,omitempty"`
	Provider          string    `json:"provider,omitempty"`
	LatencyMS         int       `json:"latency_ms"`
	ArchiveKey        *string   `json:"archive_key,omitempty"`
	AnalyzedAt        time.Time `json:"analyzed_at"`
}

// AnalysisFilter specifies filters for listing analyses.
type AnalysisFilter struct {
	SessionID   string
	IsAuthentic *bool
	Since       *time.Time
	Limit       int
	Offset      int
}

// InsertAnalysis records an analysis. Recording the same sample again updates
// the existing row.
func (db *DB) InsertAnalysis(ctx context.Context, row *AnalysisRow) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO analyses (
			sample_ref, session_id, source_kind, display_name, mime_type,
			size_bytes, duration_seconds, is_authentic, confidence_percent,
			score, label, provider, latency_ms, archive_key, analyzed_at
		) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (sample_ref) DO UPDATE SET
			is_authentic = EXCLUDED.is_authentic,
			confidence_percent = EXCLUDED.confidence_percent,
			score = EXCLUDED.score,
			label = EXCLUDED.label,
			provider = EXCLUDED.provider,
			latency_ms = EXCLUDED.latency_ms,
			archive_key = COALESCE(EXCLUDED.archive_key, analyses.archive_key),
			analyzed_at = EXCLUDED.analyzed_at
		RETURNING id
	`,
		row.SampleRef, row.SessionID, row.SourceKind, row.DisplayName, row.MIMEType,
		row.SizeBytes, row.DurationSeconds, row.IsAuthentic, row.ConfidencePercent,
		row.Score, pqString(row.Label), row.Provider, row.LatencyMS, pqString(row.ArchiveKey), row.AnalyzedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert analysis: %w", err)
	}
	return id, nil
}

// ListAnalyses returns analyses newest first, with the total matching count.
func (db *DB) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]AnalysisAPI, int, error) {
	args := filter.args()

	var total int
	if err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM analyses
		WHERE ($1::text IS NULL OR session_id = $1)
		  AND ($2::boolean IS NULL OR is_authentic = $2)
		  AND ($3::timestamptz IS NULL OR analyzed_at >= $3)
	`, args[:3]...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count analyses: %w", err)
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT id, sample_ref::text, session_id, source_kind, display_name, mime_type,
			size_bytes, duration_seconds, is_authentic, confidence_percent,
			score, label, provider, latency_ms, archive_key, analyzed_at
		FROM analyses
		WHERE ($1::text IS NULL OR session_id = $1)
		  AND ($2::boolean IS NULL OR is_authentic = $2)
		  AND ($3::timestamptz IS NULL OR analyzed_at >= $3)
		ORDER BY analyzed_at DESC
		LIMIT $4 OFFSET $5
	`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var result []AnalysisAPI
	for rows.Next() {
		var a AnalysisAPI
		if err := rows.Scan(
			&a.ID, &a.SampleRef, &a.SessionID, &a.SourceKind, &a.DisplayName, &a.MIMEType,
			&a.SizeBytes, &a.DurationSeconds, &a.IsAuthentic, &a.ConfidencePercent,
			&a.Score, &a.Label, &a.Provider, &a.LatencyMS, &a.ArchiveKey, &a.AnalyzedAt,
		); err != nil {
			return nil, 0, err
		}
		result = append(result, a)
	}
	if result == nil {
		result = []AnalysisAPI{}
	}
	return result, total, rows.Err()
}

// args returns the positional query arguments for filter, applying the
// default and maximum page size.
func (f AnalysisFilter) args() []any {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var since any
	if f.Since != nil {
		since = *f.Since
	}
	return []any{pqString(f.SessionID), pqBool(f.IsAuthentic), since, limit, offset}
}
