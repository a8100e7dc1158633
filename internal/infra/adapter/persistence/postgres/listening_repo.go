// Package postgres implements the persistence interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"playlog/internal/domain/entity"
	"playlog/internal/repository"
)

// DB is the database surface the repository needs. Satisfied by *sql.DB and
// by circuitbreaker.DBCircuitBreaker, which is what production wiring passes.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ListeningRepo persists listening records and poll cursors.
type ListeningRepo struct{ db DB }

// NewListeningRepo creates a repository over db.
func NewListeningRepo(db DB) *ListeningRepo {
	return &ListeningRepo{db: db}
}

var _ repository.ListeningRepository = (*ListeningRepo)(nil)

func (repo *ListeningRepo) SaveListeningRecord(ctx context.Context, rec *entity.ListeningRecord) error {
	const query = `
INSERT INTO listening_records (dedup_key, source, artist, title, album, external_ref, observed_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := repo.db.ExecContext(ctx, query,
		rec.DedupKey, rec.Source,
		rec.Artist, rec.Title, rec.Album,
		rec.ExternalRef, rec.ObservedAt, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("SaveListeningRecord: %w", err)
	}
	return nil
}

func (repo *ListeningRepo) LoadCursor(ctx context.Context, source string) (*entity.PollCursor, error) {
	const query = `
SELECT source, last_seen_key, last_seen_at
FROM poll_cursors
WHERE source = $1
LIMIT 1`
	var cursor entity.PollCursor
	err := repo.db.QueryRowContext(ctx, query, source).Scan(
		&cursor.Source, &cursor.LastSeenKey, &cursor.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LoadCursor: %w", err)
	}
	return &cursor, nil
}

func (repo *ListeningRepo) SaveCursor(ctx context.Context, cursor *entity.PollCursor) error {
	const query = `
INSERT INTO poll_cursors (source, last_seen_key, last_seen_at)
VALUES ($1, $2, $3)
ON CONFLICT (source) DO UPDATE SET
       last_seen_key = EXCLUDED.last_seen_key,
       last_seen_at  = EXCLUDED.last_seen_at`
	_, err := repo.db.ExecContext(ctx, query,
		cursor.Source, cursor.LastSeenKey, cursor.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("SaveCursor: %w", err)
	}
	return nil
}

// ListRecent returns the most recently observed records for a source, newest
// first. Exposed on the status endpoint for operators.
func (repo *ListeningRepo) ListRecent(ctx context.Context, source string, limit int) ([]*entity.ListeningRecord, error) {
	const query = `
SELECT id, dedup_key, source, artist, title, album, external_ref, observed_at, created_at
FROM listening_records
WHERE source = $1
ORDER BY observed_at DESC
LIMIT $2`
	rows, err := repo.db.QueryContext(ctx, query, source, limit)
	if err != nil {
		return nil, fmt.Errorf("ListRecent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]*entity.ListeningRecord, 0, limit)
	for rows.Next() {
		var rec entity.ListeningRecord
		if err := rows.Scan(
			&rec.ID, &rec.DedupKey, &rec.Source,
			&rec.Artist, &rec.Title, &rec.Album,
			&rec.ExternalRef, &rec.ObservedAt, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("ListRecent: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// SourceStats summarizes ingestion volume for one source.
type SourceStats struct {
	Source  string    `json:"source"`
	Records int64     `json:"records"`
	Since   time.Time `json:"since"`
}

// StatsSince counts records per source observed at or after since.
func (repo *ListeningRepo) StatsSince(ctx context.Context, since time.Time) ([]SourceStats, error) {
	const query = `
SELECT source, COUNT(*)
FROM listening_records
WHERE observed_at >= $1
GROUP BY source
ORDER BY source ASC`
	rows, err := repo.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("StatsSince: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make([]SourceStats, 0, 8)
	for rows.Next() {
		s := SourceStats{Since: since}
		if err := rows.Scan(&s.Source, &s.Records); err != nil {
			return nil, fmt.Errorf("StatsSince: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
