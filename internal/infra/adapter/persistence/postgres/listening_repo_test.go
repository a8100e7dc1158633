package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"playlog/internal/domain/entity"
)

func newMockRepo(t *testing.T) (*ListeningRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewListeningRepo(db), mock
}

func testRecord() *entity.ListeningRecord {
	observed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &entity.PlayEvent{
		Source:      "radio",
		Artist:      "Boards of Canada",
		Title:       "Roygbiv",
		Album:       "Music Has the Right to Children",
		ObservedAt:  observed,
		ExternalRef: "track-42",
	}
	return entity.NewListeningRecord(e, observed.Add(time.Second))
}

func TestSaveListeningRecord(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := testRecord()

	mock.ExpectExec(`INSERT INTO listening_records`).
		WithArgs(rec.DedupKey, rec.Source, rec.Artist, rec.Title, rec.Album,
			rec.ExternalRef, rec.ObservedAt, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.SaveListeningRecord(context.Background(), rec); err != nil {
		t.Fatalf("SaveListeningRecord() = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSaveListeningRecord_Error(t *testing.T) {
	repo, mock := newMockRepo(t)
	rec := testRecord()

	mock.ExpectExec(`INSERT INTO listening_records`).
		WillReturnError(errors.New("connection refused"))

	if err := repo.SaveListeningRecord(context.Background(), rec); err == nil {
		t.Fatal("SaveListeningRecord() = nil, want error")
	}
}

func TestLoadCursor(t *testing.T) {
	repo, mock := newMockRepo(t)
	lastSeen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"source", "last_seen_key", "last_seen_at"}).
		AddRow("radio", "abcdef0123456789", lastSeen)
	mock.ExpectQuery(`SELECT source, last_seen_key, last_seen_at`).
		WithArgs("radio").
		WillReturnRows(rows)

	cur, err := repo.LoadCursor(context.Background(), "radio")
	if err != nil {
		t.Fatalf("LoadCursor() = %v", err)
	}
	if cur == nil {
		t.Fatal("LoadCursor() = nil cursor")
	}
	if cur.Source != "radio" || cur.LastSeenKey != "abcdef0123456789" {
		t.Errorf("cursor = %+v", cur)
	}
	if cur.LastSeenAt == nil || !cur.LastSeenAt.Equal(lastSeen) {
		t.Errorf("LastSeenAt = %v, want %v", cur.LastSeenAt, lastSeen)
	}
}

func TestLoadCursor_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT source, last_seen_key, last_seen_at`).
		WithArgs("never-seen").
		WillReturnRows(sqlmock.NewRows([]string{"source", "last_seen_key", "last_seen_at"}))

	cur, err := repo.LoadCursor(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("LoadCursor() = %v, want nil error for missing cursor", err)
	}
	if cur != nil {
		t.Errorf("LoadCursor() = %+v, want nil", cur)
	}
}

func TestSaveCursor_Upsert(t *testing.T) {
	repo, mock := newMockRepo(t)
	lastSeen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cur := &entity.PollCursor{
		Source:      "radio",
		LastSeenKey: "abcdef0123456789",
		LastSeenAt:  &lastSeen,
	}

	mock.ExpectExec(`INSERT INTO poll_cursors .+ ON CONFLICT \(source\) DO UPDATE`).
		WithArgs(cur.Source, cur.LastSeenKey, cur.LastSeenAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SaveCursor(context.Background(), cur); err != nil {
		t.Fatalf("SaveCursor() = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestListRecent(t *testing.T) {
	repo, mock := newMockRepo(t)
	observed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "dedup_key", "source", "artist", "title", "album", "external_ref", "observed_at", "created_at",
	}).
		AddRow(2, "key2", "radio", "Artist B", "Track B", "", "", observed.Add(time.Minute), observed.Add(time.Minute)).
		AddRow(1, "key1", "radio", "Artist A", "Track A", "", "", observed, observed)
	mock.ExpectQuery(`SELECT id, dedup_key, source,`).
		WithArgs("radio", 10).
		WillReturnRows(rows)

	records, err := repo.ListRecent(context.Background(), "radio", 10)
	if err != nil {
		t.Fatalf("ListRecent() = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ListRecent() returned %d records, want 2", len(records))
	}
	if records[0].ID != 2 || records[0].Artist != "Artist B" {
		t.Errorf("records[0] = %+v", records[0])
	}
}

func TestStatsSince(t *testing.T) {
	repo, mock := newMockRepo(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"source", "count"}).
		AddRow("bandcamp", 3).
		AddRow("radio", 12)
	mock.ExpectQuery(`SELECT source, COUNT\(\*\)`).
		WithArgs(since).
		WillReturnRows(rows)

	stats, err := repo.StatsSince(context.Background(), since)
	if err != nil {
		t.Fatalf("StatsSince() = %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("StatsSince() returned %d entries, want 2", len(stats))
	}
	if stats[1].Source != "radio" || stats[1].Records != 12 {
		t.Errorf("stats[1] = %+v", stats[1])
	}
}
