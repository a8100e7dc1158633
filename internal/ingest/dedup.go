// Package ingest implements the polling ingestion pipeline: a fixed-interval
// polling loop per source that fetches "currently playing" observations,
// collapses re-polls of the same play through a windowed deduplicator, and
// persists the surviving events together with a durable poll cursor.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"playlog/internal/domain/entity"
	"playlog/internal/pkg/clock"
	"playlog/internal/repository"
)

// Deduplicator decides whether an observation is a re-poll of an already
// ingested play. An event is a duplicate iff an event with the same dedup key
// was ingested with an observed-at within the dedup window of the candidate's
// observed-at. The comparison is between event timestamps, never the wall
// clock at ingestion time: a track that keeps playing across many polls
// carries the same observed-at on every re-poll and stays a single record no
// matter how long it plays.
//
// The deduplicator keeps a small in-memory map of recently seen keys so that
// alternating plays (A, B, A) are handled correctly, and persists a cursor
// after every ingested event so a restart resumes where it left off.
// Safe for concurrent use, though each source normally has a single loop.
type Deduplicator struct {
	source string
	window time.Duration
	repo   repository.ListeningRepository
	clk    clock.Clock

	mu     sync.Mutex
	cursor entity.PollCursor
	recent map[string]recentEntry
	loaded bool
}

// recentEntry tracks one recently ingested key. observedAt is the ingested
// event's own timestamp and drives the window comparison; seenAt is the wall
// clock of the last sighting (ingest or duplicate hit) and drives pruning, so
// a still-playing track is never evicted mid-play.
type recentEntry struct {
	observedAt time.Time
	seenAt     time.Time
}

// NewDeduplicator creates a deduplicator for one source.
func NewDeduplicator(source string, window time.Duration, repo repository.ListeningRepository, clk clock.Clock) (*Deduplicator, error) {
	if source == "" {
		return nil, fmt.Errorf("dedup: source cannot be empty")
	}
	if window <= 0 {
		return nil, fmt.Errorf("dedup %s: window must be positive, got %v", source, window)
	}
	if repo == nil {
		return nil, fmt.Errorf("dedup %s: repository is required", source)
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Deduplicator{
		source: source,
		window: window,
		repo:   repo,
		clk:    clk,
		cursor: entity.PollCursor{Source: source},
		recent: make(map[string]recentEntry),
	}, nil
}

// Load restores the persisted cursor. A source that has never ingested starts
// with a fresh cursor. The restored last-seen key is seeded into the recent
// map so that redelivery of the final pre-restart event within the window is
// absorbed as a duplicate.
func (d *Deduplicator) Load(ctx context.Context) error {
	cur, err := d.repo.LoadCursor(ctx, d.source)
	if err != nil {
		return fmt.Errorf("dedup %s: load cursor: %w", d.source, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cur != nil {
		d.cursor = *cur
		if cur.LastSeenKey != "" && cur.LastSeenAt != nil {
			d.recent[cur.LastSeenKey] = recentEntry{
				observedAt: *cur.LastSeenAt,
				seenAt:     d.clk.Now(),
			}
		}
	}
	d.loaded = true
	return nil
}

// IsDuplicate reports whether e repeats a play whose observed-at lies within
// the window of e's observed-at. A duplicate hit refreshes the entry's
// sighting time so Prune keeps live plays resident.
func (d *Deduplicator) IsDuplicate(e *entity.PlayEvent) bool {
	key := e.DedupKey()

	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.recent[key]
	if !ok {
		return false
	}
	delta := e.ObservedAt.Sub(entry.observedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta >= d.window {
		return false
	}
	entry.seenAt = d.clk.Now()
	d.recent[key] = entry
	return true
}

// Record marks e as ingested: the cursor advances and is persisted, and the
// key enters the recent window. Call only after the record itself was saved.
func (d *Deduplicator) Record(ctx context.Context, e *entity.PlayEvent) error {
	key := e.DedupKey()
	now := d.clk.Now()

	d.mu.Lock()
	d.cursor.Advance(e)
	d.recent[key] = recentEntry{observedAt: e.ObservedAt, seenAt: now}
	cur := d.cursor
	d.mu.Unlock()

	if err := d.repo.SaveCursor(ctx, &cur); err != nil {
		return fmt.Errorf("dedup %s: save cursor: %w", d.source, err)
	}
	return nil
}

// Prune evicts entries not sighted for a full window. Eviction keys off the
// last sighting, not the observed-at, so a track re-polled every tick stays
// resident for as long as it plays. Invoked by the maintenance schedule;
// bounds memory for sources that cycle through many distinct plays.
func (d *Deduplicator) Prune() int {
	now := d.clk.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	evicted := 0
	for key, entry := range d.recent {
		if now.Sub(entry.seenAt) >= d.window {
			delete(d.recent, key)
			evicted++
		}
	}
	return evicted
}

// Cursor returns a snapshot of the current cursor position.
func (d *Deduplicator) Cursor() entity.PollCursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}
