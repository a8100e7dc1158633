package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// PlayEvent represents a single "currently playing" observation reported by
// an external music provider. Events are transient: the same play is usually
// observed several times while the track is still running, and the
// deduplication window collapses those re-polls into one ListeningRecord.
type PlayEvent struct {
	Source      string // logical source name (e.g. "spotify-main")
	Artist      string
	Title       string
	Album       string
	ObservedAt  time.Time
	ExternalRef string // provider-side identifier, optional
}

// Validate checks that the event carries the fields required for ingestion.
func (e *PlayEvent) Validate() error {
	if strings.TrimSpace(e.Source) == "" {
		return &ValidationError{Field: "source", Message: "cannot be empty"}
	}
	if strings.TrimSpace(e.Artist) == "" {
		return &ValidationError{Field: "artist", Message: "cannot be empty"}
	}
	if strings.TrimSpace(e.Title) == "" {
		return &ValidationError{Field: "title", Message: "cannot be empty"}
	}
	if e.ObservedAt.IsZero() {
		return &ValidationError{Field: "observed_at", Message: "cannot be zero"}
	}
	return nil
}

// DedupKey derives the deduplication key for this event. Two observations of
// the same track from the same source always produce the same key, regardless
// of casing or whitespace differences in the provider payload. Album and
// external ref are deliberately excluded: providers report them inconsistently
// across re-polls of a single play.
func (e *PlayEvent) DedupKey() string {
	h := sha256.New()
	h.Write([]byte(e.Source))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(e.Artist)))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(e.Title)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Normalize canonicalizes a track or artist name for dedup key derivation:
// lowercase, trimmed, inner whitespace runs collapsed to a single space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ListeningRecord is the persisted form of an ingested PlayEvent.
type ListeningRecord struct {
	ID          int64
	DedupKey    string
	Source      string
	Artist      string
	Title       string
	Album       string
	ExternalRef string
	ObservedAt  time.Time
	CreatedAt   time.Time
}

// NewListeningRecord builds the persisted record for an event.
func NewListeningRecord(e *PlayEvent, now time.Time) *ListeningRecord {
	return &ListeningRecord{
		DedupKey:    e.DedupKey(),
		Source:      e.Source,
		Artist:      e.Artist,
		Title:       e.Title,
		Album:       e.Album,
		ExternalRef: e.ExternalRef,
		ObservedAt:  e.ObservedAt,
		CreatedAt:   now,
	}
}
