package entity

import "time"

// PollCursor is the durable bookmark of ingestion progress for one source.
// It is persisted after every successfully ingested event so that a process
// restart resumes from the last confirmed position instead of losing or
// reprocessing events. Combined with the dedup window, redelivery of the last
// event after a restart is absorbed as a duplicate (at-least-once contract).
type PollCursor struct {
	Source      string
	LastSeenKey string
	LastSeenAt  *time.Time
}

// Advance moves the cursor to the given event. LastSeenAt is monotonically
// non-decreasing: an event observed before the current position updates the
// key but never moves the timestamp backwards.
func (c *PollCursor) Advance(e *PlayEvent) {
	c.LastSeenKey = e.DedupKey()
	if c.LastSeenAt == nil || e.ObservedAt.After(*c.LastSeenAt) {
		at := e.ObservedAt
		c.LastSeenAt = &at
	}
}

// Reset clears the cursor position. This is an explicit operator action; the
// ingestion path never moves a cursor backwards on its own.
func (c *PollCursor) Reset() {
	c.LastSeenKey = ""
	c.LastSeenAt = nil
}
