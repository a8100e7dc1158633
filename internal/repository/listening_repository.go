// Package repository defines persistence interfaces consumed by the ingestion
// core. Implementations live under internal/infra/adapter/persistence.
package repository

import (
	"context"

	"playlog/internal/domain/entity"
)

// ListeningRepository persists listening records and per-source poll cursors.
//
// SaveListeningRecord and SaveCursor are called from a single polling loop per
// source, but implementations must still be safe for concurrent use because
// multiple sources share one repository instance.
type ListeningRepository interface {
	// SaveListeningRecord inserts a new listening record.
	SaveListeningRecord(ctx context.Context, rec *entity.ListeningRecord) error

	// LoadCursor returns the persisted cursor for a source, or nil if the
	// source has never ingested an event.
	LoadCursor(ctx context.Context, source string) (*entity.PollCursor, error)

	// SaveCursor upserts the cursor for its source.
	SaveCursor(ctx context.Context, cursor *entity.PollCursor) error
}
