package archive

import (
	"context"
	"fmt"

	"github.com/flowpbx/archiver/internal/archive/models"
)

// MeetingRepository upserts archived meeting recordings.
type MeetingRepository struct {
	db *DB
}

// NewMeetingRepository creates a MeetingRepository.
func NewMeetingRepository(db *DB) *MeetingRepository {
	return &MeetingRepository{db: db}
}

// Upsert inserts a meeting recording; a conflicting (tenant, source id) row
// is left untouched and reported as not-inserted.
func (r *MeetingRepository) Upsert(ctx context.Context, m *models.MeetingRecording) (bool, error) {
	tag, err := r.db.pool.Exec(ctx,
		`INSERT INTO meeting_recordings (tenant_id, source_id, organizer_extension, title,
		   storage_key, content_type, file_size, duration_seconds, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (tenant_id, source_id) DO NOTHING`,
		m.TenantID, m.SourceID, m.OrganizerExtension, m.Title,
		m.StorageKey, m.ContentType, m.FileSize, m.DurationSeconds, m.StartedAt)
	if err != nil {
		return false, fmt.Errorf("upserting meeting recording %s: %w", m.SourceID, err)
	}
	return tag.RowsAffected() > 0, nil
}
