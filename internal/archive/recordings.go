package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/flowpbx/archiver/internal/archive/models"
)

// RecordingRepository upserts archived call recordings.
type RecordingRepository struct {
	db *DB
}

// NewRecordingRepository creates a RecordingRepository.
func NewRecordingRepository(db *DB) *RecordingRepository {
	return &RecordingRepository{db: db}
}

// Upsert inserts a call recording. Recordings are immutable on the source,
// so a conflicting row is left untouched; the returned bool is false when
// the row already existed.
func (r *RecordingRepository) Upsert(ctx context.Context, rec *models.CallRecording) (bool, error) {
	tag, err := r.db.pool.Exec(ctx,
		`INSERT INTO call_recordings (tenant_id, source_id, caller_number, caller_name,
		   callee_number, callee_name, extension, direction, source_filename, storage_key,
		   content_type, file_size, duration_seconds, call_started_at, call_ended_at, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (tenant_id, source_id) DO NOTHING`,
		rec.TenantID, rec.SourceID, rec.CallerNumber, rec.CallerName,
		rec.CalleeNumber, rec.CalleeName, rec.Extension, rec.Direction, rec.SourceFilename,
		rec.StorageKey, rec.ContentType, rec.FileSize, rec.DurationSeconds, rec.CallStartedAt,
		rec.CallEndedAt, rec.RecordedAt)
	if err != nil {
		return false, fmt.Errorf("upserting recording %s: %w", rec.SourceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// IDBySource resolves a source recording id, or ErrNotFound.
func (r *RecordingRepository) IDBySource(ctx context.Context, tenantID int64, sourceID string) (int64, error) {
	var id int64
	err := r.db.pool.QueryRow(ctx,
		"SELECT id FROM call_recordings WHERE tenant_id = $1 AND source_id = $2",
		tenantID, sourceID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("looking up recording %s: %w", sourceID, err)
	}
	return id, nil
}

// IDByFilename resolves an archived recording by the filename the PBX
// stored it under, or ErrNotFound. Call-log variants that carry the
// recording file but not its row id link through this.
func (r *RecordingRepository) IDByFilename(ctx context.Context, tenantID int64, filename string) (int64, error) {
	var id int64
	err := r.db.pool.QueryRow(ctx,
		`SELECT id FROM call_recordings
		 WHERE tenant_id = $1 AND source_filename = $2
		 ORDER BY id DESC LIMIT 1`,
		tenantID, filename).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("looking up recording file %s: %w", filename, err)
	}
	return id, nil
}
