package archive

import (
	"context"
	"fmt"

	"github.com/flowpbx/archiver/internal/archive/models"
)

// CallLogRepository upserts normalized call detail records.
type CallLogRepository struct {
	db *DB
}

// NewCallLogRepository creates a CallLogRepository.
func NewCallLogRepository(db *DB) *CallLogRepository {
	return &CallLogRepository{db: db}
}

// Upsert inserts or refreshes a call log keyed by (tenant, source id). The
// recording link is only ever set, never cleared, so a link established on
// an earlier pass survives re-observation of the CDR row.
func (r *CallLogRepository) Upsert(ctx context.Context, cl *models.CallLog) (bool, error) {
	var inserted bool
	err := r.db.pool.QueryRow(ctx,
		`INSERT INTO call_logs (tenant_id, source_id, caller_number, caller_name,
		   callee_number, callee_name, extension, direction, status,
		   ring_seconds, talk_seconds, total_seconds, started_at, answered_at, ended_at,
		   has_recording, recording_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (tenant_id, source_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   talk_seconds = EXCLUDED.talk_seconds,
		   total_seconds = EXCLUDED.total_seconds,
		   ended_at = EXCLUDED.ended_at,
		   has_recording = EXCLUDED.has_recording,
		   recording_id = COALESCE(EXCLUDED.recording_id, call_logs.recording_id)
		 RETURNING (xmax = 0)`,
		cl.TenantID, cl.SourceID, cl.CallerNumber, cl.CallerName,
		cl.CalleeNumber, cl.CalleeName, cl.Extension, cl.Direction, cl.Status,
		cl.RingSeconds, cl.TalkSeconds, cl.TotalSeconds, cl.StartedAt, cl.AnsweredAt, cl.EndedAt,
		cl.HasRecording, cl.RecordingID,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upserting call log %s: %w", cl.SourceID, err)
	}
	return inserted, nil
}
