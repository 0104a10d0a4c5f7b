package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowpbx/archiver/internal/archive/models"
)

// SyncStatusRepository maintains the per-(tenant, stage) bookkeeping rows
// and the append-only sync log.
type SyncStatusRepository struct {
	db *DB
}

// NewSyncStatusRepository creates a SyncStatusRepository.
func NewSyncStatusRepository(db *DB) *SyncStatusRepository {
	return &SyncStatusRepository{db: db}
}

// Get returns the status row for a stage, creating an idle row on first use.
func (r *SyncStatusRepository) Get(ctx context.Context, tenantID int64, stage string) (*models.SyncStatus, error) {
	var s models.SyncStatus
	err := r.db.pool.QueryRow(ctx,
		`INSERT INTO sync_status (tenant_id, stage) VALUES ($1, $2)
		 ON CONFLICT (tenant_id, stage) DO UPDATE SET stage = EXCLUDED.stage
		 RETURNING id, tenant_id, stage, status, last_sync_at, last_success_at, last_error_at,
		   last_error, notes, trigger_requested_at, items_synced, items_failed,
		   last_synced_message_at, last_synced_source_id`,
		tenantID, stage,
	).Scan(&s.ID, &s.TenantID, &s.Stage, &s.Status, &s.LastSyncAt, &s.LastSuccessAt, &s.LastErrorAt,
		&s.LastError, &s.Notes, &s.TriggerRequestedAt, &s.ItemsSynced, &s.ItemsFailed,
		&s.LastSyncedMessageAt, &s.LastSyncedSourceID)
	if err != nil {
		return nil, fmt.Errorf("getting sync status %s: %w", stage, err)
	}
	return &s, nil
}

// ListForTenant returns all status rows for a tenant.
func (r *SyncStatusRepository) ListForTenant(ctx context.Context, tenantID int64) ([]models.SyncStatus, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT id, tenant_id, stage, status, last_sync_at, last_success_at, last_error_at,
		   last_error, notes, trigger_requested_at, items_synced, items_failed,
		   last_synced_message_at, last_synced_source_id
		 FROM sync_status WHERE tenant_id = $1 ORDER BY stage`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing sync status: %w", err)
	}
	defer rows.Close()

	var out []models.SyncStatus
	for rows.Next() {
		var s models.SyncStatus
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Stage, &s.Status, &s.LastSyncAt, &s.LastSuccessAt,
			&s.LastErrorAt, &s.LastError, &s.Notes, &s.TriggerRequestedAt, &s.ItemsSynced,
			&s.ItemsFailed, &s.LastSyncedMessageAt, &s.LastSyncedSourceID); err != nil {
			return nil, fmt.Errorf("scanning sync status: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkRunning writes the stage heartbeat at the start of a run.
func (r *SyncStatusRepository) MarkRunning(ctx context.Context, tenantID int64, stage string) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE sync_status SET status = $3, last_sync_at = NOW()
		 WHERE tenant_id = $1 AND stage = $2`,
		tenantID, stage, models.SyncRunning)
	if err != nil {
		return fmt.Errorf("marking stage %s running: %w", stage, err)
	}
	return nil
}

// Outcome is the terminal state of one stage run.
type Outcome struct {
	Status      string
	Notes       string
	Error       string
	ItemsSynced int64
	ItemsFailed int64
	// Watermark advances last_synced_message_at when non-nil. The SQL
	// guard keeps the cursor monotonically non-decreasing.
	Watermark *time.Time
	// SourceCursor advances last_synced_source_id when non-nil.
	SourceCursor *string
}

// Complete records the terminal state of a stage run and clears any
// pending trigger request.
func (r *SyncStatusRepository) Complete(ctx context.Context, tenantID int64, stage string, o Outcome) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE sync_status SET
		   status = $3,
		   notes = $4,
		   last_error = CASE WHEN $5 <> '' THEN $5 ELSE last_error END,
		   last_error_at = CASE WHEN $3 = 'error' THEN NOW() ELSE last_error_at END,
		   last_success_at = CASE WHEN $3 = 'success' THEN NOW() ELSE last_success_at END,
		   items_synced = $6,
		   items_failed = $7,
		   trigger_requested_at = NULL,
		   last_synced_message_at = GREATEST(COALESCE(last_synced_message_at, 'epoch'::timestamptz), COALESCE($8, last_synced_message_at, 'epoch'::timestamptz)),
		   last_synced_source_id = COALESCE($9, last_synced_source_id)
		 WHERE tenant_id = $1 AND stage = $2`,
		tenantID, stage, o.Status, o.Notes, o.Error, o.ItemsSynced, o.ItemsFailed, o.Watermark, o.SourceCursor)
	if err != nil {
		return fmt.Errorf("completing stage %s: %w", stage, err)
	}
	return nil
}

// RequestTrigger asks the scheduler to run a stage ahead of its interval.
func (r *SyncStatusRepository) RequestTrigger(ctx context.Context, tenantID int64, stage string) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO sync_status (tenant_id, stage, trigger_requested_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (tenant_id, stage) DO UPDATE SET trigger_requested_at = NOW()`,
		tenantID, stage)
	if err != nil {
		return fmt.Errorf("requesting trigger for %s: %w", stage, err)
	}
	return nil
}

// AppendLog writes one append-only sync log row.
func (r *SyncStatusRepository) AppendLog(ctx context.Context, l *models.SyncLog) error {
	details := l.Details
	if details == nil {
		details = json.RawMessage("{}")
	}
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO sync_logs (tenant_id, stage, status, message, details, items_synced, items_failed, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.TenantID, l.Stage, l.Status, l.Message, details, l.ItemsSynced, l.ItemsFailed, l.DurationMS)
	if err != nil {
		return fmt.Errorf("appending sync log: %w", err)
	}
	return nil
}
