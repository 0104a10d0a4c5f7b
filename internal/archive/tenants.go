package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowpbx/archiver/internal/archive/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("archive: not found")

// TenantRepository reads tenant configuration rows. The core never creates
// or deletes tenants; the dashboard owns their lifecycle.
type TenantRepository struct {
	db *DB
}

// NewTenantRepository creates a TenantRepository.
func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantColumns = `id, name, pbx_host, ssh_port,
	COALESCE(ssh_user, ''), COALESCE(ssh_password, ''), COALESCE(db_password, ''),
	COALESCE(chat_files_path, ''), COALESCE(recordings_path, ''),
	COALESCE(voicemails_path, ''), COALESCE(fax_path, ''), COALESCE(meetings_path, ''),
	backup_extensions, backup_chats, backup_recordings, backup_voicemails,
	backup_faxes, backup_call_logs, backup_meetings,
	sync_interval_seconds, active, last_sync_at, created_at, updated_at`

func scanTenant(row pgx.Row) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.PBXHost, &t.SSHPort,
		&t.SSHUser, &t.SSHPassword, &t.DBPassword,
		&t.ChatFilesPath, &t.RecordingsPath,
		&t.VoicemailsPath, &t.FaxPath, &t.MeetingsPath,
		&t.BackupExtensions, &t.BackupChats, &t.BackupRecordings, &t.BackupVoicemails,
		&t.BackupFaxes, &t.BackupCallLogs, &t.BackupMeetings,
		&t.SyncIntervalSeconds, &t.Active, &t.LastSyncAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tenant: %w", err)
	}
	return &t, nil
}

// ListActive returns all tenants with the active flag set.
func (r *TenantRepository) ListActive(ctx context.Context) ([]models.Tenant, error) {
	rows, err := r.db.pool.Query(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE active ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// GetByID returns a single tenant row.
func (r *TenantRepository) GetByID(ctx context.Context, id int64) (*models.Tenant, error) {
	return scanTenant(r.db.pool.QueryRow(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE id = $1", id))
}

// TouchLastSync records the completion of a tick for a tenant.
func (r *TenantRepository) TouchLastSync(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.pool.Exec(ctx,
		"UPDATE tenants SET last_sync_at = $2, updated_at = NOW() WHERE id = $1", id, at)
	if err != nil {
		return fmt.Errorf("touching tenant last_sync_at: %w", err)
	}
	return nil
}
