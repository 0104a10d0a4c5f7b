package archive

import (
	"context"
	"fmt"

	"github.com/flowpbx/archiver/internal/archive/models"
)

// VoicemailRepository upserts archived voicemails.
type VoicemailRepository struct {
	db *DB
}

// NewVoicemailRepository creates a VoicemailRepository.
func NewVoicemailRepository(db *DB) *VoicemailRepository {
	return &VoicemailRepository{db: db}
}

// Upsert inserts a voicemail; a conflicting (tenant, source id) row is left
// untouched and reported as not-inserted.
func (r *VoicemailRepository) Upsert(ctx context.Context, vm *models.Voicemail) (bool, error) {
	tag, err := r.db.pool.Exec(ctx,
		`INSERT INTO voicemails (tenant_id, source_id, caller_number, caller_name, extension,
		   storage_key, content_type, file_size, duration_seconds, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tenant_id, source_id) DO NOTHING`,
		vm.TenantID, vm.SourceID, vm.CallerNumber, vm.CallerName, vm.Extension,
		vm.StorageKey, vm.ContentType, vm.FileSize, vm.DurationSeconds, vm.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("upserting voicemail %s: %w", vm.SourceID, err)
	}
	return tag.RowsAffected() > 0, nil
}
