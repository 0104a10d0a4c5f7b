package archive

import (
	"context"
	"fmt"

	"github.com/flowpbx/archiver/internal/archive/models"
)

// FaxRepository upserts archived fax documents.
type FaxRepository struct {
	db *DB
}

// NewFaxRepository creates a FaxRepository.
func NewFaxRepository(db *DB) *FaxRepository {
	return &FaxRepository{db: db}
}

// Upsert inserts a fax; a conflicting (tenant, source id) row is left
// untouched and reported as not-inserted.
func (r *FaxRepository) Upsert(ctx context.Context, f *models.Fax) (bool, error) {
	tag, err := r.db.pool.Exec(ctx,
		`INSERT INTO faxes (tenant_id, source_id, direction, remote_number,
		   storage_key, content_type, file_size, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, source_id) DO NOTHING`,
		f.TenantID, f.SourceID, f.Direction, f.RemoteNumber,
		f.StorageKey, f.ContentType, f.FileSize, f.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("upserting fax %s: %w", f.SourceID, err)
	}
	return tag.RowsAffected() > 0, nil
}
