package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/flowpbx/archiver/internal/archive/models"
)

// ExtensionRepository upserts PBX extensions observed on the source.
type ExtensionRepository struct {
	db *DB
}

// NewExtensionRepository creates an ExtensionRepository.
func NewExtensionRepository(db *DB) *ExtensionRepository {
	return &ExtensionRepository{db: db}
}

// Upsert inserts or refreshes an extension keyed by (tenant, extension
// number) and returns its archive id.
func (r *ExtensionRepository) Upsert(ctx context.Context, ext *models.Extension) (int64, error) {
	var id int64
	err := r.db.pool.QueryRow(ctx,
		`INSERT INTO extensions (tenant_id, extension, first_name, last_name, display_name, active, last_synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (tenant_id, extension) DO UPDATE SET
		   first_name = EXCLUDED.first_name,
		   last_name = EXCLUDED.last_name,
		   display_name = EXCLUDED.display_name,
		   active = EXCLUDED.active,
		   last_synced_at = NOW()
		 RETURNING id`,
		ext.TenantID, ext.Extension, ext.FirstName, ext.LastName, ext.DisplayName, ext.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting extension %s: %w", ext.Extension, err)
	}
	return id, nil
}

// IDByNumber resolves an extension number to its archive id, or ErrNotFound.
func (r *ExtensionRepository) IDByNumber(ctx context.Context, tenantID int64, number string) (int64, error) {
	var id int64
	err := r.db.pool.QueryRow(ctx,
		"SELECT id FROM extensions WHERE tenant_id = $1 AND extension = $2",
		tenantID, number).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("looking up extension %s: %w", number, err)
	}
	return id, nil
}
