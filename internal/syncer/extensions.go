package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowpbx/archiver/internal/archive/models"
	"github.com/flowpbx/archiver/internal/pbx"
)

// ExtensionsStage mirrors the PBX extension list. Extensions carry no
// watermark: the full set is small and re-read every tick.
type ExtensionsStage struct{}

func (ExtensionsStage) Name() string { return StageExtensions }

func (ExtensionsStage) Run(ctx context.Context, env *Env) (Result, error) {
	var res Result
	if env.PBX.Schema().Extensions == pbx.ExtSourceNone {
		res.Notes = "no extension source on this PBX"
		return res, nil
	}

	var exts []pbx.Extension
	err := withRetry(ctx, "list extensions", func() error {
		var err error
		exts, err = env.PBX.Extensions(ctx)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("listing extensions: %w", err)
	}

	now := time.Now().UTC()
	for i := range exts {
		e := &exts[i]
		row := &models.Extension{
			TenantID:     env.Tenant.ID,
			Extension:    e.Number,
			FirstName:    e.FirstName,
			LastName:     e.LastName,
			DisplayName:  displayName(e),
			Active:       true,
			LastSyncedAt: now,
		}
		if _, err := env.Archive.UpsertExtension(ctx, row); err != nil {
			res.recordErr(e.Number, err)
			continue
		}
		res.Synced++
	}
	return res, nil
}

func displayName(e *pbx.Extension) string {
	name := strings.TrimSpace(strings.TrimSpace(e.FirstName) + " " + strings.TrimSpace(e.LastName))
	if name == "" {
		return e.Number
	}
	return name
}
