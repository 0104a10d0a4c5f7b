package syncer

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/flowpbx/archiver/internal/archive/models"
	"github.com/flowpbx/archiver/internal/objstore"
	"github.com/flowpbx/archiver/internal/pbx"
)

// FaxesStage archives fax documents. Installations with a fax table are
// read incrementally; older ones only have files on disk, so the fax
// directory is walked and metadata is recovered from the filenames.
type FaxesStage struct{}

func (FaxesStage) Name() string { return StageFaxes }

func (FaxesStage) Run(ctx context.Context, env *Env) (Result, error) {
	if env.Files == nil {
		return Result{Notes: "media sync disabled: missing SSH credentials"}, nil
	}
	if env.PBX.Schema().Faxes {
		return runFaxTable(ctx, env)
	}
	return runFaxWalk(ctx, env)
}

func runFaxTable(ctx context.Context, env *Env) (Result, error) {
	var res Result
	var faxes []pbx.FaxRecord
	err := withRetry(ctx, "list faxes", func() error {
		var err error
		faxes, err = env.PBX.Faxes(ctx, env.Watermark, env.Options.batchSize())
		return err
	})
	if err != nil {
		return res, fmt.Errorf("listing faxes: %w", err)
	}
	if len(faxes) == 0 {
		res.Notes = "no new faxes"
		return res, nil
	}

	tracker := watermarkTracker{stopOnError: true}
	for i := range faxes {
		fx := &faxes[i]
		remote, err := env.locate([]string{
			path.Join(env.Paths.Fax, fx.Filename),
			path.Join(env.Paths.Fax, "in", fx.Filename),
			path.Join(env.Paths.Fax, "out", fx.Filename),
		})
		if err != nil {
			res.recordErr(fx.SourceID, err)
			tracker.failed(fx.ReceivedAt, err)
			continue
		}
		if err := archiveFax(ctx, env, &res, fx.SourceID, remote, fx.Direction, fx.RemoteNumber, fx.ReceivedAt); err != nil {
			tracker.failed(fx.ReceivedAt, err)
		} else {
			tracker.ok(fx.ReceivedAt)
		}
	}
	res.NewWatermark = tracker.result()
	return res, nil
}

func runFaxWalk(ctx context.Context, env *Env) (Result, error) {
	var res Result
	files, err := env.Files.ListRecursive(env.Paths.Fax)
	if err != nil {
		return res, fmt.Errorf("walking fax dir: %w", err)
	}

	for _, f := range files {
		if !isFaxDocument(f.Filename) {
			continue
		}
		meta, ok := ParseFaxFilename(f.Filename)
		if !ok {
			res.recordErr(f.RelativePath, fmt.Errorf("unrecognized fax filename %q", f.Filename))
			continue
		}
		if !meta.ReceivedAt.After(env.Watermark) {
			continue
		}
		if err := archiveFax(ctx, env, &res, f.RelativePath, f.AbsolutePath, meta.Direction, meta.RemoteNumber, meta.ReceivedAt); err == nil {
			// Directory walks re-list everything each tick; the unique
			// source id keeps re-archiving idempotent, so the cursor may
			// always advance.
			if res.NewWatermark == nil || meta.ReceivedAt.After(*res.NewWatermark) {
				t := meta.ReceivedAt
				res.NewWatermark = &t
			}
		}
	}
	if res.Synced == 0 && res.Skipped == 0 && len(res.Errors) == 0 {
		res.Notes = "no new faxes"
	}
	return res, nil
}

// archiveFax moves one fax document and records it. A nil return means
// the record counts toward the cursor.
func archiveFax(ctx context.Context, env *Env, res *Result, sourceID, remote, direction, remoteNumber string, receivedAt time.Time) error {
	got, err := env.archiveFile(ctx, remote, objstore.CategoryFaxes, baseName(remote), receivedAt)
	if err != nil {
		res.recordErr(sourceID, err)
		return err
	}
	if got.Skipped {
		res.Skipped++
		return nil
	}
	row := &models.Fax{
		TenantID:     env.Tenant.ID,
		SourceID:     sourceID,
		Direction:    direction,
		RemoteNumber: remoteNumber,
		StorageKey:   got.Key,
		ContentType:  got.ContentType,
		FileSize:     got.Size,
		ReceivedAt:   receivedAt,
	}
	if _, err := env.Archive.UpsertFax(ctx, row); err != nil {
		res.recordErr(sourceID, err)
		return err
	}
	res.Synced++
	return nil
}

func isFaxDocument(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf", ".tiff", ".tif":
		return true
	}
	return false
}

// FaxMeta is what a fax filename encodes.
type FaxMeta struct {
	Direction    string // inbound | outbound
	RemoteNumber string
	ReceivedAt   time.Time
}

// ParseFaxFilename recovers direction, timestamp and remote number from
// names like "in_20240315142530_15551234567.pdf" or
// "out-20240315142530-15551234567.tiff". Token order past the direction
// is flexible; the first 14-digit token is the timestamp and the first
// other all-digit token the remote number.
func ParseFaxFilename(name string) (FaxMeta, bool) {
	stem := strings.TrimSuffix(name, path.Ext(name))
	tokens := strings.FieldsFunc(stem, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	if len(tokens) == 0 {
		return FaxMeta{}, false
	}

	var meta FaxMeta
	switch strings.ToLower(tokens[0]) {
	case "in", "received", "rx":
		meta.Direction = "inbound"
	case "out", "sent", "tx":
		meta.Direction = "outbound"
	default:
		return FaxMeta{}, false
	}

	for _, tok := range tokens[1:] {
		if !allDigits(tok) {
			continue
		}
		if len(tok) == 14 && meta.ReceivedAt.IsZero() {
			if t, err := time.Parse("20060102150405", tok); err == nil {
				meta.ReceivedAt = t.UTC()
				continue
			}
		}
		if meta.RemoteNumber == "" {
			meta.RemoteNumber = tok
		}
	}
	if meta.ReceivedAt.IsZero() {
		return FaxMeta{}, false
	}
	return meta, true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
