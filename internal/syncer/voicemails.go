package syncer

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/flowpbx/archiver/internal/archive/models"
	"github.com/flowpbx/archiver/internal/objstore"
	"github.com/flowpbx/archiver/internal/pbx"
)

// VoicemailsStage copies voicemail audio into the object store. The
// voicemail table stores a bare wav name; the layout of the voicemail
// directory varies between installations, so several locations are
// probed per file.
type VoicemailsStage struct{}

func (VoicemailsStage) Name() string { return StageVoicemails }

func (VoicemailsStage) Run(ctx context.Context, env *Env) (Result, error) {
	var res Result
	if !env.PBX.Schema().Voicemail {
		res.Notes = "no voicemail table on this PBX"
		return res, nil
	}
	if env.Files == nil {
		res.Notes = "media sync disabled: missing SSH credentials"
		return res, nil
	}

	var vms []pbx.VoicemailRecord
	err := withRetry(ctx, "list voicemails", func() error {
		var err error
		vms, err = env.PBX.Voicemails(ctx, env.Watermark, env.Options.batchSize())
		return err
	})
	if err != nil {
		return res, fmt.Errorf("listing voicemails: %w", err)
	}
	if len(vms) == 0 {
		res.Notes = "no new voicemails"
		return res, nil
	}

	tracker := watermarkTracker{stopOnError: true}
	for i := range vms {
		vm := &vms[i]

		// Rows whose receive time did not parse can never be cursored;
		// report them and move on so they do not hold back good rows.
		if vm.ReceivedAt.IsZero() {
			res.recordErr(vm.SourceID, fmt.Errorf("unparseable receive time, not archived"))
			continue
		}

		remote, err := env.locate(VoicemailPathCandidates(env.Paths.Voicemails, vm.Extension, vm.Filename))
		if err != nil {
			res.recordErr(vm.SourceID, err)
			tracker.failed(vm.ReceivedAt, err)
			continue
		}

		got, err := env.archiveFile(ctx, remote, objstore.CategoryVoicemails, baseName(remote), vm.ReceivedAt)
		if err != nil {
			res.recordErr(vm.SourceID, err)
			tracker.failed(vm.ReceivedAt, err)
			continue
		}
		if got.Skipped {
			res.Skipped++
			tracker.ok(vm.ReceivedAt)
			continue
		}

		row := &models.Voicemail{
			TenantID:        env.Tenant.ID,
			SourceID:        vm.SourceID,
			CallerNumber:    vm.CallerNumber,
			CallerName:      vm.CallerName,
			Extension:       vm.Extension,
			StorageKey:      got.Key,
			ContentType:     got.ContentType,
			FileSize:        got.Size,
			DurationSeconds: vm.DurationSeconds,
			ReceivedAt:      vm.ReceivedAt,
		}
		if _, err := env.Archive.UpsertVoicemail(ctx, row); err != nil {
			res.recordErr(vm.SourceID, err)
			tracker.failed(vm.ReceivedAt, err)
			continue
		}
		res.Synced++
		tracker.ok(vm.ReceivedAt)
	}
	res.NewWatermark = tracker.result()
	return res, nil
}

// VoicemailPathCandidates lists the probe order for one voicemail file,
// from the modern per-extension layout down to a flat directory.
func VoicemailPathCandidates(base, extension, file string) []string {
	wav := file
	if !strings.HasSuffix(strings.ToLower(wav), ".wav") {
		wav += ".wav"
	}
	out := []string{
		path.Join(base, "Extensions", extension, wav),
		path.Join(base, "Extensions", extension, file),
		path.Join(base, "Data", extension, wav),
		path.Join(base, extension, wav),
		path.Join(base, wav),
	}
	return dedupePaths(out)
}
