package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowpbx/archiver/internal/archive"
	"github.com/flowpbx/archiver/internal/archive/models"
	"github.com/flowpbx/archiver/internal/pbx"
)

// CallLogsStage archives the normalized call detail records. Recording
// links are opportunistic: when the recordings stage already archived
// the matching call, the row points at it, otherwise the link stays
// empty and a later re-upsert fills it in.
type CallLogsStage struct{}

func (CallLogsStage) Name() string { return StageCallLogs }

func (CallLogsStage) Run(ctx context.Context, env *Env) (Result, error) {
	var res Result
	if env.PBX.Schema().CallLog == pbx.CallLogNone {
		res.Notes = "no call history source on this PBX"
		return res, nil
	}

	var calls []pbx.CallRecord
	err := withRetry(ctx, "list call logs", func() error {
		var err error
		calls, err = env.PBX.CallLogs(ctx, env.Watermark, env.Options.batchSize())
		return err
	})
	if err != nil {
		return res, fmt.Errorf("listing call logs: %w", err)
	}
	if len(calls) == 0 {
		res.Notes = "no new call logs"
		return res, nil
	}

	tracker := watermarkTracker{stopOnError: true}
	for i := range calls {
		cl := &calls[i]

		var recID *int64
		if cl.HasRecording {
			var err error
			recID, err = linkRecording(ctx, env, cl)
			if err != nil {
				res.recordErr(cl.SourceID, err)
				tracker.failed(cl.StartedAt, err)
				continue
			}
		}

		row := &models.CallLog{
			TenantID:     env.Tenant.ID,
			SourceID:     cl.SourceID,
			CallerNumber: cl.CallerNumber,
			CallerName:   cl.CallerName,
			CalleeNumber: cl.CalleeNumber,
			CalleeName:   cl.CalleeName,
			Extension:    cl.Extension,
			Direction:    cl.Direction,
			Status:       cl.Status,
			RingSeconds:  cl.RingSeconds,
			TalkSeconds:  cl.TalkSeconds,
			TotalSeconds: cl.TotalSeconds,
			StartedAt:    cl.StartedAt,
			AnsweredAt:   cl.AnsweredAt,
			EndedAt:      cl.EndedAt,
			HasRecording: cl.HasRecording,
			RecordingID:  recID,
		}
		if _, err := env.Archive.UpsertCallLog(ctx, row); err != nil {
			res.recordErr(cl.SourceID, err)
			tracker.failed(cl.StartedAt, err)
			continue
		}
		res.Synced++
		tracker.ok(cl.StartedAt)
	}
	res.NewWatermark = tracker.result()
	return res, nil
}

// linkRecording resolves the archived recording for one call log.
// Variants whose history carries the recording file are matched on the
// filename; the source-id match covers installations where recording
// rows reuse the call id. A missing recording is not an error, the
// link just stays empty.
func linkRecording(ctx context.Context, env *Env, cl *pbx.CallRecord) (*int64, error) {
	if cl.RecordingFile != "" {
		id, err := env.Archive.RecordingIDByFilename(ctx, env.Tenant.ID, cl.RecordingFile)
		if err == nil {
			return &id, nil
		}
		if !errors.Is(err, archive.ErrNotFound) {
			return nil, err
		}
	}
	id, err := env.Archive.RecordingIDBySource(ctx, env.Tenant.ID, cl.SourceID)
	switch {
	case err == nil:
		return &id, nil
	case errors.Is(err, archive.ErrNotFound):
		return nil, nil
	default:
		return nil, err
	}
}
