package syncer

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/flowpbx/archiver/internal/archive/models"
	"github.com/flowpbx/archiver/internal/objstore"
	"github.com/flowpbx/archiver/internal/pbx"
)

// RecordingsStage copies call recordings into the object store. The PBX
// stores a download URL per recording; the stage maps it back to the
// filesystem path the SFTP account sees.
type RecordingsStage struct{}

func (RecordingsStage) Name() string { return StageRecordings }

func (RecordingsStage) Run(ctx context.Context, env *Env) (Result, error) {
	var res Result
	if !env.PBX.Schema().Recordings {
		res.Notes = "no recordings table on this PBX"
		return res, nil
	}
	if env.Files == nil {
		res.Notes = "media sync disabled: missing SSH credentials"
		return res, nil
	}

	var recs []pbx.Recording
	err := withRetry(ctx, "list recordings", func() error {
		var err error
		recs, err = env.PBX.Recordings(ctx, env.Watermark, env.SourceCursor, env.Options.batchSize())
		return err
	})
	if err != nil {
		return res, fmt.Errorf("listing recordings: %w", err)
	}
	if len(recs) == 0 {
		res.Notes = "no new recordings"
		return res, nil
	}

	// Installations without start_time page by row id instead of the
	// time watermark.
	byID := !env.PBX.Schema().RecordingCols.StartTime
	tracker := watermarkTracker{stopOnError: true}
	var ids idTracker
	for i := range recs {
		rec := &recs[i]
		mark := recordingMark(rec)

		remote, err := env.locate(RecordingPathCandidates(rec.URL, rec.Extension, env.Paths.Recordings))
		if err != nil {
			res.recordErr(rec.SourceID, err)
			tracker.failed(mark, err)
			ids.failed()
			continue
		}

		got, err := env.archiveFile(ctx, remote, objstore.CategoryRecordings, baseName(remote), recordedAt(rec))
		if err != nil {
			res.recordErr(rec.SourceID, err)
			tracker.failed(mark, err)
			ids.failed()
			continue
		}
		if got.Skipped {
			res.Skipped++
			tracker.ok(mark)
			ids.ok(rec.SourceID)
			continue
		}

		row := &models.CallRecording{
			TenantID:        env.Tenant.ID,
			SourceID:        rec.SourceID,
			CallerNumber:    rec.CallerNumber,
			CallerName:      rec.CallerName,
			CalleeNumber:    rec.CalleeNumber,
			CalleeName:      rec.CalleeName,
			Extension:       rec.Extension,
			Direction:       rec.Direction,
			SourceFilename:  baseName(remote),
			StorageKey:      got.Key,
			ContentType:     got.ContentType,
			FileSize:        got.Size,
			DurationSeconds: rec.DurationSeconds(),
			CallStartedAt:   rec.StartedAt,
			CallEndedAt:     rec.EndedAt,
			RecordedAt:      recordedAt(rec),
		}
		if _, err := env.Archive.UpsertRecording(ctx, row); err != nil {
			res.recordErr(rec.SourceID, err)
			tracker.failed(mark, err)
			ids.failed()
			continue
		}
		res.Synced++
		tracker.ok(mark)
		ids.ok(rec.SourceID)
	}
	res.NewWatermark = tracker.result()
	if byID {
		res.NewSourceCursor = ids.result()
	}
	return res, nil
}

func recordingMark(rec *pbx.Recording) time.Time {
	if rec.StartedAt != nil {
		return *rec.StartedAt
	}
	return time.Time{}
}

func recordedAt(rec *pbx.Recording) time.Time {
	if rec.StartedAt != nil {
		return *rec.StartedAt
	}
	return time.Now().UTC()
}

// RecordingPathCandidates maps a PBX recording URL onto the filesystem
// paths it may occupy. The URL path usually contains the extension
// number as a directory segment; everything from that segment on is
// relative to the recordings base. Fallbacks cover flat layouts and
// URLs that already carry the absolute path.
func RecordingPathCandidates(rawURL, extension, base string) []string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.TrimPrefix(p, "/")

	segs := strings.Split(p, "/")
	var out []string
	if extension != "" {
		for i, s := range segs {
			if s == extension {
				out = append(out, path.Join(base, path.Join(segs[i:]...)))
				break
			}
		}
	}
	if name := path.Base(p); name != "" && name != "." {
		if extension != "" {
			out = append(out, path.Join(base, extension, name))
		}
		out = append(out, path.Join(base, name))
	}
	if strings.HasPrefix(rawURL, "/") {
		out = append(out, rawURL)
	}
	return dedupePaths(out)
}

func dedupePaths(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, p := range in {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
