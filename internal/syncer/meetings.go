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

// MeetingsStage archives meeting recordings. With a meetings table the
// rows drive the stage; without one the meetings directory is walked
// and the organizer extension and start time come from the filenames.
type MeetingsStage struct{}

func (MeetingsStage) Name() string { return StageMeetings }

func (MeetingsStage) Run(ctx context.Context, env *Env) (Result, error) {
	if env.Files == nil {
		return Result{Notes: "media sync disabled: missing SSH credentials"}, nil
	}
	if env.PBX.Schema().Meetings {
		return runMeetingTable(ctx, env)
	}
	return runMeetingWalk(ctx, env)
}

func runMeetingTable(ctx context.Context, env *Env) (Result, error) {
	var res Result
	var meetings []pbx.MeetingRecord
	err := withRetry(ctx, "list meetings", func() error {
		var err error
		meetings, err = env.PBX.Meetings(ctx, env.Watermark, env.Options.batchSize())
		return err
	})
	if err != nil {
		return res, fmt.Errorf("listing meetings: %w", err)
	}
	if len(meetings) == 0 {
		res.Notes = "no new meeting recordings"
		return res, nil
	}

	tracker := watermarkTracker{stopOnError: true}
	for i := range meetings {
		m := &meetings[i]
		remote, err := env.locate([]string{
			path.Join(env.Paths.Meetings, m.Filename),
			path.Join(env.Paths.Meetings, m.OrganizerExtension, m.Filename),
		})
		if err != nil {
			res.recordErr(m.SourceID, err)
			tracker.failed(m.StartedAt, err)
			continue
		}
		if err := archiveMeeting(ctx, env, &res, m.SourceID, remote, m.OrganizerExtension, m.Title, m.StartedAt, m.DurationSeconds); err != nil {
			tracker.failed(m.StartedAt, err)
		} else {
			tracker.ok(m.StartedAt)
		}
	}
	res.NewWatermark = tracker.result()
	return res, nil
}

func runMeetingWalk(ctx context.Context, env *Env) (Result, error) {
	var res Result
	files, err := env.Files.ListRecursive(env.Paths.Meetings)
	if err != nil {
		return res, fmt.Errorf("walking meetings dir: %w", err)
	}

	for _, f := range files {
		if !isMeetingMedia(f.Filename) {
			continue
		}
		ext, startedAt, ok := ParseMeetingFilename(f.Filename)
		if !ok {
			res.recordErr(f.RelativePath, fmt.Errorf("unrecognized meeting filename %q", f.Filename))
			continue
		}
		if !startedAt.After(env.Watermark) {
			continue
		}
		title := meetingTitle(f.Filename)
		if err := archiveMeeting(ctx, env, &res, f.RelativePath, f.AbsolutePath, ext, title, startedAt, nil); err == nil {
			if res.NewWatermark == nil || startedAt.After(*res.NewWatermark) {
				t := startedAt
				res.NewWatermark = &t
			}
		}
	}
	if res.Synced == 0 && res.Skipped == 0 && len(res.Errors) == 0 {
		res.Notes = "no new meeting recordings"
	}
	return res, nil
}

// archiveMeeting moves one meeting recording and records it. A nil
// return means the record counts toward the cursor.
func archiveMeeting(ctx context.Context, env *Env, res *Result, sourceID, remote, organizer, title string, startedAt time.Time, duration *int) error {
	got, err := env.archiveFile(ctx, remote, objstore.CategoryMeetings, baseName(remote), startedAt)
	if err != nil {
		res.recordErr(sourceID, err)
		return err
	}
	if got.Skipped {
		res.Skipped++
		return nil
	}
	row := &models.MeetingRecording{
		TenantID:           env.Tenant.ID,
		SourceID:           sourceID,
		OrganizerExtension: organizer,
		Title:              title,
		StorageKey:         got.Key,
		ContentType:        got.ContentType,
		FileSize:           got.Size,
		DurationSeconds:    duration,
		StartedAt:          startedAt,
	}
	if _, err := env.Archive.UpsertMeeting(ctx, row); err != nil {
		res.recordErr(sourceID, err)
		return err
	}
	res.Synced++
	return nil
}

func isMeetingMedia(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp4", ".webm", ".mkv", ".mp3", ".wav":
		return true
	}
	return false
}

// ParseMeetingFilename recovers the organizer extension and the start
// time from names like "100_20240315103000_weekly-standup.mp4". The
// first token must be the extension digits and the second a 14-digit
// timestamp.
func ParseMeetingFilename(name string) (string, time.Time, bool) {
	stem := strings.TrimSuffix(name, path.Ext(name))
	tokens := strings.SplitN(stem, "_", 3)
	if len(tokens) < 2 || !allDigits(tokens[0]) {
		return "", time.Time{}, false
	}
	if len(tokens[1]) != 14 || !allDigits(tokens[1]) {
		return "", time.Time{}, false
	}
	t, err := time.Parse("20060102150405", tokens[1])
	if err != nil {
		return "", time.Time{}, false
	}
	return tokens[0], t.UTC(), true
}

func meetingTitle(name string) string {
	stem := strings.TrimSuffix(name, path.Ext(name))
	tokens := strings.SplitN(stem, "_", 3)
	if len(tokens) == 3 {
		return strings.ReplaceAll(tokens[2], "-", " ")
	}
	return stem
}
