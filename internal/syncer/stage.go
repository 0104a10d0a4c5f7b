// Package syncer contains the pipeline stages, the per-tenant scheduler
// and the media transfer path. A stage reads its watermark-bound batch
// from the PBX, moves media through SFTP into the object store and writes
// normalized rows to the archive; the scheduler owns ordering, gating,
// backoff and status bookkeeping.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/flowpbx/archiver/internal/archive/models"
	"github.com/flowpbx/archiver/internal/pbx"
	"github.com/flowpbx/archiver/internal/sftpx"
	"github.com/flowpbx/archiver/internal/tenant"
)

// Stage names, in tick execution order.
const (
	StageExtensions = "extensions"
	StageMessages   = "messages"
	StageRecordings = "recordings"
	StageVoicemails = "voicemails"
	StageFaxes      = "faxes"
	StageCallLogs   = "call_logs"
	StageMeetings   = "meetings"
)

// StageOrder is the fixed order stages run within one tick.
var StageOrder = []string{
	StageExtensions,
	StageMessages,
	StageRecordings,
	StageVoicemails,
	StageFaxes,
	StageCallLogs,
	StageMeetings,
}

// ErrPartial wraps one-shot runs where some stages failed but the
// infrastructure held up.
var ErrPartial = errors.New("one or more stages failed")

// RecordError is one record-level failure within a stage run.
type RecordError struct {
	RecordID string
	Message  string
}

// Result is the outcome of one stage run. For a batch of size B,
// Synced + Skipped + len(Errors) == B.
type Result struct {
	Synced  int
	Skipped int
	Errors  []RecordError
	Notes   string
	// NewWatermark advances the stage cursor when non-nil.
	NewWatermark *time.Time
	// NewSourceCursor advances the row-id cursor for sources that have
	// no usable timestamp column.
	NewSourceCursor *string
}

// Summary renders the operator-facing notes line.
func (r Result) Summary() string {
	if r.Notes != "" {
		return r.Notes
	}
	return fmt.Sprintf("Synced %d, skipped %d, %d failed", r.Synced, r.Skipped, len(r.Errors))
}

func (r *Result) recordErr(id string, err error) {
	r.Errors = append(r.Errors, RecordError{RecordID: id, Message: err.Error()})
}

// Source is the PBX query surface a stage consumes. *pbx.Client
// implements it.
type Source interface {
	Schema() *pbx.Schema
	Extensions(ctx context.Context) ([]pbx.Extension, error)
	Messages(ctx context.Context, since time.Time, limit int) ([]pbx.ChatMessage, error)
	Conversations(ctx context.Context, ids []string) ([]pbx.Conversation, error)
	LiveConversations(ctx context.Context) ([]pbx.Conversation, error)
	FileMappings(ctx context.Context, messageIDs []string) ([]pbx.FileMapping, error)
	Recordings(ctx context.Context, since time.Time, afterID string, limit int) ([]pbx.Recording, error)
	Voicemails(ctx context.Context, since time.Time, limit int) ([]pbx.VoicemailRecord, error)
	CallLogs(ctx context.Context, since time.Time, limit int) ([]pbx.CallRecord, error)
	Meetings(ctx context.Context, since time.Time, limit int) ([]pbx.MeetingRecord, error)
	Faxes(ctx context.Context, since time.Time, limit int) ([]pbx.FaxRecord, error)
}

// FileSource is the SFTP surface a stage consumes. *sftpx.Session
// implements it; nil means media sync is disabled for this tenant.
type FileSource interface {
	Exists(p string) (bool, error)
	Stat(p string) (int64, error)
	List(dir string) ([]sftpx.Entry, error)
	ListRecursive(root string) ([]sftpx.RemoteFile, error)
	DownloadBuffer(ctx context.Context, p string, maxBytes int64, timeout time.Duration) ([]byte, error)
	OpenStream(ctx context.Context, p string) (io.ReadCloser, int64, error)
}

// ObjectStore is the bucket surface the media path consumes.
// *objstore.Client implements it.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	PutBuffer(ctx context.Context, key string, data []byte, contentType string) error
	PutStream(ctx context.Context, key string, r io.Reader, contentType string, totalSize int64) error
}

// Writer is the archive surface stages write through.
type Writer interface {
	UpsertExtension(ctx context.Context, ext *models.Extension) (int64, error)
	ExtensionIDByNumber(ctx context.Context, tenantID int64, number string) (int64, error)
	UpsertConversation(ctx context.Context, c *models.Conversation) (int64, error)
	UpsertParticipant(ctx context.Context, p *models.Participant) error
	UpsertMessage(ctx context.Context, m *models.Message) (int64, bool, error)
	InsertMedia(ctx context.Context, m *models.MediaFile) (int64, error)
	MediaExists(ctx context.Context, tenantID int64, storageKey string) (bool, error)
	RefreshConversationCounts(ctx context.Context, conversationID int64) error
	UpsertRecording(ctx context.Context, rec *models.CallRecording) (bool, error)
	RecordingIDBySource(ctx context.Context, tenantID int64, sourceID string) (int64, error)
	RecordingIDByFilename(ctx context.Context, tenantID int64, filename string) (int64, error)
	UpsertVoicemail(ctx context.Context, vm *models.Voicemail) (bool, error)
	UpsertFax(ctx context.Context, f *models.Fax) (bool, error)
	UpsertCallLog(ctx context.Context, cl *models.CallLog) (bool, error)
	UpsertMeeting(ctx context.Context, m *models.MeetingRecording) (bool, error)
}

// Options tune stage behavior.
type Options struct {
	BatchSize        int
	MaxBufferedBytes int64
	MaxStreamBytes   int64
	ChatMediaSubdirs []string
	// WatermarkPerRecord stops the messages cursor at the first errored
	// record instead of advancing over the whole batch.
	WatermarkPerRecord bool
}

// DefaultBatchSize bounds one watermarked query.
const DefaultBatchSize = 100

func (o Options) batchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return DefaultBatchSize
}

// Env is everything one stage run needs for one tenant. The scheduler
// assembles it at tick start; stages never re-read configuration.
type Env struct {
	Tenant    *models.Tenant
	Paths     tenant.Paths
	PBX       Source
	Files     FileSource
	Store     ObjectStore
	Archive   Writer
	Options   Options
	Watermark time.Time
	// SourceCursor is the persisted row-id cursor, used by sources
	// without a timestamp column. Empty means start from the beginning.
	SourceCursor string
}

// Stage is one pipeline step. Run returns a fatal error only for
// stage-level failures; record-level trouble lands in Result.Errors.
type Stage interface {
	Name() string
	Run(ctx context.Context, env *Env) (Result, error)
}

// watermarkTracker accumulates the output cursor while records are
// processed in ascending source order.
type watermarkTracker struct {
	// stopOnError freezes the cursor at the first errored record so it
	// is re-observed next tick. Skips still advance.
	stopOnError bool
	frozen      bool
	mark        time.Time
}

func (w *watermarkTracker) ok(t time.Time) {
	if w.frozen || t.IsZero() {
		return
	}
	if t.After(w.mark) {
		w.mark = t
	}
}

// failed registers a record failure. Records that failed only because
// the run was interrupted always freeze the cursor, whatever the
// policy: they were never archived, so advancing over them would lose
// them for good.
func (w *watermarkTracker) failed(t time.Time, err error) {
	if w.stopOnError || interrupted(err) {
		w.frozen = true
		return
	}
	w.ok(t)
}

func (w *watermarkTracker) result() *time.Time {
	if w.mark.IsZero() {
		return nil
	}
	m := w.mark
	return &m
}

// interrupted reports whether an error came from the run being
// cancelled rather than from the record itself.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// idTracker accumulates the row-id cursor for sources paged by id.
// Ids arrive in ascending order; the cursor freezes at the first
// errored record so it is re-observed next tick.
type idTracker struct {
	frozen bool
	id     string
}

func (c *idTracker) ok(id string) {
	if c.frozen || id == "" {
		return
	}
	c.id = id
}

func (c *idTracker) failed() { c.frozen = true }

func (c *idTracker) result() *string {
	if c.id == "" {
		return nil
	}
	id := c.id
	return &id
}
