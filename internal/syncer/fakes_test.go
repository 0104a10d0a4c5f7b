package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/archiver/internal/archive"
	"github.com/flowpbx/archiver/internal/archive/models"
	"github.com/flowpbx/archiver/internal/pbx"
	"github.com/flowpbx/archiver/internal/sftpx"
	"github.com/flowpbx/archiver/internal/tenant"
)

// fakeSource serves canned PBX records.
type fakeSource struct {
	schema     pbx.Schema
	extensions []pbx.Extension
	messages   []pbx.ChatMessage
	convs      []pbx.Conversation
	mappings   []pbx.FileMapping
	recordings []pbx.Recording
	voicemails []pbx.VoicemailRecord
	calls      []pbx.CallRecord
	meetings   []pbx.MeetingRecord
	faxes      []pbx.FaxRecord
	listErr    error
}

func (f *fakeSource) Schema() *pbx.Schema { return &f.schema }

func (f *fakeSource) Extensions(context.Context) ([]pbx.Extension, error) {
	return f.extensions, f.listErr
}

func (f *fakeSource) Messages(_ context.Context, since time.Time, limit int) ([]pbx.ChatMessage, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []pbx.ChatMessage
	for _, m := range f.messages {
		if m.SentAt.After(since) {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) Conversations(_ context.Context, ids []string) ([]pbx.Conversation, error) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []pbx.Conversation
	for _, c := range f.convs {
		if want[c.SourceID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSource) LiveConversations(context.Context) ([]pbx.Conversation, error) {
	return f.convs, nil
}

func (f *fakeSource) FileMappings(_ context.Context, ids []string) ([]pbx.FileMapping, error) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []pbx.FileMapping
	for _, m := range f.mappings {
		if want[m.MessageID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeSource) Recordings(_ context.Context, since time.Time, afterID string, limit int) ([]pbx.Recording, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	after, _ := strconv.ParseInt(afterID, 10, 64)
	var out []pbx.Recording
	for _, r := range f.recordings {
		if r.StartedAt == nil {
			// Timestamp-less variant: paged by numeric row id.
			if id, err := strconv.ParseInt(r.SourceID, 10, 64); err == nil && id <= after {
				continue
			}
		} else if !r.StartedAt.After(since) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) Voicemails(_ context.Context, since time.Time, limit int) ([]pbx.VoicemailRecord, error) {
	var out []pbx.VoicemailRecord
	good := 0
	for _, v := range f.voicemails {
		// Unparseable receive times surface only on the initial pass
		// and never occupy batch slots, matching the pbx client.
		if v.ReceivedAt.IsZero() {
			if since.IsZero() {
				out = append(out, v)
			}
			continue
		}
		if !v.ReceivedAt.After(since) {
			continue
		}
		out = append(out, v)
		good++
		if good == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) CallLogs(_ context.Context, since time.Time, limit int) ([]pbx.CallRecord, error) {
	var out []pbx.CallRecord
	for _, c := range f.calls {
		if c.StartedAt.After(since) {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) Meetings(_ context.Context, since time.Time, limit int) ([]pbx.MeetingRecord, error) {
	var out []pbx.MeetingRecord
	for _, m := range f.meetings {
		if m.StartedAt.After(since) {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) Faxes(_ context.Context, since time.Time, limit int) ([]pbx.FaxRecord, error) {
	var out []pbx.FaxRecord
	for _, fx := range f.faxes {
		if fx.ReceivedAt.After(since) {
			out = append(out, fx)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeFiles serves an in-memory remote filesystem keyed by path.
type fakeFiles struct {
	files map[string][]byte
}

func (f *fakeFiles) Exists(p string) (bool, error) {
	_, ok := f.files[p]
	return ok, nil
}

func (f *fakeFiles) Stat(p string) (int64, error) {
	data, ok := f.files[p]
	if !ok {
		return 0, fmt.Errorf("stat %s: no such file", p)
	}
	return int64(len(data)), nil
}

func (f *fakeFiles) List(string) ([]sftpx.Entry, error) { return nil, nil }

func (f *fakeFiles) ListRecursive(root string) ([]sftpx.RemoteFile, error) {
	var out []sftpx.RemoteFile
	prefix := strings.TrimSuffix(root, "/") + "/"
	for p, data := range f.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rel := strings.TrimPrefix(p, prefix)
		name := rel
		if i := strings.LastIndex(rel, "/"); i >= 0 {
			name = rel[i+1:]
		}
		out = append(out, sftpx.RemoteFile{
			Filename:     name,
			RelativePath: rel,
			AbsolutePath: p,
			Size:         int64(len(data)),
		})
	}
	return out, nil
}

func (f *fakeFiles) DownloadBuffer(_ context.Context, p string, maxBytes int64, _ time.Duration) ([]byte, error) {
	data, ok := f.files[p]
	if !ok {
		return nil, fmt.Errorf("download %s: no such file", p)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, sftpx.ErrTooLarge
	}
	return data, nil
}

func (f *fakeFiles) OpenStream(_ context.Context, p string) (io.ReadCloser, int64, error) {
	data, ok := f.files[p]
	if !ok {
		return nil, 0, fmt.Errorf("open %s: no such file", p)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// fakeStore collects uploads in memory.
type fakeStore struct {
	objects map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string][]byte{}} }

func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) PutBuffer(_ context.Context, key string, data []byte, _ string) error {
	s.objects[key] = data
	return nil
}

func (s *fakeStore) PutStream(_ context.Context, key string, r io.Reader, _ string, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[key] = data
	return nil
}

// fakeWriter collects archive writes in memory.
type fakeWriter struct {
	nextID int64

	extensionsByNumber map[string]int64
	conversations      map[string]int64
	participants       []models.Participant
	messages           map[string]int64
	media              []models.MediaFile
	recordings         map[string]int64
	recordingFiles     map[string]int64
	voicemails         map[string]bool
	faxes              map[string]bool
	callLogs           []models.CallLog
	meetings           map[string]bool
	refreshed          []int64

	failMessageSourceID string
	failRecordingSource string
	// afterMessage runs after each successful message upsert; tests use
	// it to cancel the run mid-batch.
	afterMessage func(sourceID string)
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		extensionsByNumber: map[string]int64{},
		conversations:      map[string]int64{},
		messages:           map[string]int64{},
		recordings:         map[string]int64{},
		recordingFiles:     map[string]int64{},
		voicemails:         map[string]bool{},
		faxes:              map[string]bool{},
		meetings:           map[string]bool{},
	}
}

func (w *fakeWriter) id() int64 {
	w.nextID++
	return w.nextID
}

func (w *fakeWriter) UpsertExtension(_ context.Context, ext *models.Extension) (int64, error) {
	id, ok := w.extensionsByNumber[ext.Extension]
	if !ok {
		id = w.id()
		w.extensionsByNumber[ext.Extension] = id
	}
	return id, nil
}

func (w *fakeWriter) ExtensionIDByNumber(_ context.Context, _ int64, number string) (int64, error) {
	if id, ok := w.extensionsByNumber[number]; ok {
		return id, nil
	}
	return 0, archive.ErrNotFound
}

func (w *fakeWriter) UpsertConversation(_ context.Context, c *models.Conversation) (int64, error) {
	id, ok := w.conversations[c.SourceID]
	if !ok {
		id = w.id()
		w.conversations[c.SourceID] = id
	}
	return id, nil
}

func (w *fakeWriter) UpsertParticipant(_ context.Context, p *models.Participant) error {
	w.participants = append(w.participants, *p)
	return nil
}

func (w *fakeWriter) UpsertMessage(ctx context.Context, m *models.Message) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if m.SourceID == w.failMessageSourceID {
		return 0, false, fmt.Errorf("forced failure for %s", m.SourceID)
	}
	id, ok := w.messages[m.SourceID]
	if !ok {
		id = w.id()
		w.messages[m.SourceID] = id
	}
	if w.afterMessage != nil {
		w.afterMessage(m.SourceID)
	}
	return id, !ok, nil
}

func (w *fakeWriter) InsertMedia(_ context.Context, m *models.MediaFile) (int64, error) {
	w.media = append(w.media, *m)
	return w.id(), nil
}

func (w *fakeWriter) MediaExists(_ context.Context, _ int64, key string) (bool, error) {
	for _, m := range w.media {
		if m.StorageKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (w *fakeWriter) RefreshConversationCounts(_ context.Context, id int64) error {
	w.refreshed = append(w.refreshed, id)
	return nil
}

func (w *fakeWriter) UpsertRecording(_ context.Context, rec *models.CallRecording) (bool, error) {
	if rec.SourceID == w.failRecordingSource {
		return false, fmt.Errorf("forced failure for %s", rec.SourceID)
	}
	if _, ok := w.recordings[rec.SourceID]; ok {
		return false, nil
	}
	id := w.id()
	w.recordings[rec.SourceID] = id
	if rec.SourceFilename != "" {
		w.recordingFiles[rec.SourceFilename] = id
	}
	return true, nil
}

func (w *fakeWriter) RecordingIDBySource(_ context.Context, _ int64, sourceID string) (int64, error) {
	if id, ok := w.recordings[sourceID]; ok {
		return id, nil
	}
	return 0, archive.ErrNotFound
}

func (w *fakeWriter) RecordingIDByFilename(_ context.Context, _ int64, filename string) (int64, error) {
	if id, ok := w.recordingFiles[filename]; ok {
		return id, nil
	}
	return 0, archive.ErrNotFound
}

func (w *fakeWriter) UpsertVoicemail(_ context.Context, vm *models.Voicemail) (bool, error) {
	inserted := !w.voicemails[vm.SourceID]
	w.voicemails[vm.SourceID] = true
	return inserted, nil
}

func (w *fakeWriter) UpsertFax(_ context.Context, f *models.Fax) (bool, error) {
	inserted := !w.faxes[f.SourceID]
	w.faxes[f.SourceID] = true
	return inserted, nil
}

func (w *fakeWriter) UpsertCallLog(_ context.Context, cl *models.CallLog) (bool, error) {
	w.callLogs = append(w.callLogs, *cl)
	return true, nil
}

func (w *fakeWriter) UpsertMeeting(_ context.Context, m *models.MeetingRecording) (bool, error) {
	inserted := !w.meetings[m.SourceID]
	w.meetings[m.SourceID] = true
	return inserted, nil
}

// testEnv assembles an Env over the fakes with sane limits.
func testEnv(src *fakeSource, files *fakeFiles, store *fakeStore, w *fakeWriter) *Env {
	env := &Env{
		Tenant: &models.Tenant{ID: 1, Name: "acme"},
		Paths: tenant.Paths{
			ChatFiles:  "/var/lib/phonesystem/chatfiles",
			Recordings: "/var/lib/phonesystem/recordings",
			Voicemails: "/var/lib/phonesystem/voicemails",
			Fax:        "/var/lib/phonesystem/fax",
			Meetings:   "/var/lib/phonesystem/meetings",
		},
		PBX:     src,
		Store:   store,
		Archive: w,
		Options: Options{
			MaxBufferedBytes: 25 << 20,
			MaxStreamBytes:   500 << 20,
		},
	}
	if files != nil {
		env.Files = files
	}
	return env
}
