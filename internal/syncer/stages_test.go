package syncer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/archiver/internal/pbx"
)

func wavBytes(n int) []byte {
	data := append([]byte("RIFF\x24\x08\x00\x00WAVE"), make([]byte, n)...)
	return data
}

func TestExtensionsStage(t *testing.T) {
	src := &fakeSource{
		schema: pbx.Schema{Extensions: pbx.ExtSourceUsersView},
		extensions: []pbx.Extension{
			{SourceID: "1", Number: "100", FirstName: "Ada", LastName: "Lovelace"},
			{SourceID: "2", Number: "101"},
		},
	}
	w := newFakeWriter()
	env := testEnv(src, nil, newFakeStore(), w)

	res, err := ExtensionsStage{}.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 2 || len(res.Errors) != 0 {
		t.Errorf("Synced = %d, errors = %d; want 2, 0", res.Synced, len(res.Errors))
	}
	if _, ok := w.extensionsByNumber["100"]; !ok {
		t.Error("extension 100 not written")
	}
}

func TestExtensionsStageNoSource(t *testing.T) {
	src := &fakeSource{schema: pbx.Schema{Extensions: pbx.ExtSourceNone}}
	res, err := ExtensionsStage{}.Run(context.Background(), testEnv(src, nil, newFakeStore(), newFakeWriter()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Notes == "" {
		t.Error("expected an explanatory note when the PBX has no extension source")
	}
}

func TestMessagesStageIncremental(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{
		schema: pbx.Schema{ActiveMessagesView: true},
		messages: []pbx.ChatMessage{
			{SourceID: "m1", ConversationID: "c1", SenderID: "100", Body: "old", SentAt: base},
			{SourceID: "m2", ConversationID: "c1", SenderID: "101", Body: "newer", SentAt: base.Add(time.Hour)},
			{SourceID: "m3", ConversationID: "c2", SenderID: "100", Body: "newest", SentAt: base.Add(2 * time.Hour)},
		},
		convs: []pbx.Conversation{
			{SourceID: "c1", Name: "Support", Participants: []string{"100", "101"}},
		},
	}
	w := newFakeWriter()
	w.extensionsByNumber["100"] = 7
	env := testEnv(src, nil, newFakeStore(), w)
	env.Watermark = base // m1 already archived

	res, err := MessagesStage{}.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 2 {
		t.Errorf("Synced = %d, want 2", res.Synced)
	}
	if res.NewWatermark == nil || !res.NewWatermark.Equal(base.Add(2*time.Hour)) {
		t.Errorf("NewWatermark = %v, want %v", res.NewWatermark, base.Add(2*time.Hour))
	}
	if len(w.conversations) != 2 {
		t.Errorf("conversations written = %d, want 2 (one synthesized)", len(w.conversations))
	}
	// Participant 100 links to the known extension.
	var linked bool
	for _, p := range w.participants {
		if p.Identifier == "100" && p.ExtensionID != nil && *p.ExtensionID == 7 {
			linked = true
		}
	}
	if !linked {
		t.Error("participant 100 not linked to its extension")
	}
	if len(w.refreshed) != 2 {
		t.Errorf("refreshed conversations = %d, want 2", len(w.refreshed))
	}
}

func TestMessagesStageEmptyBatch(t *testing.T) {
	src := &fakeSource{schema: pbx.Schema{ActiveMessagesView: true}}
	res, err := MessagesStage{}.Run(context.Background(), testEnv(src, nil, newFakeStore(), newFakeWriter()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Notes != "no new messages" {
		t.Errorf("Notes = %q", res.Notes)
	}
	if res.NewWatermark != nil {
		t.Error("empty batch must not move the cursor")
	}
}

func TestMessagesStagePerRecordWatermark(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{
		schema: pbx.Schema{ActiveMessagesView: true},
		messages: []pbx.ChatMessage{
			{SourceID: "m1", ConversationID: "c1", SentAt: base.Add(time.Minute)},
			{SourceID: "m2", ConversationID: "c1", SentAt: base.Add(2 * time.Minute)},
			{SourceID: "m3", ConversationID: "c1", SentAt: base.Add(3 * time.Minute)},
		},
	}
	w := newFakeWriter()
	w.failMessageSourceID = "m2"
	env := testEnv(src, nil, newFakeStore(), w)
	env.Options.WatermarkPerRecord = true

	res, err := MessagesStage{}.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 2 || len(res.Errors) != 1 {
		t.Errorf("Synced = %d, errors = %d; want 2, 1", res.Synced, len(res.Errors))
	}
	// Cursor freezes before the failed record so m2 is retried next tick.
	if res.NewWatermark == nil || !res.NewWatermark.Equal(base.Add(time.Minute)) {
		t.Errorf("NewWatermark = %v, want %v", res.NewWatermark, base.Add(time.Minute))
	}
}

func TestMessagesStageCancelMidBatch(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{
		schema: pbx.Schema{ActiveMessagesView: true},
		messages: []pbx.ChatMessage{
			{SourceID: "m1", ConversationID: "c1", SentAt: base.Add(time.Minute)},
			{SourceID: "m2", ConversationID: "c1", SentAt: base.Add(2 * time.Minute)},
			{SourceID: "m3", ConversationID: "c1", SentAt: base.Add(3 * time.Minute)},
		},
	}
	w := newFakeWriter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.afterMessage = func(id string) {
		if id == "m1" {
			cancel()
		}
	}

	res, err := MessagesStage{}.Run(ctx, testEnv(src, nil, newFakeStore(), w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 1 || len(res.Errors) != 2 {
		t.Errorf("Synced = %d, errors = %d; want 1, 2", res.Synced, len(res.Errors))
	}
	// m2 and m3 failed only because of the cancel and were never
	// archived; the cursor must stop before them so they are fetched
	// again next tick.
	if res.NewWatermark == nil || !res.NewWatermark.Equal(base.Add(time.Minute)) {
		t.Errorf("NewWatermark = %v, want %v", res.NewWatermark, base.Add(time.Minute))
	}
	if _, ok := w.messages["m2"]; ok {
		t.Error("m2 should not be archived after the cancel")
	}
}

func TestMessagesStageAttachmentFailuresCollapse(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{
		schema: pbx.Schema{ActiveMessagesView: true, ChatFilesTable: true},
		messages: []pbx.ChatMessage{
			{SourceID: "m1", ConversationID: "c1", SenderID: "100", SentAt: base},
		},
		mappings: []pbx.FileMapping{
			{MessageID: "m1", InternalName: "gone1.dat", PublicName: "a.pdf"},
			{MessageID: "m1", InternalName: "gone2.dat", PublicName: "b.pdf"},
		},
	}
	files := &fakeFiles{files: map[string][]byte{}}
	w := newFakeWriter()

	res, err := MessagesStage{}.Run(context.Background(), testEnv(src, files, newFakeStore(), w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Both attachment failures count as one record error, keeping
	// synced+skipped+errors equal to the batch size.
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %d, want 1: %v", len(res.Errors), res.Errors)
	}
	if got := res.Synced + res.Skipped + len(res.Errors); got != 1 {
		t.Errorf("synced+skipped+errors = %d, want 1", got)
	}
	msg := res.Errors[0].Message
	if !strings.Contains(msg, "a.pdf") || !strings.Contains(msg, "b.pdf") {
		t.Errorf("error should name both attachments, got %q", msg)
	}
}

func TestMessagesStageAttachments(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{
		schema: pbx.Schema{ActiveMessagesView: true, ChatFilesTable: true},
		messages: []pbx.ChatMessage{
			{SourceID: "m1", ConversationID: "c1", SenderID: "100", SentAt: base},
		},
		mappings: []pbx.FileMapping{
			{MessageID: "m1", InternalName: "ab12cd.dat", PublicName: "invoice.pdf"},
		},
	}
	files := &fakeFiles{files: map[string][]byte{
		"/var/lib/phonesystem/chatfiles/received/ab12cd.dat": []byte("%PDF-1.7 body"),
	}}
	w := newFakeWriter()
	store := newFakeStore()

	res, err := MessagesStage{}.Run(context.Background(), testEnv(src, files, store, w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 1 || len(res.Errors) != 0 {
		t.Fatalf("Synced = %d, errors = %v", res.Synced, res.Errors)
	}
	if len(w.media) != 1 {
		t.Fatalf("media rows = %d, want 1", len(w.media))
	}
	m := w.media[0]
	if m.ContentType != "application/pdf" {
		t.Errorf("ContentType = %q, want application/pdf", m.ContentType)
	}
	if !strings.HasPrefix(m.StorageKey, "1/chat-media/2024/03/") {
		t.Errorf("StorageKey = %q, want 1/chat-media/2024/03/ prefix", m.StorageKey)
	}
	if _, ok := store.objects[m.StorageKey]; !ok {
		t.Error("object not uploaded")
	}
}

func TestRecordingsStagePartialFailureWatermark(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { t := base.Add(d); return &t }
	src := &fakeSource{
		schema: pbx.Schema{Recordings: true},
		recordings: []pbx.Recording{
			{SourceID: "r1", Extension: "100", URL: "https://pbx/recordings/100/r1.wav", StartedAt: at(0)},
			{SourceID: "r2", Extension: "100", URL: "https://pbx/recordings/100/missing.wav", StartedAt: at(time.Hour)},
			{SourceID: "r3", Extension: "100", URL: "https://pbx/recordings/100/r3.wav", StartedAt: at(2 * time.Hour)},
		},
	}
	files := &fakeFiles{files: map[string][]byte{
		"/var/lib/phonesystem/recordings/100/r1.wav": wavBytes(64),
		"/var/lib/phonesystem/recordings/100/r3.wav": wavBytes(64),
	}}
	w := newFakeWriter()

	res, err := RecordingsStage{}.Run(context.Background(), testEnv(src, files, newFakeStore(), w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 2 || len(res.Errors) != 1 {
		t.Errorf("Synced = %d, errors = %d; want 2, 1", res.Synced, len(res.Errors))
	}
	// r3 is archived but the cursor stops before r2 so it is retried.
	if res.NewWatermark == nil || !res.NewWatermark.Equal(base) {
		t.Errorf("NewWatermark = %v, want %v", res.NewWatermark, base)
	}
	if _, ok := w.recordings["r3"]; !ok {
		t.Error("r3 should be archived despite the earlier failure")
	}
}

func TestRecordingsStageOversizeSkip(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{
		schema: pbx.Schema{Recordings: true},
		recordings: []pbx.Recording{
			{SourceID: "big", Extension: "100", URL: "https://pbx/recordings/100/big.wav", StartedAt: &base},
		},
	}
	files := &fakeFiles{files: map[string][]byte{
		"/var/lib/phonesystem/recordings/100/big.wav": wavBytes(100),
	}}
	env := testEnv(src, files, newFakeStore(), newFakeWriter())
	env.Options.MaxBufferedBytes = 10
	env.Options.MaxStreamBytes = 20

	res, err := RecordingsStage{}.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped != 1 || res.Synced != 0 || len(res.Errors) != 0 {
		t.Errorf("got synced=%d skipped=%d errors=%d; want 0/1/0", res.Synced, res.Skipped, len(res.Errors))
	}
	// Oversize files are deliberate skips; the cursor moves past them.
	if res.NewWatermark == nil || !res.NewWatermark.Equal(base) {
		t.Errorf("NewWatermark = %v, want %v", res.NewWatermark, base)
	}
}

func TestRecordingsStageIDCursor(t *testing.T) {
	// No start_time column: rows are paged by id and the id cursor
	// persists progress across ticks.
	src := &fakeSource{
		schema: pbx.Schema{Recordings: true},
		recordings: []pbx.Recording{
			{SourceID: "1", Extension: "100", URL: "https://pbx/recordings/100/a.wav"},
			{SourceID: "2", Extension: "100", URL: "https://pbx/recordings/100/missing.wav"},
			{SourceID: "3", Extension: "100", URL: "https://pbx/recordings/100/c.wav"},
		},
	}
	files := &fakeFiles{files: map[string][]byte{
		"/var/lib/phonesystem/recordings/100/a.wav": wavBytes(16),
		"/var/lib/phonesystem/recordings/100/c.wav": wavBytes(16),
	}}
	w := newFakeWriter()

	res, err := RecordingsStage{}.Run(context.Background(), testEnv(src, files, newFakeStore(), w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 2 || len(res.Errors) != 1 {
		t.Errorf("Synced = %d, errors = %d; want 2, 1", res.Synced, len(res.Errors))
	}
	if res.NewWatermark != nil {
		t.Errorf("NewWatermark = %v, want nil for the id-paged variant", res.NewWatermark)
	}
	// The cursor freezes before the failed row so it is retried.
	if res.NewSourceCursor == nil || *res.NewSourceCursor != "1" {
		t.Fatalf("NewSourceCursor = %v, want 1", res.NewSourceCursor)
	}

	// Next tick resumes past the cursor instead of refetching row 1.
	env := testEnv(src, files, newFakeStore(), w)
	env.SourceCursor = "1"
	res, err = RecordingsStage{}.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Synced + res.Skipped + len(res.Errors); got != 2 {
		t.Errorf("batch size after cursor = %d, want 2", got)
	}
}

func TestRecordingsStageNoFileAccess(t *testing.T) {
	src := &fakeSource{schema: pbx.Schema{Recordings: true}}
	res, err := RecordingsStage{}.Run(context.Background(), testEnv(src, nil, newFakeStore(), newFakeWriter()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Notes, "missing SSH credentials") {
		t.Errorf("Notes = %q, want media-disabled note", res.Notes)
	}
}

func TestVoicemailsStage(t *testing.T) {
	base := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	src := &fakeSource{
		schema: pbx.Schema{Voicemail: true},
		voicemails: []pbx.VoicemailRecord{
			{SourceID: "v1", Extension: "100", Filename: "msg0001", CallerNumber: "15550001111", ReceivedAt: base},
		},
	}
	files := &fakeFiles{files: map[string][]byte{
		"/var/lib/phonesystem/voicemails/Extensions/100/msg0001.wav": wavBytes(32),
	}}
	w := newFakeWriter()

	res, err := VoicemailsStage{}.Run(context.Background(), testEnv(src, files, newFakeStore(), w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 1 || len(res.Errors) != 0 {
		t.Fatalf("Synced = %d, errors = %v", res.Synced, res.Errors)
	}
	if !w.voicemails["v1"] {
		t.Error("voicemail v1 not written")
	}
	if res.NewWatermark == nil || !res.NewWatermark.Equal(base) {
		t.Errorf("NewWatermark = %v, want %v", res.NewWatermark, base)
	}
}

func TestVoicemailsStageUnparseableReceiveTime(t *testing.T) {
	base := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	src := &fakeSource{
		schema: pbx.Schema{Voicemail: true},
		voicemails: []pbx.VoicemailRecord{
			{SourceID: "v-bad", Extension: "100", Filename: "msg0000"}, // zero ReceivedAt
			{SourceID: "v1", Extension: "100", Filename: "msg0001", ReceivedAt: base},
		},
	}
	files := &fakeFiles{files: map[string][]byte{
		"/var/lib/phonesystem/voicemails/Extensions/100/msg0000.wav": wavBytes(32),
		"/var/lib/phonesystem/voicemails/Extensions/100/msg0001.wav": wavBytes(32),
	}}
	w := newFakeWriter()

	res, err := VoicemailsStage{}.Run(context.Background(), testEnv(src, files, newFakeStore(), w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The row without a receive time is a record error, never archived,
	// and does not hold the cursor back from the good row.
	if res.Synced != 1 || len(res.Errors) != 1 {
		t.Errorf("Synced = %d, errors = %d; want 1, 1", res.Synced, len(res.Errors))
	}
	if w.voicemails["v-bad"] {
		t.Error("voicemail without a receive time should not be archived")
	}
	if res.NewWatermark == nil || !res.NewWatermark.Equal(base) {
		t.Errorf("NewWatermark = %v, want %v", res.NewWatermark, base)
	}
}

func TestFaxesStageDirectoryWalk(t *testing.T) {
	src := &fakeSource{schema: pbx.Schema{}} // no fax table
	files := &fakeFiles{files: map[string][]byte{
		"/var/lib/phonesystem/fax/in_20240315142530_15551234567.pdf": []byte("%PDF-1.4 fax"),
		"/var/lib/phonesystem/fax/readme.txt":                        []byte("ignored"),
	}}
	w := newFakeWriter()

	res, err := FaxesStage{}.Run(context.Background(), testEnv(src, files, newFakeStore(), w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 1 || len(res.Errors) != 0 {
		t.Fatalf("Synced = %d, errors = %v", res.Synced, res.Errors)
	}
	if !w.faxes["in_20240315142530_15551234567.pdf"] {
		t.Error("fax not written under its relative path source id")
	}
	want := time.Date(2024, 3, 15, 14, 25, 30, 0, time.UTC)
	if res.NewWatermark == nil || !res.NewWatermark.Equal(want) {
		t.Errorf("NewWatermark = %v, want %v", res.NewWatermark, want)
	}
}

func TestCallLogsStageRecordingLink(t *testing.T) {
	base := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		schema: pbx.Schema{CallLog: pbx.CallLogCL},
		calls: []pbx.CallRecord{
			{SourceID: "call1", Direction: "inbound", Status: "answered", StartedAt: base, HasRecording: true},
			{SourceID: "call2", Direction: "outbound", Status: "missed", StartedAt: base.Add(time.Minute)},
		},
	}
	w := newFakeWriter()
	w.recordings["call1"] = 99

	res, err := CallLogsStage{}.Run(context.Background(), testEnv(src, nil, newFakeStore(), w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 2 {
		t.Fatalf("Synced = %d, want 2", res.Synced)
	}
	var linked, unlinked bool
	for _, cl := range w.callLogs {
		switch cl.SourceID {
		case "call1":
			linked = cl.RecordingID != nil && *cl.RecordingID == 99
		case "call2":
			unlinked = cl.RecordingID == nil
		}
	}
	if !linked {
		t.Error("call1 should link to its archived recording")
	}
	if !unlinked {
		t.Error("call2 should have no recording link")
	}
}

func TestCallLogsStageRecordingLinkByFilename(t *testing.T) {
	// Variants that expose the recording file match on the filename;
	// the recording's own row id differs from the call id there.
	base := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		schema: pbx.Schema{CallLog: pbx.CallLogCL},
		calls: []pbx.CallRecord{
			{SourceID: "call1", Direction: "inbound", Status: "answered", StartedAt: base,
				HasRecording: true, RecordingFile: "r9.wav"},
		},
	}
	w := newFakeWriter()
	w.recordings["rec42"] = 7
	w.recordingFiles["r9.wav"] = 7

	res, err := CallLogsStage{}.Run(context.Background(), testEnv(src, nil, newFakeStore(), w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 1 {
		t.Fatalf("Synced = %d, want 1", res.Synced)
	}
	if len(w.callLogs) != 1 || w.callLogs[0].RecordingID == nil || *w.callLogs[0].RecordingID != 7 {
		t.Error("call1 should link to its recording via the filename")
	}
}

func TestMeetingsStageDirectoryWalk(t *testing.T) {
	src := &fakeSource{schema: pbx.Schema{}} // no meetings table
	files := &fakeFiles{files: map[string][]byte{
		"/var/lib/phonesystem/meetings/100_20240315103000_weekly-standup.mp4": []byte("\x00\x00\x00\x18ftypisomvideo"),
	}}
	w := newFakeWriter()

	res, err := MeetingsStage{}.Run(context.Background(), testEnv(src, files, newFakeStore(), w))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Synced != 1 {
		t.Fatalf("Synced = %d, errors = %v", res.Synced, res.Errors)
	}
	if !w.meetings["100_20240315103000_weekly-standup.mp4"] {
		t.Error("meeting not written")
	}
}

// Accounting invariant: synced + skipped + errors covers the batch.
func TestStageAccounting(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { t := base.Add(d); return &t }
	src := &fakeSource{
		schema: pbx.Schema{Recordings: true},
		recordings: []pbx.Recording{
			{SourceID: "ok", Extension: "100", URL: "https://pbx/recordings/100/ok.wav", StartedAt: at(0)},
			{SourceID: "huge", Extension: "100", URL: "https://pbx/recordings/100/huge.wav", StartedAt: at(time.Hour)},
			{SourceID: "gone", Extension: "100", URL: "https://pbx/recordings/100/gone.wav", StartedAt: at(2 * time.Hour)},
		},
	}
	files := &fakeFiles{files: map[string][]byte{
		"/var/lib/phonesystem/recordings/100/ok.wav":   wavBytes(16),
		"/var/lib/phonesystem/recordings/100/huge.wav": wavBytes(1000),
	}}
	env := testEnv(src, files, newFakeStore(), newFakeWriter())
	env.Options.MaxBufferedBytes = 100
	env.Options.MaxStreamBytes = 200

	res, err := RecordingsStage{}.Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Synced + res.Skipped + len(res.Errors); got != 3 {
		t.Errorf("synced+skipped+errors = %d, want 3", got)
	}
	if res.Synced != 1 || res.Skipped != 1 || len(res.Errors) != 1 {
		t.Errorf("breakdown = %d/%d/%d, want 1/1/1", res.Synced, res.Skipped, len(res.Errors))
	}
}
