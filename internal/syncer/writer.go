package syncer

import (
	"context"

	"github.com/flowpbx/archiver/internal/archive"
	"github.com/flowpbx/archiver/internal/archive/models"
)

// archiveWriter bundles the per-entity repositories behind the Writer
// surface the stages use.
type archiveWriter struct {
	extensions    *archive.ExtensionRepository
	conversations *archive.ConversationRepository
	recordings    *archive.RecordingRepository
	voicemails    *archive.VoicemailRepository
	faxes         *archive.FaxRepository
	callLogs      *archive.CallLogRepository
	meetings      *archive.MeetingRepository
}

// NewWriter builds a Writer over the archive database.
func NewWriter(db *archive.DB) Writer {
	return &archiveWriter{
		extensions:    archive.NewExtensionRepository(db),
		conversations: archive.NewConversationRepository(db),
		recordings:    archive.NewRecordingRepository(db),
		voicemails:    archive.NewVoicemailRepository(db),
		faxes:         archive.NewFaxRepository(db),
		callLogs:      archive.NewCallLogRepository(db),
		meetings:      archive.NewMeetingRepository(db),
	}
}

func (w *archiveWriter) UpsertExtension(ctx context.Context, ext *models.Extension) (int64, error) {
	return w.extensions.Upsert(ctx, ext)
}

func (w *archiveWriter) ExtensionIDByNumber(ctx context.Context, tenantID int64, number string) (int64, error) {
	return w.extensions.IDByNumber(ctx, tenantID, number)
}

func (w *archiveWriter) UpsertConversation(ctx context.Context, c *models.Conversation) (int64, error) {
	return w.conversations.UpsertConversation(ctx, c)
}

func (w *archiveWriter) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	return w.conversations.UpsertParticipant(ctx, p)
}

func (w *archiveWriter) UpsertMessage(ctx context.Context, m *models.Message) (int64, bool, error) {
	return w.conversations.UpsertMessage(ctx, m)
}

func (w *archiveWriter) InsertMedia(ctx context.Context, m *models.MediaFile) (int64, error) {
	return w.conversations.InsertMedia(ctx, m)
}

func (w *archiveWriter) MediaExists(ctx context.Context, tenantID int64, storageKey string) (bool, error) {
	return w.conversations.MediaExists(ctx, tenantID, storageKey)
}

func (w *archiveWriter) RefreshConversationCounts(ctx context.Context, conversationID int64) error {
	return w.conversations.RefreshCounts(ctx, conversationID)
}

func (w *archiveWriter) UpsertRecording(ctx context.Context, rec *models.CallRecording) (bool, error) {
	return w.recordings.Upsert(ctx, rec)
}

func (w *archiveWriter) RecordingIDBySource(ctx context.Context, tenantID int64, sourceID string) (int64, error) {
	return w.recordings.IDBySource(ctx, tenantID, sourceID)
}

func (w *archiveWriter) RecordingIDByFilename(ctx context.Context, tenantID int64, filename string) (int64, error) {
	return w.recordings.IDByFilename(ctx, tenantID, filename)
}

func (w *archiveWriter) UpsertVoicemail(ctx context.Context, vm *models.Voicemail) (bool, error) {
	return w.voicemails.Upsert(ctx, vm)
}

func (w *archiveWriter) UpsertFax(ctx context.Context, f *models.Fax) (bool, error) {
	return w.faxes.Upsert(ctx, f)
}

func (w *archiveWriter) UpsertCallLog(ctx context.Context, cl *models.CallLog) (bool, error) {
	return w.callLogs.Upsert(ctx, cl)
}

func (w *archiveWriter) UpsertMeeting(ctx context.Context, m *models.MeetingRecording) (bool, error) {
	return w.meetings.Upsert(ctx, m)
}
