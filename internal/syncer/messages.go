package syncer

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/flowpbx/archiver/internal/archive"
	"github.com/flowpbx/archiver/internal/archive/models"
	"github.com/flowpbx/archiver/internal/objstore"
	"github.com/flowpbx/archiver/internal/pbx"
)

// MessagesStage archives chat conversations, their participants and
// messages, and moves message attachments into the object store.
type MessagesStage struct{}

func (MessagesStage) Name() string { return StageMessages }

func (MessagesStage) Run(ctx context.Context, env *Env) (Result, error) {
	var res Result
	if !env.PBX.Schema().HasMessages() {
		res.Notes = "no chat message views on this PBX"
		return res, nil
	}

	var msgs []pbx.ChatMessage
	err := withRetry(ctx, "list messages", func() error {
		var err error
		msgs, err = env.PBX.Messages(ctx, env.Watermark, env.Options.batchSize())
		return err
	})
	if err != nil {
		return res, fmt.Errorf("listing messages: %w", err)
	}
	if len(msgs) == 0 {
		res.Notes = "no new messages"
		return res, nil
	}

	convIDs := uniqueConvIDs(msgs)
	convs, err := env.PBX.Conversations(ctx, convIDs)
	if err != nil {
		return res, fmt.Errorf("loading conversation metadata: %w", err)
	}
	convMeta := make(map[string]*pbx.Conversation, len(convs))
	for i := range convs {
		convMeta[convs[i].SourceID] = &convs[i]
	}
	// Chat views may be missing while the conversations table is not;
	// fill metadata gaps from the live table.
	if len(convMeta) < len(convIDs) && env.PBX.Schema().ConversationTable {
		live, err := env.PBX.LiveConversations(ctx)
		if err != nil {
			return res, fmt.Errorf("loading live conversations: %w", err)
		}
		for i := range live {
			if convMeta[live[i].SourceID] == nil {
				convMeta[live[i].SourceID] = &live[i]
			}
		}
	}

	msgIDs := make([]string, 0, len(msgs))
	for i := range msgs {
		msgIDs = append(msgIDs, msgs[i].SourceID)
	}
	attachments := map[string][]pbx.FileMapping{}
	if env.PBX.Schema().ChatFilesTable {
		maps, err := env.PBX.FileMappings(ctx, msgIDs)
		if err != nil {
			return res, fmt.Errorf("loading file mappings: %w", err)
		}
		for _, m := range maps {
			attachments[m.MessageID] = append(attachments[m.MessageID], m)
		}
	}

	// Upsert conversations and participants up front so message rows
	// always have a parent to attach to.
	convArchiveID := make(map[string]int64, len(convIDs))
	for _, sid := range convIDs {
		id, err := upsertConversation(ctx, env, sid, convMeta[sid], firstMessageFor(msgs, sid))
		if err != nil {
			return res, fmt.Errorf("conversation %s: %w", sid, err)
		}
		convArchiveID[sid] = id
	}

	tracker := watermarkTracker{stopOnError: env.Options.WatermarkPerRecord}
	mediaDisabled := false
	for i := range msgs {
		msg := &msgs[i]
		files := attachments[msg.SourceID]

		row := &models.Message{
			TenantID:       env.Tenant.ID,
			ConversationID: convArchiveID[msg.ConversationID],
			SourceID:       msg.SourceID,
			SenderID:       msg.SenderID,
			SenderName:     msg.SenderName,
			MessageType:    messageType(msg, files),
			Body:           msg.Body,
			HasMedia:       len(files) > 0,
			MediaCount:     len(files),
			SentAt:         msg.SentAt,
			DeliveredAt:    msg.DeliveredAt,
			ReadAt:         msg.ReadAt,
		}
		msgID, _, err := env.Archive.UpsertMessage(ctx, row)
		if err != nil {
			res.recordErr(msg.SourceID, err)
			tracker.failed(msg.SentAt, err)
			continue
		}

		if len(files) > 0 && env.Files == nil {
			mediaDisabled = true
		}
		// Attachment failures collapse into one record error so the
		// message still counts once toward the batch.
		var attachErrs []error
		for _, fm := range files {
			if env.Files == nil {
				break
			}
			if err := archiveAttachment(ctx, env, msgID, convArchiveID[msg.ConversationID], msg, &fm); err != nil {
				attachErrs = append(attachErrs, fmt.Errorf("%s: %w", fm.PublicName, err))
			}
		}
		if len(attachErrs) > 0 {
			joined := errors.Join(attachErrs...)
			res.recordErr(msg.SourceID, joined)
			tracker.failed(msg.SentAt, joined)
			continue
		}
		res.Synced++
		tracker.ok(msg.SentAt)
	}

	for _, sid := range convIDs {
		if err := env.Archive.RefreshConversationCounts(ctx, convArchiveID[sid]); err != nil {
			return res, fmt.Errorf("refreshing conversation %s: %w", sid, err)
		}
	}

	res.NewWatermark = tracker.result()
	if mediaDisabled {
		res.Notes = fmt.Sprintf("Synced %d, skipped %d, %d failed; attachments not copied: no file access",
			res.Synced, res.Skipped, len(res.Errors))
	}
	return res, nil
}

func uniqueConvIDs(msgs []pbx.ChatMessage) []string {
	seen := map[string]bool{}
	var ids []string
	for i := range msgs {
		id := msgs[i].ConversationID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func firstMessageFor(msgs []pbx.ChatMessage, convID string) *pbx.ChatMessage {
	for i := range msgs {
		if msgs[i].ConversationID == convID {
			return &msgs[i]
		}
	}
	return nil
}

// upsertConversation writes the conversation row, synthesizing minimal
// metadata from the message when the PBX no longer has the thread, and
// links participants to known extensions.
func upsertConversation(ctx context.Context, env *Env, sourceID string, meta *pbx.Conversation, sample *pbx.ChatMessage) (int64, error) {
	row := &models.Conversation{
		TenantID: env.Tenant.ID,
		SourceID: sourceID,
	}
	var participants []string
	if meta != nil {
		row.Name = meta.Name
		row.IsExternal = meta.IsExternal
		row.IsGroupChat = meta.IsGroupChat
		row.ParticipantCount = len(meta.Participants)
		participants = meta.Participants
	} else if sample != nil {
		// Thread metadata already purged on the PBX; keep what the
		// message itself knows.
		row.IsExternal = sample.IsExternal
		if sample.SenderID != "" {
			participants = []string{sample.SenderID}
			row.ParticipantCount = 1
		}
	}

	id, err := env.Archive.UpsertConversation(ctx, row)
	if err != nil {
		return 0, err
	}

	for _, ident := range participants {
		extID, err := env.Archive.ExtensionIDByNumber(ctx, env.Tenant.ID, ident)
		var link *int64
		switch {
		case err == nil:
			link = &extID
		case errors.Is(err, archive.ErrNotFound):
		default:
			return 0, fmt.Errorf("resolving extension %s: %w", ident, err)
		}
		p := &models.Participant{
			ConversationID: id,
			Identifier:     ident,
			ExtensionID:    link,
		}
		if sample != nil && sample.SenderID == ident {
			p.Name = sample.SenderName
		}
		if err := env.Archive.UpsertParticipant(ctx, p); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func messageType(msg *pbx.ChatMessage, files []pbx.FileMapping) string {
	if len(files) > 0 {
		return "file"
	}
	if msg.QueueNumber != "" {
		return "queue"
	}
	return "text"
}

// archiveAttachment locates a chat file on the PBX by probing the
// configured subdirectories, moves it into the object store and records
// the media row unless the key is already archived.
func archiveAttachment(ctx context.Context, env *Env, messageID, conversationID int64, msg *pbx.ChatMessage, fm *pbx.FileMapping) error {
	display := fm.PublicName
	if display == "" {
		display = fm.InternalName
	}

	remote, err := env.locate(chatFileCandidates(env.Paths.ChatFiles, env.Options.ChatMediaSubdirs, fm.InternalName))
	if err != nil {
		return err
	}

	got, err := env.archiveFile(ctx, remote, objstore.CategoryChatMedia, display, msg.SentAt)
	if err != nil {
		return err
	}
	if got.Skipped {
		return nil
	}

	dup, err := env.Archive.MediaExists(ctx, env.Tenant.ID, got.Key)
	if err != nil || dup {
		return err
	}
	_, err = env.Archive.InsertMedia(ctx, &models.MediaFile{
		TenantID:       env.Tenant.ID,
		MessageID:      &messageID,
		ConversationID: &conversationID,
		Filename:       display,
		ContentType:    got.ContentType,
		FileSize:       got.Size,
		StorageKey:     got.Key,
		ThumbnailKey:   got.ThumbKey,
		Width:          got.Width,
		Height:         got.Height,
		Metadata:       fm.FileInfo,
	})
	return err
}

// chatFileCandidates lists the on-disk paths a chat attachment may live
// under. Subdir "" means the base directory itself.
func chatFileCandidates(base string, subdirs []string, internalName string) []string {
	if len(subdirs) == 0 {
		subdirs = []string{"", "received", "sent"}
	}
	out := make([]string, 0, len(subdirs))
	for _, sub := range subdirs {
		if sub == "" {
			out = append(out, path.Join(base, internalName))
			continue
		}
		out = append(out, path.Join(base, sub, internalName))
	}
	return out
}
