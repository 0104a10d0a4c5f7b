package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/flowpbx/archiver/internal/archive/models"
)

// ConversationRepository upserts conversations, participants, messages and
// their media. All writes are independent single-row transactions.
type ConversationRepository struct {
	db *DB
}

// NewConversationRepository creates a ConversationRepository.
func NewConversationRepository(db *DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// UpsertConversation inserts or refreshes a conversation keyed by
// (tenant, source id) and returns its archive id.
func (r *ConversationRepository) UpsertConversation(ctx context.Context, c *models.Conversation) (int64, error) {
	var id int64
	err := r.db.pool.QueryRow(ctx,
		`INSERT INTO conversations (tenant_id, source_id, name, is_external, is_group_chat, participant_count)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, source_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   is_external = EXCLUDED.is_external,
		   is_group_chat = EXCLUDED.is_group_chat,
		   participant_count = EXCLUDED.participant_count
		 RETURNING id`,
		c.TenantID, c.SourceID, c.Name, c.IsExternal, c.IsGroupChat, c.ParticipantCount,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting conversation %s: %w", c.SourceID, err)
	}
	return id, nil
}

// ConversationIDBySource resolves a source conversation id, or ErrNotFound.
func (r *ConversationRepository) ConversationIDBySource(ctx context.Context, tenantID int64, sourceID string) (int64, error) {
	var id int64
	err := r.db.pool.QueryRow(ctx,
		"SELECT id FROM conversations WHERE tenant_id = $1 AND source_id = $2",
		tenantID, sourceID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("looking up conversation %s: %w", sourceID, err)
	}
	return id, nil
}

// UpsertParticipant inserts a participant, keeping the first-seen name when
// the row already exists but the new name is empty.
func (r *ConversationRepository) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO participants (conversation_id, identifier, name, extension_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id, identifier) DO UPDATE SET
		   name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE participants.name END,
		   extension_id = COALESCE(EXCLUDED.extension_id, participants.extension_id)`,
		p.ConversationID, p.Identifier, p.Name, p.ExtensionID)
	if err != nil {
		return fmt.Errorf("upserting participant %s: %w", p.Identifier, err)
	}
	return nil
}

// UpsertMessage inserts or refreshes a message keyed by (tenant, source id).
// The returned bool is true when the row was newly inserted.
func (r *ConversationRepository) UpsertMessage(ctx context.Context, m *models.Message) (int64, bool, error) {
	var (
		id       int64
		inserted bool
	)
	err := r.db.pool.QueryRow(ctx,
		`INSERT INTO messages (tenant_id, conversation_id, source_id, sender_id, sender_name,
		   message_type, body, has_media, media_count, sent_at, delivered_at, read_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (tenant_id, source_id) DO UPDATE SET
		   body = EXCLUDED.body,
		   delivered_at = EXCLUDED.delivered_at,
		   read_at = EXCLUDED.read_at
		 RETURNING id, (xmax = 0)`,
		m.TenantID, m.ConversationID, m.SourceID, m.SenderID, m.SenderName,
		m.MessageType, m.Body, m.HasMedia, m.MediaCount, m.SentAt, m.DeliveredAt, m.ReadAt,
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("upserting message %s: %w", m.SourceID, err)
	}
	return id, inserted, nil
}

// InsertMedia records an archived media file. MessageID may be nil for
// conversation-level attachments.
func (r *ConversationRepository) InsertMedia(ctx context.Context, m *models.MediaFile) (int64, error) {
	var id int64
	err := r.db.pool.QueryRow(ctx,
		`INSERT INTO media_files (tenant_id, message_id, conversation_id, filename, content_type,
		   file_size, storage_key, thumbnail_key, width, height, duration_seconds, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		m.TenantID, m.MessageID, m.ConversationID, m.Filename, m.ContentType,
		m.FileSize, m.StorageKey, m.ThumbnailKey, m.Width, m.Height, m.DurationSeconds, m.Metadata,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting media %s: %w", m.Filename, err)
	}
	return id, nil
}

// MediaExists reports whether a media row already references the storage key.
func (r *ConversationRepository) MediaExists(ctx context.Context, tenantID int64, storageKey string) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM media_files WHERE tenant_id = $1 AND storage_key = $2)",
		tenantID, storageKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking media key %s: %w", storageKey, err)
	}
	return exists, nil
}

// RefreshCounts recomputes message_count and the first/last message
// timestamps for a conversation from its archived messages.
func (r *ConversationRepository) RefreshCounts(ctx context.Context, conversationID int64) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE conversations c SET
		   message_count = sub.cnt,
		   first_message_at = sub.first_at,
		   last_message_at = sub.last_at
		 FROM (SELECT COUNT(*) AS cnt, MIN(sent_at) AS first_at, MAX(sent_at) AS last_at
		       FROM messages WHERE conversation_id = $1) sub
		 WHERE c.id = $1`,
		conversationID)
	if err != nil {
		return fmt.Errorf("refreshing conversation counts: %w", err)
	}
	return nil
}
