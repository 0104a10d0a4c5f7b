package pbx

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// message projection shared by the active and history views. Both views
// carry the same column set; installations may have either or both.
const messageColumns = `message_id::text, conversation_id::text, is_external,
	COALESCE(queue_number, ''), sender_id, COALESCE(sender_name, ''),
	COALESCE(body, ''), time_sent, time_delivered, time_read`

// Messages returns up to limit messages with time_sent strictly after
// since (all messages when since is zero), merged from whichever message
// views exist, deduplicated by message id, in ascending sent order.
func (c *Client) Messages(ctx context.Context, since time.Time, limit int) ([]ChatMessage, error) {
	var sources []string
	if c.schema.HistoryMessagesView {
		sources = append(sources, "SELECT "+messageColumns+" FROM chat_messages_history")
	}
	if c.schema.ActiveMessagesView {
		sources = append(sources, "SELECT "+messageColumns+" FROM chat_messages")
	}
	if len(sources) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT * FROM (
		  SELECT DISTINCT ON (message_id) * FROM (%s) m
		  WHERE ($1::timestamptz IS NULL OR time_sent > $1)
		  ORDER BY message_id, time_sent DESC
		) d
		ORDER BY time_sent ASC
		LIMIT $2`, strings.Join(sources, " UNION ALL "))

	var sinceArg *time.Time
	if !since.IsZero() {
		sinceArg = &since
	}

	rows, err := c.q.Query(ctx, query, sinceArg, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.SourceID, &m.ConversationID, &m.IsExternal,
			&m.QueueNumber, &m.SenderID, &m.SenderName,
			&m.Body, &m.SentAt, &m.DeliveredAt, &m.ReadAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const conversationColumns = `conversation_id::text, public_name,
	COALESCE(generated_name, ''), is_external, COALESCE(participants, '{}'), updated_at`

// Conversations fetches metadata for the given source conversation ids
// from whichever chat views exist, keeping the most recent row per id.
func (c *Client) Conversations(ctx context.Context, ids []string) ([]Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var sources []string
	if c.schema.HistoryChatView {
		sources = append(sources, "SELECT "+conversationColumns+" FROM chat_conversations_history")
	}
	if c.schema.ActiveChatView {
		sources = append(sources, "SELECT "+conversationColumns+" FROM chat_conversations")
	}
	if len(sources) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT ON (conversation_id) * FROM (%s) c
		WHERE conversation_id::text = ANY($1)
		ORDER BY conversation_id, updated_at DESC`, strings.Join(sources, " UNION ALL "))

	rows, err := c.q.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			conv       Conversation
			publicName *string
			generated  string
			updatedAt  time.Time
		)
		if err := rows.Scan(&conv.SourceID, &publicName, &generated,
			&conv.IsExternal, &conv.Participants, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		conv.Name = DeriveChatName(publicName, generated, conv.Participants)
		conv.IsGroupChat = IsGroupChat(publicName, conv.Participants)
		out = append(out, conv)
	}
	return out, rows.Err()
}

// LiveConversations returns every conversation on the source, including
// empty ones, with message counts.
func (c *Client) LiveConversations(ctx context.Context) ([]Conversation, error) {
	if !c.schema.ConversationTable || !c.schema.ActiveMessagesView {
		return nil, nil
	}

	rows, err := c.q.Query(ctx, `
		SELECT c.id::text, c.public_name, COALESCE(c.participants, '{}'),
		       c.is_external, COUNT(m.message_id)
		FROM conversations c
		LEFT JOIN chat_messages m ON m.conversation_id = c.id
		GROUP BY c.id, c.public_name, c.participants, c.is_external
		ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("querying live conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			conv       Conversation
			publicName *string
		)
		if err := rows.Scan(&conv.SourceID, &publicName, &conv.Participants,
			&conv.IsExternal, &conv.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning live conversation: %w", err)
		}
		conv.Name = DeriveChatName(publicName, "", conv.Participants)
		conv.IsGroupChat = IsGroupChat(publicName, conv.Participants)
		out = append(out, conv)
	}
	return out, rows.Err()
}

// FileMappings returns the attachment rows for a set of message ids.
func (c *Client) FileMappings(ctx context.Context, messageIDs []string) ([]FileMapping, error) {
	if !c.schema.ChatFilesTable || len(messageIDs) == 0 {
		return nil, nil
	}

	rows, err := c.q.Query(ctx, `
		SELECT message_id::text, internal_filename,
		       COALESCE(public_filename, ''), COALESCE(file_info, '{}')::text
		FROM chat_files
		WHERE message_id::text = ANY($1)`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("querying file mappings: %w", err)
	}
	defer rows.Close()

	var out []FileMapping
	for rows.Next() {
		var (
			fm   FileMapping
			info string
		)
		if err := rows.Scan(&fm.MessageID, &fm.InternalName, &fm.PublicName, &info); err != nil {
			return nil, fmt.Errorf("scanning file mapping: %w", err)
		}
		fm.FileInfo = []byte(info)
		out = append(out, fm)
	}
	return out, rows.Err()
}

// DeriveChatName picks a display name for a conversation: the explicit
// public name, then the history view's generated name, then a synthesis
// from the participant list.
func DeriveChatName(publicName *string, generated string, participants []string) string {
	if publicName != nil && *publicName != "" {
		return *publicName
	}
	if generated != "" {
		return generated
	}
	switch len(participants) {
	case 0:
		return ""
	case 1:
		return participants[0]
	case 2:
		return participants[0] + ", " + participants[1]
	default:
		return fmt.Sprintf("%s, %s +%d", participants[0], participants[1], len(participants)-2)
	}
}

// IsGroupChat reports whether a conversation is a group chat: either it
// was explicitly named, or it has more than two participants.
func IsGroupChat(publicName *string, participants []string) bool {
	if publicName != nil && *publicName != "" {
		return true
	}
	return len(participants) > 2
}
