package pbx

import (
	"context"
	"fmt"
)

// ExtensionSource selects the query variant for extensions.
type ExtensionSource int

const (
	ExtSourceNone ExtensionSource = iota
	ExtSourceUsersView
	ExtSourceDN
)

// String returns the source relation name for logging.
func (s ExtensionSource) String() string {
	switch s {
	case ExtSourceUsersView:
		return "users_view"
	case ExtSourceDN:
		return "dn"
	default:
		return "none"
	}
}

// CallLogSource selects the query variant for call-detail-records, in
// priority order.
type CallLogSource int

const (
	CallLogNone CallLogSource = iota
	CallLogMyphoneV14
	CallLogCL
	CallLogCallhistory3
	CallLogCDR
	CallLogCallhistory
	CallLogCallHistory
)

// String returns the source relation name for logging.
func (s CallLogSource) String() string {
	switch s {
	case CallLogMyphoneV14:
		return "myphone_callhistory_v14"
	case CallLogCL:
		return "cl"
	case CallLogCallhistory3:
		return "callhistory3"
	case CallLogCDR:
		return "cdr"
	case CallLogCallhistory:
		return "callhistory"
	case CallLogCallHistory:
		return "call_history"
	default:
		return "none"
	}
}

// RecordingColumns records which optional columns the recordings table
// carries on this installation.
type RecordingColumns struct {
	StartTime     bool
	EndTime       bool
	Transcription bool
}

// Schema is the outcome of probing one tenant's PBX database.
type Schema struct {
	ActiveChatView      bool // chat_conversations
	HistoryChatView     bool // chat_conversations_history
	ActiveMessagesView  bool // chat_messages
	HistoryMessagesView bool // chat_messages_history
	ConversationTable   bool // conversations
	ChatFilesTable      bool // chat_files

	Extensions ExtensionSource
	CallLog    CallLogSource

	Recordings    bool
	RecordingCols RecordingColumns

	Voicemail bool // s_voicemail
	Meetings  bool // meetings
	Faxes     bool // faxes
}

// HasMessages reports whether any chat message source exists.
func (s *Schema) HasMessages() bool {
	return s.ActiveMessagesView || s.HistoryMessagesView
}

// relation names probed in information_schema. The set is closed: no
// dynamic SQL is assembled beyond selecting one of the prebuilt templates.
var probeCandidates = []string{
	"chat_conversations",
	"chat_conversations_history",
	"chat_messages",
	"chat_messages_history",
	"conversations",
	"chat_files",
	"users_view",
	"users",
	"dn",
	"myphone_callhistory_v14",
	"cl",
	"callhistory3",
	"cdr",
	"callhistory",
	"call_history",
	"recordings",
	"s_voicemail",
	"meetings",
	"faxes",
}

// Probe inspects information_schema for the known candidate set and
// returns the schema shape of this installation.
func Probe(ctx context.Context, q Querier) (*Schema, error) {
	rows, err := q.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_name = ANY($1)
		 UNION
		 SELECT table_name FROM information_schema.views
		 WHERE table_schema = 'public' AND table_name = ANY($1)`,
		probeCandidates)
	if err != nil {
		return nil, fmt.Errorf("probing relations: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning probe row: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading probe rows: %w", err)
	}

	s := &Schema{
		ActiveChatView:      present["chat_conversations"],
		HistoryChatView:     present["chat_conversations_history"],
		ActiveMessagesView:  present["chat_messages"],
		HistoryMessagesView: present["chat_messages_history"],
		ConversationTable:   present["conversations"],
		ChatFilesTable:      present["chat_files"],
		Recordings:          present["recordings"],
		Voicemail:           present["s_voicemail"],
		Meetings:            present["meetings"],
		Faxes:               present["faxes"],
	}

	switch {
	case present["users_view"] && present["users"]:
		s.Extensions = ExtSourceUsersView
	case present["dn"]:
		s.Extensions = ExtSourceDN
	}

	s.CallLog = pickCallLogSource(present)

	if s.Recordings {
		cols, err := probeColumns(ctx, q, "recordings")
		if err != nil {
			return nil, err
		}
		s.RecordingCols = RecordingColumns{
			StartTime:     cols["start_time"],
			EndTime:       cols["end_time"],
			Transcription: cols["transcription"],
		}
	}

	return s, nil
}

func pickCallLogSource(present map[string]bool) CallLogSource {
	// Priority order: newest MyPhone view first, generic names last.
	order := []struct {
		name string
		src  CallLogSource
	}{
		{"myphone_callhistory_v14", CallLogMyphoneV14},
		{"cl", CallLogCL},
		{"callhistory3", CallLogCallhistory3},
		{"cdr", CallLogCDR},
		{"callhistory", CallLogCallhistory},
		{"call_history", CallLogCallHistory},
	}
	for _, o := range order {
		if present[o.name] {
			return o.src
		}
	}
	return CallLogNone
}

func probeColumns(ctx context.Context, q Querier, table string) (map[string]bool, error) {
	rows, err := q.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("probing columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning column row: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
