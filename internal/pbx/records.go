// Package pbx reads tenant PBX databases over the tunnel. The schema
// differs across PBX versions, so a prober detects which views and tables
// are present and every extractor maps its variant onto one closed record
// shape before rows leave this package.
package pbx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

// Querier is the slice of a pgx pool the query layer needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Extension is one voice-capable extension on the source.
type Extension struct {
	SourceID  string
	Number    string
	FirstName string
	LastName  string
}

// ChatMessage is one chat message from the active or history views.
type ChatMessage struct {
	SourceID       string
	ConversationID string
	IsExternal     bool
	QueueNumber    string
	SenderID       string
	SenderName     string
	Body           string
	SentAt         time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
}

// Conversation is chat thread metadata from the source.
type Conversation struct {
	SourceID     string
	Name         string
	IsExternal   bool
	IsGroupChat  bool
	Participants []string
	MessageCount int
}

// FileMapping ties a message to its attachment on the PBX file system.
// InternalName is the hashed on-disk name; PublicName the original one.
type FileMapping struct {
	MessageID    string
	InternalName string
	PublicName   string
	FileInfo     json.RawMessage
}

// Recording is one call recording row. StartedAt/EndedAt are nil on
// installations whose recordings table omits those columns.
type Recording struct {
	SourceID     string
	CallerNumber string
	CallerName   string
	CalleeNumber string
	CalleeName   string
	Extension    string
	Direction    string
	URL          string
	StartedAt    *time.Time
	EndedAt      *time.Time
}

// DurationSeconds computes the recording length when both timestamps are
// known.
func (r *Recording) DurationSeconds() *int {
	if r.StartedAt == nil || r.EndedAt == nil {
		return nil
	}
	d := int(r.EndedAt.Sub(*r.StartedAt).Seconds())
	if d < 0 {
		return nil
	}
	return &d
}

// VoicemailRecord is one voicemail row from s_voicemail.
type VoicemailRecord struct {
	SourceID        string
	CallerNumber    string
	CallerName      string
	Extension       string
	Filename        string
	DurationSeconds *int
	ReceivedAt      time.Time
}

// CallRecord is one normalized call-detail-record.
type CallRecord struct {
	SourceID     string
	CallerNumber string
	CallerName   string
	CalleeNumber string
	CalleeName   string
	Extension    string
	Direction    string // inbound | outbound | internal
	Status       string // answered | missed | failed
	RingSeconds  int
	TalkSeconds  int
	TotalSeconds int
	StartedAt    time.Time
	AnsweredAt   *time.Time
	EndedAt      *time.Time
	HasRecording bool
	// RecordingFile is the bare recording filename, on variants whose
	// call history carries the recording URL or path.
	RecordingFile string
}

// MeetingRecord is one meeting row, when the PBX has a meetings table.
type MeetingRecord struct {
	SourceID           string
	OrganizerExtension string
	Title              string
	Filename           string
	StartedAt          time.Time
	DurationSeconds    *int
}

// FaxRecord is one fax row, when the PBX has a fax table.
type FaxRecord struct {
	SourceID     string
	Direction    string
	RemoteNumber string
	Filename     string
	ReceivedAt   time.Time
}

// Client runs typed queries against one tenant's PBX database using the
// probed schema.
type Client struct {
	q      Querier
	schema *Schema
}

// NewClient wraps a tunneled pool with a probed schema.
func NewClient(q Querier, schema *Schema) *Client {
	return &Client{q: q, schema: schema}
}

// Schema returns the probed schema this client operates on.
func (c *Client) Schema() *Schema { return c.schema }
