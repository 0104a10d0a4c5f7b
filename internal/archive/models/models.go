package models

import (
	"encoding/json"
	"time"
)

// Tenant is a customer PBX the daemon mirrors. Rows are created by the
// dashboard; the core only reads them and updates LastSyncAt.
type Tenant struct {
	ID             int64
	Name           string
	PBXHost        string
	SSHPort        int
	SSHUser        string
	SSHPassword    string
	DBPassword     string
	ChatFilesPath  string
	RecordingsPath string
	VoicemailsPath string
	FaxPath        string
	MeetingsPath   string

	BackupExtensions bool
	BackupChats      bool
	BackupRecordings bool
	BackupVoicemails bool
	BackupFaxes      bool
	BackupCallLogs   bool
	BackupMeetings   bool

	SyncIntervalSeconds int
	Active              bool
	LastSyncAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Extension is a tenant-scoped PBX extension observed on the source.
type Extension struct {
	ID           int64
	TenantID     int64
	Extension    string
	FirstName    string
	LastName     string
	DisplayName  string
	Active       bool
	LastSyncedAt time.Time
}

// Conversation is a chat thread, identified by the PBX conversation id.
type Conversation struct {
	ID               int64
	TenantID         int64
	SourceID         string
	Name             string
	IsExternal       bool
	IsGroupChat      bool
	ParticipantCount int
	MessageCount     int
	FirstMessageAt   *time.Time
	LastMessageAt    *time.Time
}

// Participant is a member of a conversation. ExtensionID links to a known
// extension when the identifier matches one; the link is weak.
type Participant struct {
	ID             int64
	ConversationID int64
	Identifier     string
	Name           string
	ExtensionID    *int64
}

// Message is a single chat message within a conversation.
type Message struct {
	ID             int64
	TenantID       int64
	ConversationID int64
	SourceID       string
	SenderID       string
	SenderName     string
	MessageType    string
	Body           string
	HasMedia       bool
	MediaCount     int
	SentAt         time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
}

// MediaFile is an archived attachment. MessageID is nullable: orphan media
// (conversation-level files) is allowed.
type MediaFile struct {
	ID              int64
	TenantID        int64
	MessageID       *int64
	ConversationID  *int64
	Filename        string
	ContentType     string
	FileSize        int64
	StorageKey      string
	ThumbnailKey    string
	Width           *int
	Height          *int
	DurationSeconds *int
	Metadata        json.RawMessage
	CreatedAt       time.Time
}

// CallRecording is an archived call recording file plus its call metadata.
type CallRecording struct {
	ID              int64
	TenantID        int64
	SourceID        string
	CallerNumber    string
	CallerName      string
	CalleeNumber    string
	CalleeName      string
	Extension       string
	Direction       string
	SourceFilename  string
	StorageKey      string
	ContentType     string
	FileSize        int64
	DurationSeconds *int
	CallStartedAt   *time.Time
	CallEndedAt     *time.Time
	RecordedAt      time.Time
}

// Voicemail is an archived voicemail message.
type Voicemail struct {
	ID              int64
	TenantID        int64
	SourceID        string
	CallerNumber    string
	CallerName      string
	Extension       string
	StorageKey      string
	ContentType     string
	FileSize        int64
	DurationSeconds *int
	ReceivedAt      time.Time
}

// Fax is an archived fax document.
type Fax struct {
	ID           int64
	TenantID     int64
	SourceID     string
	Direction    string
	RemoteNumber string
	StorageKey   string
	ContentType  string
	FileSize     int64
	ReceivedAt   time.Time
}

// CallLog is a normalized call detail record.
type CallLog struct {
	ID           int64
	TenantID     int64
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
	RecordingID  *int64
}

// MeetingRecording is an archived meeting recording file.
type MeetingRecording struct {
	ID                 int64
	TenantID           int64
	SourceID           string
	OrganizerExtension string
	Title              string
	StorageKey         string
	ContentType        string
	FileSize           int64
	DurationSeconds    *int
	StartedAt          time.Time
}

// Sync status values for a (tenant, stage) pair.
const (
	SyncIdle    = "idle"
	SyncRunning = "running"
	SyncSuccess = "success"
	SyncError   = "error"
)

// SyncStatus is the per-(tenant, stage) bookkeeping row, including the
// incremental watermark cursor.
type SyncStatus struct {
	ID                 int64
	TenantID           int64
	Stage              string
	Status             string
	LastSyncAt         *time.Time
	LastSuccessAt      *time.Time
	LastErrorAt        *time.Time
	LastError          string
	Notes              string
	TriggerRequestedAt *time.Time
	ItemsSynced         int64
	ItemsFailed         int64
	LastSyncedMessageAt *time.Time
	// LastSyncedSourceID is the row-id cursor for sources that have no
	// usable timestamp column.
	LastSyncedSourceID *string
}

// SyncLog is an append-only record of one stage run.
type SyncLog struct {
	ID          int64
	TenantID    int64
	Stage       string
	Status      string
	Message     string
	Details     json.RawMessage
	ItemsSynced int64
	ItemsFailed int64
	DurationMS  int64
	CreatedAt   time.Time
}
