// Package tenant resolves per-tenant connection parameters from the
// archive's tenant rows, substituting defaults for unset columns.
package tenant

import (
	"context"
	"fmt"

	"github.com/flowpbx/archiver/internal/archive/models"
)

// The PBX database is always reached as this fixed role over the tunnel.
const pbxDBUser = "phonesystem"

// Default media roots on the PBX file system, overridable per tenant.
const (
	DefaultChatFilesPath  = "/var/lib/phonesystem/chatfiles"
	DefaultRecordingsPath = "/var/lib/phonesystem/recordings"
	DefaultVoicemailsPath = "/var/lib/phonesystem/voicemails"
	DefaultFaxPath        = "/var/lib/phonesystem/fax"
	DefaultMeetingsPath   = "/var/lib/phonesystem/meetings"
)

// SFTPConfig is everything needed to open an SFTP session to a tenant PBX.
type SFTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// DBConfig is everything needed to reach the tenant's PBX PostgreSQL
// through the SSH tunnel.
type DBConfig struct {
	Host     string
	SSHPort  int
	SSHUser  string
	SSHPass  string
	DBUser   string
	DBPass   string
	DBName   string
	DBPort   int
}

// Paths are the tenant's media roots with defaults substituted.
type Paths struct {
	ChatFiles  string
	Recordings string
	Voicemails string
	Fax        string
	Meetings   string
}

// Lister is the slice of the archive the registry needs.
type Lister interface {
	ListActive(ctx context.Context) ([]models.Tenant, error)
	GetByID(ctx context.Context, id int64) (*models.Tenant, error)
}

// Registry resolves tenant connection parameters.
type Registry struct {
	tenants Lister
}

// NewRegistry creates a Registry over the archive tenant repository.
func NewRegistry(tenants Lister) *Registry {
	return &Registry{tenants: tenants}
}

// ListActive returns all tenants eligible for syncing.
func (r *Registry) ListActive(ctx context.Context) ([]models.Tenant, error) {
	return r.tenants.ListActive(ctx)
}

// Get returns a single tenant by id.
func (r *Registry) Get(ctx context.Context, id int64) (*models.Tenant, error) {
	return r.tenants.GetByID(ctx, id)
}

// SFTPConfigFor derives the SFTP connection parameters for a tenant.
// Returns nil when SSH credentials are missing; media-requiring stages
// must then report success with a note instead of erroring.
func SFTPConfigFor(t *models.Tenant) *SFTPConfig {
	if t.SSHUser == "" || t.SSHPassword == "" {
		return nil
	}
	port := t.SSHPort
	if port == 0 {
		port = 22
	}
	return &SFTPConfig{
		Host:     t.PBXHost,
		Port:     port,
		User:     t.SSHUser,
		Password: t.SSHPassword,
	}
}

// DBConfigFor derives the tunneled database parameters for a tenant.
// Returns nil when SSH or database credentials are missing.
func DBConfigFor(t *models.Tenant) *DBConfig {
	if t.SSHUser == "" || t.SSHPassword == "" || t.DBPassword == "" {
		return nil
	}
	port := t.SSHPort
	if port == 0 {
		port = 22
	}
	return &DBConfig{
		Host:    t.PBXHost,
		SSHPort: port,
		SSHUser: t.SSHUser,
		SSHPass: t.SSHPassword,
		DBUser:  pbxDBUser,
		DBPass:  t.DBPassword,
		DBName:  pbxDBUser,
		DBPort:  5432,
	}
}

// PathsFor returns the tenant's media roots with defaults substituted.
func PathsFor(t *models.Tenant) Paths {
	p := Paths{
		ChatFiles:  t.ChatFilesPath,
		Recordings: t.RecordingsPath,
		Voicemails: t.VoicemailsPath,
		Fax:        t.FaxPath,
		Meetings:   t.MeetingsPath,
	}
	if p.ChatFiles == "" {
		p.ChatFiles = DefaultChatFilesPath
	}
	if p.Recordings == "" {
		p.Recordings = DefaultRecordingsPath
	}
	if p.Voicemails == "" {
		p.Voicemails = DefaultVoicemailsPath
	}
	if p.Fax == "" {
		p.Fax = DefaultFaxPath
	}
	if p.Meetings == "" {
		p.Meetings = DefaultMeetingsPath
	}
	return p
}

// Describe is a short log-friendly identity for a tenant.
func Describe(t *models.Tenant) string {
	return fmt.Sprintf("%s (#%d)", t.Name, t.ID)
}
