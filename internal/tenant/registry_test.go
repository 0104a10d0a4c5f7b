package tenant

import (
	"testing"

	"github.com/flowpbx/archiver/internal/archive/models"
)

func TestSFTPConfigFor(t *testing.T) {
	full := &models.Tenant{PBXHost: "pbx.example.com", SSHPort: 2022, SSHUser: "root", SSHPassword: "secret"}
	cfg := SFTPConfigFor(full)
	if cfg == nil {
		t.Fatal("SFTPConfigFor() = nil, want config")
	}
	if cfg.Host != "pbx.example.com" || cfg.Port != 2022 {
		t.Errorf("config = %+v, want host and port from tenant", cfg)
	}

	// Missing credentials must yield nil so media stages disable themselves.
	if SFTPConfigFor(&models.Tenant{PBXHost: "h", SSHUser: "root"}) != nil {
		t.Error("SFTPConfigFor() without password should be nil")
	}
	if SFTPConfigFor(&models.Tenant{PBXHost: "h", SSHPassword: "p"}) != nil {
		t.Error("SFTPConfigFor() without user should be nil")
	}

	// Default SSH port.
	cfg = SFTPConfigFor(&models.Tenant{PBXHost: "h", SSHUser: "u", SSHPassword: "p"})
	if cfg.Port != 22 {
		t.Errorf("default port = %d, want 22", cfg.Port)
	}
}

func TestDBConfigFor(t *testing.T) {
	tn := &models.Tenant{PBXHost: "h", SSHUser: "u", SSHPassword: "p", DBPassword: "dbp"}
	cfg := DBConfigFor(tn)
	if cfg == nil {
		t.Fatal("DBConfigFor() = nil, want config")
	}
	if cfg.DBUser != "phonesystem" {
		t.Errorf("DBUser = %q, want fixed role phonesystem", cfg.DBUser)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, want 5432", cfg.DBPort)
	}

	if DBConfigFor(&models.Tenant{PBXHost: "h", SSHUser: "u", SSHPassword: "p"}) != nil {
		t.Error("DBConfigFor() without db password should be nil")
	}
}

func TestPathsFor(t *testing.T) {
	p := PathsFor(&models.Tenant{})
	if p.ChatFiles != DefaultChatFilesPath {
		t.Errorf("ChatFiles = %q, want default", p.ChatFiles)
	}
	if p.Meetings != DefaultMeetingsPath {
		t.Errorf("Meetings = %q, want default", p.Meetings)
	}

	p = PathsFor(&models.Tenant{RecordingsPath: "/srv/rec"})
	if p.Recordings != "/srv/rec" {
		t.Errorf("Recordings = %q, want tenant override", p.Recordings)
	}
	if p.Voicemails != DefaultVoicemailsPath {
		t.Errorf("Voicemails = %q, want default when unset", p.Voicemails)
	}
}
