package syncer

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowpbx/archiver/internal/pbx"
	"github.com/flowpbx/archiver/internal/sftpx"
	"github.com/flowpbx/archiver/internal/tenant"
)

// Diag connects to one tenant and reports what the daemon can see:
// tunnel reachability, the probed schema and whether the media roots
// exist. Intended for operators debugging a misbehaving tenant.
func (s *Scheduler) Diag(ctx context.Context, tenantID int64) (string, error) {
	t, err := s.registry.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "tenant: %s\n", tenant.Describe(t))

	dbCfg := tenant.DBConfigFor(t)
	if dbCfg == nil {
		b.WriteString("credentials: missing SSH or database password; sync disabled\n")
		return b.String(), nil
	}

	pool, err := s.tunnels.Pool(ctx, t.ID, dbCfg)
	if err != nil {
		fmt.Fprintf(&b, "tunnel: FAILED: %v\n", err)
		return b.String(), nil
	}
	defer s.tunnels.Invalidate(t.ID)
	b.WriteString("tunnel: ok\n")

	schema, err := pbx.Probe(ctx, pool)
	if err != nil {
		fmt.Fprintf(&b, "schema probe: FAILED: %v\n", err)
		return b.String(), nil
	}
	fmt.Fprintf(&b, "schema: messages=%v conversations=%v chat_files=%v\n",
		schema.HasMessages(), schema.ConversationTable, schema.ChatFilesTable)
	fmt.Fprintf(&b, "schema: extensions=%s call_log=%s recordings=%v voicemail=%v meetings=%v faxes=%v\n",
		schema.Extensions, schema.CallLog, schema.Recordings, schema.Voicemail, schema.Meetings, schema.Faxes)

	sftpCfg := tenant.SFTPConfigFor(t)
	if sftpCfg == nil {
		b.WriteString("sftp: no credentials; media sync disabled\n")
		return b.String(), nil
	}
	sess, err := sftpx.Open(ctx, sftpCfg, sftpx.Options{})
	if err != nil {
		fmt.Fprintf(&b, "sftp: FAILED: %v\n", err)
		return b.String(), nil
	}
	defer sess.Close()
	b.WriteString("sftp: ok\n")

	paths := tenant.PathsFor(t)
	for _, p := range []struct{ name, dir string }{
		{"chat files", paths.ChatFiles},
		{"recordings", paths.Recordings},
		{"voicemails", paths.Voicemails},
		{"fax", paths.Fax},
		{"meetings", paths.Meetings},
	} {
		ok, err := sess.Exists(p.dir)
		switch {
		case err != nil:
			fmt.Fprintf(&b, "path %s: %s ERROR: %v\n", p.name, p.dir, err)
		case ok:
			fmt.Fprintf(&b, "path %s: %s ok\n", p.name, p.dir)
		default:
			fmt.Fprintf(&b, "path %s: %s MISSING\n", p.name, p.dir)
		}
	}
	return b.String(), nil
}
