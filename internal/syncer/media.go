package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/flowpbx/archiver/internal/objstore"
	"github.com/flowpbx/archiver/internal/sftpx"
	"github.com/flowpbx/archiver/internal/transcode"
)

// archived describes one file moved into the object store.
type archived struct {
	Key         string
	ThumbKey    string
	ContentType string
	Size        int64
	Width       *int
	Height      *int
	// Skipped is true when the file exceeded the streaming cap and was
	// left on the PBX.
	Skipped bool
}

// errMediaMissing marks a record whose file was not found on the PBX.
var errMediaMissing = errors.New("media file not found on source")

// archiveFile moves one remote file into the object store: stat, pick a
// transfer mode by size, download (buffered files go through the
// transcoder), then upload under a deterministic key. Re-uploads of an
// existing key are elided, which makes re-syncs cheap and idempotent.
func (e *Env) archiveFile(ctx context.Context, remotePath string, category objstore.Category, displayName string, at time.Time) (*archived, error) {
	if e.Files == nil {
		return nil, errors.New("no file access for tenant")
	}
	size, err := e.Files.Stat(remotePath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", remotePath, err)
	}

	switch sftpx.Plan(size, e.Options.MaxBufferedBytes, e.Options.MaxStreamBytes) {
	case sftpx.ModeBuffer:
		return e.archiveBuffered(ctx, remotePath, category, displayName, at)
	case sftpx.ModeStream:
		return e.archiveStreamed(ctx, remotePath, category, displayName, at, size)
	default:
		slog.Warn("file exceeds streaming cap, leaving on source",
			"tenant", e.Tenant.ID, "path", remotePath, "size", size)
		return &archived{Skipped: true, Size: size}, nil
	}
}

func (e *Env) archiveBuffered(ctx context.Context, remotePath string, category objstore.Category, displayName string, at time.Time) (*archived, error) {
	data, err := e.Files.DownloadBuffer(ctx, remotePath, e.Options.MaxBufferedBytes, 0)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", remotePath, err)
	}

	res := transcode.Process(data, displayName)
	key := objstore.Key(e.Tenant.ID, category, at, displayName, res.Ext)

	exists, err := e.Store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	if !exists {
		if err := e.Store.PutBuffer(ctx, key, res.Data, res.ContentType); err != nil {
			return nil, fmt.Errorf("upload %s: %w", key, err)
		}
	}

	out := &archived{Key: key, ContentType: res.ContentType, Size: int64(len(res.Data))}
	if res.Width > 0 {
		w, h := res.Width, res.Height
		out.Width, out.Height = &w, &h
	}
	if res.Thumbnail != nil {
		tk := objstore.ThumbKey(key)
		if err := e.Store.PutBuffer(ctx, tk, res.Thumbnail, "image/jpeg"); err != nil {
			slog.Warn("thumbnail upload failed", "key", tk, "error", err)
		} else {
			out.ThumbKey = tk
		}
	}
	if res.Compressed {
		slog.Debug("recompressed media", "tenant", e.Tenant.ID, "key", key, "result", res.String())
	}
	return out, nil
}

func (e *Env) archiveStreamed(ctx context.Context, remotePath string, category objstore.Category, displayName string, at time.Time, size int64) (*archived, error) {
	det := objstore.DetectMIME(nil, displayName)
	key := objstore.Key(e.Tenant.ID, category, at, displayName, det.Ext)

	exists, err := e.Store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	if exists {
		return &archived{Key: key, ContentType: det.ContentType, Size: size}, nil
	}

	r, n, err := e.Files.OpenStream(ctx, remotePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", remotePath, err)
	}
	defer r.Close()

	if err := e.Store.PutStream(ctx, key, r, det.ContentType, n); err != nil {
		return nil, fmt.Errorf("stream upload %s: %w", key, err)
	}
	return &archived{Key: key, ContentType: det.ContentType, Size: n}, nil
}

// locate returns the first candidate path that exists on the PBX, or
// errMediaMissing.
func (e *Env) locate(candidates []string) (string, error) {
	for _, c := range candidates {
		ok, err := e.Files.Exists(c)
		if err != nil {
			return "", fmt.Errorf("probing %s: %w", c, err)
		}
		if ok {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: tried %d paths", errMediaMissing, len(candidates))
}

// baseName trims directory components from a PBX-reported path so keys
// carry only the filename.
func baseName(p string) string {
	return path.Base(p)
}
