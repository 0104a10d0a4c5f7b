// Package sftpx wraps an SFTP channel to a tenant PBX. One session is
// opened per sync pass and closed in a guarded teardown on every exit
// path; all downloads flow through the size-adaptive policy in Plan.
package sftpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/flowpbx/archiver/internal/tenant"
)

const (
	readyTimeout      = 10 * time.Second
	reconnectAttempts = 2
	// DefaultFileTimeout bounds a single buffered download.
	DefaultFileTimeout = 120 * time.Second
)

// ErrTooLarge is returned when a buffered download exceeds the given cap.
var ErrTooLarge = errors.New("sftpx: file exceeds buffer cap")

// Entry is one directory listing item.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// RemoteFile is one file found by a recursive listing.
type RemoteFile struct {
	Filename     string
	RelativePath string
	AbsolutePath string
	Size         int64
}

// Options tune an individual session.
type Options struct {
	// BandwidthBytesPerSec throttles downloads; 0 means unlimited.
	BandwidthBytesPerSec int64
}

// Session is an open SFTP channel. Not safe for concurrent use; a stage
// owns its session for the duration of a pass.
type Session struct {
	client  *ssh.Client
	sftp    *sftp.Client
	limiter *rate.Limiter
	closed  bool
}

// Open dials the tenant host and opens an SFTP channel, retrying the
// whole handshake up to two more times on failure.
func Open(ctx context.Context, cfg *tenant.SFTPConfig, opts Options) (*Session, error) {
	var lastErr error
	for attempt := 0; attempt <= reconnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		s, err := open(ctx, cfg, opts)
		if err == nil {
			return s, nil
		}
		lastErr = err
		slog.Warn("sftp open failed", "host", cfg.Host, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("opening sftp session to %s: %w", cfg.Host, lastErr)
}

func open(ctx context.Context, cfg *tenant.SFTPConfig, opts Options) (*Session, error) {
	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         readyTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	d := net.Dialer{Timeout: readyTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, sshCfg)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	ftp, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("opening sftp channel: %w", err)
	}

	s := &Session{client: client, sftp: ftp}
	if opts.BandwidthBytesPerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.BandwidthBytesPerSec), int(opts.BandwidthBytesPerSec))
	}
	return s, nil
}

// Exists reports whether a remote path exists.
func (s *Session) Exists(p string) (bool, error) {
	_, err := s.sftp.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", p, err)
}

// Stat returns the size of a remote file.
func (s *Session) Stat(p string) (int64, error) {
	fi, err := s.sftp.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", p, err)
	}
	return fi.Size(), nil
}

// List returns the immediate entries of a remote directory.
func (s *Session) List(dir string) ([]Entry, error) {
	infos, err := s.sftp.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{Name: fi.Name(), IsDir: fi.IsDir(), Size: fi.Size()})
	}
	return entries, nil
}

// ListRecursive walks a remote directory tree and returns every regular
// file with its path relative to root.
func (s *Session) ListRecursive(root string) ([]RemoteFile, error) {
	var files []RemoteFile
	walker := s.sftp.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
		fi := walker.Stat()
		if fi == nil || fi.IsDir() {
			continue
		}
		abs := walker.Path()
		rel, err := relPath(root, abs)
		if err != nil {
			return nil, err
		}
		files = append(files, RemoteFile{
			Filename:     path.Base(abs),
			RelativePath: rel,
			AbsolutePath: abs,
			Size:         fi.Size(),
		})
	}
	return files, nil
}

func relPath(root, abs string) (string, error) {
	root = path.Clean(root)
	abs = path.Clean(abs)
	if abs == root {
		return ".", nil
	}
	if len(abs) > len(root) && abs[:len(root)] == root && abs[len(root)] == '/' {
		return abs[len(root)+1:], nil
	}
	return "", fmt.Errorf("path %s is outside %s", abs, root)
}

// DownloadBuffer reads an entire remote file into memory, bounded by
// maxBytes and a per-file timeout (DefaultFileTimeout when zero).
func (s *Session) DownloadBuffer(ctx context.Context, p string, maxBytes int64, timeout time.Duration) ([]byte, error) {
	if timeout == 0 {
		timeout = DefaultFileTimeout
	}

	size, err := s.Stat(p)
	if err != nil {
		return nil, err
	}
	if size > maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, p, size)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := s.sftp.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", p, err)
	}
	defer f.Close()

	data := make([]byte, 0, size)
	buf := make([]byte, 32*1024)
	var r io.Reader = f
	if s.limiter != nil {
		r = &limitedReader{r: f, limiter: s.limiter, ctx: ctx}
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("downloading %s: %w", p, err)
		}
		n, err := r.Read(buf)
		data = append(data, buf[:n]...)
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
	}
}

// OpenStream opens a remote file for streaming and returns its size.
// The caller owns the returned reader.
func (s *Session) OpenStream(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	size, err := s.Stat(p)
	if err != nil {
		return nil, 0, err
	}
	f, err := s.sftp.Open(p)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", p, err)
	}
	if s.limiter != nil {
		return &limitedReadCloser{limitedReader{r: f, limiter: s.limiter, ctx: ctx}, f}, size, nil
	}
	return f, size, nil
}

// Close ends the session gracefully. Safe to call more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.sftp.Close(); err != nil {
		slog.Warn("closing sftp channel", "error", err)
	}
	if err := s.client.Close(); err != nil {
		slog.Warn("closing sftp ssh connection", "error", err)
	}
}

type limitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type limitedReadCloser struct {
	limitedReader
	c io.Closer
}

func (l *limitedReadCloser) Close() error { return l.c.Close() }

// DownloadMode selects how a file of a given size is transferred.
type DownloadMode int

const (
	// ModeBuffer downloads the whole file into memory.
	ModeBuffer DownloadMode = iota
	// ModeStream pipes the file straight into a multipart upload.
	ModeStream
	// ModeSkip leaves the file behind; the caller counts it as skipped.
	ModeSkip
)

// Plan applies the size-adaptive download policy.
func Plan(size, maxBuffered, maxStream int64) DownloadMode {
	switch {
	case size <= maxBuffered:
		return ModeBuffer
	case size <= maxStream:
		return ModeStream
	default:
		return ModeSkip
	}
}
