// Package tunnel establishes SSH tunnels to tenant PBX hosts and hands out
// bounded pgx pools that reach the PBX PostgreSQL through them. Pools are
// cached per tenant across ticks and closed on shutdown or invalidation.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/ssh"

	"github.com/flowpbx/archiver/internal/tenant"
)

// Error kinds callers branch on with errors.Is.
var (
	ErrTunnelUnavailable = errors.New("tunnel: ssh connection failed")
	ErrDBUnavailable     = errors.New("tunnel: database unreachable")
)

const (
	maxPoolConns   = 5
	poolIdleTime   = 30 * time.Second
	connectTimeout = 10 * time.Second
)

type conn struct {
	client *ssh.Client
	pool   *pgxpool.Pool
}

// Manager caches one tunnel + pool per tenant.
type Manager struct {
	mu    sync.Mutex
	conns map[int64]*conn
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{conns: make(map[int64]*conn)}
}

// Pool returns the cached pool for a tenant, dialing the tunnel on first
// use. The pool's connections are carried over the SSH client, so the PBX
// PostgreSQL only ever sees loopback traffic.
func (m *Manager) Pool(ctx context.Context, tenantID int64, cfg *tenant.DBConfig) (*pgxpool.Pool, error) {
	m.mu.Lock()
	if c, ok := m.conns[tenantID]; ok {
		m.mu.Unlock()
		return c.pool, nil
	}
	m.mu.Unlock()

	client, err := dialSSH(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTunnelUnavailable, err)
	}

	pool, err := openPool(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another goroutine may have raced us here; keep the first one.
	if existing, ok := m.conns[tenantID]; ok {
		pool.Close()
		client.Close()
		return existing.pool, nil
	}
	m.conns[tenantID] = &conn{client: client, pool: pool}
	slog.Info("pbx tunnel established", "tenant_id", tenantID, "host", cfg.Host)
	return pool, nil
}

// Invalidate drops a tenant's cached tunnel, e.g. after credential
// rotation or a dead SSH transport. The next Pool call re-dials.
func (m *Manager) Invalidate(tenantID int64) {
	m.mu.Lock()
	c, ok := m.conns[tenantID]
	if ok {
		delete(m.conns, tenantID)
	}
	m.mu.Unlock()
	if ok {
		c.pool.Close()
		c.client.Close()
		slog.Info("pbx tunnel invalidated", "tenant_id", tenantID)
	}
}

// Close tears down all cached tunnels and pools.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[int64]*conn)
	m.mu.Unlock()

	for id, c := range conns {
		c.pool.Close()
		if err := c.client.Close(); err != nil {
			slog.Warn("closing ssh tunnel", "tenant_id", id, "error", err)
		}
	}
}

func dialSSH(ctx context.Context, cfg *tenant.DBConfig) (*ssh.Client, error) {
	sshCfg := &ssh.ClientConfig{
		User: cfg.SSHUser,
		Auth: []ssh.AuthMethod{ssh.Password(cfg.SSHPass)},
		// Tenant PBX hosts are reinstalled and re-keyed at will by the
		// customer, so host keys cannot be pinned centrally.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.SSHPort))

	d := net.Dialer{Timeout: connectTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, sshCfg)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func openPool(ctx context.Context, client *ssh.Client, cfg *tenant.DBConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@127.0.0.1:%d/%s?sslmode=disable",
		cfg.DBUser, cfg.DBPass, cfg.DBPort, cfg.DBName)

	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing pbx dsn: %w", err)
	}
	pc.MaxConns = maxPoolConns
	pc.MaxConnIdleTime = poolIdleTime
	pc.ConnConfig.ConnectTimeout = connectTimeout
	pc.ConnConfig.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return client.DialContext(ctx, network, addr)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrDBUnavailable, err)
	}
	return pool, nil
}
