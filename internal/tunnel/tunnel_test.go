package tunnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowpbx/archiver/internal/tenant"
)

func TestPoolUnreachableHost(t *testing.T) {
	m := NewManager()
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := &tenant.DBConfig{
		Host:    "127.0.0.1",
		SSHPort: 1, // nothing listens here
		SSHUser: "u",
		SSHPass: "p",
		DBUser:  "phonesystem",
		DBPass:  "x",
		DBName:  "phonesystem",
		DBPort:  5432,
	}

	_, err := m.Pool(ctx, 1, cfg)
	if err == nil {
		t.Fatal("Pool() succeeded against closed port, want error")
	}
	if !errors.Is(err, ErrTunnelUnavailable) {
		t.Errorf("error = %v, want ErrTunnelUnavailable", err)
	}
}

func TestInvalidateUnknownTenant(t *testing.T) {
	m := NewManager()
	defer m.Close()

	// Must be a no-op, not a panic.
	m.Invalidate(42)
}
