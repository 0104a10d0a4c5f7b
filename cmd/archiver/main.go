package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/flowpbx/archiver/internal/archive"
	"github.com/flowpbx/archiver/internal/config"
	"github.com/flowpbx/archiver/internal/metrics"
	"github.com/flowpbx/archiver/internal/objstore"
	"github.com/flowpbx/archiver/internal/syncer"
)

const usage = `usage: archiver <command> [flags]

commands:
  run    start the sync daemon
  sync   run one tenant's pipeline immediately (--tenant N [--stage name])
  diag   print connectivity diagnostics for one tenant (--tenant N)

shared flags are listed by: archiver run -h
`

// exit codes
const (
	exitOK      = 0
	exitConfig  = 1 // bad flags, env, or usage
	exitPartial = 2 // some stages or tenants errored
	exitFatal   = 3
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitConfig)
	}

	cmd := os.Args[1]
	switch cmd {
	case "run", "sync", "diag":
	case "-h", "--help", "help":
		fmt.Print(usage)
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(exitConfig)
	}

	tenantID, stageName, cfgArgs, err := splitArgs(os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitConfig)
	}
	if (cmd == "sync" || cmd == "diag") && tenantID == 0 {
		fmt.Fprintln(os.Stderr, "error: --tenant is required")
		os.Exit(exitConfig)
	}

	cfg, err := config.Load("archiver "+cmd, cfgArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitConfig)
	}

	slog.SetDefault(slog.New(cfg.SlogHandler(os.Stdout)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runCommand(ctx, cmd, cfg, tenantID, stageName); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("command failed", "command", cmd, "error", err)
		if errors.Is(err, syncer.ErrPartial) {
			os.Exit(exitPartial)
		}
		os.Exit(exitFatal)
	}
}

// splitArgs peels the subcommand-only flags (--tenant, --stage) off the
// argument list; everything else goes to the shared config flags.
func splitArgs(args []string) (tenantID int64, stageName string, rest []string, err error) {
	take := func(i int, name string) (string, int, error) {
		arg := args[i]
		if eq := strings.IndexByte(arg, '='); eq >= 0 {
			return arg[eq+1:], i, nil
		}
		if i+1 >= len(args) {
			return "", i, fmt.Errorf("flag %s needs a value", name)
		}
		return args[i+1], i + 1, nil
	}
	for i := 0; i < len(args); i++ {
		trimmed := strings.TrimLeft(args[i], "-")
		switch {
		case strings.HasPrefix(trimmed, "tenant"):
			var v string
			v, i, err = take(i, "--tenant")
			if err != nil {
				return 0, "", nil, err
			}
			tenantID, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", nil, fmt.Errorf("invalid --tenant %q", v)
			}
		case strings.HasPrefix(trimmed, "stage"):
			var v string
			v, i, err = take(i, "--stage")
			if err != nil {
				return 0, "", nil, err
			}
			stageName = v
		default:
			rest = append(rest, args[i])
		}
	}
	return tenantID, stageName, rest, nil
}

func runCommand(ctx context.Context, cmd string, cfg *config.Config, tenantID int64, stageName string) error {
	db, err := archive.Open(ctx, cfg.ArchiveDSN)
	if err != nil {
		return fmt.Errorf("opening archive database: %w", err)
	}
	defer db.Close()

	store, err := objstore.New(ctx, objstore.Settings{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		return fmt.Errorf("opening object store: %w", err)
	}

	m := metrics.New()
	sched := syncer.NewScheduler(cfg, db, store, m)
	defer sched.Close()

	switch cmd {
	case "run":
		slog.Info("starting archiver", "ops_addr", cfg.OpsAddr, "bucket", cfg.S3Bucket)
		if cfg.OpsAddr != "" {
			go func() {
				if err := metrics.Serve(ctx, cfg.OpsAddr, m); err != nil {
					slog.Error("ops endpoint failed", "error", err)
				}
			}()
		}
		err := sched.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err

	case "sync":
		return sched.SyncNow(ctx, tenantID, stageName)

	case "diag":
		report, err := sched.Diag(ctx, tenantID)
		if err != nil {
			return err
		}
		fmt.Print(report)
	}
	return nil
}
