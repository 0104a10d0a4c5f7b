package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the archiver daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	ArchiveDSN string

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	LogLevel  string
	LogFormat string // "text" or "json"
	OpsAddr   string // listen address for /metrics and /healthz; empty disables

	MaxConcurrency   int   // parallel tenant ticks; 0 = min(NumCPU, 8)
	MaxBufferedBytes int64 // files up to this size are downloaded into memory
	MaxStreamBytes   int64 // files up to this size are streamed; larger are skipped

	SFTPBandwidthBytesPerSec int64 // 0 = unlimited

	// ChatMediaSubdirs are the candidate subfolders probed under the chat
	// files base when the hashed filename is not found at the top level.
	ChatMediaSubdirs []string

	// WatermarkPerRecord advances the messages watermark after every record
	// instead of once per batch.
	WatermarkPerRecord bool
}

// defaults
const (
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultOpsAddr       = ":9090"
	defaultBufferedBytes = 25 << 20  // 25 MiB
	defaultStreamBytes   = 500 << 20 // 500 MiB
	defaultChatSubdirs   = ",received,sent"
	defaultS3Region      = "us-east-1"
)

// envPrefix is the prefix for all archiver environment variables.
const envPrefix = "ARCHIVER_"

// Load parses configuration from the given CLI arguments and the
// environment. Precedence: CLI flags > env vars > defaults.
func Load(name string, args []string) (*Config, error) {
	cfg := &Config{}
	var subdirs string

	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(&cfg.ArchiveDSN, "archive-dsn", "", "PostgreSQL DSN of the central archive")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL (empty for AWS)")
	fs.StringVar(&cfg.S3Region, "s3-region", defaultS3Region, "object store region")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", "", "object store bucket for archived media")
	fs.StringVar(&cfg.S3AccessKey, "s3-access-key", "", "object store access key id")
	fs.StringVar(&cfg.S3SecretKey, "s3-secret-key", "", "object store secret access key")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.OpsAddr, "ops-addr", defaultOpsAddr, "listen address for /metrics and /healthz (empty to disable)")
	fs.IntVar(&cfg.MaxConcurrency, "max-concurrency", 0, "maximum tenants synced in parallel (0 = min(NumCPU, 8))")
	fs.Int64Var(&cfg.MaxBufferedBytes, "max-buffered-bytes", defaultBufferedBytes, "largest file downloaded into memory")
	fs.Int64Var(&cfg.MaxStreamBytes, "max-stream-bytes", defaultStreamBytes, "largest file streamed to the object store; larger files are skipped")
	fs.Int64Var(&cfg.SFTPBandwidthBytesPerSec, "sftp-bandwidth", 0, "per-session SFTP download cap in bytes/sec (0 = unlimited)")
	fs.StringVar(&subdirs, "chat-media-subdirs", defaultChatSubdirs, "comma-separated candidate subfolders under the chat files base")
	fs.BoolVar(&cfg.WatermarkPerRecord, "watermark-per-record", false, "advance the messages watermark per record instead of per batch")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, &subdirs)

	cfg.ChatMediaSubdirs = strings.Split(subdirs, ",")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, subdirs *string) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"archive-dsn":          envPrefix + "ARCHIVE_DSN",
		"s3-endpoint":          envPrefix + "S3_ENDPOINT",
		"s3-region":            envPrefix + "S3_REGION",
		"s3-bucket":            envPrefix + "S3_BUCKET",
		"s3-access-key":        envPrefix + "S3_ACCESS_KEY",
		"s3-secret-key":        envPrefix + "S3_SECRET_KEY",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
		"ops-addr":             envPrefix + "OPS_ADDR",
		"max-concurrency":      envPrefix + "MAX_CONCURRENCY",
		"max-buffered-bytes":   envPrefix + "MAX_BUFFERED_BYTES",
		"max-stream-bytes":     envPrefix + "MAX_STREAM_BYTES",
		"sftp-bandwidth":       envPrefix + "SFTP_BANDWIDTH",
		"chat-media-subdirs":   envPrefix + "CHAT_MEDIA_SUBDIRS",
		"watermark-per-record": envPrefix + "WATERMARK_PER_RECORD",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "archive-dsn":
			cfg.ArchiveDSN = val
		case "s3-endpoint":
			cfg.S3Endpoint = val
		case "s3-region":
			cfg.S3Region = val
		case "s3-bucket":
			cfg.S3Bucket = val
		case "s3-access-key":
			cfg.S3AccessKey = val
		case "s3-secret-key":
			cfg.S3SecretKey = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "ops-addr":
			cfg.OpsAddr = val
		case "max-concurrency":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxConcurrency = v
			}
		case "max-buffered-bytes":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.MaxBufferedBytes = v
			}
		case "max-stream-bytes":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.MaxStreamBytes = v
			}
		case "sftp-bandwidth":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.SFTPBandwidthBytesPerSec = v
			}
		case "chat-media-subdirs":
			*subdirs = val
		case "watermark-per-record":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.WatermarkPerRecord = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.ArchiveDSN == "" {
		return fmt.Errorf("archive-dsn is required")
	}
	if c.S3Bucket == "" {
		return fmt.Errorf("s3-bucket is required")
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max-concurrency must be >= 0, got %d", c.MaxConcurrency)
	}
	if c.MaxBufferedBytes <= 0 {
		return fmt.Errorf("max-buffered-bytes must be positive, got %d", c.MaxBufferedBytes)
	}
	if c.MaxStreamBytes < c.MaxBufferedBytes {
		return fmt.Errorf("max-stream-bytes must be >= max-buffered-bytes, got %d", c.MaxStreamBytes)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// Concurrency returns the effective tenant-level parallelism bound.
func (c *Config) Concurrency() int {
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency
	}
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	return n
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
