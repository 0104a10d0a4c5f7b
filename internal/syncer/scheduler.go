package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/flowpbx/archiver/internal/archive"
	"github.com/flowpbx/archiver/internal/archive/models"
	"github.com/flowpbx/archiver/internal/config"
	"github.com/flowpbx/archiver/internal/metrics"
	"github.com/flowpbx/archiver/internal/pbx"
	"github.com/flowpbx/archiver/internal/sftpx"
	"github.com/flowpbx/archiver/internal/tenant"
	"github.com/flowpbx/archiver/internal/tunnel"
)

const (
	pollInterval        = 15 * time.Second
	defaultSyncInterval = 5 * time.Minute
	backoffBase         = 30 * time.Second
	backoffCap          = 10 * time.Minute
	// logErrorDetailCap bounds the record errors kept in one sync log row.
	logErrorDetailCap = 20
)

// stages maps stage names onto their implementations.
var stages = map[string]Stage{
	StageExtensions: ExtensionsStage{},
	StageMessages:   MessagesStage{},
	StageRecordings: RecordingsStage{},
	StageVoicemails: VoicemailsStage{},
	StageFaxes:      FaxesStage{},
	StageCallLogs:   CallLogsStage{},
	StageMeetings:   MeetingsStage{},
}

type backoffState struct {
	failures int
	until    time.Time
}

// Scheduler runs the per-tenant sync loops: it polls the tenant table,
// decides who is due, and runs the stage pipeline for each due tenant
// under a shared concurrency limit.
type Scheduler struct {
	cfg      *config.Config
	tenants  *archive.TenantRepository
	registry *tenant.Registry
	status   *archive.SyncStatusRepository
	tunnels  *tunnel.Manager
	store    ObjectStore
	writer   Writer
	metrics  *metrics.Metrics

	mu      sync.Mutex
	running map[int64]bool
	backoff map[int64]*backoffState
}

// NewScheduler wires a scheduler over the archive database and the
// object store.
func NewScheduler(cfg *config.Config, db *archive.DB, store ObjectStore, m *metrics.Metrics) *Scheduler {
	tenants := archive.NewTenantRepository(db)
	return &Scheduler{
		cfg:      cfg,
		tenants:  tenants,
		registry: tenant.NewRegistry(tenants),
		status:   archive.NewSyncStatusRepository(db),
		tunnels:  tunnel.NewManager(),
		store:    store,
		writer:   NewWriter(db),
		running:  map[int64]bool{},
		backoff:  map[int64]*backoffState{},
		metrics:  m,
	}
}

// Run polls until ctx is cancelled, then drains in-flight ticks and
// closes the tunnels.
func (s *Scheduler) Run(ctx context.Context) error {
	workers := int64(s.cfg.Concurrency())
	sem := semaphore.NewWeighted(workers)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "workers", workers)
	for {
		s.poll(ctx, sem)
		select {
		case <-ctx.Done():
			// Wait for running ticks; they observe ctx themselves.
			_ = sem.Acquire(context.Background(), workers)
			s.tunnels.Close()
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) poll(ctx context.Context, sem *semaphore.Weighted) {
	tenants, err := s.tenants.ListActive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("listing tenants", "error", err)
			s.metrics.TickError("list_tenants")
		}
		return
	}
	s.metrics.SetActiveTenants(len(tenants))

	now := time.Now()
	for i := range tenants {
		t := tenants[i]
		if !s.claim(t.ID, now) {
			continue
		}
		due, err := s.due(ctx, &t, now)
		if err != nil {
			slog.Error("checking due state", "tenant", t.ID, "error", err)
			s.release(t.ID)
			continue
		}
		if !due {
			s.release(t.ID)
			continue
		}
		if !sem.TryAcquire(1) {
			s.release(t.ID)
			return
		}
		go func() {
			defer sem.Release(1)
			defer s.release(t.ID)
			s.runTick(ctx, &t)
		}()
	}
}

// claim marks a tenant as in-flight unless it already is or its backoff
// window is still open.
func (s *Scheduler) claim(tenantID int64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[tenantID] {
		return false
	}
	if b := s.backoff[tenantID]; b != nil && now.Before(b.until) {
		return false
	}
	s.running[tenantID] = true
	return true
}

func (s *Scheduler) release(tenantID int64) {
	s.mu.Lock()
	delete(s.running, tenantID)
	s.mu.Unlock()
}

func (s *Scheduler) recordFailure(tenantID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.backoff[tenantID]
	if b == nil {
		b = &backoffState{}
		s.backoff[tenantID] = b
	}
	delay := backoffCap
	if b.failures < 5 {
		delay = backoffBase << b.failures
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	b.failures++
	b.until = time.Now().Add(delay)
	slog.Warn("tenant backing off", "tenant", tenantID, "failures", b.failures, "until", b.until.Format(time.RFC3339))
}

func (s *Scheduler) clearFailures(tenantID int64) {
	s.mu.Lock()
	delete(s.backoff, tenantID)
	s.mu.Unlock()
}

// due reports whether a tenant's interval elapsed or an early trigger
// is pending on any stage.
func (s *Scheduler) due(ctx context.Context, t *models.Tenant, now time.Time) (bool, error) {
	interval := defaultSyncInterval
	if t.SyncIntervalSeconds > 0 {
		interval = time.Duration(t.SyncIntervalSeconds) * time.Second
	}
	if t.LastSyncAt == nil || now.Sub(*t.LastSyncAt) >= interval {
		return true, nil
	}
	statuses, err := s.status.ListForTenant(ctx, t.ID)
	if err != nil {
		return false, err
	}
	for i := range statuses {
		if statuses[i].TriggerRequestedAt != nil {
			return true, nil
		}
	}
	return false, nil
}

// runTick executes the full stage pipeline for one tenant. The run id
// ties all of a tick's log lines together.
func (s *Scheduler) runTick(ctx context.Context, t *models.Tenant) {
	log := slog.With("tenant", t.ID, "name", t.Name, "run_id", uuid.NewString())

	dbCfg := tenant.DBConfigFor(t)
	if dbCfg == nil {
		log.Warn("tenant has no usable credentials, marking stages disabled")
		s.markDisabled(ctx, t, "sync disabled: missing SSH or database credentials")
		if err := s.tenants.TouchLastSync(ctx, t.ID, time.Now().UTC()); err != nil {
			log.Error("touching last sync", "error", err)
		}
		return
	}

	pool, err := s.tunnels.Pool(ctx, t.ID, dbCfg)
	if err != nil {
		log.Error("opening tunnel", "error", err)
		s.metrics.TickError("tunnel")
		s.tunnels.Invalidate(t.ID)
		s.recordFailure(t.ID)
		return
	}

	schema, err := pbx.Probe(ctx, pool)
	if err != nil {
		log.Error("probing schema", "error", err)
		s.metrics.TickError("probe")
		s.tunnels.Invalidate(t.ID)
		s.recordFailure(t.ID)
		return
	}

	env := &Env{
		Tenant:  t,
		Paths:   tenant.PathsFor(t),
		PBX:     pbx.NewClient(pool, schema),
		Store:   s.store,
		Archive: s.writer,
		Options: s.options(),
	}

	if sftpCfg := tenant.SFTPConfigFor(t); sftpCfg != nil {
		sess, err := sftpx.Open(ctx, sftpCfg, sftpx.Options{
			BandwidthBytesPerSec: s.cfg.SFTPBandwidthBytesPerSec,
		})
		if err != nil {
			log.Warn("sftp unavailable, media stages will be skipped", "error", err)
		} else {
			env.Files = sess
			defer sess.Close()
		}
	}

	anyFatal := false
	for _, name := range StageOrder {
		if ctx.Err() != nil {
			break
		}
		if !stageEnabled(t, name) {
			continue
		}
		if err := s.runStage(ctx, env, name); err != nil {
			anyFatal = true
			log.Error("stage failed", "stage", name, "error", err)
		}
	}

	if err := s.tenants.TouchLastSync(ctx, t.ID, time.Now().UTC()); err != nil && ctx.Err() == nil {
		log.Error("touching last sync", "error", err)
	}
	if anyFatal {
		s.recordFailure(t.ID)
	} else {
		s.clearFailures(t.ID)
	}
}

// runStage loads the cursor, runs one stage and persists its outcome.
func (s *Scheduler) runStage(ctx context.Context, env *Env, name string) error {
	stage := stages[name]
	t := env.Tenant

	st, err := s.status.Get(ctx, t.ID, name)
	if err != nil {
		return err
	}
	env.Watermark = time.Time{}
	if st.LastSyncedMessageAt != nil {
		env.Watermark = *st.LastSyncedMessageAt
	}
	env.SourceCursor = ""
	if st.LastSyncedSourceID != nil {
		env.SourceCursor = *st.LastSyncedSourceID
	}

	if err := s.status.MarkRunning(ctx, t.ID, name); err != nil {
		return err
	}

	start := time.Now()
	res, runErr := stage.Run(ctx, env)
	dur := time.Since(start)

	out := stageOutcome(res, runErr, ctx.Err())

	// Terminal bookkeeping must survive cancellation.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.status.Complete(writeCtx, t.ID, name, out); err != nil {
		slog.Error("completing stage status", "tenant", t.ID, "stage", name, "error", err)
	}
	if err := s.status.AppendLog(writeCtx, &models.SyncLog{
		TenantID:    t.ID,
		Stage:       name,
		Status:      out.Status,
		Message:     out.Notes,
		Details:     logDetails(res),
		ItemsSynced: out.ItemsSynced,
		ItemsFailed: out.ItemsFailed,
		DurationMS:  dur.Milliseconds(),
	}); err != nil {
		slog.Error("appending sync log", "tenant", t.ID, "stage", name, "error", err)
	}
	s.metrics.ObserveStage(name, out.Status, res.Synced, len(res.Errors), dur)
	return runErr
}

// stageOutcome folds a stage result and its error state into the
// terminal status row. A cancelled run keeps both cursors untouched:
// records that failed mid-batch because of the cancel were never
// archived, and persisting an advanced cursor would skip them forever.
func stageOutcome(res Result, runErr, ctxErr error) archive.Outcome {
	out := archive.Outcome{
		Notes:        res.Summary(),
		ItemsSynced:  int64(res.Synced),
		ItemsFailed:  int64(len(res.Errors)),
		Watermark:    res.NewWatermark,
		SourceCursor: res.NewSourceCursor,
	}
	switch {
	case ctxErr != nil:
		out.Status = models.SyncError
		out.Notes = "cancelled"
		out.Error = ctxErr.Error()
		out.Watermark = nil
		out.SourceCursor = nil
	case runErr != nil:
		out.Status = models.SyncError
		out.Error = runErr.Error()
	default:
		out.Status = models.SyncSuccess
	}
	return out
}

// markDisabled writes a success-with-notes outcome for every enabled
// stage of a credential-less tenant.
func (s *Scheduler) markDisabled(ctx context.Context, t *models.Tenant, note string) {
	for _, name := range StageOrder {
		if !stageEnabled(t, name) {
			continue
		}
		if _, err := s.status.Get(ctx, t.ID, name); err != nil {
			slog.Error("creating status row", "tenant", t.ID, "stage", name, "error", err)
			continue
		}
		err := s.status.Complete(ctx, t.ID, name, archive.Outcome{
			Status: models.SyncSuccess,
			Notes:  note,
		})
		if err != nil {
			slog.Error("marking stage disabled", "tenant", t.ID, "stage", name, "error", err)
		}
	}
}

func (s *Scheduler) options() Options {
	return Options{
		MaxBufferedBytes:   s.cfg.MaxBufferedBytes,
		MaxStreamBytes:     s.cfg.MaxStreamBytes,
		ChatMediaSubdirs:   s.cfg.ChatMediaSubdirs,
		WatermarkPerRecord: s.cfg.WatermarkPerRecord,
	}
}

// stageEnabled maps a stage onto its tenant toggle.
func stageEnabled(t *models.Tenant, stage string) bool {
	switch stage {
	case StageExtensions:
		return t.BackupExtensions
	case StageMessages:
		return t.BackupChats
	case StageRecordings:
		return t.BackupRecordings
	case StageVoicemails:
		return t.BackupVoicemails
	case StageFaxes:
		return t.BackupFaxes
	case StageCallLogs:
		return t.BackupCallLogs
	case StageMeetings:
		return t.BackupMeetings
	}
	return false
}

// SyncNow runs selected stages for one tenant immediately, outside the
// polling loop. An empty stageName runs the full pipeline.
func (s *Scheduler) SyncNow(ctx context.Context, tenantID int64, stageName string) error {
	t, err := s.registry.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if stageName != "" {
		if _, ok := stages[stageName]; !ok {
			return fmt.Errorf("unknown stage %q", stageName)
		}
	}

	dbCfg := tenant.DBConfigFor(t)
	if dbCfg == nil {
		return fmt.Errorf("tenant %d has no usable credentials", tenantID)
	}
	pool, err := s.tunnels.Pool(ctx, t.ID, dbCfg)
	if err != nil {
		return fmt.Errorf("opening tunnel: %w", err)
	}
	defer s.tunnels.Invalidate(t.ID)

	schema, err := pbx.Probe(ctx, pool)
	if err != nil {
		return fmt.Errorf("probing schema: %w", err)
	}

	env := &Env{
		Tenant:  t,
		Paths:   tenant.PathsFor(t),
		PBX:     pbx.NewClient(pool, schema),
		Store:   s.store,
		Archive: s.writer,
		Options: s.options(),
	}
	if sftpCfg := tenant.SFTPConfigFor(t); sftpCfg != nil {
		sess, err := sftpx.Open(ctx, sftpCfg, sftpx.Options{
			BandwidthBytesPerSec: s.cfg.SFTPBandwidthBytesPerSec,
		})
		if err != nil {
			slog.Warn("sftp unavailable, media stages will be skipped", "error", err)
		} else {
			env.Files = sess
			defer sess.Close()
		}
	}

	var firstErr error
	for _, name := range StageOrder {
		if stageName != "" && name != stageName {
			continue
		}
		if stageName == "" && !stageEnabled(t, name) {
			continue
		}
		if err := s.runStage(ctx, env, name); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: stage %s: %v", ErrPartial, name, err)
		}
	}
	return firstErr
}

// Close releases the tunnel cache.
func (s *Scheduler) Close() {
	s.tunnels.Close()
}

func logDetails(res Result) json.RawMessage {
	if len(res.Errors) == 0 {
		return nil
	}
	errs := res.Errors
	truncated := false
	if len(errs) > logErrorDetailCap {
		errs = errs[:logErrorDetailCap]
		truncated = true
	}
	type rec struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}
	out := struct {
		Records   []rec `json:"records"`
		Truncated bool  `json:"truncated,omitempty"`
	}{Truncated: truncated}
	for _, e := range errs {
		out.Records = append(out.Records, rec{ID: e.RecordID, Error: e.Message})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return b
}
