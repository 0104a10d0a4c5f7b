package syncer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flowpbx/archiver/internal/archive/models"
)

func TestStageEnabled(t *testing.T) {
	tn := &models.Tenant{
		BackupExtensions: true,
		BackupRecordings: true,
	}
	if !stageEnabled(tn, StageExtensions) {
		t.Error("extensions should be enabled")
	}
	if !stageEnabled(tn, StageRecordings) {
		t.Error("recordings should be enabled")
	}
	if stageEnabled(tn, StageMessages) {
		t.Error("messages should be disabled")
	}
	if stageEnabled(tn, "bogus") {
		t.Error("unknown stage must never be enabled")
	}
}

func TestStageOrderCoversAllStages(t *testing.T) {
	if len(StageOrder) != len(stages) {
		t.Fatalf("StageOrder has %d entries, stages map has %d", len(StageOrder), len(stages))
	}
	for _, name := range StageOrder {
		st, ok := stages[name]
		if !ok {
			t.Errorf("stage %q missing from registry", name)
			continue
		}
		if st.Name() != name {
			t.Errorf("stage %q reports name %q", name, st.Name())
		}
	}
}

func TestBackoffProgression(t *testing.T) {
	s := &Scheduler{
		running: map[int64]bool{},
		backoff: map[int64]*backoffState{},
	}

	now := time.Now()
	if !s.claim(1, now) {
		t.Fatal("fresh tenant should be claimable")
	}
	if s.claim(1, now) {
		t.Error("running tenant must not be claimed twice")
	}
	s.release(1)

	s.recordFailure(1)
	if s.claim(1, time.Now()) {
		t.Error("tenant in backoff must not be claimed")
	}
	// The window is bounded, so far-future claims succeed again.
	if !s.claim(1, time.Now().Add(backoffCap+time.Minute)) {
		t.Error("tenant past its backoff window should be claimable")
	}
	s.release(1)

	// Repeated failures grow the window but never beyond the cap.
	for i := 0; i < 10; i++ {
		s.recordFailure(2)
	}
	b := s.backoff[2]
	if until := time.Until(b.until); until > backoffCap+time.Second {
		t.Errorf("backoff window %v exceeds cap %v", until, backoffCap)
	}

	s.clearFailures(2)
	if s.backoff[2] != nil {
		t.Error("clearFailures should drop the state")
	}
}

func TestLogDetails(t *testing.T) {
	if got := logDetails(Result{}); got != nil {
		t.Errorf("no errors should produce no details, got %s", got)
	}

	res := Result{}
	for i := 0; i < logErrorDetailCap+5; i++ {
		res.Errors = append(res.Errors, RecordError{RecordID: "r", Message: "boom"})
	}
	raw := logDetails(res)
	var out struct {
		Records   []struct{ ID, Error string } `json:"records"`
		Truncated bool                         `json:"truncated"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if len(out.Records) != logErrorDetailCap {
		t.Errorf("records = %d, want %d", len(out.Records), logErrorDetailCap)
	}
	if !out.Truncated {
		t.Error("details should be marked truncated")
	}
}

func TestStageOutcomeCancelled(t *testing.T) {
	mark := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	cursor := "17"
	res := Result{
		Synced:          1,
		Errors:          []RecordError{{RecordID: "m2", Message: "context canceled"}},
		NewWatermark:    &mark,
		NewSourceCursor: &cursor,
	}

	out := stageOutcome(res, nil, context.Canceled)
	if out.Status != models.SyncError || out.Notes != "cancelled" {
		t.Errorf("status/notes = %s/%s, want error/cancelled", out.Status, out.Notes)
	}
	// A cancelled run must not persist its cursors: records that failed
	// mid-batch were never archived and must be fetched again.
	if out.Watermark != nil || out.SourceCursor != nil {
		t.Errorf("cursors persisted on cancel: watermark=%v source=%v", out.Watermark, out.SourceCursor)
	}

	out = stageOutcome(res, nil, nil)
	if out.Status != models.SyncSuccess || out.Watermark == nil || out.SourceCursor == nil {
		t.Errorf("normal run should keep its cursors, got %+v", out)
	}
}

func TestResultSummary(t *testing.T) {
	r := Result{Synced: 3, Skipped: 1, Errors: []RecordError{{RecordID: "x"}}}
	if got := r.Summary(); got != "Synced 3, skipped 1, 1 failed" {
		t.Errorf("Summary() = %q", got)
	}
	r.Notes = "no new messages"
	if got := r.Summary(); got != "no new messages" {
		t.Errorf("Summary() with notes = %q", got)
	}
}
