package domain

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
)

// --- Run transitions ---

func TestRunTransitions(t *testing.T) {
	all := []RunStatus{
		RunStatusPending, RunStatusQueued, RunStatusRunning,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled,
	}
	allowed := map[[2]RunStatus]bool{
		{RunStatusPending, RunStatusQueued}:    true,
		{RunStatusQueued, RunStatusRunning}:    true,
		{RunStatusQueued, RunStatusCancelled}:  true,
		{RunStatusRunning, RunStatusCompleted}: true,
		{RunStatusRunning, RunStatusFailed}:    true,
		{RunStatusRunning, RunStatusCancelled}: true,
	}

	for _, from := range all {
		for _, to := range all {
			run := &Run{Status: from}
			err := run.TransitionTo(to, time.Now())

			if allowed[[2]RunStatus{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error: %v", from, to, err)
				}
				if run.Status != to {
					t.Errorf("%s -> %s: status = %s", from, to, run.Status)
				}
				continue
			}

			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
			var te *InvalidTransitionError
			if !errors.As(err, &te) || te.From != from || te.To != to {
				t.Errorf("%s -> %s: expected InvalidTransitionError, got %v", from, to, err)
			}
			if run.Status != from {
				t.Errorf("%s -> %s: status changed to %s", from, to, run.Status)
			}
		}
	}
}

func TestRunTransitionTimestamps(t *testing.T) {
	run := &Run{Status: RunStatusPending, LeaseOwner: "o1"}
	now := time.Now()

	if err := run.TransitionTo(RunStatusQueued, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.ConfigFrozenAt == nil {
		t.Error("expected config to be frozen on queued")
	}
	if err := run.TransitionTo(RunStatusRunning, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.StartedAt == nil {
		t.Error("expected StartedAt to be set")
	}
	if err := run.TransitionTo(RunStatusCompleted, now.Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.FinishedAt == nil || run.Duration() != time.Minute {
		t.Errorf("expected duration 1m, got %v", run.Duration())
	}
	if run.LeaseOwner != "" {
		t.Error("expected lease to be released on terminal status")
	}
}

func TestRequestCancel(t *testing.T) {
	tests := []struct {
		status  RunStatus
		wantErr bool
	}{
		{RunStatusPending, true},
		{RunStatusQueued, false},
		{RunStatusRunning, false},
		{RunStatusCompleted, true},
		{RunStatusCancelled, true},
	}

	for _, tt := range tests {
		run := &Run{Status: tt.status}
		err := run.RequestCancel()
		if tt.wantErr != (err != nil) {
			t.Errorf("%s: wantErr=%v, got %v", tt.status, tt.wantErr, err)
		}
		if !tt.wantErr && !run.CancelRequested {
			t.Errorf("%s: expected cancel_requested", tt.status)
		}
	}

	run := &Run{Status: RunStatusRunning, CancelRequested: true}
	if err := run.RequestCancel(); err != nil {
		t.Errorf("repeated cancel should be accepted, got %v", err)
	}
}

func TestUpdateConfigFrozen(t *testing.T) {
	run := &Run{Status: RunStatusPending, Config: DefaultRunConfig()}

	cfg := DefaultRunConfig()
	cfg.MinDepth = 30
	if err := run.UpdateConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := run.TransitionTo(RunStatusQueued, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.MinDepth = 50
	if err := run.UpdateConfig(cfg); !errors.Is(err, ErrConfigFrozen) {
		t.Errorf("expected ErrConfigFrozen, got %v", err)
	}
	if run.Config.MinDepth != 30 {
		t.Errorf("config changed after freeze: %d", run.Config.MinDepth)
	}
}

func TestNewRunCode(t *testing.T) {
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	code := NewRunCode(now)

	if !regexp.MustCompile(`^RUN-20260309-[0-9A-F]{8}$`).MatchString(code) {
		t.Errorf("unexpected run code %q", code)
	}
	if NewRunCode(now) == code {
		t.Error("expected distinct run codes")
	}
}

// --- Sample updates ---

func TestSampleUpdateOrdering(t *testing.T) {
	s := NewSample(uuid.New(), 0, "A", "a_R1.fastq.gz", "a_R2.fastq.gz")
	now := time.Now()

	if !(SampleUpdate{Status: SampleStatusRunning, Stage: StageQC, StageIndex: 0}).Apply(&s, now) {
		t.Fatal("expected running update to apply")
	}
	if !(SampleUpdate{Status: SampleStatusRunning, Stage: StageQC, StageIndex: 0, Completed: true,
		Metrics: map[string]any{"reads": 100}}).Apply(&s, now) {
		t.Fatal("expected qc completion to apply")
	}
	if !(SampleUpdate{Status: SampleStatusRunning, Stage: StageMapping, StageIndex: 1, Completed: true}).Apply(&s, now) {
		t.Fatal("expected mapping completion to apply")
	}

	// Поздний retry QC не должен откатить sample.
	if (SampleUpdate{Status: SampleStatusRunning, Stage: StageQC, StageIndex: 0, Completed: true}).Apply(&s, now) {
		t.Error("late qc update must be dropped")
	}
	if s.StageIndex != 1 || s.CurrentStage != StageMapping {
		t.Errorf("sample regressed: index=%d stage=%s", s.StageIndex, s.CurrentStage)
	}
	if s.Metrics["reads"] != 100 {
		t.Errorf("metrics lost: %v", s.Metrics)
	}

	fail := SampleUpdate{
		Status: SampleStatusFailed, Stage: StageVariants, StageIndex: 2,
		Error: NewErrorDetail("TOOL_FAILED", "ivar failed", ""),
	}
	if !fail.Apply(&s, now) {
		t.Fatal("expected failure to apply")
	}
	if s.FailedStage != StageVariants || s.StageIndex != 1 {
		t.Errorf("unexpected sample after failure: %+v", s)
	}

	if (SampleUpdate{Status: SampleStatusRunning, Stage: StageLineage, StageIndex: 3}).Apply(&s, now) {
		t.Error("updates to terminal sample must be dropped")
	}
}

func TestSampleInputs(t *testing.T) {
	s := NewSample(uuid.New(), 0, "A", "r1.fq", "")
	s.Artifacts["bam"] = "a.bam"

	inputs := s.Inputs()
	if inputs["r1"] != "r1.fq" || inputs["bam"] != "a.bam" {
		t.Errorf("unexpected inputs: %v", inputs)
	}
	if _, ok := inputs["r2"]; ok {
		t.Error("single-end sample must not expose r2")
	}
}

func TestValidationReport(t *testing.T) {
	var r ValidationReport
	if r.Status() != "pass" {
		t.Errorf("empty report status = %s", r.Status())
	}

	r.Add(ValidationIssue{Code: "SINGLE_END_READS", Severity: SeverityWarning})
	if r.Blocking() || r.Status() != "warning" {
		t.Error("warnings must not block")
	}

	r.Add(ValidationIssue{Code: "FASTQ_NOT_FOUND"})
	if !r.Blocking() || r.Status() != "fail" {
		t.Error("errors must block")
	}
	if r.Errors[0].Severity != SeverityError {
		t.Errorf("severity defaulted to %q", r.Errors[0].Severity)
	}
}
