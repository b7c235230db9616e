package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/pipeline"
)

func newRequest() *Request {
	return &Request{
		RunID:      uuid.New(),
		SampleID:   uuid.New(),
		SampleName: "S1",
		Stage:      domain.StageQC,
		Mode:       domain.ModeAmplicon,
		Attempt:    1,
		Inputs:     map[string]string{"r1": "s1_R1.fastq.gz"},
		Params:     map[string]any{"min_depth": 10},
		Seed:       12345,
		Tool:       pipeline.Tool{Name: "fastp", Version: "0.23.4"},
	}
}

// --- Registry Tests ---

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := ExecutorFunc(func(ctx context.Context, req *Request) (*domain.StageOutput, error) {
		return &domain.StageOutput{}, nil
	})
	r.Register(domain.StageQC, noop)
	r.Register(domain.StageMapping, noop)

	if _, err := r.Get(domain.StageQC); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Get(domain.StageLineage); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}

	missing := r.Missing([]domain.StageKind{domain.StageQC, domain.StageMapping, domain.StageVariants})
	if len(missing) != 1 || missing[0] != domain.StageVariants {
		t.Errorf("unexpected missing stages: %v", missing)
	}

	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != domain.StageMapping {
		t.Errorf("unexpected kinds: %v", kinds)
	}
}

func TestNewRegistryFromDefinition(t *testing.T) {
	def := pipeline.Default()
	def.Stages[domain.StageQC] = pipeline.StageDef{
		Tool:    pipeline.Tool{Name: "fastp", Version: "0.23.4"},
		Command: &pipeline.Command{Path: "fastp"},
	}

	r := NewRegistryFromDefinition(def, func(kind domain.StageKind, tool pipeline.Tool) Executor {
		if kind == domain.StageReport {
			return nil
		}
		return &DryRunExecutor{Tool: tool}
	})

	qc, err := r.Get(domain.StageQC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := qc.(*CommandExecutor); !ok {
		t.Errorf("expected CommandExecutor for qc, got %T", qc)
	}
	if _, err := r.Get(domain.StageReport); err == nil {
		t.Error("expected no executor for report")
	}
}

// --- Failure Tests ---

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind domain.FailureKind
		code string
	}{
		{"fatal passthrough", Fatal("BAD_INPUT", "bad", "fix"), domain.FailureFatal, "BAD_INPUT"},
		{"wrapped fatal", fmt.Errorf("wrap: %w", Fatal("BAD_INPUT", "bad", "")), domain.FailureFatal, "BAD_INPUT"},
		{"deadline", context.DeadlineExceeded, domain.FailureTransient, "STAGE_TIMEOUT"},
		{"missing file", fmt.Errorf("open: %w", os.ErrNotExist), domain.FailureFatal, "INPUT_NOT_FOUND"},
		{"unknown", errors.New("boom"), domain.FailureTransient, "EXECUTOR_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.err)
			if f.Kind != tt.kind || f.Code != tt.code {
				t.Errorf("got %s/%s, want %s/%s", f.Kind, f.Code, tt.kind, tt.code)
			}
		})
	}

	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestFailureExhausted(t *testing.T) {
	f := Transient("STAGE_TIMEOUT", "stage exceeded its time budget", context.DeadlineExceeded)
	ex := f.Exhausted(3)

	if !ex.Fatal() {
		t.Error("exhausted failure should be fatal")
	}
	if ex.Code != "STAGE_TIMEOUT" {
		t.Errorf("code changed: %s", ex.Code)
	}
	d := ex.Detail()
	if d.Remediation == "" || d.Message == f.Message {
		t.Errorf("unexpected detail: %+v", d)
	}
}

// --- Fingerprint Tests ---

func TestFingerprint(t *testing.T) {
	a := newRequest()
	b := newRequest()
	b.RunID, b.SampleID = a.RunID, a.SampleID
	b.Attempt = 3

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("attempt must not change fingerprint")
	}

	b.Params = map[string]any{"min_depth": 20}
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("params must change fingerprint")
	}

	c := newRequest()
	c.Tool.Version = "0.24.0"
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("tool version must change fingerprint")
	}

	if len(Fingerprint(a)) != 64 {
		t.Errorf("expected hex sha256, got %q", Fingerprint(a))
	}
}

// --- Template Tests ---

func TestRender(t *testing.T) {
	req := newRequest()
	req.WorkDir = "/work"

	tests := []struct {
		template string
		expected string
	}{
		{"-i {{ .Inputs.r1 }}", "-i s1_R1.fastq.gz"},
		{"--depth={{ .Params.min_depth }}", "--depth=10"},
		{"{{ .WorkDir }}/{{ .SampleName }}.bam", "/work/S1.bam"},
		{"{{ lower .SampleName }}", "s1"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		got, err := Render(tt.template, req)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tt.template, err)
		}
		if got != tt.expected {
			t.Errorf("%q: got %q, want %q", tt.template, got, tt.expected)
		}
	}

	if _, err := Render("{{ .Inputs.r2 }}", req); !errors.Is(err, ErrTemplateRender) {
		t.Errorf("expected ErrTemplateRender for missing key, got %v", err)
	}
	if _, err := Render("{{ .Inputs", req); !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
}

// --- Executor Tests ---

func TestDryRunExecutor(t *testing.T) {
	e := &DryRunExecutor{Tool: pipeline.Tool{Name: "fastp", Version: "0.23.4"}, Delay: time.Millisecond}

	out, err := e.Execute(context.Background(), newRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ToolName != "fastp" || out.Artifacts["qc"] == "" {
		t.Errorf("unexpected output: %+v", out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Delay = time.Hour
	if _, err := e.Execute(ctx, newRequest()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
}

func TestCommandExecutor_Success(t *testing.T) {
	skipWithoutShell(t)

	dir := t.TempDir()
	input := filepath.Join(dir, "s1_R1.fastq")
	if err := os.WriteFile(input, []byte("@r1\nACGT\n+\nIIII\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(dir, "s1.clean.fastq")

	e := NewCommandExecutor(pipeline.Command{
		Path: "/bin/sh",
		Args: []string{"-c", `cp "$1" "$2" && printf '{"ref":"%s","metrics":{"reads":1},"artifacts":{"clean_r1":"%s"}}' "$2" "$2"`,
			"sh", "{{ .Inputs.r1 }}", output},
	}, pipeline.Tool{Name: "fastp", Version: "0.23.4"})

	req := newRequest()
	req.Inputs = map[string]string{"r1": input}

	out, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Ref != output {
		t.Errorf("ref = %q", out.Ref)
	}
	if out.Metrics["reads"] != float64(1) {
		t.Errorf("metrics = %v", out.Metrics)
	}
	if out.InputChecksums[input] == "" || out.Checksums[output] == "" {
		t.Errorf("missing checksums: in=%v out=%v", out.InputChecksums, out.Checksums)
	}
	if out.InputChecksums[input] != out.Checksums[output] {
		t.Error("copied file should have identical checksum")
	}
	if out.ToolVersion != "0.23.4" {
		t.Errorf("tool version = %q", out.ToolVersion)
	}
}

func TestCommandExecutor_Failures(t *testing.T) {
	skipWithoutShell(t)

	tests := []struct {
		name   string
		script string
		kind   domain.FailureKind
		code   string
	}{
		{"fatal exit code", "echo 'bad fastq' >&2; exit 65", domain.FailureFatal, "TOOL_REJECTED_INPUT"},
		{"transient exit code", "exit 1", domain.FailureTransient, "TOOL_FAILED"},
		{"fatal result doc", `echo '{"error":{"code":"PRIMER_MISMATCH","message":"no amplicons","fatal":true}}'`,
			domain.FailureFatal, "PRIMER_MISMATCH"},
		{"invalid result doc", "echo not-json", domain.FailureFatal, "TOOL_RESULT_INVALID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewCommandExecutor(pipeline.Command{Path: "/bin/sh", Args: []string{"-c", tt.script}},
				pipeline.Tool{Name: "tool"})
			req := newRequest()
			req.Inputs = nil

			_, err := e.Execute(context.Background(), req)
			f := Classify(err)
			if f == nil || f.Kind != tt.kind || f.Code != tt.code {
				t.Errorf("got %v, want %s/%s", err, tt.kind, tt.code)
			}
		})
	}
}

func TestCommandExecutor_NotFound(t *testing.T) {
	e := NewCommandExecutor(pipeline.Command{Path: "vgap-no-such-tool"}, pipeline.Tool{Name: "x"})
	req := newRequest()
	req.Inputs = nil

	_, err := e.Execute(context.Background(), req)
	if f := Classify(err); f == nil || f.Code != "TOOL_NOT_FOUND" || !f.Fatal() {
		t.Errorf("expected fatal TOOL_NOT_FOUND, got %v", err)
	}
}

func TestCommandExecutor_CancelKillsProcessGroup(t *testing.T) {
	skipWithoutShell(t)

	e := NewCommandExecutor(pipeline.Command{Path: "/bin/sh", Args: []string{"-c", "sleep 30 & sleep 30; wait"}},
		pipeline.Tool{Name: "sleep"})
	e.WaitDelay = time.Second
	req := newRequest()
	req.Inputs = nil

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Execute(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
}

func TestCommandExecutor_MissingInput(t *testing.T) {
	e := NewCommandExecutor(pipeline.Command{Path: "/bin/true"}, pipeline.Tool{Name: "x"})
	req := newRequest()
	req.Inputs = map[string]string{"r1": filepath.Join(t.TempDir(), "missing.fastq")}

	_, err := e.Execute(context.Background(), req)
	if f := Classify(err); f == nil || f.Code != "INPUT_NOT_FOUND" {
		t.Errorf("expected INPUT_NOT_FOUND, got %v", err)
	}
}
