package provenance

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/repo"
)

func newRun(t *testing.T, store *repo.MemStore) *domain.Run {
	t.Helper()
	run := &domain.Run{
		ID:        uuid.New(),
		Code:      domain.NewRunCode(time.Now()),
		Mode:      domain.ModeAmplicon,
		Status:    domain.RunStatusCompleted,
		CreatedAt: time.Now(),
	}
	run.Samples = []domain.Sample{domain.NewSample(run.ID, 0, "s1", "/data/s1_R1.fastq", "")}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return run
}

func stageEntry(runID uuid.UUID, stage domain.StageKind, outputs map[string]string) *domain.ProvenanceEntry {
	return &domain.ProvenanceEntry{
		RunID:           runID,
		SampleName:      "s1",
		Stage:           stage,
		Outcome:         domain.OutcomeSucceeded,
		ToolName:        "ivar",
		ToolVersion:     "1.4.2",
		OutputChecksums: outputs,
		StartedAt:       time.Now(),
	}
}

// --- Checksum Tests ---

func TestChecksumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	sum, size, err := ChecksumFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected sum %s", sum)
	}
	if size != 5 {
		t.Errorf("expected size 5, got %d", size)
	}
}

func TestManifest_RoundTrip(t *testing.T) {
	sums := map[string]string{
		"/work/run/s1/b.vcf": strings.Repeat("b", 64),
		"/work/run/s1/a.bam": strings.Repeat("a", 64),
	}
	var buf bytes.Buffer
	if err := WriteManifest(&buf, sums, "/work/run"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], "  s1/a.bam") {
		t.Fatalf("unexpected manifest:\n%s", buf.String())
	}

	parsed, err := ParseManifest(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed["s1/b.vcf"] != strings.Repeat("b", 64) {
		t.Errorf("unexpected parsed manifest: %v", parsed)
	}
}

func TestParseManifest_Malformed(t *testing.T) {
	if _, err := ParseManifest(strings.NewReader("abc file\n")); err == nil {
		t.Error("expected error for malformed manifest")
	}
}

// --- Recorder Tests ---

func TestRecorder_RecordAndGet(t *testing.T) {
	store := repo.NewMemStore()
	run := newRun(t, store)
	rec := NewRecorder(store, "", nil)
	ctx := context.Background()

	for _, stage := range []domain.StageKind{domain.StageQC, domain.StageMapping} {
		if err := rec.Record(ctx, stageEntry(run.ID, stage, nil)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	entries, err := rec.GetProvenance(ctx, run.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Seq >= entries[1].Seq {
		t.Error("seq should increase")
	}
	if entries[0].Stage != domain.StageQC {
		t.Errorf("expected qc first, got %s", entries[0].Stage)
	}
}

func TestRecorder_RecordInvalid(t *testing.T) {
	rec := NewRecorder(repo.NewMemStore(), "", nil)

	if err := rec.Record(context.Background(), &domain.ProvenanceEntry{}); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("expected ErrInvalidEntry, got %v", err)
	}
	entry := stageEntry(uuid.New(), domain.StageQC, nil)
	if err := rec.Record(context.Background(), entry); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRecorder_Manifest(t *testing.T) {
	store := repo.NewMemStore()
	run := newRun(t, store)
	rec := NewRecorder(store, "/work", nil)
	ctx := context.Background()

	_ = rec.Record(ctx, stageEntry(run.ID, domain.StageVariants, map[string]string{
		"/work/s1/s1.vcf": strings.Repeat("c", 64),
	}))
	failed := stageEntry(run.ID, domain.StageLineage, map[string]string{
		"/work/s1/lineage.csv": strings.Repeat("d", 64),
	})
	failed.Outcome = domain.OutcomeFailed
	_ = rec.Record(ctx, failed)

	var buf bytes.Buffer
	if err := rec.Manifest(ctx, run.ID, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := strings.Repeat("c", 64) + "  s1/s1.vcf\n"
	if buf.String() != want {
		t.Errorf("expected %q, got %q", want, buf.String())
	}
}

func TestRecorder_Verify(t *testing.T) {
	store := repo.NewMemStore()
	a := newRun(t, store)
	b := newRun(t, store)
	rec := NewRecorder(store, "", nil)
	ctx := context.Background()

	_ = rec.Record(ctx, stageEntry(a.ID, domain.StageVariants, map[string]string{
		"/work/a/s1/s1.vcf": strings.Repeat("1", 64),
		"/work/a/s1/s1.tsv": strings.Repeat("2", 64),
	}))
	_ = rec.Record(ctx, stageEntry(b.ID, domain.StageVariants, map[string]string{
		"/work/b/s1/s1.vcf": strings.Repeat("1", 64),
		"/work/b/s1/s1.tsv": strings.Repeat("3", 64),
	}))

	v, err := rec.Verify(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Matched != 1 {
		t.Errorf("expected 1 match, got %d", v.Matched)
	}
	if len(v.Mismatches) != 1 || v.Mismatches[0].Key != "s1/variants/s1.tsv" {
		t.Errorf("unexpected mismatches: %+v", v.Mismatches)
	}
	if v.Reproducible {
		t.Error("runs should not be reproducible")
	}

	same, err := rec.Verify(ctx, a.ID, a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !same.Reproducible {
		t.Error("run should reproduce itself")
	}
}
