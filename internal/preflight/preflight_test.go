package preflight

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/vgap/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fastq генерирует n записей с длиной чтения readLen.
func fastq(n, readLen int, suffix string) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "@read%d%s\n%s\n+\n%s\n", i, suffix, strings.Repeat("A", readLen), strings.Repeat("I", readLen))
	}
	return b.String()
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeGzip(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func newRun(mode domain.Mode, samples ...domain.Sample) *domain.Run {
	cfg := domain.DefaultRunConfig()
	if mode == domain.ModeAmplicon {
		cfg.PrimerScheme = "ARTIC-V4.1"
	}
	run := &domain.Run{ID: uuid.New(), Mode: mode, Status: domain.RunStatusPending, Config: cfg}
	for i := range samples {
		samples[i].RunID = run.ID
		samples[i].Position = i
	}
	run.Samples = samples
	return run
}

func sample(name, r1, r2 string) domain.Sample {
	return domain.NewSample(uuid.Nil, 0, name, r1, r2)
}

func codes(issues []domain.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issue.Code)
	}
	return out
}

// --- Run-level checks ---

func TestValidate_Pass(t *testing.T) {
	v := New(Config{Logger: testLogger})
	run := newRun(domain.ModeAmplicon,
		sample("A", "/data/A_R1.fastq.gz", "/data/A_R2.fastq.gz"),
		sample("B", "/data/B_R1.fastq.gz", "/data/B_R2.fastq.gz"),
	)

	report, err := v.Validate(context.Background(), run)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, "pass", report.Status())
}

func TestValidate_NoSamples(t *testing.T) {
	v := New(Config{Logger: testLogger})

	report, err := v.Validate(context.Background(), newRun(domain.ModeShotgun))
	require.NoError(t, err)
	assert.Equal(t, []string{"NO_SAMPLES"}, codes(report.Errors))
	assert.True(t, report.Blocking())
}

func TestValidate_DuplicateNames(t *testing.T) {
	v := New(Config{Logger: testLogger})
	run := newRun(domain.ModeShotgun,
		sample("A", "/data/A_R1.fq", "/data/A_R2.fq"),
		sample("A", "/data/A2_R1.fq", "/data/A2_R2.fq"),
	)

	report, err := v.Validate(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, []string{"SAMPLE_NAME_DUPLICATE"}, codes(report.Errors))
	require.NotNil(t, report.Errors[0].SampleID)
	assert.Equal(t, run.Samples[1].ID, *report.Errors[0].SampleID)
}

func TestValidate_Thresholds(t *testing.T) {
	v := New(Config{Logger: testLogger})
	run := newRun(domain.ModeShotgun, sample("A", "/data/A_R1.fq", "/data/A_R2.fq"))
	run.Config.MinAlleleFreq = 1.5
	run.Config.MinBaseQuality = 99

	report, err := v.Validate(context.Background(), run)
	require.NoError(t, err)
	require.Len(t, report.Errors, 2)

	fields := []string{report.Errors[0].Field, report.Errors[1].Field}
	assert.ElementsMatch(t, []string{"config.min_allele_freq", "config.min_base_quality"}, fields)
	for _, issue := range report.Errors {
		assert.Equal(t, "METADATA_INVALID_VALUE", issue.Code)
		assert.NotEmpty(t, issue.Remediation)
	}
}

func TestValidate_LowDepthWarning(t *testing.T) {
	v := New(Config{Logger: testLogger})
	run := newRun(domain.ModeShotgun, sample("A", "/data/A_R1.fq", "/data/A_R2.fq"))
	run.Config.MinDepth = 3

	report, err := v.Validate(context.Background(), run)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"LOW_MIN_DEPTH"}, codes(report.Warnings))
	assert.Equal(t, "warning", report.Status())
}

// --- Amplicon checks ---

func TestValidate_PrimerScheme(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "custom.bed", "MN908947.3\t30\t54\tnCoV_1_LEFT\t1\t+\n")
	writeFile(t, dir, "broken.bed", "MN908947.3\t30\n")

	tests := []struct {
		name   string
		scheme string
		codes  []string
	}{
		{"known", "ARTIC-V4.1", []string{}},
		{"legacy name", "ARTIC_v3", []string{}},
		{"missing", "", []string{"PRIMER_SCHEME_NOT_FOUND"}},
		{"unknown", "ARTIC-V99", []string{"PRIMER_SCHEME_NOT_FOUND"}},
		{"custom bed", "custom", []string{}},
		{"invalid bed", "broken", []string{"PRIMER_SCHEME_INVALID"}},
	}

	v := New(Config{SchemesDir: dir, Logger: testLogger})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newRun(domain.ModeAmplicon, sample("A", "/data/A_R1.fq", "/data/A_R2.fq"))
			run.Config.PrimerScheme = tt.scheme

			report, err := v.Validate(context.Background(), run)
			require.NoError(t, err)
			assert.Equal(t, tt.codes, codes(report.Errors))
		})
	}
}

func TestValidate_ShotgunIgnoresPrimerScheme(t *testing.T) {
	v := New(Config{Logger: testLogger})
	run := newRun(domain.ModeShotgun, sample("A", "/data/A_R1.fq", "/data/A_R2.fq"))
	run.Config.PrimerScheme = ""

	report, err := v.Validate(context.Background(), run)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
}

// --- Sample input checks ---

func TestValidate_SampleInputs(t *testing.T) {
	tests := []struct {
		name     string
		r1, r2   string
		errors   []string
		warnings []string
	}{
		{"missing r1", "", "", []string{"FASTQ_NOT_FOUND"}, []string{}},
		{"single end", "/data/A.fastq.gz", "", []string{}, []string{"SINGLE_END_READS"}},
		{"unsafe filename", "/data/A R1.fastq", "/data/A R2.fastq", []string{"UNSAFE_FILENAME", "UNSAFE_FILENAME"}, []string{}},
		{"same file", "/data/A_R1.fq", "/data/A_R1.fq", []string{"PAIR_MISMATCH"}, []string{}},
		{"naming mismatch", "/data/A_R1.fq", "/data/B_R2.fq", []string{"PAIR_MISMATCH"}, []string{}},
		{"numeric suffix pair", "/data/A_1.fq", "/data/A_2.fq", []string{}, []string{}},
	}

	v := New(Config{Logger: testLogger})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newRun(domain.ModeShotgun, sample("A", tt.r1, tt.r2))

			report, err := v.Validate(context.Background(), run)
			require.NoError(t, err)
			assert.Equal(t, tt.errors, codes(report.Errors))
			assert.Equal(t, tt.warnings, codes(report.Warnings))
		})
	}
}

func TestPairNamingMismatch(t *testing.T) {
	assert.Empty(t, pairNamingMismatch("/x/S1_L001_R1_001.fastq.gz", "/y/S1_L001_R2_001.fastq.gz"))
	assert.NotEmpty(t, pairNamingMismatch("/x/S1_L001_R1_001.fastq.gz", "/x/S2_L001_R2_001.fastq.gz"))
	assert.Empty(t, pairNamingMismatch("/x/reads_a.fq", "/x/reads_b.fq"))
}

// --- File content checks ---

func TestValidate_CheckFiles(t *testing.T) {
	dir := t.TempDir()

	goodR1 := writeGzip(t, dir, "good_R1.fastq.gz", fastq(20, 150, "/1"))
	goodR2 := writeGzip(t, dir, "good_R2.fastq.gz", fastq(20, 150, "/2"))
	empty := writeFile(t, dir, "empty_R1.fastq", "")
	badFormat := writeFile(t, dir, "bad_R1.fastq", "read1\nACGT\n+\nIIII\n")
	lenMismatch := writeFile(t, dir, "len_R1.fastq", "@read1\nACGT\n+\nII\n")
	corrupt := writeFile(t, dir, "corrupt_R1.fastq.gz", "definitely not gzip")
	otherR2 := writeGzip(t, dir, "other_R2.fastq.gz", strings.ReplaceAll(fastq(20, 150, "/2"), "@read", "@other"))

	tests := []struct {
		name   string
		r1, r2 string
		errors []string
	}{
		{"valid pair", goodR1, goodR2, []string{}},
		{"not found", filepath.Join(dir, "missing_R1.fastq"), "", []string{"FASTQ_NOT_FOUND"}},
		{"directory", dir, "", []string{"FASTQ_NOT_FOUND"}},
		{"empty", empty, "", []string{"FASTQ_EMPTY_FILE"}},
		{"bad header", badFormat, "", []string{"FASTQ_INVALID_FORMAT"}},
		{"length mismatch", lenMismatch, "", []string{"FASTQ_INVALID_FORMAT"}},
		{"corrupt gzip", corrupt, "", []string{"FASTQ_CORRUPT_GZIP"}},
	}

	v := New(Config{CheckFiles: true, Logger: testLogger})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newRun(domain.ModeShotgun, domain.Sample{ID: uuid.New(), Name: "A", R1: tt.r1, R2: tt.r2})

			report, err := v.Validate(context.Background(), run)
			require.NoError(t, err)
			assert.Equal(t, tt.errors, codes(report.Errors))
		})
	}

	t.Run("pair count mismatch", func(t *testing.T) {
		r1 := writeGzip(t, dir, "count_R1.fastq.gz", fastq(20, 150, "/1"))
		r2 := writeGzip(t, dir, "count_R2.fastq.gz", fastq(10, 150, "/2"))

		run := newRun(domain.ModeShotgun, sample("A", r1, r2))
		report, err := v.Validate(context.Background(), run)
		require.NoError(t, err)
		assert.Equal(t, []string{"PAIR_COUNT_MISMATCH"}, codes(report.Errors))
	})

	t.Run("pair id mismatch", func(t *testing.T) {
		r1 := writeGzip(t, dir, "other_R1.fastq.gz", fastq(20, 150, "/1"))

		run := newRun(domain.ModeShotgun, sample("A", r1, otherR2))
		report, err := v.Validate(context.Background(), run)
		require.NoError(t, err)
		require.Equal(t, []string{"PAIR_ID_MISMATCH"}, codes(report.Errors))
		assert.Contains(t, report.Errors[0].Message, "record 1")
	})
}

func TestValidate_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	r1 := writeFile(t, dir, "big.fastq", fastq(10, 100, ""))

	v := New(Config{CheckFiles: true, MaxFileSize: 100, Logger: testLogger})
	run := newRun(domain.ModeShotgun, sample("A", r1, ""))

	report, err := v.Validate(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, []string{"FILE_TOO_LARGE"}, codes(report.Errors))
}

func TestValidate_AmpliconOverlap(t *testing.T) {
	dir := t.TempDir()
	r1 := writeFile(t, dir, "A_R1.fastq", fastq(5, 150, "/1"))
	r2 := writeFile(t, dir, "A_R2.fastq", fastq(5, 150, "/2"))

	v := New(Config{CheckFiles: true, Logger: testLogger})
	run := newRun(domain.ModeAmplicon, sample("A", r1, r2))
	run.Config.PrimerScheme = "midnight"

	report, err := v.Validate(context.Background(), run)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"POTENTIAL_GAP"}, codes(report.Warnings))
}

func TestValidate_Reference(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "MN908947.3.fasta", ">MN908947.3\nACGT\n")

	v := New(Config{CheckFiles: true, ReferencesDir: dir, Logger: testLogger})

	run := newRun(domain.ModeShotgun)
	run.Config.Reference = "MN908947.3.fasta"
	report, err := v.Validate(context.Background(), run)
	require.NoError(t, err)
	assert.NotContains(t, codes(report.Errors), "REFERENCE_NOT_FOUND")

	run.Config.Reference = "missing.fasta"
	report, err = v.Validate(context.Background(), run)
	require.NoError(t, err)
	assert.Contains(t, codes(report.Errors), "REFERENCE_NOT_FOUND")
}

func TestValidate_ContextCancelled(t *testing.T) {
	v := New(Config{Logger: testLogger})
	run := newRun(domain.ModeShotgun, sample("A", "/data/A_R1.fq", "/data/A_R2.fq"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Validate(ctx, run)
	assert.ErrorIs(t, err, context.Canceled)
}
