package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/shaiso/vgap/internal/domain"
)

// Default configuration values.
const (
	defaultMaxFileSize    = 20 << 30 // 20 GiB
	defaultRecordsToCheck = 1000

	// lowDepthThreshold — ниже этого min_depth выдаётся предупреждение.
	lowDepthThreshold = 10
)

// safeFilename — буквы, цифры, подчёркивание, дефис и точка.
var safeFilename = regexp.MustCompile(`^[\w\-.]+$`)

// Config — конфигурация Validator.
type Config struct {
	// CheckFiles — проверять существование и содержимое FASTQ.
	CheckFiles bool

	// MaxFileSize — максимальный размер FASTQ в байтах (default: 20 GiB).
	MaxFileSize int64

	// RecordsToCheck — сколько FASTQ-записей читать при проверке формата (default: 1000).
	RecordsToCheck int

	// SchemesDir — каталог пользовательских primer schemes ({name}.bed).
	SchemesDir string

	// ReferencesDir — каталог референсов. Относительный Reference
	// ищется в нём.
	ReferencesDir string

	Logger *slog.Logger
}

// Validator — pre-flight проверка run.
type Validator struct {
	checkFiles     bool
	maxFileSize    int64
	recordsToCheck int
	schemesDir     string
	referencesDir  string

	validate *validator.Validate
	logger   *slog.Logger
}

// New создаёт Validator.
func New(cfg Config) *Validator {
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}

	records := cfg.RecordsToCheck
	if records <= 0 {
		records = defaultRecordsToCheck
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	return &Validator{
		checkFiles:     cfg.CheckFiles,
		maxFileSize:    maxSize,
		recordsToCheck: records,
		schemesDir:     cfg.SchemesDir,
		referencesDir:  cfg.ReferencesDir,
		validate:       v,
		logger:         logger.With("component", "preflight"),
	}
}

// Validate проверяет run и возвращает отчёт. Ошибка возвращается только
// при сбое самой проверки, замечания всегда идут в отчёт.
func (v *Validator) Validate(ctx context.Context, run *domain.Run) (*domain.ValidationReport, error) {
	report := &domain.ValidationReport{}

	if len(run.Samples) == 0 {
		report.Add(domain.ValidationIssue{
			Code:        "NO_SAMPLES",
			Message:     "run has no samples",
			Remediation: "add at least one sample with an R1 FASTQ file",
			Field:       "samples",
		})
	}

	v.checkThresholds(run.Config, report)
	v.checkReference(run, report)
	scheme := v.checkPrimerScheme(run, report)

	seen := make(map[string]bool, len(run.Samples))
	for i := range run.Samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sm := &run.Samples[i]
		if seen[sm.Name] {
			report.Add(sampleIssue(sm, domain.ValidationIssue{
				Code:        "SAMPLE_NAME_DUPLICATE",
				Message:     fmt.Sprintf("sample name %q is used more than once", sm.Name),
				Remediation: "give every sample in the run a unique name",
				Field:       "name",
			}))
		}
		seen[sm.Name] = true

		v.checkSample(sm, scheme, report)
	}

	v.logger.Info("pre-flight validation complete",
		"run_id", run.ID,
		"status", report.Status(),
		"errors", len(report.Errors),
		"warnings", len(report.Warnings),
	)
	return report, nil
}

// thresholds — пороги анализа с допустимыми диапазонами.
type thresholds struct {
	MinDepth       int     `json:"min_depth" validate:"gte=1,lte=100000"`
	MinAlleleFreq  float64 `json:"min_allele_freq" validate:"gt=0,lte=1"`
	MinReadLength  int     `json:"min_read_length" validate:"gte=1"`
	MinBaseQuality int     `json:"min_base_quality" validate:"gte=0,lte=60"`
}

func (v *Validator) checkThresholds(cfg domain.RunConfig, report *domain.ValidationReport) {
	t := thresholds{
		MinDepth:       cfg.MinDepth,
		MinAlleleFreq:  cfg.MinAlleleFreq,
		MinReadLength:  cfg.MinReadLength,
		MinBaseQuality: cfg.MinBaseQuality,
	}

	if err := v.validate.Struct(t); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			report.Add(domain.ValidationIssue{
				Code:    "METADATA_INVALID_VALUE",
				Message: err.Error(),
				Field:   "config",
			})
			return
		}
		for _, fe := range errs {
			report.Add(domain.ValidationIssue{
				Code:        "METADATA_INVALID_VALUE",
				Message:     fmt.Sprintf("%s has invalid value %v (must satisfy %s %s)", fe.Field(), fe.Value(), fe.Tag(), fe.Param()),
				Remediation: fmt.Sprintf("set config.%s to a value within the allowed range", fe.Field()),
				Field:       "config." + fe.Field(),
			})
		}
	}

	if cfg.MinDepth >= 1 && cfg.MinDepth < lowDepthThreshold {
		report.Add(domain.ValidationIssue{
			Code:     "LOW_MIN_DEPTH",
			Message:  fmt.Sprintf("min_depth %d is below the recommended %d; consensus calls may be unreliable", cfg.MinDepth, lowDepthThreshold),
			Field:    "config.min_depth",
			Severity: domain.SeverityWarning,
		})
	}
}

func (v *Validator) checkReference(run *domain.Run, report *domain.ValidationReport) {
	ref := run.Config.Reference
	if ref == "" || !v.checkFiles {
		return
	}

	path := ref
	if !filepath.IsAbs(path) && v.referencesDir != "" {
		path = filepath.Join(v.referencesDir, ref)
	}
	if _, err := os.Stat(path); err != nil {
		report.Add(domain.ValidationIssue{
			Code:        "REFERENCE_NOT_FOUND",
			Message:     fmt.Sprintf("reference not found: %s", ref),
			Remediation: "download or configure the reference genome",
			Field:       "config.reference",
		})
	}
}

// checkSample проверяет входы одного sample.
func (v *Validator) checkSample(sm *domain.Sample, scheme *primerScheme, report *domain.ValidationReport) {
	if strings.TrimSpace(sm.R1) == "" {
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code:        "FASTQ_NOT_FOUND",
			Message:     fmt.Sprintf("sample %s has no R1 FASTQ file", sm.Name),
			Remediation: "upload the R1 FASTQ file for this sample",
			Field:       "r1",
		}))
		return
	}

	blocked := false
	for _, f := range []struct{ field, path string }{{"r1", sm.R1}, {"r2", sm.R2}} {
		if f.path == "" {
			continue
		}
		if !safeFilename.MatchString(filepath.Base(f.path)) {
			blocked = true
			report.Add(sampleIssue(sm, domain.ValidationIssue{
				Code:        "UNSAFE_FILENAME",
				Message:     fmt.Sprintf("filename contains unsafe characters: %s", filepath.Base(f.path)),
				Remediation: "rename the file to contain only letters, digits, underscores, hyphens and periods",
				Field:       f.field,
			}))
		}
	}

	if sm.R2 == "" {
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code:     "SINGLE_END_READS",
			Message:  fmt.Sprintf("sample %s has no R2 file and will be processed as single-end", sm.Name),
			Field:    "r2",
			Severity: domain.SeverityWarning,
		}))
	} else if msg := pairNamingMismatch(sm.R1, sm.R2); msg != "" {
		blocked = true
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code:        "PAIR_MISMATCH",
			Message:     msg,
			Remediation: "provide the matching R1 and R2 files of the same sample",
			Field:       "r2",
		}))
	}

	if !v.checkFiles || blocked {
		return
	}

	r1, ok := v.checkFile(sm, "r1", sm.R1, report)
	if !ok {
		return
	}
	if sm.R2 != "" {
		if _, ok := v.checkFile(sm, "r2", sm.R2, report); !ok {
			return
		}
		v.checkPairs(sm, report)
	}

	if scheme != nil && r1.reads > 0 && sm.R2 != "" {
		if issue, ok := scheme.overlapWarning(int(r1.meanLength())); ok {
			report.Add(sampleIssue(sm, issue))
		}
	}
}

// pairNamingMismatch сравнивает имена R1 и R2 по принятым соглашениям
// (_R1/_R2, _1/_2). Пустая строка — расхождений нет.
func pairNamingMismatch(r1, r2 string) string {
	if r1 == r2 {
		return "R1 and R2 point to the same file"
	}

	b1, b2 := filepath.Base(r1), filepath.Base(r2)
	for _, pair := range [][2]string{{"_R1", "_R2"}, {"_1.", "_2."}} {
		if i := strings.LastIndex(b1, pair[0]); i >= 0 {
			expected := b1[:i] + pair[1] + b1[i+len(pair[0]):]
			if b2 != expected {
				return fmt.Sprintf("R2 file %s does not match R1 file %s (expected %s)", b2, b1, expected)
			}
			return ""
		}
	}
	return ""
}

func sampleIssue(sm *domain.Sample, issue domain.ValidationIssue) domain.ValidationIssue {
	id := sm.ID
	issue.SampleID = &id
	if issue.Severity == "" {
		issue.Severity = domain.SeverityError
	}
	return issue
}
