package preflight

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shaiso/vgap/internal/domain"
)

// primerScheme — параметры схемы праймеров, нужные для проверок.
type primerScheme struct {
	name           string
	ampliconLength int
}

// knownSchemes — встроенные схемы (оба варианта написания имён).
var knownSchemes = map[string]primerScheme{
	"ARTIC_v3":     {"ARTIC_v3", 400},
	"ARTIC_v4":     {"ARTIC_v4", 400},
	"ARTIC_v4.1":   {"ARTIC_v4.1", 400},
	"ARTIC_v5":     {"ARTIC_v5", 400},
	"midnight":     {"midnight", 1200},
	"ARTIC-V3":     {"ARTIC-V3", 400},
	"ARTIC-V4":     {"ARTIC-V4", 400},
	"ARTIC-V4.1":   {"ARTIC-V4.1", 400},
	"ARTIC-V5":     {"ARTIC-V5", 400},
	"ARTIC-V5.3.2": {"ARTIC-V5.3.2", 400},
}

// minOverlap — рекомендуемое перекрытие парных чтений внутри ампликона.
const minOverlap = 20

func knownSchemeNames() string {
	names := make([]string, 0, len(knownSchemes))
	for name := range knownSchemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// checkPrimerScheme проверяет схему праймеров для amplicon.
// Возвращает встроенную схему, если она известна.
func (v *Validator) checkPrimerScheme(run *domain.Run, report *domain.ValidationReport) *primerScheme {
	if run.Mode != domain.ModeAmplicon {
		return nil
	}

	name := strings.TrimSpace(run.Config.PrimerScheme)
	if name == "" {
		report.Add(domain.ValidationIssue{
			Code:        "PRIMER_SCHEME_NOT_FOUND",
			Message:     "amplicon mode requires a primer scheme",
			Remediation: "specify the primer scheme (e.g. ARTIC-V4.1)",
			Field:       "config.primer_scheme",
		})
		return nil
	}

	if s, ok := knownSchemes[name]; ok {
		return &s
	}

	if v.schemesDir != "" {
		path := filepath.Join(v.schemesDir, name+".bed")
		if _, err := os.Stat(path); err == nil {
			if issue, ok := checkBED(path); !ok {
				report.Add(issue)
			}
			return nil
		}
	}

	report.Add(domain.ValidationIssue{
		Code:        "PRIMER_SCHEME_NOT_FOUND",
		Message:     fmt.Sprintf("unknown primer scheme: %s", name),
		Remediation: fmt.Sprintf("use a known scheme (%s) or provide a custom BED file", knownSchemeNames()),
		Field:       "config.primer_scheme",
	})
	return nil
}

// checkBED проверяет формат BED-файла праймеров.
func checkBED(path string) (domain.ValidationIssue, bool) {
	invalid := func(msg, remediation string) (domain.ValidationIssue, bool) {
		return domain.ValidationIssue{
			Code:        "PRIMER_SCHEME_INVALID",
			Message:     msg,
			Remediation: remediation,
			Field:       "config.primer_scheme",
		}, false
	}

	f, err := os.Open(path)
	if err != nil {
		return invalid(fmt.Sprintf("cannot read primer BED file: %v", err), "verify the file is a readable BED file")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	primers := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Split(text, "\t")
		if len(fields) < 6 {
			return invalid(fmt.Sprintf("BED file has fewer than 6 columns at line %d", line),
				"primer BED must have: chrom, start, end, name, score, strand")
		}
		if _, err := strconv.Atoi(fields[1]); err != nil {
			return invalid(fmt.Sprintf("non-numeric start coordinate at line %d", line), "BED start and end must be integers")
		}
		if _, err := strconv.Atoi(fields[2]); err != nil {
			return invalid(fmt.Sprintf("non-numeric end coordinate at line %d", line), "BED start and end must be integers")
		}
		primers++
	}
	if err := sc.Err(); err != nil {
		return invalid(fmt.Sprintf("cannot read primer BED file: %v", err), "verify the file is a readable BED file")
	}
	if primers == 0 {
		return invalid("primer BED file contains no primers", "provide a BED file with at least one primer")
	}
	return domain.ValidationIssue{}, true
}

// overlapWarning предупреждает, если парные чтения не покрывают ампликон.
func (s *primerScheme) overlapWarning(readLength int) (domain.ValidationIssue, bool) {
	coverage := 2 * readLength
	switch {
	case coverage < s.ampliconLength:
		return domain.ValidationIssue{
			Code: "POTENTIAL_GAP",
			Message: fmt.Sprintf("read length (%dbp) may be short for amplicon scheme %s (%dbp); ensure proper insert size",
				readLength, s.name, s.ampliconLength),
			Field:    "r1",
			Severity: domain.SeverityWarning,
		}, true
	case coverage-s.ampliconLength < minOverlap:
		return domain.ValidationIssue{
			Code: "LOW_OVERLAP",
			Message: fmt.Sprintf("read overlap (%dbp) is below the recommended minimum (%dbp)",
				coverage-s.ampliconLength, minOverlap),
			Field:    "r1",
			Severity: domain.SeverityWarning,
		}, true
	}
	return domain.ValidationIssue{}, false
}
