package preflight

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/shaiso/vgap/internal/domain"
)

// fileStats — статистика проверенных FASTQ-записей.
type fileStats struct {
	reads    int
	totalLen int
	minLen   int
	maxLen   int
}

func (s fileStats) meanLength() float64 {
	if s.reads == 0 {
		return 0
	}
	return float64(s.totalLen) / float64(s.reads)
}

// openFASTQ открывает файл, прозрачно распаковывая .gz.
func openFASTQ(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", errCorruptGzip, err)
	}
	return &gzipFile{Reader: gz, file: f}, nil
}

var errCorruptGzip = errors.New("corrupt gzip")

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	err := g.Reader.Close()
	if cerr := g.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// fastqReader читает FASTQ по четыре строки.
type fastqReader struct {
	sc   *bufio.Scanner
	line int
}

func newFASTQReader(r io.Reader) *fastqReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	return &fastqReader{sc: sc}
}

// record — одна FASTQ-запись без строки '+'.
type record struct {
	header string
	seq    string
	qual   string
}

// next возвращает следующую запись; io.EOF — записей больше нет.
func (r *fastqReader) next() (record, error) {
	var lines [4]string
	for i := range lines {
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return record{}, err
			}
			if i == 0 {
				return record{}, io.EOF
			}
			return record{}, fmt.Errorf("truncated record at line %d", r.line+1)
		}
		r.line++
		lines[i] = strings.TrimRight(r.sc.Text(), "\r")
	}

	start := r.line - 3
	switch {
	case !strings.HasPrefix(lines[0], "@"):
		return record{}, fmt.Errorf("invalid FASTQ header at line %d", start)
	case !strings.HasPrefix(lines[2], "+"):
		return record{}, fmt.Errorf("invalid FASTQ separator at line %d", start+2)
	case len(lines[1]) != len(lines[3]):
		return record{}, fmt.Errorf("sequence/quality length mismatch at line %d: %d vs %d",
			start+1, len(lines[1]), len(lines[3]))
	}
	return record{header: lines[0], seq: lines[1], qual: lines[3]}, nil
}

// checkFile проверяет существование, размер, gzip и формат FASTQ.
// ok=false — файл непригоден, дальнейшие проверки sample бессмысленны.
func (v *Validator) checkFile(sm *domain.Sample, field, path string, report *domain.ValidationReport) (fileStats, bool) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code:        "FASTQ_NOT_FOUND",
			Message:     fmt.Sprintf("FASTQ file not found: %s", path),
			Remediation: "ensure the file exists and the path is correct",
			Field:       field,
		}))
		return fileStats{}, false
	case err != nil:
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code:        "FASTQ_NOT_FOUND",
			Message:     fmt.Sprintf("cannot access FASTQ file %s: %v", path, err),
			Remediation: "check file permissions",
			Field:       field,
		}))
		return fileStats{}, false
	case info.IsDir():
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code:        "FASTQ_NOT_FOUND",
			Message:     fmt.Sprintf("path is not a file: %s", path),
			Remediation: "provide a path to a file, not a directory",
			Field:       field,
		}))
		return fileStats{}, false
	case info.Size() == 0:
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code:        "FASTQ_EMPTY_FILE",
			Message:     fmt.Sprintf("FASTQ file is empty: %s", path),
			Remediation: "provide a non-empty FASTQ file",
			Field:       field,
		}))
		return fileStats{}, false
	case info.Size() > v.maxFileSize:
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code: "FILE_TOO_LARGE",
			Message: fmt.Sprintf("file exceeds maximum size (%.2f GB > %.2f GB): %s",
				float64(info.Size())/1e9, float64(v.maxFileSize)/1e9, path),
			Remediation: "split the file or ask the administrator to raise the limit",
			Field:       field,
		}))
		return fileStats{}, false
	}

	stats, err := v.scanFile(path)
	switch {
	case errors.Is(err, errCorruptGzip), errors.Is(err, gzip.ErrChecksum), errors.Is(err, gzip.ErrHeader),
		strings.HasSuffix(path, ".gz") && errors.Is(err, io.ErrUnexpectedEOF):
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code:        "FASTQ_CORRUPT_GZIP",
			Message:     fmt.Sprintf("corrupt gzip file %s: %v", path, err),
			Remediation: fmt.Sprintf("re-transfer the file and verify it with: gzip -t %s", path),
			Field:       field,
		}))
		return stats, false
	case err != nil:
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code:        "FASTQ_INVALID_FORMAT",
			Message:     fmt.Sprintf("%s: %v", path, err),
			Remediation: "verify the file is valid FASTQ: '@' header, sequence, '+' separator, quality of equal length",
			Field:       field,
		}))
		return stats, false
	case stats.reads == 0:
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code:        "FASTQ_EMPTY_FILE",
			Message:     fmt.Sprintf("FASTQ file contains no reads: %s", path),
			Remediation: "provide a non-empty FASTQ file",
			Field:       field,
		}))
		return stats, false
	}
	return stats, true
}

// scanFile читает первые recordsToCheck записей.
func (v *Validator) scanFile(path string) (fileStats, error) {
	rc, err := openFASTQ(path)
	if err != nil {
		return fileStats{}, err
	}
	defer rc.Close()

	var stats fileStats
	r := newFASTQReader(rc)
	for stats.reads < v.recordsToCheck {
		rec, err := r.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, err
		}

		n := len(rec.seq)
		if stats.reads == 0 || n < stats.minLen {
			stats.minLen = n
		}
		if n > stats.maxLen {
			stats.maxLen = n
		}
		stats.totalLen += n
		stats.reads++
	}
	return stats, nil
}

// readID возвращает идентификатор чтения без '@' и суффикса /1, /2.
func readID(header string) string {
	id := strings.TrimPrefix(header, "@")
	if i := strings.IndexAny(id, " \t"); i >= 0 {
		id = id[:i]
	}
	if strings.HasSuffix(id, "/1") || strings.HasSuffix(id, "/2") {
		id = id[:len(id)-2]
	}
	return id
}

// checkPairs сверяет идентификаторы и число чтений R1 и R2.
func (v *Validator) checkPairs(sm *domain.Sample, report *domain.ValidationReport) {
	f1, err := openFASTQ(sm.R1)
	if err != nil {
		return
	}
	defer f1.Close()
	f2, err := openFASTQ(sm.R2)
	if err != nil {
		return
	}
	defer f2.Close()

	r1, r2 := newFASTQReader(f1), newFASTQReader(f2)
	var mismatches []string
	for n := 1; n <= v.recordsToCheck; n++ {
		a, errA := r1.next()
		b, errB := r2.next()
		if errors.Is(errA, io.EOF) && errors.Is(errB, io.EOF) {
			break
		}
		if errors.Is(errA, io.EOF) || errors.Is(errB, io.EOF) {
			longer := "R1"
			if errors.Is(errA, io.EOF) {
				longer = "R2"
			}
			report.Add(sampleIssue(sm, domain.ValidationIssue{
				Code:        "PAIR_COUNT_MISMATCH",
				Message:     fmt.Sprintf("%s file has more reads than its mate", longer),
				Remediation: "ensure R1 and R2 files have the same number of reads",
				Field:       "r2",
			}))
			break
		}
		if errA != nil || errB != nil {
			// Формат уже проверен checkFile.
			break
		}

		if id1, id2 := readID(a.header), readID(b.header); id1 != id2 {
			mismatches = append(mismatches, fmt.Sprintf("record %d: R1=%s, R2=%s", n, id1, id2))
			if len(mismatches) >= 5 {
				break
			}
		}
	}

	if len(mismatches) > 0 {
		if len(mismatches) > 3 {
			mismatches = mismatches[:3]
		}
		report.Add(sampleIssue(sm, domain.ValidationIssue{
			Code:        "PAIR_ID_MISMATCH",
			Message:     "read ID mismatch between R1 and R2: " + strings.Join(mismatches, "; "),
			Remediation: "ensure R1 and R2 files contain matching read pairs in the same order",
			Field:       "r2",
		}))
	}
}
