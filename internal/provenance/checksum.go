package provenance

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ChecksumFile возвращает sha256 и размер файла.
func ChecksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ChecksumFiles считает sha256 для набора файлов: имя → путь.
// Результат индексирован путём, как в checksum manifest.
func ChecksumFiles(files map[string]string) (map[string]string, error) {
	sums := make(map[string]string, len(files))
	for _, path := range files {
		if path == "" {
			continue
		}
		sum, _, err := ChecksumFile(path)
		if err != nil {
			return nil, err
		}
		sums[path] = sum
	}
	return sums, nil
}

// WriteManifest пишет checksum manifest в формате "sha256  relpath",
// строки отсортированы по пути. Пути делаются относительными base,
// если это возможно.
func WriteManifest(w io.Writer, sums map[string]string, base string) error {
	paths := make([]string, 0, len(sums))
	for p := range sums {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		rel := p
		if base != "" {
			if r, err := filepath.Rel(base, p); err == nil && !strings.HasPrefix(r, "..") {
				rel = r
			}
		}
		if _, err := fmt.Fprintf(w, "%s  %s\n", sums[p], filepath.ToSlash(rel)); err != nil {
			return err
		}
	}
	return nil
}

// ParseManifest читает manifest, записанный WriteManifest.
func ParseManifest(r io.Reader) (map[string]string, error) {
	sums := make(map[string]string)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		sum, path, ok := strings.Cut(text, "  ")
		if !ok || len(sum) != sha256.Size*2 {
			return nil, fmt.Errorf("manifest line %d: malformed entry", line)
		}
		sums[path] = sum
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return sums, nil
}
