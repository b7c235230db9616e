package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ArtifactStore — хранилище байтов отчётов.
type ArtifactStore interface {
	// Put сохраняет объект под ключом key.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Get открывает объект на чтение. ErrObjectNotFound, если его нет.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// DeletePrefix удаляет все объекты с префиксом и возвращает их число.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// RunPrefix — префикс всех объектов run.
func RunPrefix(runID uuid.UUID) string {
	return fmt.Sprintf("runs/%s/", runID)
}

// objectKey — ключ объекта отчёта.
func objectKey(runID, reportID uuid.UUID, ext string) string {
	return fmt.Sprintf("%sreports/%s.%s", RunPrefix(runID), reportID, ext)
}

// MemoryStore — ArtifactStore в памяти для тестов и dev-режима.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

var _ ArtifactStore = (*MemoryStore)(nil)

// Put сохраняет объект.
func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

// Get открывает объект.
func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DeletePrefix удаляет объекты с префиксом.
func (m *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
			n++
		}
	}
	return n, nil
}

// Keys возвращает отсортированные ключи объектов.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
