package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReportFormat — формат отчёта.
type ReportFormat string

const (
	ReportFormatJSON ReportFormat = "json"
)

// ReportArtifact — сгенерированный отчёт, привязанный к run.
//
// Каждая генерация создаёт новую запись: ID и GeneratedAt
// никогда не повторяются внутри run.
type ReportArtifact struct {
	// ID — свежий UUID генерации.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на run.
	RunID uuid.UUID `json:"run_id"`

	// Format — формат отчёта.
	Format ReportFormat `json:"format"`

	// GeneratedAt — момент генерации.
	GeneratedAt time.Time `json:"generated_at"`

	// Location — ключ объекта в хранилище артефактов.
	Location string `json:"location"`

	// ContentType — MIME-тип содержимого.
	ContentType string `json:"content_type"`

	// Size — размер в байтах.
	Size int64 `json:"size"`

	// Checksum — sha256 содержимого.
	Checksum string `json:"checksum"`
}
