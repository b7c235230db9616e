package report

import "errors"

// Ошибки генерации отчётов.
var (
	// ErrRunNotFound — run не найден.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotCompleted — отчёт доступен только для completed run.
	ErrRunNotCompleted = errors.New("run is not completed")

	// ErrReportNotFound — артефакт не найден.
	ErrReportNotFound = errors.New("report not found")

	// ErrUnsupportedFormat — для формата нет генератора.
	ErrUnsupportedFormat = errors.New("unsupported report format")

	// ErrObjectNotFound — объект отсутствует в ArtifactStore.
	ErrObjectNotFound = errors.New("object not found")
)
