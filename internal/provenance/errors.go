package provenance

import "errors"

// Ошибки provenance.
var (
	// ErrRunNotFound — run не найден.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidEntry — запись provenance без обязательных полей.
	ErrInvalidEntry = errors.New("invalid provenance entry")
)
