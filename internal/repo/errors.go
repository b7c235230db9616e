package repo

import "errors"

// Общие ошибки хранилища.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrStaleUpdate — обновление sample устарело: sample ушёл дальше по stages.
	ErrStaleUpdate = errors.New("stale sample update")

	// ErrLeaseHeld — run ведёт другой оркестратор (или аренда потеряна).
	ErrLeaseHeld = errors.New("run lease held by another owner")
)
