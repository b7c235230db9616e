package dispatcher

import "errors"

// Ошибки Dispatcher'а.
var (
	// ErrStopped — Dispatcher остановлен, новые submissions не принимаются.
	ErrStopped = errors.New("dispatcher stopped")

	// ErrRunCancelled — run отменён, новые submissions для него отклоняются.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrInvalidSpec — в Spec не хватает обязательных полей.
	ErrInvalidSpec = errors.New("invalid submission spec")

	// ErrCapacityExceeded — пул занят, submission поставлена в очередь.
	// Не возвращается вызывающему: используется как маркер в логах.
	ErrCapacityExceeded = errors.New("dispatcher capacity exceeded")
)
