package pipeline

import "errors"

// Ошибки валидации определения pipeline.
var (
	// ErrNoModes — определение не содержит ни одного режима.
	ErrNoModes = errors.New("pipeline has no modes")

	// ErrUnknownMode — режим не известен.
	ErrUnknownMode = errors.New("unknown mode")

	// ErrEmptySequence — у режима нет stages.
	ErrEmptySequence = errors.New("mode has no stages")

	// ErrUnknownStage — stage kind не известен.
	ErrUnknownStage = errors.New("unknown stage kind")

	// ErrDuplicateStage — stage повторяется в последовательности.
	ErrDuplicateStage = errors.New("duplicate stage in sequence")

	// ErrInvalidWeight — вес stage не положительный.
	ErrInvalidWeight = errors.New("stage weight must be positive")

	// ErrInvalidRetry — некорректная политика retry.
	ErrInvalidRetry = errors.New("invalid retry policy")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Mode    string // режим, где произошла ошибка
	Stage   string // stage, вызвавшая ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	switch {
	case e.Mode != "" && e.Stage != "":
		return "mode " + e.Mode + ", stage " + e.Stage + ": " + e.Message
	case e.Mode != "":
		return "mode " + e.Mode + ": " + e.Message
	case e.Stage != "":
		return "stage " + e.Stage + ": " + e.Message
	default:
		return e.Message
	}
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(mode, stage, message string, err error) *ValidationError {
	return &ValidationError{Mode: mode, Stage: stage, Message: message, Err: err}
}
