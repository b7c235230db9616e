package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	pending → queued → running → completed
//	                 ↘         ↘ failed
//	                  cancelled ← (из queued или running)
type RunStatus string

const (
	// RunStatusPending — run создан, ещё не запущен.
	RunStatusPending RunStatus = "pending"

	// RunStatusQueued — run прошёл pre-flight валидацию и ждёт первой отправки stage.
	RunStatusQueued RunStatus = "queued"

	// RunStatusRunning — Dispatcher принял первую stage execution.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted — все samples терминальны, хотя бы один успешен.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed — все samples упали (или обнаружено фатальное условие).
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled — run отменён, in-flight stages подтвердили остановку.
	RunStatusCancelled RunStatus = "cancelled"
)

// runTransitions — допустимые переходы статусов run.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusQueued},
	RunStatusQueued:  {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
}

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive возвращает true для статусов, в которых run ведётся оркестратором.
func (s RunStatus) IsActive() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// Valid проверяет, что значение входит в перечисление.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusQueued, RunStatusRunning,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition проверяет, допустим ли переход from → to.
func CanTransition(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SampleStatus — статус sample внутри run.
//
// Жизненный цикл:
//
//	pending → running → completed
//	                  ↘ failed (explicit retry → обратно в running)
//	                  ↘ cancelled
type SampleStatus string

const (
	// SampleStatusPending — ни одна stage ещё не отправлена.
	SampleStatusPending SampleStatus = "pending"

	// SampleStatusRunning — цепочка stages выполняется.
	SampleStatusRunning SampleStatus = "running"

	// SampleStatusCompleted — все stages режима успешно завершены.
	SampleStatusCompleted SampleStatus = "completed"

	// SampleStatusFailed — stage завершилась FatalFailure.
	SampleStatusFailed SampleStatus = "failed"

	// SampleStatusCancelled — цепочка остановлена отменой run.
	SampleStatusCancelled SampleStatus = "cancelled"
)

// IsTerminal возвращает true, если sample больше не будет выполняться.
func (s SampleStatus) IsTerminal() bool {
	switch s {
	case SampleStatusCompleted, SampleStatusFailed, SampleStatusCancelled:
		return true
	default:
		return false
	}
}

// ExecutionOutcome — исход одной попытки stage.
type ExecutionOutcome string

const (
	// OutcomeRunning — попытка выполняется.
	OutcomeRunning ExecutionOutcome = "running"

	// OutcomeSucceeded — stage завершилась успешно.
	OutcomeSucceeded ExecutionOutcome = "succeeded"

	// OutcomeFailed — stage завершилась ошибкой (transient или fatal).
	OutcomeFailed ExecutionOutcome = "failed"

	// OutcomeCancelled — попытка прервана отменой.
	OutcomeCancelled ExecutionOutcome = "cancelled"
)

// IsTerminal возвращает true, если попытка завершена.
func (o ExecutionOutcome) IsTerminal() bool {
	return o != OutcomeRunning
}

// Blocking возвращает true, если исход занимает ключ идемпотентности
// (sample, stage, fingerprint). Отменённые попытки ключ не занимают.
func (o ExecutionOutcome) Blocking() bool {
	return o == OutcomeRunning || o == OutcomeSucceeded
}

// FailureKind — классификация ошибки stage.
type FailureKind string

const (
	// FailureTransient — временная ошибка, допускается retry.
	FailureTransient FailureKind = "transient"

	// FailureFatal — детерминированная ошибка, retry бессмыслен.
	FailureFatal FailureKind = "fatal"
)
