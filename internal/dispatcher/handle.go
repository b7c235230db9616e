package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/stage"
)

// ResultKind — исход stage execution.
type ResultKind string

const (
	ResultSuccess          ResultKind = "success"
	ResultTransientFailure ResultKind = "transient_failure"
	ResultFatalFailure     ResultKind = "fatal_failure"
	ResultCancelled        ResultKind = "cancelled"
)

// Result — исход одной submission.
type Result struct {
	Kind ResultKind

	// Output — результат executor'а (только для Success).
	Output *domain.StageOutput

	// Failure — классифицированная ошибка (для TransientFailure и FatalFailure).
	Failure *stage.Failure

	// Execution — закрытая попытка. Nil, если попытка не была захвачена
	// (отмена в очереди, ошибка хранилища, ключ занят другим процессом).
	Execution *domain.StageExecution

	// Deduplicated — результат получен без нового вызова executor'а.
	Deduplicated bool
}

// Spec — описание submission.
type Spec struct {
	RunID    uuid.UUID
	SampleID uuid.UUID
	Stage    domain.StageKind
	Attempt  int

	// Fingerprint — если пусто, считается по Request.
	Fingerprint string

	// Request — вход executor'а.
	Request *stage.Request

	// Timeout — бюджет времени stage (0 — DefaultTimeout Dispatcher'а).
	Timeout time.Duration
}

// key — ключ идемпотентности submission.
func (s Spec) key() string {
	return s.SampleID.String() + "/" + string(s.Stage) + "/" + s.Fingerprint
}

// Handle — ссылка на принятую submission.
type Handle struct {
	ID uuid.UUID

	spec   Spec
	ctx    context.Context
	cancel context.CancelFunc

	queued    atomic.Bool
	submitted time.Time

	once   sync.Once
	done   chan struct{}
	result Result
}

func newHandle(parent context.Context, spec Spec) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		ID:        uuid.New(),
		spec:      spec,
		ctx:       ctx,
		cancel:    cancel,
		submitted: time.Now(),
		done:      make(chan struct{}),
	}
}

// Spec возвращает описание submission.
func (h *Handle) Spec() Spec {
	return h.spec
}

// Fingerprint возвращает fingerprint попытки.
func (h *Handle) Fingerprint() string {
	return h.spec.Fingerprint
}

// Queued возвращает true, если submission была поставлена в очередь
// из-за заполненного пула.
func (h *Handle) Queued() bool {
	return h.queued.Load()
}

// Done закрывается, когда результат готов.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// resolve фиксирует результат. Повторные вызовы игнорируются.
func (h *Handle) resolve(r Result) bool {
	resolved := false
	h.once.Do(func() {
		h.result = r
		resolved = true
		close(h.done)
		h.cancel()
	})
	return resolved
}
