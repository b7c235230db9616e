package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/stage"
)

// --- Helpers ---

type fixture struct {
	store *repo.MemStore
	run   *domain.Run
}

func newFixture(t *testing.T, samples int) *fixture {
	t.Helper()
	store := repo.NewMemStore()
	run := &domain.Run{
		ID:        uuid.New(),
		Code:      domain.NewRunCode(time.Now()),
		Mode:      domain.ModeAmplicon,
		Status:    domain.RunStatusRunning,
		CreatedAt: time.Now(),
	}
	for i := 0; i < samples; i++ {
		name := string(rune('a' + i))
		run.Samples = append(run.Samples, domain.NewSample(run.ID, i, name, "/data/"+name+".fastq", ""))
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &fixture{store: store, run: run}
}

func (f *fixture) spec(i int, kind domain.StageKind) Spec {
	sm := f.run.Samples[i]
	return Spec{
		RunID:    f.run.ID,
		SampleID: sm.ID,
		Stage:    kind,
		Request: &stage.Request{
			RunID:      f.run.ID,
			SampleID:   sm.ID,
			SampleName: sm.Name,
			Stage:      kind,
			Inputs:     sm.Inputs(),
		},
	}
}

func newDispatcher(t *testing.T, store Store, capacity int, executor stage.Executor) *Dispatcher {
	t.Helper()
	registry := stage.NewRegistry()
	for _, kind := range domain.AllStageKinds {
		registry.Register(kind, executor)
	}
	d := New(Config{Store: store, Registry: registry, Capacity: capacity})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func await(t *testing.T, d *Dispatcher, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := d.Await(ctx, h)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	return r
}

func okExecutor() stage.Executor {
	return stage.ExecutorFunc(func(ctx context.Context, req *stage.Request) (*domain.StageOutput, error) {
		return &domain.StageOutput{Ref: string(req.Stage) + ".out", ToolName: "fake"}, nil
	})
}

// --- Fair Queue Tests ---

func TestFairQueue_RoundRobin(t *testing.T) {
	q := newFairQueue()
	runA, runB, runC := uuid.New(), uuid.New(), uuid.New()

	mk := func(run uuid.UUID, stage domain.StageKind) *Handle {
		return &Handle{spec: Spec{RunID: run, Stage: stage}}
	}
	a1, a2, a3 := mk(runA, "1"), mk(runA, "2"), mk(runA, "3")
	b1, c1 := mk(runB, "1"), mk(runC, "1")
	for _, h := range []*Handle{a1, a2, a3, b1, c1} {
		q.push(h)
	}

	want := []*Handle{a1, b1, c1, a2, a3}
	for i, w := range want {
		got, ok := q.pop()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if got != w {
			t.Errorf("pop %d: expected run %s stage %s, got run %s stage %s",
				i, w.spec.RunID, w.spec.Stage, got.spec.RunID, got.spec.Stage)
		}
	}
	if q.len() != 0 {
		t.Errorf("expected empty queue, got %d", q.len())
	}
}

func TestFairQueue_Remove(t *testing.T) {
	q := newFairQueue()
	run := uuid.New()
	h1 := &Handle{spec: Spec{RunID: run}}
	h2 := &Handle{spec: Spec{RunID: run}}
	q.push(h1)
	q.push(h2)

	if !q.remove(h1) {
		t.Fatal("expected h1 removed")
	}
	if q.remove(h1) {
		t.Error("h1 should not be removed twice")
	}
	if got := q.removeRun(run); len(got) != 1 || got[0] != h2 {
		t.Errorf("expected [h2], got %v", got)
	}
	if _, ok := q.pop(); ok {
		t.Error("queue should be empty")
	}
}

// --- Dispatcher Tests ---

func TestDispatcher_Success(t *testing.T) {
	f := newFixture(t, 1)
	d := newDispatcher(t, f.store, 2, okExecutor())

	h, err := d.Submit(context.Background(), f.spec(0, domain.StageQC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Fingerprint() == "" {
		t.Error("fingerprint should be computed")
	}

	r := await(t, d, h)
	if r.Kind != ResultSuccess {
		t.Fatalf("expected success, got %s", r.Kind)
	}
	if r.Output.Ref != "qc.out" {
		t.Errorf("unexpected output %+v", r.Output)
	}
	if r.Execution == nil || r.Execution.Outcome != domain.OutcomeSucceeded {
		t.Error("expected closed succeeded execution")
	}
	if r.Deduplicated {
		t.Error("first execution should not be deduplicated")
	}
}

func TestDispatcher_InvalidSpec(t *testing.T) {
	f := newFixture(t, 1)
	d := newDispatcher(t, f.store, 1, okExecutor())

	if _, err := d.Submit(context.Background(), Spec{}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("expected ErrInvalidSpec, got %v", err)
	}
}

func TestDispatcher_UnknownStage(t *testing.T) {
	f := newFixture(t, 1)
	d := New(Config{Store: f.store, Registry: stage.NewRegistry()})

	if _, err := d.Submit(context.Background(), f.spec(0, domain.StageQC)); !errors.Is(err, stage.ErrUnknownStage) {
		t.Errorf("expected ErrUnknownStage, got %v", err)
	}
}

func TestDispatcher_ConcurrentDuplicates_OneInvocation(t *testing.T) {
	f := newFixture(t, 1)

	var calls atomic.Int32
	release := make(chan struct{})
	executor := stage.ExecutorFunc(func(ctx context.Context, req *stage.Request) (*domain.StageOutput, error) {
		calls.Add(1)
		<-release
		return &domain.StageOutput{Ref: "shared"}, nil
	})
	d := newDispatcher(t, f.store, 8, executor)

	const n = 6
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := d.Submit(context.Background(), f.spec(0, domain.StageMapping))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	fresh := 0
	for _, h := range handles {
		r := await(t, d, h)
		if r.Kind != ResultSuccess {
			t.Fatalf("expected success, got %s", r.Kind)
		}
		if r.Output.Ref != "shared" {
			t.Errorf("expected shared output, got %q", r.Output.Ref)
		}
		if !r.Deduplicated {
			fresh++
		}
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 executor invocation, got %d", got)
	}
	if fresh != 1 {
		t.Errorf("expected exactly 1 non-deduplicated result, got %d", fresh)
	}
}

func TestDispatcher_StoreShortCircuit(t *testing.T) {
	f := newFixture(t, 1)
	spec := f.spec(0, domain.StageQC)
	spec.Fingerprint = stage.Fingerprint(spec.Request)

	prev := domain.NewStageExecution(f.run.ID, spec.SampleID, domain.StageQC, 1, spec.Fingerprint)
	if _, _, err := f.store.ClaimExecution(context.Background(), prev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	prev.MarkSucceeded(&domain.StageOutput{Ref: "previous"})
	if _, err := f.store.RecordStageExecution(context.Background(), repo.StageRecord{Execution: prev}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var calls atomic.Int32
	executor := stage.ExecutorFunc(func(ctx context.Context, req *stage.Request) (*domain.StageOutput, error) {
		calls.Add(1)
		return &domain.StageOutput{}, nil
	})
	d := newDispatcher(t, f.store, 1, executor)

	h, err := d.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := await(t, d, h)
	if r.Kind != ResultSuccess || !r.Deduplicated {
		t.Fatalf("expected deduplicated success, got %s dedup=%v", r.Kind, r.Deduplicated)
	}
	if r.Output.Ref != "previous" {
		t.Errorf("expected previous output, got %q", r.Output.Ref)
	}
	if calls.Load() != 0 {
		t.Error("executor should not be invoked")
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	f := newFixture(t, 1)
	executor := stage.ExecutorFunc(func(ctx context.Context, req *stage.Request) (*domain.StageOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := newDispatcher(t, f.store, 1, executor)

	spec := f.spec(0, domain.StageQC)
	spec.Timeout = 20 * time.Millisecond
	h, _ := d.Submit(context.Background(), spec)

	r := await(t, d, h)
	if r.Kind != ResultTransientFailure {
		t.Fatalf("expected transient failure, got %s", r.Kind)
	}
	if r.Failure.Code != "STAGE_TIMEOUT" {
		t.Errorf("expected STAGE_TIMEOUT, got %s", r.Failure.Code)
	}
	if r.Execution.Failure != domain.FailureTransient {
		t.Errorf("expected transient execution, got %s", r.Execution.Failure)
	}
}

func TestDispatcher_FatalFailure(t *testing.T) {
	f := newFixture(t, 1)
	executor := stage.ExecutorFunc(func(ctx context.Context, req *stage.Request) (*domain.StageOutput, error) {
		return nil, stage.Fatal("VARIANT_CALL_FAILED", "no coverage", "check primer scheme")
	})
	d := newDispatcher(t, f.store, 1, executor)

	h, _ := d.Submit(context.Background(), f.spec(0, domain.StageVariants))
	r := await(t, d, h)
	if r.Kind != ResultFatalFailure {
		t.Fatalf("expected fatal failure, got %s", r.Kind)
	}
	if r.Execution.Error == nil || r.Execution.Error.Code != "VARIANT_CALL_FAILED" {
		t.Errorf("unexpected execution error %+v", r.Execution.Error)
	}
}

func TestDispatcher_ExecutorPanic(t *testing.T) {
	f := newFixture(t, 1)
	executor := stage.ExecutorFunc(func(ctx context.Context, req *stage.Request) (*domain.StageOutput, error) {
		panic("boom")
	})
	d := newDispatcher(t, f.store, 1, executor)

	h, _ := d.Submit(context.Background(), f.spec(0, domain.StageQC))
	r := await(t, d, h)
	if r.Kind != ResultFatalFailure || r.Failure.Code != "EXECUTOR_PANIC" {
		t.Fatalf("expected EXECUTOR_PANIC, got %s %+v", r.Kind, r.Failure)
	}
}

func TestDispatcher_CancelRun(t *testing.T) {
	f := newFixture(t, 2)
	started := make(chan struct{}, 1)
	executor := stage.ExecutorFunc(func(ctx context.Context, req *stage.Request) (*domain.StageOutput, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := newDispatcher(t, f.store, 1, executor)

	running, _ := d.Submit(context.Background(), f.spec(0, domain.StageQC))
	<-started
	queued, _ := d.Submit(context.Background(), f.spec(1, domain.StageQC))
	if !queued.Queued() {
		t.Error("second submission should be queued at capacity 1")
	}

	if n := d.CancelRun(f.run.ID); n != 2 {
		t.Errorf("expected 2 signalled handles, got %d", n)
	}

	if r := await(t, d, running); r.Kind != ResultCancelled {
		t.Errorf("expected cancelled in-flight, got %s", r.Kind)
	}
	if r := await(t, d, queued); r.Kind != ResultCancelled {
		t.Errorf("expected cancelled queued, got %s", r.Kind)
	}

	if _, err := d.Submit(context.Background(), f.spec(0, domain.StageMapping)); !errors.Is(err, ErrRunCancelled) {
		t.Errorf("expected ErrRunCancelled, got %v", err)
	}

	d.Forget(f.run.ID)
	if _, err := d.Submit(context.Background(), f.spec(0, domain.StageMapping)); err != nil {
		t.Errorf("expected submit after Forget, got %v", err)
	}
}

func TestDispatcher_CancelHandle(t *testing.T) {
	f := newFixture(t, 1)
	executor := stage.ExecutorFunc(func(ctx context.Context, req *stage.Request) (*domain.StageOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := newDispatcher(t, f.store, 1, executor)

	h, _ := d.Submit(context.Background(), f.spec(0, domain.StageQC))
	d.Cancel(h)

	r := await(t, d, h)
	if r.Kind != ResultCancelled {
		t.Fatalf("expected cancelled, got %s", r.Kind)
	}
}

func TestDispatcher_RoundRobinAcrossRuns(t *testing.T) {
	store := repo.NewMemStore()
	fa := &fixture{store: store}
	fb := &fixture{store: store}
	for _, fx := range []*fixture{fa, fb} {
		fx.run = &domain.Run{ID: uuid.New(), Code: domain.NewRunCode(time.Now()), Status: domain.RunStatusRunning, CreatedAt: time.Now()}
		for i := 0; i < 3; i++ {
			name := string(rune('a' + i))
			fx.run.Samples = append(fx.run.Samples, domain.NewSample(fx.run.ID, i, name, "/data/"+fx.run.ID.String()+name, ""))
		}
		if err := store.CreateRun(context.Background(), fx.run); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	var mu sync.Mutex
	var order []uuid.UUID
	gate := make(chan struct{})
	first := make(chan struct{})
	var once sync.Once
	executor := stage.ExecutorFunc(func(ctx context.Context, req *stage.Request) (*domain.StageOutput, error) {
		mu.Lock()
		order = append(order, req.RunID)
		mu.Unlock()
		once.Do(func() {
			close(first)
			<-gate
		})
		return &domain.StageOutput{}, nil
	})
	d := newDispatcher(t, store, 1, executor)

	h0, _ := d.Submit(context.Background(), fa.spec(0, domain.StageQC))
	<-first

	handles := []*Handle{h0}
	for _, spec := range []Spec{fa.spec(1, domain.StageQC), fa.spec(2, domain.StageQC), fb.spec(0, domain.StageQC)} {
		h, err := d.Submit(context.Background(), spec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		handles = append(handles, h)
	}
	close(gate)
	for _, h := range handles {
		await(t, d, h)
	}

	want := []uuid.UUID{fa.run.ID, fa.run.ID, fb.run.ID, fa.run.ID}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution %d: expected run %s, got %s (order %v)", i, want[i], order[i], order)
		}
	}
}

func TestDispatcher_StopCancelsQueued(t *testing.T) {
	f := newFixture(t, 2)
	started := make(chan struct{}, 1)
	executor := stage.ExecutorFunc(func(ctx context.Context, req *stage.Request) (*domain.StageOutput, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	registry := stage.NewRegistry()
	registry.Register(domain.StageQC, executor)
	d := New(Config{Store: f.store, Registry: registry, Capacity: 1})
	_ = d.Start(context.Background())

	running, _ := d.Submit(context.Background(), f.spec(0, domain.StageQC))
	<-started
	queued, _ := d.Submit(context.Background(), f.spec(1, domain.StageQC))

	d.Stop()

	if r := await(t, d, queued); r.Kind != ResultCancelled {
		t.Errorf("expected cancelled queued, got %s", r.Kind)
	}
	if r := await(t, d, running); r.Kind != ResultCancelled {
		t.Errorf("expected cancelled running, got %s", r.Kind)
	}
	if _, err := d.Submit(context.Background(), f.spec(0, domain.StageQC)); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
