package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/orchestrator"
	"github.com/shaiso/vgap/internal/pipeline"
	"github.com/shaiso/vgap/internal/progress"
	"github.com/shaiso/vgap/internal/provenance"
	"github.com/shaiso/vgap/internal/report"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/telemetry"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubValidator возвращает заранее заданный отчёт.
type stubValidator struct {
	report *domain.ValidationReport
}

func (v stubValidator) Validate(ctx context.Context, run *domain.Run) (*domain.ValidationReport, error) {
	if v.report == nil {
		return &domain.ValidationReport{}, nil
	}
	return v.report, nil
}

type testServer struct {
	mux   *http.ServeMux
	store *repo.MemStore
}

func newTestServer(t *testing.T, validator orchestrator.Validator) *testServer {
	t.Helper()
	store := repo.NewMemStore()
	svc := orchestrator.NewService(orchestrator.ServiceConfig{
		Store:     store,
		Validator: validator,
		Logger:    testLogger,
	})
	h := NewHandler(Config{
		Runs:       svc,
		Progress:   progress.NewReporter(store, pipeline.Default()),
		Provenance: provenance.NewRecorder(store, "", testLogger),
		Reports: report.NewService(report.Config{
			Store:     store,
			Artifacts: report.NewMemoryStore(),
			Logger:    testLogger,
		}),
		Logger: testLogger,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testServer{mux: mux, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp.Error
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d (body %s)", want, rec.Code, rec.Body.String())
	}
}

func validCreateRequest() CreateRunRequest {
	return CreateRunRequest{
		Name: "batch-42",
		Mode: domain.ModeShotgun,
		Samples: []SampleRequest{
			{Name: "S1", R1: "/data/S1_R1.fastq.gz", R2: "/data/S1_R2.fastq.gz"},
			{Name: "S2", R1: "/data/S2_R1.fastq.gz", R2: "/data/S2_R2.fastq.gz"},
		},
	}
}

func (s *testServer) createRun(t *testing.T) RunResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/runs", validCreateRequest())
	expectStatus(t, rec, http.StatusCreated)
	return decodeData[RunResponse](t, rec)
}

// complete переводит run в completed напрямую через хранилище.
func (s *testServer) complete(t *testing.T, runID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	_, err := s.store.UpdateRun(ctx, runID, func(r *domain.Run) error {
		now := time.Now().UTC()
		r.Status = domain.RunStatusCompleted
		r.StartedAt = &now
		r.FinishedAt = &now
		for i := range r.Samples {
			r.Samples[i].Status = domain.SampleStatusCompleted
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = s.store.AppendProvenance(ctx, &domain.ProvenanceEntry{
		RunID:           runID,
		SampleID:        run.Samples[0].ID,
		SampleName:      run.Samples[0].Name,
		Stage:           domain.StageQC,
		Attempt:         1,
		Outcome:         domain.OutcomeSucceeded,
		ToolName:        "fastp",
		ToolVersion:     "0.23.4",
		Fingerprint:     "fp-1",
		OutputChecksums: map[string]string{"/work/S1/qc/S1.trimmed.fastq.gz": "deadbeef"},
		StartedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- Run Tests ---

func TestCreateRun(t *testing.T) {
	s := newTestServer(t, nil)

	run := s.createRun(t)
	if run.Status != domain.RunStatusPending {
		t.Errorf("expected pending, got %s", run.Status)
	}
	if run.Code == "" {
		t.Error("expected run code")
	}
	if len(run.Samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(run.Samples))
	}
	if run.Config.MinDepth != domain.DefaultRunConfig().MinDepth {
		t.Errorf("expected default min_depth, got %d", run.Config.MinDepth)
	}
}

func TestCreateRun_BadRequest(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
		want string
	}{
		{name: "malformed json", body: "{", want: "invalid request body"},
		{name: "unknown field", body: `{"name":"x","mode":"shotgun","samples":[{"name":"a"}],"flow":1}`, want: "invalid request body"},
		{name: "no samples", body: CreateRunRequest{Name: "x", Mode: domain.ModeShotgun}, want: "samples is required"},
		{name: "bad mode", body: CreateRunRequest{Name: "x", Mode: "metagenome", Samples: []SampleRequest{{Name: "a"}}}, want: "mode must be one of"},
		{name: "bad threshold", body: `{"name":"x","mode":"shotgun","samples":[{"name":"a"}],"config":{"min_allele_freq":1.5}}`, want: "config.min_allele_freq"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/runs", tt.body)
			expectStatus(t, rec, http.StatusBadRequest)
			body := decodeError(t, rec)
			if body.Code != ErrCodeBadRequest {
				t.Errorf("expected code %s, got %s", ErrCodeBadRequest, body.Code)
			}
			if !strings.Contains(body.Message, tt.want) {
				t.Errorf("expected message containing %q, got %q", tt.want, body.Message)
			}
		})
	}
}

func TestGetRun(t *testing.T) {
	s := newTestServer(t, nil)
	created := s.createRun(t)

	rec := s.do(t, http.MethodGet, "/api/v1/runs/"+created.ID.String(), nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeData[RunResponse](t, rec); got.ID != created.ID {
		t.Errorf("expected run %s, got %s", created.ID, got.ID)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("expected Cache-Control no-store, got %q", cc)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil)
	expectStatus(t, rec, http.StatusNotFound)
	if body := decodeError(t, rec); body.Code != ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %s", body.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestListRuns(t *testing.T) {
	s := newTestServer(t, nil)
	first := s.createRun(t)
	s.createRun(t)
	s.createRun(t)

	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/runs/"+first.ID.String()+"/start", nil), http.StatusAccepted)

	rec := s.do(t, http.MethodGet, "/api/v1/runs?status=pending&limit=1", nil)
	expectStatus(t, rec, http.StatusOK)

	var resp struct {
		Data  []RunResponse `json:"data"`
		Total int           `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("expected total 2, got %d", resp.Total)
	}
	if len(resp.Data) != 1 {
		t.Errorf("expected 1 run in page, got %d", len(resp.Data))
	}

	for _, q := range []string{"status=bogus", "limit=0", "limit=x", "offset=-1"} {
		rec := s.do(t, http.MethodGet, "/api/v1/runs?"+q, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestUpdateConfig(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t)
	path := "/api/v1/runs/" + run.ID.String() + "/config"

	rec := s.do(t, http.MethodPut, path, `{"min_depth":25,"seed":7}`)
	expectStatus(t, rec, http.StatusOK)
	updated := decodeData[RunResponse](t, rec)
	if updated.Config.MinDepth != 25 || updated.Config.Seed != 7 {
		t.Errorf("unexpected config: %+v", updated.Config)
	}

	expectStatus(t, s.do(t, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/start", nil), http.StatusAccepted)

	rec = s.do(t, http.MethodPut, path, `{"min_depth":30}`)
	expectStatus(t, rec, http.StatusConflict)
	if body := decodeError(t, rec); body.Remediation == "" {
		t.Error("expected remediation")
	}
}

func TestStartRun(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t)
	path := "/api/v1/runs/" + run.ID.String() + "/start"

	rec := s.do(t, http.MethodPost, path, nil)
	expectStatus(t, rec, http.StatusAccepted)
	if got := decodeData[RunResponse](t, rec); got.Status != domain.RunStatusQueued {
		t.Errorf("expected queued, got %s", got.Status)
	}
	if got := decodeData[RunResponse](t, s.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String(), nil)); got.ConfigFrozenAt == nil {
		t.Error("expected config to be frozen after start")
	}

	rec = s.do(t, http.MethodPost, path, nil)
	expectStatus(t, rec, http.StatusConflict)
	if body := decodeError(t, rec); body.Code != ErrCodeInvalidTransition {
		t.Errorf("expected INVALID_TRANSITION, got %s", body.Code)
	}
}

func TestStartRun_ValidationFailed(t *testing.T) {
	report := &domain.ValidationReport{}
	report.Add(domain.ValidationIssue{Code: "FASTQ_NOT_FOUND", Message: "R1 file not found", Remediation: "check the path"})
	report.Add(domain.ValidationIssue{Code: "SINGLE_END_READS", Message: "no R2 provided", Severity: domain.SeverityWarning})

	s := newTestServer(t, stubValidator{report: report})
	run := s.createRun(t)

	rec := s.do(t, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/start", nil)
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	body := decodeError(t, rec)
	if body.Code != ErrCodeValidationFailed {
		t.Errorf("expected VALIDATION_FAILED, got %s", body.Code)
	}
	if len(body.Details) != 1 || body.Details[0].Code != "FASTQ_NOT_FOUND" {
		t.Errorf("unexpected details: %+v", body.Details)
	}
	if len(body.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %d", len(body.Warnings))
	}

	got := decodeData[RunResponse](t, s.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String(), nil))
	if got.Status != domain.RunStatusPending {
		t.Errorf("expected run to stay pending, got %s", got.Status)
	}
}

func TestValidateRun(t *testing.T) {
	report := &domain.ValidationReport{}
	report.Add(domain.ValidationIssue{Code: "LOW_MIN_DEPTH", Message: "min_depth below 10", Severity: domain.SeverityWarning})

	s := newTestServer(t, stubValidator{report: report})
	run := s.createRun(t)

	rec := s.do(t, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/validate", nil)
	expectStatus(t, rec, http.StatusOK)

	got := decodeData[ValidationResponse](t, rec)
	if len(got.Errors) != 0 || len(got.Warnings) != 1 {
		t.Errorf("unexpected validation response: %+v", got)
	}
}

func TestCancelRun(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t)
	base := "/api/v1/runs/" + run.ID.String()

	// pending run отменить нельзя
	expectStatus(t, s.do(t, http.MethodPost, base+"/cancel", nil), http.StatusConflict)

	expectStatus(t, s.do(t, http.MethodPost, base+"/start", nil), http.StatusAccepted)

	rec := s.do(t, http.MethodPost, base+"/cancel", nil)
	expectStatus(t, rec, http.StatusAccepted)
	got := decodeData[RunResponse](t, rec)
	if got.Status != domain.RunStatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	for _, sm := range got.Samples {
		if sm.Status != domain.SampleStatusCancelled {
			t.Errorf("sample %s: expected cancelled, got %s", sm.Name, sm.Status)
		}
	}
}

func TestRetrySample_NotAllowed(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t)
	base := "/api/v1/runs/" + run.ID.String() + "/samples/"

	rec := s.do(t, http.MethodPost, base+run.Samples[0].ID.String()+"/retry", nil)
	expectStatus(t, rec, http.StatusConflict)

	rec = s.do(t, http.MethodPost, base+"bad/retry", nil)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestGetStatus(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t)

	rec := s.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/status", nil)
	expectStatus(t, rec, http.StatusOK)
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("expected Cache-Control no-store, got %q", cc)
	}

	got := decodeData[progress.Progress](t, rec)
	if got.Percent != 0 {
		t.Errorf("expected 0%%, got %v", got.Percent)
	}
	if len(got.Samples) != 2 {
		t.Errorf("expected 2 samples, got %d", len(got.Samples))
	}

	expectStatus(t, s.do(t, http.MethodGet, "/api/v1/runs/"+uuid.NewString()+"/status", nil), http.StatusNotFound)
}

func TestListExecutions_Empty(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t)

	rec := s.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/executions", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

// --- Provenance Tests ---

func TestProvenance(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t)
	base := "/api/v1/runs/" + run.ID.String() + "/provenance"

	rec := s.do(t, http.MethodGet, base, nil)
	expectStatus(t, rec, http.StatusConflict)

	s.complete(t, run.ID)

	rec = s.do(t, http.MethodGet, base, nil)
	expectStatus(t, rec, http.StatusOK)
	entries := decodeData[[]domain.ProvenanceEntry](t, rec)
	if len(entries) != 1 || entries[0].ToolName != "fastp" {
		t.Errorf("unexpected provenance: %+v", entries)
	}

	rec = s.do(t, http.MethodGet, base+"/manifest", nil)
	expectStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "deadbeef") {
		t.Errorf("expected checksum in manifest, got %q", rec.Body.String())
	}
}

func TestProvenance_CancelledRun(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t)
	s.complete(t, run.ID)

	_, err := s.store.UpdateRun(context.Background(), run.ID, func(r *domain.Run) error {
		r.Status = domain.RunStatusCancelled
		r.Samples[len(r.Samples)-1].Status = domain.SampleStatusCancelled
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	base := "/api/v1/runs/" + run.ID.String() + "/provenance"
	rec := s.do(t, http.MethodGet, base, nil)
	expectStatus(t, rec, http.StatusOK)
	entries := decodeData[[]domain.ProvenanceEntry](t, rec)
	if len(entries) != 1 || entries[0].Outcome != domain.OutcomeSucceeded {
		t.Errorf("expected the recorded attempt of the cancelled run, got %+v", entries)
	}

	rec = s.do(t, http.MethodGet, base+"/manifest", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "deadbeef") {
		t.Errorf("expected checksum in manifest, got %q", rec.Body.String())
	}
}

func TestVerifyProvenance(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.createRun(t)
	b := s.createRun(t)
	s.complete(t, a.ID)
	s.complete(t, b.ID)

	rec := s.do(t, http.MethodGet, "/api/v1/runs/"+a.ID.String()+"/provenance/verify?against="+b.ID.String(), nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeData[provenance.Verification](t, rec); !got.Reproducible {
		t.Errorf("expected reproducible, got %+v", got)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/runs/"+a.ID.String()+"/provenance/verify", nil)
	expectStatus(t, rec, http.StatusBadRequest)
}

// --- Report Tests ---

func TestGenerateReport(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t)
	base := "/api/v1/runs/" + run.ID.String() + "/reports"

	rec := s.do(t, http.MethodPost, base, nil)
	expectStatus(t, rec, http.StatusConflict)

	s.complete(t, run.ID)

	first := decodeData[domain.ReportArtifact](t, expectCreated(t, s.do(t, http.MethodPost, base, nil)))
	second := decodeData[domain.ReportArtifact](t, expectCreated(t, s.do(t, http.MethodPost, base, `{"format":"json"}`)))
	if first.ID == second.ID {
		t.Error("expected a fresh report id on every generation")
	}
	if first.Format != domain.ReportFormatJSON {
		t.Errorf("expected json format, got %s", first.Format)
	}

	rec = s.do(t, http.MethodPost, base, `{"format":"pdf"}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = s.do(t, http.MethodGet, base, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeData[[]domain.ReportArtifact](t, rec); len(got) != 2 {
		t.Errorf("expected 2 reports, got %d", len(got))
	}
}

func expectCreated(t *testing.T, rec *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()
	expectStatus(t, rec, http.StatusCreated)
	return rec
}

func TestDownloadReport(t *testing.T) {
	s := newTestServer(t, nil)
	run := s.createRun(t)
	s.complete(t, run.ID)
	base := "/api/v1/runs/" + run.ID.String() + "/reports"

	artifact := decodeData[domain.ReportArtifact](t, expectCreated(t, s.do(t, http.MethodPost, base, nil)))

	rec := s.do(t, http.MethodGet, base+"/"+artifact.ID.String()+"/download", nil)
	expectStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != artifact.ContentType {
		t.Errorf("expected content type %q, got %q", artifact.ContentType, ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, artifact.ID.String()) {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	if int64(rec.Body.Len()) != artifact.Size {
		t.Errorf("expected %d bytes, got %d", artifact.Size, rec.Body.Len())
	}
	if !json.Valid(rec.Body.Bytes()) {
		t.Error("expected JSON report body")
	}

	rec = s.do(t, http.MethodGet, base+"/"+uuid.NewString()+"/download", nil)
	expectStatus(t, rec, http.StatusNotFound)
}

// --- Middleware Tests ---

func TestRecovery(t *testing.T) {
	handler := Chain(RequestID(testLogger), Recovery, Logging)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	expectStatus(t, rec, http.StatusInternalServerError)
	body := decodeError(t, rec)
	if body.Code != ErrCodeInternalError {
		t.Errorf("expected INTERNAL_ERROR, got %s", body.Code)
	}
	if strings.Contains(body.Message, "boom") {
		t.Error("panic value must not leak into the response")
	}
}

func TestRequestID(t *testing.T) {
	var ctxLogger bool
	handler := RequestID(testLogger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ctxLogger = r.Context().Value(telemetry.CtxLogger).(*slog.Logger)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	generated := rec.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(generated); err != nil {
		t.Errorf("expected generated uuid request id, got %q", generated)
	}
	if !ctxLogger {
		t.Error("expected request logger in context")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "trace-42")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "trace-42" {
		t.Errorf("expected incoming request id to be kept, got %q", got)
	}
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := wrap(rec)
	rw.WriteHeader(http.StatusTeapot)
	rw.Write([]byte("x"))

	if rw.status != http.StatusTeapot {
		t.Errorf("expected captured status 418, got %d", rw.status)
	}
	if wrap(rw) != rw {
		t.Error("expected wrap to reuse the wrapper")
	}
}
