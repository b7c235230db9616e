package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/repo"
)

// Default pagination values.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.RunFilter{Limit: DefaultListLimit}

	if status := q.Get("status"); status != "" {
		filter.Status = domain.RunStatus(status)
		if !filter.Status.Valid() {
			BadRequest(w, "invalid status")
			return
		}
	}

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			BadRequest(w, "invalid limit")
			return
		}
		filter.Limit = min(limit, MaxListLimit)
	}

	if s := q.Get("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			BadRequest(w, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	runs, total, err := h.runs.ListRuns(r.Context(), filter)
	if HandleError(w, h.log(r), err) {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, total)
}

// CreateRun создаёт run в статусе pending.
// POST /api/v1/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if !h.decode(w, r, &req) {
		return
	}

	run, err := h.runs.CreateRun(r.Context(), req.ToParams())
	if HandleError(w, h.log(r), err) {
		return
	}

	h.log(r).Info("run created", "run_id", run.ID, "code", run.Code, "samples", len(run.Samples))
	Created(w, RunFromDomain(*run))
}

// GetRun возвращает run с samples.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}

	Success(w, RunFromDomain(*run))
}

// UpdateConfig заменяет конфигурацию pending run.
// PUT /api/v1/runs/{id}/config
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req RunConfigRequest
	if !h.decode(w, r, &req) {
		return
	}

	run, err := h.runs.UpdateConfig(r.Context(), id, req.ToDomain())
	if HandleError(w, h.log(r), err) {
		return
	}

	Success(w, RunFromDomain(*run))
}

// ValidateRun выполняет pre-flight проверку без смены статуса.
// POST /api/v1/runs/{id}/validate
func (h *Handler) ValidateRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	report, err := h.runs.ValidateRun(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}

	Success(w, ValidationFromDomain(report))
}

// StartRun валидирует и ставит run в очередь.
// POST /api/v1/runs/{id}/start
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.runs.StartRun(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}

	h.log(r).Info("run start accepted", "run_id", run.ID, "status", run.Status)
	Accepted(w, RunFromDomain(*run))
}

// CancelRun запрашивает отмену run.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	run, err := h.runs.CancelRun(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}

	h.log(r).Info("run cancel accepted", "run_id", run.ID, "status", run.Status)
	Accepted(w, RunFromDomain(*run))
}

// RetrySample повторно запускает упавший sample.
// POST /api/v1/runs/{id}/samples/{sampleId}/retry
func (h *Handler) RetrySample(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sampleID, ok := pathID(w, r, "sampleId")
	if !ok {
		return
	}

	sample, err := h.runs.RetrySample(r.Context(), runID, sampleID)
	if HandleError(w, h.log(r), err) {
		return
	}

	Accepted(w, SampleFromDomain(*sample))
}

// GetStatus возвращает прогресс run.
// GET /api/v1/runs/{id}/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	p, err := h.progress.GetProgress(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}

	Success(w, p)
}

// ListExecutions возвращает попытки stages run.
// GET /api/v1/runs/{id}/executions
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	execs, err := h.runs.ListExecutions(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}
	if execs == nil {
		execs = []domain.StageExecution{}
	}

	List(w, execs, len(execs))
}

// pathID парсит UUID из path параметра.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		BadRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// maxBodySize — предел размера тела запроса (1 MiB).
const maxBodySize = 1 << 20

// decode читает JSON тело и проверяет его по тегам validate.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return h.decodeBody(w, r, dst, false)
}

// decodeBody — decode; allowEmpty пропускает пустое тело.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if allowEmpty && errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	if msg := h.validator.Validate(dst); msg != "" {
		BadRequest(w, msg)
		return false
	}
	return true
}
