package api

import (
	"bytes"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
)

// GetProvenance возвращает упорядоченный журнал provenance.
// Доступен для завершённых runs: completed, failed и cancelled.
// GET /api/v1/runs/{id}/provenance
func (h *Handler) GetProvenance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.finishedRun(w, r)
	if !ok {
		return
	}

	entries, err := h.provenance.GetProvenance(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}
	if entries == nil {
		entries = []domain.ProvenanceEntry{}
	}

	List(w, entries, len(entries))
}

// GetManifest возвращает manifest checksums в формате sha256sum.
// GET /api/v1/runs/{id}/provenance/manifest
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.finishedRun(w, r)
	if !ok {
		return
	}

	// Буфер: ошибка посреди записи не должна давать обрезанный 200.
	var buf bytes.Buffer
	if err := h.provenance.Manifest(r.Context(), id, &buf); HandleError(w, h.log(r), err) {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// VerifyProvenance сравнивает выходы run с эталонным run.
// GET /api/v1/runs/{id}/provenance/verify?against={otherId}
func (h *Handler) VerifyProvenance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.finishedRun(w, r)
	if !ok {
		return
	}

	against, err := uuid.Parse(r.URL.Query().Get("against"))
	if err != nil {
		BadRequest(w, "invalid against")
		return
	}

	v, err := h.provenance.Verify(r.Context(), id, against)
	if HandleError(w, h.log(r), err) {
		return
	}

	Success(w, v)
}

// finishedRun проверяет, что run существует и находится в терминальном статусе.
func (h *Handler) finishedRun(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return uuid.Nil, false
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return uuid.Nil, false
	}

	if !run.Status.IsTerminal() {
		Conflict(w, "provenance is available only for finished runs",
			"wait until the run finishes; current status is "+string(run.Status))
		return uuid.Nil, false
	}
	return id, true
}
