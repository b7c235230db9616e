package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/shaiso/vgap/internal/domain"
)

// GenerateReport создаёт новый отчёт. Каждый вызов даёт новый артефакт.
// POST /api/v1/runs/{id}/reports
func (h *Handler) GenerateReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	// Пустое тело — формат по умолчанию.
	var req GenerateReportRequest
	if !h.decodeBody(w, r, &req, true) {
		return
	}
	if req.Format == "" {
		req.Format = domain.ReportFormatJSON
	}

	artifact, err := h.reports.Generate(r.Context(), id, req.Format)
	if HandleError(w, h.log(r), err) {
		return
	}

	Created(w, artifact)
}

// ListReports возвращает артефакты отчётов run.
// GET /api/v1/runs/{id}/reports
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	reports, err := h.reports.List(r.Context(), id)
	if HandleError(w, h.log(r), err) {
		return
	}
	if reports == nil {
		reports = []domain.ReportArtifact{}
	}

	List(w, reports, len(reports))
}

// DownloadReport отдаёт содержимое артефакта.
// GET /api/v1/runs/{id}/reports/{reportId}/download
func (h *Handler) DownloadReport(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	reportID, ok := pathID(w, r, "reportId")
	if !ok {
		return
	}

	artifact, body, err := h.reports.Open(r.Context(), runID, reportID)
	if HandleError(w, h.log(r), err) {
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", reportFilename(artifact)))
	if artifact.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	}
	if artifact.Checksum != "" {
		w.Header().Set("ETag", strconv.Quote(artifact.Checksum))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		// Заголовки уже отправлены.
		h.log(r).Warn("report download interrupted",
			"run_id", runID, "report_id", reportID, "error", err)
	}
}

func reportFilename(a *domain.ReportArtifact) string {
	return fmt.Sprintf("%s-%s.%s", a.RunID, a.ID, a.Format)
}
