package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		RequestID(h.logger),
		Recovery,
		Metrics(),
		Logging,
	)
	// Ответы о состоянии и отчётах никогда не кэшируются.
	fresh := Chain(chain, NoStore())

	// Runs
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/runs", fresh(http.HandlerFunc(h.ListRuns)))
	mux.Handle("GET /api/v1/runs/{id}", fresh(http.HandlerFunc(h.GetRun)))
	mux.Handle("PUT /api/v1/runs/{id}/config", chain(http.HandlerFunc(h.UpdateConfig)))
	mux.Handle("POST /api/v1/runs/{id}/validate", fresh(http.HandlerFunc(h.ValidateRun)))
	mux.Handle("POST /api/v1/runs/{id}/start", chain(http.HandlerFunc(h.StartRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))
	mux.Handle("POST /api/v1/runs/{id}/samples/{sampleId}/retry", chain(http.HandlerFunc(h.RetrySample)))
	mux.Handle("GET /api/v1/runs/{id}/status", fresh(http.HandlerFunc(h.GetStatus)))
	mux.Handle("GET /api/v1/runs/{id}/executions", fresh(http.HandlerFunc(h.ListExecutions)))

	// Provenance
	mux.Handle("GET /api/v1/runs/{id}/provenance", fresh(http.HandlerFunc(h.GetProvenance)))
	mux.Handle("GET /api/v1/runs/{id}/provenance/manifest", fresh(http.HandlerFunc(h.GetManifest)))
	mux.Handle("GET /api/v1/runs/{id}/provenance/verify", fresh(http.HandlerFunc(h.VerifyProvenance)))

	// Reports
	mux.Handle("POST /api/v1/runs/{id}/reports", fresh(http.HandlerFunc(h.GenerateReport)))
	mux.Handle("GET /api/v1/runs/{id}/reports", fresh(http.HandlerFunc(h.ListReports)))
	mux.Handle("GET /api/v1/runs/{id}/reports/{reportId}/download", fresh(http.HandlerFunc(h.DownloadReport)))
}
