package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// RunResponse — run из API.
type RunResponse struct {
	ID              string           `json:"id"`
	Code            string           `json:"code"`
	Name            string           `json:"name"`
	Mode            string           `json:"mode"`
	Status          string           `json:"status"`
	CancelRequested bool             `json:"cancel_requested"`
	Config          map[string]any   `json:"config"`
	ConfigFrozenAt  string           `json:"config_frozen_at,omitempty"`
	Samples         []SampleResponse `json:"samples,omitempty"`
	Error           *ErrorDetail     `json:"error,omitempty"`
	CreatedAt       string           `json:"created_at"`
	StartedAt       string           `json:"started_at,omitempty"`
	FinishedAt      string           `json:"finished_at,omitempty"`
}

// SampleResponse — sample из API.
type SampleResponse struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Position     int            `json:"position"`
	R1           string         `json:"r1"`
	R2           string         `json:"r2,omitempty"`
	Status       string         `json:"status"`
	CurrentStage string         `json:"current_stage,omitempty"`
	FailedStage  string         `json:"failed_stage,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	Error        *ErrorDetail   `json:"error,omitempty"`
	UpdatedAt    string         `json:"updated_at"`
}

// ErrorDetail — структурированная ошибка run или sample.
type ErrorDetail struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

// ProgressResponse — прогресс run.
type ProgressResponse struct {
	RunID           string           `json:"run_id"`
	Code            string           `json:"code"`
	Status          string           `json:"status"`
	CancelRequested bool             `json:"cancel_requested"`
	Percent         float64          `json:"percent"`
	CurrentStage    string           `json:"current_stage"`
	Samples         []SampleProgress `json:"samples"`
	Error           *ErrorDetail     `json:"error,omitempty"`
}

// SampleProgress — прогресс одного sample.
type SampleProgress struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Status       string       `json:"status"`
	CurrentStage string       `json:"current_stage,omitempty"`
	FailedStage  string       `json:"failed_stage,omitempty"`
	Percent      float64      `json:"percent"`
	Error        *ErrorDetail `json:"error,omitempty"`
}

// ExecutionResponse — попытка stage из API.
type ExecutionResponse struct {
	ID          string       `json:"id"`
	SampleID    string       `json:"sample_id"`
	Stage       string       `json:"stage"`
	Attempt     int          `json:"attempt"`
	Fingerprint string       `json:"fingerprint"`
	Outcome     string       `json:"outcome"`
	Failure     string       `json:"failure,omitempty"`
	Error       *ErrorDetail `json:"error,omitempty"`
	StartedAt   string       `json:"started_at"`
	FinishedAt  string       `json:"finished_at,omitempty"`
}

// ValidationIssue — замечание pre-flight валидации.
type ValidationIssue struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
	Severity    string `json:"severity"`
	Field       string `json:"field,omitempty"`
}

// ValidationResponse — результат pre-flight проверки.
type ValidationResponse struct {
	Status   string            `json:"status"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// ProvenanceEntry — запись журнала provenance.
type ProvenanceEntry struct {
	Seq         int64  `json:"seq"`
	SampleName  string `json:"sample_name,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`
	ToolVersion string `json:"tool_version,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	StartedAt   string `json:"started_at"`
}

// Mismatch — расхождение выходов двух runs.
type Mismatch struct {
	Key      string `json:"key"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Verification — результат сравнения двух runs.
type Verification struct {
	RunID        string     `json:"run_id"`
	AgainstRunID string     `json:"against_run_id"`
	Matched      int        `json:"matched"`
	Mismatches   []Mismatch `json:"mismatches"`
	Missing      []string   `json:"missing"`
	Reproducible bool       `json:"reproducible"`
}

// ReportResponse — артефакт отчёта.
type ReportResponse struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	Format      string `json:"format"`
	GeneratedAt string `json:"generated_at"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
}

// --- Request types ---

// CreateRunRequest — создание run.
type CreateRunRequest struct {
	Name    string          `json:"name" yaml:"name"`
	Mode    string          `json:"mode" yaml:"mode"`
	Samples []SampleRequest `json:"samples" yaml:"samples"`
	Config  map[string]any  `json:"config,omitempty" yaml:"config,omitempty"`
}

// SampleRequest — sample при создании run.
type SampleRequest struct {
	Name string `json:"name" yaml:"name"`
	R1   string `json:"r1" yaml:"r1"`
	R2   string `json:"r2,omitempty" yaml:"r2,omitempty"`
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	Status string
	Limit  int
	Offset int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code        string            `json:"code"`
		Message     string            `json:"message"`
		Remediation string            `json:"remediation"`
		Details     []ValidationIssue `json:"details"`
	} `json:"error"`
}

// APIError — ошибка, возвращённая API.
type APIError struct {
	Status      int
	Code        string
	Message     string
	Remediation string
	Details     []ValidationIssue
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	for _, d := range e.Details {
		fmt.Fprintf(&b, "\n  - %s: %s", d.Code, d.Message)
		if d.Remediation != "" {
			fmt.Fprintf(&b, " (%s)", d.Remediation)
		}
	}
	if e.Remediation != "" {
		fmt.Fprintf(&b, "\nhint: %s", e.Remediation)
	}
	return b.String()
}

// --- Client ---

// Client — HTTP-клиент для VGAP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Runs ---

// ListRuns возвращает страницу runs и общее число.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, int, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", fmt.Sprintf("%d", opts.Offset))
	}

	var runs []RunResponse
	total, err := c.list("/api/v1/runs", params, &runs)
	return runs, total, err
}

// CreateRun создаёт run.
func (c *Client) CreateRun(req CreateRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs", req, &run)
	return &run, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get(runPath(id), &run)
	return &run, err
}

// UpdateConfig заменяет конфигурацию pending run.
func (c *Client) UpdateConfig(id string, cfg map[string]any) (*RunResponse, error) {
	var run RunResponse
	err := c.put(runPath(id)+"/config", cfg, &run)
	return &run, err
}

// ValidateRun выполняет pre-flight проверку.
func (c *Client) ValidateRun(id string) (*ValidationResponse, error) {
	var v ValidationResponse
	err := c.post(runPath(id)+"/validate", nil, &v)
	return &v, err
}

// StartRun запускает run.
func (c *Client) StartRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post(runPath(id)+"/start", nil, &run)
	return &run, err
}

// CancelRun отменяет run.
func (c *Client) CancelRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post(runPath(id)+"/cancel", nil, &run)
	return &run, err
}

// RetrySample повторяет упавший sample.
func (c *Client) RetrySample(runID, sampleID string) (*SampleResponse, error) {
	var sample SampleResponse
	err := c.post(runPath(runID)+"/samples/"+url.PathEscape(sampleID)+"/retry", nil, &sample)
	return &sample, err
}

// GetStatus возвращает прогресс run.
func (c *Client) GetStatus(id string) (*ProgressResponse, error) {
	var p ProgressResponse
	err := c.get(runPath(id)+"/status", &p)
	return &p, err
}

// ListExecutions возвращает попытки stages.
func (c *Client) ListExecutions(id string) ([]ExecutionResponse, error) {
	var execs []ExecutionResponse
	_, err := c.list(runPath(id)+"/executions", nil, &execs)
	return execs, err
}

// --- Provenance ---

// GetProvenance возвращает журнал provenance.
func (c *Client) GetProvenance(id string) ([]ProvenanceEntry, error) {
	var entries []ProvenanceEntry
	_, err := c.list(runPath(id)+"/provenance", nil, &entries)
	return entries, err
}

// GetManifest пишет manifest checksums в w.
func (c *Client) GetManifest(id string, w io.Writer) error {
	return c.download(runPath(id)+"/provenance/manifest", w)
}

// Verify сравнивает run с эталонным.
func (c *Client) Verify(id, against string) (*Verification, error) {
	var v Verification
	err := c.get(runPath(id)+"/provenance/verify?against="+url.QueryEscape(against), &v)
	return &v, err
}

// --- Reports ---

// GenerateReport создаёт новый отчёт.
func (c *Client) GenerateReport(runID, format string) (*ReportResponse, error) {
	var body any
	if format != "" {
		body = map[string]string{"format": format}
	}
	var rep ReportResponse
	err := c.post(runPath(runID)+"/reports", body, &rep)
	return &rep, err
}

// ListReports возвращает отчёты run.
func (c *Client) ListReports(runID string) ([]ReportResponse, error) {
	var reports []ReportResponse
	_, err := c.list(runPath(runID)+"/reports", nil, &reports)
	return reports, err
}

// DownloadReport пишет содержимое отчёта в w.
func (c *Client) DownloadReport(runID, reportID string, w io.Writer) error {
	return c.download(runPath(runID)+"/reports/"+url.PathEscape(reportID)+"/download", w)
}

func runPath(id string) string {
	return "/api/v1/runs/" + url.PathEscape(id)
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) (int, error) {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return 0, err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	return lr.Total, json.Unmarshal(lr.Data, result)
}

func (c *Client) download(path string, w io.Writer) error {
	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return nil
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return &APIError{
		Status:      resp.StatusCode,
		Code:        er.Error.Code,
		Message:     er.Error.Message,
		Remediation: er.Error.Remediation,
		Details:     er.Error.Details,
	}
}
