package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/")
}

// --- Client Tests ---

func TestClient_CreateRun(t *testing.T) {
	var got CreateRunRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/runs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"data":{"id":"r1","code":"VGAP-20261014-ABCD","status":"pending","samples":[{"id":"s1","name":"S1"}]}}`)
	})

	run, err := client.CreateRun(CreateRunRequest{
		Name:    "batch",
		Mode:    "shotgun",
		Samples: []SampleRequest{{Name: "S1", R1: "/data/S1_R1.fastq.gz"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.ID != "r1" || run.Status != "pending" || len(run.Samples) != 1 {
		t.Errorf("unexpected run: %+v", run)
	}
	if got.Name != "batch" || len(got.Samples) != 1 {
		t.Errorf("unexpected request body: %+v", got)
	}
}

func TestClient_ListRuns(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "running" || q.Get("limit") != "5" || q.Get("offset") != "10" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		io.WriteString(w, `{"data":[{"id":"a"},{"id":"b"}],"total":12}`)
	})

	runs, total, err := client.ListRuns(ListRunsOpts{Status: "running", Limit: 5, Offset: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 2 || total != 12 {
		t.Errorf("expected 2 runs of 12, got %d of %d", len(runs), total)
	}
}

func TestClient_APIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"error":{"code":"VALIDATION_FAILED","message":"run failed pre-flight validation",
			"remediation":"fix the reported issues",
			"details":[{"code":"FASTQ_NOT_FOUND","message":"R1 missing","remediation":"check the path","severity":"error"}]}}`)
	})

	_, err := client.StartRun("r1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Code != "VALIDATION_FAILED" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	msg := err.Error()
	for _, want := range []string{"FASTQ_NOT_FOUND", "check the path", "hint: fix the reported issues"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
}

func TestClient_NonJSONError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := client.GetRun("r1")
	if err == nil || !strings.Contains(err.Error(), "HTTP 502") {
		t.Errorf("expected HTTP 502 error, got %v", err)
	}
}

func TestClient_DownloadReport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/r1/reports/rep1/download" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"run":{"id":"r1"}}`)
	})

	var buf bytes.Buffer
	if err := client.DownloadReport("r1", "rep1", &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.String() != `{"run":{"id":"r1"}}` {
		t.Errorf("unexpected body %q", buf.String())
	}
}

func TestClient_Verify(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("against") != "r2" {
			t.Errorf("expected against=r2, got %q", r.URL.RawQuery)
		}
		io.WriteString(w, `{"data":{"run_id":"r1","against_run_id":"r2","matched":3,"mismatches":[],"missing":[],"reproducible":true}}`)
	})

	v, err := client.Verify("r1", "r2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Reproducible || v.Matched != 3 {
		t.Errorf("unexpected verification: %+v", v)
	}
}

// --- Input Tests ---

func TestParseSampleFlag(t *testing.T) {
	tests := []struct {
		in      string
		want    SampleRequest
		wantErr bool
	}{
		{in: "S1=/d/S1_R1.fq.gz,/d/S1_R2.fq.gz", want: SampleRequest{Name: "S1", R1: "/d/S1_R1.fq.gz", R2: "/d/S1_R2.fq.gz"}},
		{in: "S2=/d/S2.fq.gz", want: SampleRequest{Name: "S2", R1: "/d/S2.fq.gz"}},
		{in: "S3", wantErr: true},
		{in: "=/d/x.fq", wantErr: true},
		{in: "S4=", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSampleFlag(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestReadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	manifest := `name: batch-42
mode: amplicon
samples:
  - name: S1
    r1: /data/S1_R1.fastq.gz
    r2: /data/S1_R2.fastq.gz
config:
  primer_scheme: ARTIC-V4.1
  min_depth: 20
`
	if err := os.WriteFile(path, []byte(manifest), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var req CreateRunRequest
	if err := readManifest(path, &req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Name != "batch-42" || req.Mode != "amplicon" || len(req.Samples) != 1 {
		t.Errorf("unexpected manifest: %+v", req)
	}
	if req.Samples[0].R2 != "/data/S1_R2.fastq.gz" {
		t.Errorf("unexpected sample: %+v", req.Samples[0])
	}

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("manifest must be JSON encodable: %v", err)
	}
	if !strings.Contains(string(body), `"min_depth":20`) {
		t.Errorf("expected min_depth in body, got %s", body)
	}
}

// --- Output Tests ---

func TestOutput_Print(t *testing.T) {
	var buf bytes.Buffer
	out := &Output{w: &buf, errW: io.Discard}
	out.Print([]string{"ID", "STATUS"}, [][]string{{"r1", "running"}}, nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header, separator and row, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[2], "r1") {
		t.Errorf("unexpected row %q", lines[2])
	}

	buf.Reset()
	out.jsonMode = true
	out.Print(nil, nil, map[string]string{"id": "r1"})
	if !json.Valid(buf.Bytes()) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestOutput_EmptyTable(t *testing.T) {
	var buf, errBuf bytes.Buffer
	out := &Output{w: &buf, errW: &errBuf}
	out.Table([]string{"ID"}, nil)

	if buf.Len() != 0 {
		t.Errorf("expected no table output, got %q", buf.String())
	}
	if strings.TrimSpace(errBuf.String()) != "(none)" {
		t.Errorf("expected (none), got %q", errBuf.String())
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{0, "[....................]   0.0%"},
		{25, "[#####...............]  25.0%"},
		{100, "[####################] 100.0%"},
		{140, "[####################] 100.0%"},
	}

	for _, tt := range tests {
		if got := progressBar(tt.percent); got != tt.want {
			t.Errorf("progressBar(%v): expected %q, got %q", tt.percent, tt.want, got)
		}
	}
}
