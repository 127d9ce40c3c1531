package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/platform/telemetry"
)

const intakeCSV = "Nome,CPF,Data de Nascimento,Gênero,Telefone,País de Nascimento,Observação\n" +
	"João da Silva,123.456.789-00,15/03/1980,Masculino,(11) 91234-5678,Brasil,Diabético|Hipertenso\n" +
	"Maria Souza,987.654.321-00,31/02/1990,Feminino,(21) 99876-5432,Brasil,\n"

// fakeFHIR accepts every create and counts them per resource type.
type fakeFHIR struct {
	mu      sync.Mutex
	created map[string]int
	seq     atomic.Int64
}

func newFakeFHIR(t *testing.T) (*fakeFHIR, *httptest.Server) {
	t.Helper()
	f := &fakeFHIR{created: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resourceType := strings.TrimPrefix(r.URL.Path, "/fhir/")
		f.mu.Lock()
		f.created[resourceType]++
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"resourceType":%q,"id":"%d"}`, resourceType, f.seq.Add(1))
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeFHIR) count(resourceType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[resourceType]
}

func testConfig(fhirURL string) *config.Config {
	return &config.Config{
		Env:            "test",
		FHIRBaseURL:    fhirURL + "/fhir",
		FHIRTimeout:    0,
		BatchWorkers:   2,
		UploadMaxSize:  "1M",
		MetricsEnabled: true,
		CORSOrigins:    []string{"http://localhost:3000"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*echo.Echo, *telemetry.TelemetryProvider) {
	t.Helper()
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		Registry:       prometheus.NewRegistry(),
		MetricsEnabled: telemetry.BoolPtr(true),
	})
	svc, pool, err := newService(context.Background(), cfg, zerolog.Nop(), tp)
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	if pool != nil {
		t.Fatal("expected no pool without DATABASE_URL")
	}
	return newServer(cfg, zerolog.Nop(), tp, svc, nil), tp
}

func upload(t *testing.T, e *echo.Echo, filename, contentType, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	io.WriteString(part, content)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_UploadEndToEnd(t *testing.T) {
	fake, srv := newFakeFHIR(t)
	e, _ := newTestServer(t, testConfig(srv.URL))

	rec := upload(t, e, "pacientes.csv", "text/csv", intakeCSV)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		BatchID string                 `json:"batch_id"`
		Summary intake.Summary         `json:"summary"`
		Records []intake.RecordOutcome `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Summary.Total != 2 || resp.Summary.Succeeded != 1 || resp.Summary.Failed != 1 {
		t.Errorf("unexpected summary %+v", resp.Summary)
	}
	if resp.Records[1].Reason != intake.ReasonInvalidBirthDate {
		t.Errorf("expected invalid birth date on row 1, got %q", resp.Records[1].Reason)
	}
	if got := fake.count("Patient"); got != 1 {
		t.Errorf("expected 1 Patient created, got %d", got)
	}
	if got := fake.count("Condition"); got != 2 {
		t.Errorf("expected 2 Conditions created, got %d", got)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected X-Request-ID on response")
	}

	get := httptest.NewRecorder()
	e.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/api/v1/imports/"+resp.BatchID, nil))
	if get.Code != http.StatusOK {
		t.Fatalf("expected stored report, got %d: %s", get.Code, get.Body.String())
	}
}

func TestServer_RejectsUnknownFileType(t *testing.T) {
	fake, srv := newFakeFHIR(t)
	e, _ := newTestServer(t, testConfig(srv.URL))

	rec := upload(t, e, "notes.txt", "text/plain", "hello")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := fake.count("Patient"); got != 0 {
		t.Errorf("expected no creates, got %d", got)
	}
}

func TestServer_BodyLimit(t *testing.T) {
	_, srv := newFakeFHIR(t)
	cfg := testConfig(srv.URL)
	cfg.UploadMaxSize = "1K"
	e, _ := newTestServer(t, cfg)

	rec := upload(t, e, "big.csv", "text/csv", strings.Repeat("x", 4096))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	_, srv := newFakeFHIR(t)
	e, _ := newTestServer(t, testConfig(srv.URL))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), serviceVersion) {
		t.Fatalf("unexpected health response %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on health response")
	}

	upload(t, e, "pacientes.csv", "text/csv", intakeCSV)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	for _, want := range []string{"intake_records_total", "intake_http_requests_total", "intake_batch_size"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("expected %s in exposition", want)
		}
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected /health/db to be absent without a database, got %d", rec.Code)
	}
}

func TestReadRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pacientes.csv")
	if err := os.WriteFile(path, []byte(intakeCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	rows, err := readRows(path)
	if err != nil {
		t.Fatalf("readRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if v, _ := rows[0].Get("Nome"); v != "João da Silva" {
		t.Errorf("unexpected name %q", v)
	}

	if _, err := readRows(filepath.Join(dir, "pacientes.pdf")); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestWriteOutcomes_NDJSON(t *testing.T) {
	outcomes := []intake.RecordOutcome{
		{Index: 0, State: intake.StateComplete, SubjectID: "1"},
		{Index: 1, State: intake.StateFailed, FailedAt: intake.StateNormalized, Reason: intake.ReasonInvalidBirthDate},
	}
	var buf bytes.Buffer
	if err := writeOutcomes(&buf, outcomes); err != nil {
		t.Fatalf("writeOutcomes: %v", err)
	}

	sc := bufio.NewScanner(&buf)
	var lines int
	for sc.Scan() {
		var got intake.RecordOutcome
		if err := json.Unmarshal(sc.Bytes(), &got); err != nil {
			t.Fatalf("line %d is not JSON: %v", lines, err)
		}
		if got.Index != lines {
			t.Errorf("line %d has index %d", lines, got.Index)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
}
