package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hirefetch/harvester/internal/automation/automationtest"
	"github.com/hirefetch/harvester/internal/config"
	"github.com/hirefetch/harvester/internal/harvest"
	"github.com/hirefetch/harvester/internal/job"
	"github.com/hirefetch/harvester/internal/metrics"
	"github.com/hirefetch/harvester/internal/orchestrator"
	"github.com/hirefetch/harvester/internal/storage"
)

type fixture struct {
	router   http.Handler
	orch     *orchestrator.Orchestrator
	platform *automationtest.Platform
	files    *storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := automationtest.NewPlatform()
	files, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	orch, err := orchestrator.New(orchestrator.Options{
		Factory: p.Factory(),
		Sink:    files,
		Metrics: m,
		Retry:   harvest.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		LogCap:  50,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	cfg := config.Default()
	cfg.NodeID = "test-node"
	router := NewRouter(cfg, Deps{Downloads: orch, Files: files, Metrics: m, Heartbeat: 20 * time.Millisecond})
	return &fixture{router: router, orch: orch, platform: p, files: files}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return resp
}

func (f *fixture) start(t *testing.T, body string) string {
	t.Helper()
	rec := f.do("POST", "/api/downloads/start", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode(t, rec)["download_id"].(string)
}

func (f *fixture) waitFor(t *testing.T, id string, want job.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.orch.Progress(id)
		if err == nil && snap.Status == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("download %s never reached %s", id, want)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/health", "")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if resp := decode(t, rec); resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", resp["status"])
	}
}

func TestInfo(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/info", "")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	resp := decode(t, rec)
	if resp["node_id"] != "test-node" {
		t.Errorf("expected test-node, got %v", resp["node_id"])
	}
	limit := resp["rate_limit"].(map[string]any)
	if limit["calls"].(float64) != 80 {
		t.Errorf("expected 80 calls, got %v", limit["calls"])
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/stats", "")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	downloads := decode(t, rec)["downloads"].(map[string]any)
	if downloads["running"].(float64) != 0 {
		t.Errorf("expected 0 running, got %v", downloads["running"])
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "harvester_downloads_active") {
		t.Error("expected harvester metrics in exposition")
	}
}

func TestStartDownload_InvalidBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do("POST", "/api/downloads/start", "invalid")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestStartDownload_EmptyJobID(t *testing.T) {
	f := newFixture(t)
	rec := f.do("POST", "/api/downloads/start", `{"job_id":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if kind := decode(t, rec)["kind"]; kind != "InvalidInput" {
		t.Errorf("expected InvalidInput, got %v", kind)
	}
	if _, total := f.orch.List(10, 0, ""); total != 0 {
		t.Errorf("rejected start created %d downloads", total)
	}
}

func TestDownloadLifecycle(t *testing.T) {
	f := newFixture(t)
	cands := automationtest.Refs(3)
	cands[1].Resume = nil
	f.platform.AddJob("42", cands...)

	id := f.start(t, `{"job_id":42}`)
	f.waitFor(t, id, job.StatusCompleted)

	rec := f.do("GET", "/api/downloads/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	stats := resp["stats"].(map[string]any)
	want := map[string]float64{"saved": 2, "failed": 0, "not_found": 1, "total_found": 3, "total_downloaded": 2}
	for k, v := range want {
		if stats[k].(float64) != v {
			t.Errorf("stats[%s] = %v, want %v", k, stats[k], v)
		}
	}
	if resp["job_id"] != "42" {
		t.Errorf("expected job 42, got %v", resp["job_id"])
	}

	rec = f.do("GET", "/api/downloads/"+id+"/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	status := decode(t, rec)
	if status["status"] != "completed" || status["percentage"].(float64) != 100 {
		t.Errorf("unexpected status payload: %v", status)
	}

	rec = f.do("GET", "/api/downloads/"+id+"/files", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("files: expected 200, got %d", rec.Code)
	}
	if count := decode(t, rec)["count"].(float64); count != 2 {
		t.Errorf("expected 2 files, got %v", count)
	}

	rec = f.do("GET", "/api/downloads/"+id+"/files/Candidate_1_fc1.pdf", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "resume of c1" {
		t.Errorf("file download: %d %q", rec.Code, rec.Body.String())
	}

	rec = f.do("GET", "/api/downloads?status=completed", "")
	if total := decode(t, rec)["total"].(float64); total != 1 {
		t.Errorf("expected 1 completed download, got %v", total)
	}
	rec = f.do("GET", "/api/downloads?source=archive", "")
	if total := decode(t, rec)["total"].(float64); total != 1 {
		t.Errorf("expected 1 archived record, got %v", total)
	}
}

func TestListDownloads_UnknownStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/api/downloads?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestGetDownload_ActiveIsConflict(t *testing.T) {
	f := newFixture(t)
	f.platform.AddJob("7", automationtest.Refs(1)...)
	release := f.platform.BlockOpens()
	defer release()

	id := f.start(t, `{"job_id":"7"}`)
	rec := f.do("GET", "/api/downloads/"+id, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}

	rec = f.do("GET", "/api/downloads/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAuthenticateFlow(t *testing.T) {
	f := newFixture(t)
	f.platform.AddJob("42", automationtest.Refs(2)...)
	f.platform.RequireToken("secret")

	id := f.start(t, `{"job_id":"42"}`)
	f.waitFor(t, id, job.StatusLoginRequired)

	rec := f.do("POST", "/api/downloads/"+id+"/authenticate", `{"cookies":[{"name":"theme","value":"dark"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if status := decode(t, rec)["status"]; status != "login_required" {
		t.Errorf("expected still login_required, got %v", status)
	}

	rec = f.do("POST", "/api/downloads/"+id+"/authenticate", `{"cookies":[{"name":"PHPSESSID","value":"secret","domain":".example.com"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if status := decode(t, rec)["status"]; status != "running" {
		t.Errorf("expected running, got %v", status)
	}
	f.waitFor(t, id, job.StatusCompleted)

	rec = f.do("POST", "/api/downloads/"+id+"/authenticate", `{"cookies":[{"name":"PHPSESSID","value":"secret"}]}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 once completed, got %d", rec.Code)
	}
	rec = f.do("POST", "/api/downloads/unknown/authenticate", `{"cookies":[]}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCancelDownload_Idempotent(t *testing.T) {
	f := newFixture(t)

	rec := f.do("DELETE", "/api/downloads/unknown", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown download, got %d", rec.Code)
	}
	if msg := decode(t, rec)["message"]; msg != "Download not found or already cancelled" {
		t.Errorf("unexpected message %v", msg)
	}

	f.platform.AddJob("42", automationtest.Refs(1)...)
	f.platform.RequireToken("secret")
	id := f.start(t, `{"job_id":"42"}`)
	f.waitFor(t, id, job.StatusLoginRequired)

	rec = f.do("DELETE", "/api/downloads/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	f.waitFor(t, id, job.StatusCancelled)

	rec = f.do("DELETE", "/api/downloads/"+id, "")
	if msg := decode(t, rec)["message"]; msg != "Download already cancelled" {
		t.Errorf("unexpected message %v", msg)
	}
}

func TestDownloadEvents(t *testing.T) {
	f := newFixture(t)
	f.platform.AddJob("42", automationtest.Refs(2)...)
	id := f.start(t, `{"job_id":"42"}`)
	f.waitFor(t, id, job.StatusCompleted)

	rec := f.do("GET", "/api/downloads/"+id+"/events?since=0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp EventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Closed || len(resp.Events) == 0 {
		t.Fatalf("expected a closed feed with events, got %+v", resp)
	}
	last := resp.Events[len(resp.Events)-1]
	if !last.Final || last.Result == nil || last.Result.Stats.Saved != 2 {
		t.Errorf("unexpected final event %+v", last)
	}

	rec = f.do("GET", "/api/downloads/"+id+"/events?since="+itoa(resp.LastSeq)+"&wait=50ms", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Events) != 0 || !resp.Closed {
		t.Errorf("expected no further events, got %+v", resp)
	}
}

func TestStreamProgress(t *testing.T) {
	f := newFixture(t)
	f.platform.AddJob("42", automationtest.Refs(3)...)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	id := f.start(t, `{"job_id":"42"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/downloads/"+id+"/progress", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != sseContentType {
		t.Errorf("expected %s, got %s", sseContentType, ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(body)
	if !strings.Contains(text, "event: progress\nid: 1\n") {
		t.Errorf("expected first progress event, got %q", text)
	}
	if !strings.Contains(text, "event: complete\n") {
		t.Errorf("stream did not end with the final record: %q", text)
	}
	if !strings.Contains(text, `"total_downloaded":3`) {
		t.Errorf("final record missing stats: %q", text)
	}
}

func TestStreamProgress_UnknownDownload(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/api/downloads/missing/progress", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestWriteStreamError_IsJSON(t *testing.T) {
	cause := errors.New("feed closed: \x01 \"quoted\" caf\u00e9 \x7f")
	var buf bytes.Buffer
	if err := writeStreamError(&buf, cause); err != nil {
		t.Fatal(err)
	}

	text := buf.String()
	if !strings.HasPrefix(text, "event: error\ndata: ") || !strings.HasSuffix(text, "\n\n") {
		t.Fatalf("unexpected framing: %q", text)
	}
	data := strings.TrimSuffix(strings.TrimPrefix(text, "event: error\ndata: "), "\n\n")
	var payload map[string]string
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("data is not JSON: %v (%q)", err, data)
	}
	if payload["error"] != cause.Error() {
		t.Errorf("expected %q, got %q", cause.Error(), payload["error"])
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
