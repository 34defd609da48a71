package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nightowl/internal/executor"
	"nightowl/internal/scheduler/schedulertest"
	"nightowl/internal/task"
	logx "nightowl/pkg/logx"
)

func newTestServer(t *testing.T, cfg Config, d Deps) (*httptest.Server, *schedulertest.Env) {
	t.Helper()
	env := schedulertest.New(t)
	d.Scheduler = env.Scheduler
	d.Log = logx.Nop()
	s := New(cfg, d)
	ts := httptest.NewServer(s.Handler(s.cfg))
	t.Cleanup(ts.Close)
	return ts, env
}

func do(t *testing.T, method, url, body string, hdr ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	ts, env := newTestServer(t, Config{}, Deps{})

	resp, body := do(t, http.MethodPost, ts.URL+"/tasks", `{"description":"write docs","priority":"thought","project":"Docs Site"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, body = %v", resp.StatusCode, body)
	}
	if body["priority"] != "thought" || body["project_id"] != "docs-site" || body["status"] != "pending" {
		t.Fatalf("submit body = %v", body)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/tasks/1", "")
	if resp.StatusCode != http.StatusOK || body["description"] != "write docs" {
		t.Fatalf("get = %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodGet, ts.URL+"/tasks?status=pending&project=Docs%20Site", "")
	if items, _ := body["items"].([]any); resp.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("list = %d %v", resp.StatusCode, body)
	}

	if resp, _ := do(t, http.MethodPost, ts.URL+"/tasks/1/cancel", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, ts.URL+"/tasks/1/cancel", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d", resp.StatusCode)
	}
	tk, err := env.Scheduler.Get(t.Context(), 1)
	if err != nil || tk.Status != task.StatusCancelled {
		t.Fatalf("task = %+v, %v", tk, err)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, Config{}, Deps{})
	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/tasks", `{"description":"   "}`, http.StatusBadRequest},
		{http.MethodPost, "/tasks", `{"description":"x","priority":"urgent"}`, http.StatusBadRequest},
		{http.MethodPost, "/tasks", `not json`, http.StatusBadRequest},
		{http.MethodGet, "/tasks/abc", "", http.StatusBadRequest},
		{http.MethodGet, "/tasks/99", "", http.StatusNotFound},
		{http.MethodGet, "/tasks?status=sleeping", "", http.StatusBadRequest},
		{http.MethodGet, "/tasks?limit=-1", "", http.StatusBadRequest},
		{http.MethodPost, "/projects/ghost/cancel", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, body := do(t, tt.method, ts.URL+tt.path, tt.body)
		if resp.StatusCode != tt.want {
			t.Fatalf("%s %s = %d (%v), want %d", tt.method, tt.path, resp.StatusCode, body, tt.want)
		}
	}
}

func TestProjectCancel(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, Config{}, Deps{})
	do(t, http.MethodPost, ts.URL+"/tasks", `{"description":"a","project":"site"}`)

	resp, body := do(t, http.MethodPost, ts.URL+"/projects/site/cancel?keep=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel project = %d %v", resp.StatusCode, body)
	}
	if ids, _ := body["cancelled"].([]any); len(ids) != 1 {
		t.Fatalf("cancelled = %v", body["cancelled"])
	}
	if resp, _ := do(t, http.MethodPost, ts.URL+"/tasks", `{"description":"b","project":"site"}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("submit to trashed = %d", resp.StatusCode)
	}
	_, body = do(t, http.MethodGet, ts.URL+"/projects?trashed=1", "")
	if items, _ := body["items"].([]any); len(items) != 1 {
		t.Fatalf("projects = %v", body)
	}
}

func TestStatusAndRuns(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, Config{}, Deps{
		Runs: func() []executor.HistoryItem { return []executor.HistoryItem{{TaskID: 3, RunID: "r"}} },
	})
	resp, body := do(t, http.MethodGet, ts.URL+"/status", "")
	sched, _ := body["scheduler"].(map[string]any)
	if resp.StatusCode != http.StatusOK || sched["max_parallel"] != float64(2) || sched["recovered"] != true {
		t.Fatalf("status = %d %v", resp.StatusCode, body)
	}
	_, body = do(t, http.MethodGet, ts.URL+"/runs", "")
	if items, _ := body["items"].([]any); len(items) != 1 {
		t.Fatalf("runs = %v", body)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/report", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("report = %d", resp.StatusCode)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	down := errors.New("scheduler loop stopped")
	ts, _ := newTestServer(t, Config{Token: "s3cret"}, Deps{Health: func() error { return down }})

	if resp, _ := do(t, http.MethodGet, ts.URL+"/status", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/status", "", "Authorization", "Bearer wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/status", "", "Authorization", "Bearer s3cret"); resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/status?token=s3cret", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("query token = %d", resp.StatusCode)
	}
	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable || body["error"] != down.Error() {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/debug/pprof/", "", "Authorization", "Bearer s3cret"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", resp.StatusCode)
	}
}
