package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/classroom-rpc/internal/services/classroom/credential"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/experiment"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/gateway"
	"github.com/louisbranch/classroom-rpc/internal/services/classroom/session"
)

type testEnv struct {
	root     string
	registry *experiment.Registry
	server   *Server
}

func newTestEnv(t *testing.T, names ...string) *testEnv {
	t.Helper()
	root := t.TempDir()
	registry := experiment.NewRegistry(experiment.Options{Credentials: credential.Options{Iterations: 1000}})
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	for _, name := range names {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Join(dir, experiment.FunctionsDirName), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, experiment.ManifestFile), []byte("modules: [examples]\nactive: true\n"), 0o644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
		if _, err := registry.RegisterDir(t.Context(), root, name); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if len(names) > 0 {
		if err := registry.BindRoot(names[0]); err != nil {
			t.Fatalf("bind root: %v", err)
		}
	}
	sessions, err := session.NewManager(time.Hour)
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	gw := gateway.New(gateway.Config{Experiments: registry, Sessions: sessions, ExperimentsRoot: root})
	return &testEnv{root: root, registry: registry, server: NewServer(gw)}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func (e *testEnv) login(t *testing.T, prefix string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, prefix+"/admin/login", "", map[string]string{"username": "admin", "password": "password"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	decode(t, rec, &resp)
	return resp.Token
}

func TestCallAndLogs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "alpha")
	rec := env.do(t, http.MethodPost, "/exp/alpha/call", "", map[string]any{
		"student_id": "s1", "func_name": "square", "args": []any{7}, "experiment": "warmup",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got, want := strings.TrimSpace(rec.Body.String()), `{"ok":true,"result":49}`; got != want {
		t.Fatalf("body = %s, want %s", got, want)
	}

	rec = env.do(t, http.MethodGet, "/exp/alpha/logs?sid=s1&exp=warmup&n=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs status = %d, body %s", rec.Code, rec.Body.String())
	}
	var logs struct {
		Logs []struct {
			FuncName string          `json:"func_name"`
			Trial    string          `json:"trial"`
			Result   json.RawMessage `json:"result_json"`
		} `json:"logs"`
	}
	decode(t, rec, &logs)
	if len(logs.Logs) != 1 || logs.Logs[0].FuncName != "square" || string(logs.Logs[0].Result) != "49" || logs.Logs[0].Trial != "warmup" {
		t.Fatalf("logs = %+v", logs.Logs)
	}
}

func TestLogsMatchStudentIDExactly(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "alpha")
	for _, sid := range []string{"s1", " s1"} {
		rec := env.do(t, http.MethodPost, "/exp/alpha/call", "", map[string]any{"student_id": sid, "func_name": "square", "args": []any{3}})
		if rec.Code != http.StatusOK {
			t.Fatalf("call as %q status = %d", sid, rec.Code)
		}
	}

	rec := env.do(t, http.MethodGet, "/exp/alpha/logs?student_id=%20s1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs status = %d, body %s", rec.Code, rec.Body.String())
	}
	var logs struct {
		Logs []struct {
			StudentID string `json:"student_id"`
		} `json:"logs"`
	}
	decode(t, rec, &logs)
	if len(logs.Logs) != 1 || logs.Logs[0].StudentID != " s1" {
		t.Fatalf("logs = %+v, want only the \" s1\" record", logs.Logs)
	}
}

func TestRootRoutesUseRootExperiment(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "alpha", "beta")
	rec := env.do(t, http.MethodPost, "/call", "", map[string]any{"student_id": "s1", "func_name": "square", "args": []any{2}})
	if rec.Code != http.StatusOK {
		t.Fatalf("root call status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/log-options", "", nil)
	var opts struct {
		Students []string `json:"students"`
	}
	decode(t, rec, &opts)
	if strings.Join(opts.Students, ",") != "s1" {
		t.Fatalf("root options = %+v", opts)
	}
	rec = env.do(t, http.MethodGet, "/exp/beta/log-options", "", nil)
	decode(t, rec, &opts)
	if len(opts.Students) != 0 {
		t.Fatalf("beta options = %+v", opts)
	}
}

func TestCallFailureEnvelope(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "alpha")
	rec := env.do(t, http.MethodPost, "/exp/alpha/call", "", map[string]any{"student_id": "s1", "func_name": "missing"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	decode(t, rec, &envelope)
	if envelope.OK || !strings.HasPrefix(envelope.Error, "NotFound: ") {
		t.Fatalf("envelope = %+v", envelope)
	}
}

func TestErrorStatuses(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "alpha")
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown experiment", http.MethodGet, "/exp/gamma/functions", nil, http.StatusNotFound},
		{"missing student", http.MethodPost, "/exp/alpha/call", map[string]any{"func_name": "square"}, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/exp/alpha/call", "not an object", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/exp/alpha/logs?limit=abc", nil, http.StatusBadRequest},
		{"bad filter", http.MethodGet, "/exp/alpha/logs?filter=nope%3D1", nil, http.StatusBadRequest},
		{"admin without session", http.MethodGet, "/exp/alpha/admin/students", nil, http.StatusUnauthorized},
		{"bad credentials", http.MethodPost, "/exp/alpha/admin/login", map[string]string{"username": "admin", "password": "x"}, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, "", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestInactiveExperimentConflicts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "alpha")
	if err := env.registry.Deactivate("alpha"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	rec := env.do(t, http.MethodPost, "/exp/alpha/call", "", map[string]any{"student_id": "s1", "func_name": "square", "args": []any{1}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	var resp errorResponse
	decode(t, rec, &resp)
	if resp.Code != "NoActiveExperiment" {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestAdminFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "alpha")
	token := env.login(t, "/exp/alpha")

	rec := env.do(t, http.MethodPost, "/exp/alpha/admin/add-students", token, []map[string]string{
		{"student_id": "s1", "name": "Ada"},
		{"student_id": "s2", "name": "Grace"},
		{"student_id": "", "name": "blank"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk status = %d, body %s", rec.Code, rec.Body.String())
	}
	var bulk bulkResponse
	decode(t, rec, &bulk)
	if bulk.Added != 2 || len(bulk.Errors) != 1 || bulk.TotalProcessed != 3 {
		t.Fatalf("bulk = %+v", bulk)
	}

	rec = env.do(t, http.MethodGet, "/exp/alpha/is-registered?student_id=s2", "", nil)
	var reg struct {
		Registered bool `json:"registered"`
	}
	decode(t, rec, &reg)
	if !reg.Registered {
		t.Fatal("expected s2 registered")
	}

	env.do(t, http.MethodPost, "/exp/alpha/call", "", map[string]any{"student_id": "s2", "func_name": "square", "args": []any{3}})
	rec = env.do(t, http.MethodDelete, "/exp/alpha/admin/logs/s2", token, nil)
	var deleted struct {
		Deleted int `json:"deleted"`
	}
	decode(t, rec, &deleted)
	if deleted.Deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted.Deleted)
	}

	rec = env.do(t, http.MethodDelete, "/exp/alpha/admin/student/s2?cascade=true", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete student status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/exp/alpha/admin/student/s2", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/exp/alpha/admin/students", token, nil)
	var students struct {
		Students []studentJSON `json:"students"`
	}
	decode(t, rec, &students)
	if len(students.Students) != 1 || students.Students[0].StudentID != "s1" {
		t.Fatalf("students = %+v", students.Students)
	}

	rec = env.do(t, http.MethodPost, "/exp/alpha/admin/reload-functions", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d", rec.Code)
	}
}

func TestSessionCookie(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "alpha", "beta")
	rec := env.do(t, http.MethodPost, "/exp/beta/admin/login", "", map[string]string{"username": "admin", "password": "password"})
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != SessionCookieName || cookies[0].Path != "/exp/beta" {
		t.Fatalf("cookies = %+v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/exp/beta/admin/ping", nil)
	req.AddCookie(cookies[0])
	ping := httptest.NewRecorder()
	env.server.ServeHTTP(ping, req)
	if ping.Code != http.StatusOK {
		t.Fatalf("ping status = %d", ping.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/exp/alpha/admin/ping", nil)
	req.AddCookie(cookies[0])
	foreign := httptest.NewRecorder()
	env.server.ServeHTTP(foreign, req)
	if foreign.Code != http.StatusForbidden {
		t.Fatalf("foreign ping status = %d, want 403", foreign.Code)
	}
}

func TestExperimentControlRoutes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "alpha")
	if err := os.MkdirAll(filepath.Join(env.root, "lab2", experiment.FunctionsDirName), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	token := env.login(t, "")

	rec := env.do(t, http.MethodGet, "/api/experiments", "", nil)
	var list struct {
		Experiments []experiment.Info `json:"experiments"`
	}
	decode(t, rec, &list)
	if len(list.Experiments) != 2 {
		t.Fatalf("experiments = %+v", list.Experiments)
	}

	rec = env.do(t, http.MethodPost, "/api/experiments/start", token, map[string]string{"name": "lab2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/exp/lab2/functions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("functions on started experiment status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/experiments/lab2/unmount", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unmount status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/exp/lab2/functions", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("functions after unmount status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/experiments/stop", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/api/health", "", nil)
	var health gateway.HealthStatus
	decode(t, rec, &health)
	if !health.OK || health.Active != nil || strings.Join(health.ActiveExperiments, ",") != "lab2" {
		t.Fatalf("health = %+v", health)
	}

	rec = env.do(t, http.MethodPost, "/api/experiments/start", "", map[string]string{"name": "alpha"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous start status = %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/experiments/alpha", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("remove root status = %d, want 409", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/experiments/lab2", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, ok := env.registry.Lookup("lab2"); ok {
		t.Fatal("expected lab2 to be unregistered")
	}
	rec = env.do(t, http.MethodGet, "/exp/lab2/functions", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("functions after remove status = %d, want 404", rec.Code)
	}
}
