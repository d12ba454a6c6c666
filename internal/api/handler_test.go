package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quillchat/quill/internal/persist"
	"github.com/quillchat/quill/internal/pool"
	"github.com/quillchat/quill/internal/renderer"
)

type testEnv struct {
	server    *httptest.Server
	pool      *pool.Manager
	renderers *renderer.Manager
	projects  *persist.ProjectStore
}

func newTestEnv(t *testing.T, capacity int) *testEnv {
	t.Helper()
	pm := pool.NewManager(pool.Config{
		MaxCapacity:  capacity,
		SpawnTimeout: 10 * time.Second,
		KillGrace:    time.Second,
	}, nil, nil)
	t.Cleanup(pm.DestroyAll)

	rm := renderer.NewManager(renderer.ManagerConfig{
		GPUContexts:      2,
		WebGLInitTimeout: 50 * time.Millisecond,
	}, pm, nil, nil)

	projects := persist.NewProjectStore(t.TempDir())

	r := chi.NewRouter()
	NewHandler(pm, rm, projects, nil).Mount(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &testEnv{server: server, pool: pm, renderers: rm, projects: projects}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func (e *testEnv) createTerminal(t *testing.T, body CreateTerminalRequest) pool.Info {
	t.Helper()
	if body.Shell == "" {
		body.Shell = "/bin/sh"
	}
	if body.Cwd == "" {
		body.Cwd = t.TempDir()
	}
	resp := e.request(t, http.MethodPost, "/api/terminals", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create returned %d", resp.StatusCode)
	}
	return decode[pool.Info](t, resp)
}

func TestTerminalLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, 4)

	info := env.createTerminal(t, CreateTerminalRequest{Cols: 100, Rows: 30})
	if info.Status != pool.StatusRunning {
		t.Errorf("expected running, got %v", info.Status)
	}
	if info.Size.Cols != 100 || info.Size.Rows != 30 {
		t.Errorf("expected 100x30, got %+v", info.Size)
	}

	resp := env.request(t, http.MethodGet, "/api/terminals", nil)
	list := decode[TerminalListResponse](t, resp)
	if len(list.Terminals) != 1 || list.Terminals[0].ID != info.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	resp = env.request(t, http.MethodGet, "/api/terminals/"+info.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get returned %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodDelete, "/api/terminals/"+info.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete returned %d", resp.StatusCode)
	}
	resp = env.request(t, http.MethodGet, "/api/terminals/"+info.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestCreateTerminal_PoolExhausted(t *testing.T) {
	env := newTestEnv(t, 1)
	info := env.createTerminal(t, CreateTerminalRequest{})
	if err := env.pool.BeginAttach(info.ID, "mount-1"); err != nil {
		t.Fatalf("failed to attach: %v", err)
	}

	resp := env.request(t, http.MethodPost, "/api/terminals",
		CreateTerminalRequest{Shell: "/bin/sh", Cwd: t.TempDir()})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	errResp := decode[ErrorResponse](t, resp)
	if !strings.Contains(errResp.Error, "close a terminal") {
		t.Errorf("error should tell the user what to do: %q", errResp.Error)
	}
}

func TestTerminalInputAndScreen(t *testing.T) {
	env := newTestEnv(t, 4)
	info := env.createTerminal(t, CreateTerminalRequest{})

	resp := env.request(t, http.MethodPost, "/api/terminals/"+info.ID+"/input",
		InputRequest{Text: "echo http-input-marker\n"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("input returned %d", resp.StatusCode)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := env.request(t, http.MethodGet, "/api/terminals/"+info.ID+"/screen", nil)
		screen := decode[ScreenResponse](t, resp)
		if strings.Contains(screen.Text, "http-input-marker") {
			if screen.Rows == 0 || screen.Cols == 0 {
				t.Errorf("screen dimensions missing: %+v", screen)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("input never appeared on screen")
}

func TestTerminalRawOutputBacklog(t *testing.T) {
	env := newTestEnv(t, 4)
	info := env.createTerminal(t, CreateTerminalRequest{})

	resp := env.request(t, http.MethodPost, "/api/terminals/"+info.ID+"/input",
		InputRequest{Text: "echo raw-backlog-marker\n"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("input returned %d", resp.StatusCode)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := env.request(t, http.MethodGet, "/api/terminals/"+info.ID+"/output", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("output returned %d", resp.StatusCode)
		}
		raw := decode[RawOutputResponse](t, resp)
		if strings.Contains(raw.Output, "raw-backlog-marker") {
			if raw.ID != info.ID {
				t.Errorf("expected id %s, got %s", info.ID, raw.ID)
			}
			if raw.Truncated {
				t.Error("short backlog should not report truncation")
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("input never appeared in the raw backlog")
}

func TestResizeTerminal(t *testing.T) {
	env := newTestEnv(t, 4)
	info := env.createTerminal(t, CreateTerminalRequest{})

	resp := env.request(t, http.MethodPost, "/api/terminals/"+info.ID+"/resize",
		ResizeRequest{Cols: 132, Rows: 43})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resize returned %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/terminals/"+info.ID, nil)
	got := decode[pool.Info](t, resp)
	if got.Size.Cols != 132 || got.Size.Rows != 43 {
		t.Errorf("expected 132x43, got %+v", got.Size)
	}

	resp = env.request(t, http.MethodPost, "/api/terminals/"+info.ID+"/resize",
		ResizeRequest{Cols: 0, Rows: -1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad dimensions, got %d", resp.StatusCode)
	}
}

func TestPoolStatsEndpoint(t *testing.T) {
	env := newTestEnv(t, 3)
	env.createTerminal(t, CreateTerminalRequest{})
	env.createTerminal(t, CreateTerminalRequest{})

	resp := env.request(t, http.MethodGet, "/api/terminals/stats", nil)
	stats := decode[pool.Stats](t, resp)
	if stats.Capacity != 3 || stats.Total != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestTerminalListProjectFilter(t *testing.T) {
	env := newTestEnv(t, 4)
	if err := env.projects.Save(persist.Project{ID: "p1", Name: "one", Path: t.TempDir()}); err != nil {
		t.Fatalf("failed to save project: %v", err)
	}

	mine := env.createTerminal(t, CreateTerminalRequest{ProjectID: "p1"})
	env.createTerminal(t, CreateTerminalRequest{})

	resp := env.request(t, http.MethodGet, "/api/terminals?project_id=p1", nil)
	list := decode[TerminalListResponse](t, resp)
	if len(list.Terminals) != 1 || list.Terminals[0].ID != mine.ID {
		t.Fatalf("project filter wrong: %+v", list)
	}

	// Unknown project on create is rejected before any spawn.
	resp = env.request(t, http.MethodPost, "/api/terminals",
		CreateTerminalRequest{Shell: "/bin/sh", ProjectID: "missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown project, got %d", resp.StatusCode)
	}
}

func TestProjectCRUDOverHTTP(t *testing.T) {
	env := newTestEnv(t, 2)

	resp := env.request(t, http.MethodPost, "/api/projects",
		ProjectRequest{Name: "demo", Path: "/tmp/demo"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create returned %d", resp.StatusCode)
	}
	created := decode[persist.Project](t, resp)
	if created.ID == "" || created.Name != "demo" {
		t.Fatalf("unexpected project: %+v", created)
	}

	resp = env.request(t, http.MethodPut, "/api/projects/"+created.ID,
		ProjectRequest{Name: "renamed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update returned %d", resp.StatusCode)
	}
	updated := decode[persist.Project](t, resp)
	if updated.Name != "renamed" || updated.Path != "/tmp/demo" {
		t.Errorf("partial update wrong: %+v", updated)
	}

	resp = env.request(t, http.MethodDelete, "/api/projects/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete returned %d", resp.StatusCode)
	}
	resp = env.request(t, http.MethodGet, "/api/projects/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}

	resp = env.request(t, http.MethodPost, "/api/projects", ProjectRequest{Name: " "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for blank fields, got %d", resp.StatusCode)
	}
}

func TestInputToExitedTerminalConflicts(t *testing.T) {
	env := newTestEnv(t, 2)
	info := env.createTerminal(t, CreateTerminalRequest{})

	inst, _ := env.pool.Get(info.ID)
	inst.Write([]byte("exit 0\n"))
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && inst.Status() != pool.StatusExited {
		time.Sleep(20 * time.Millisecond)
	}

	resp := env.request(t, http.MethodPost, "/api/terminals/"+info.ID+"/input",
		InputRequest{Text: "echo hi\n"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for exited terminal, got %d", resp.StatusCode)
	}
}

func TestUnknownTerminalRoutes404(t *testing.T) {
	env := newTestEnv(t, 2)
	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/terminals/nope"},
		{http.MethodDelete, "/api/terminals/nope"},
		{http.MethodGet, "/api/terminals/nope/screen"},
		{http.MethodGet, "/api/terminals/nope/output"},
	} {
		resp := env.request(t, tc.method, tc.path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, resp.StatusCode)
		}
	}

	resp := env.request(t, http.MethodPost, "/api/terminals/nope/input", InputRequest{Text: "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("input to unknown terminal: expected 404, got %d", resp.StatusCode)
	}
}

func TestMountsEndpoint(t *testing.T) {
	env := newTestEnv(t, 2)
	info := env.createTerminal(t, CreateTerminalRequest{})

	env.renderers.RegisterMount(&renderer.MountPoint{
		ID:   "mount-1",
		Caps: renderer.CapabilitySet{},
		Sink: discardSink{},
	})
	if _, err := env.renderers.Attach(info.ID, "mount-1"); err != nil {
		t.Fatalf("failed to attach: %v", err)
	}

	resp := env.request(t, http.MethodGet, "/api/mounts", nil)
	mounts := decode[MountListResponse](t, resp)
	if len(mounts.Mounts) != 1 {
		t.Fatalf("expected one mount, got %d", len(mounts.Mounts))
	}
	got := mounts.Mounts[0]
	if got.State != "attached" || got.Kind != renderer.KindDOM || got.InstanceID != info.ID {
		t.Errorf("unexpected mount info: %+v", got)
	}
}

type discardSink struct{}

func (discardSink) SendFrame(renderer.Frame) error { return nil }

func TestCreateTerminal_EnvReachesShell(t *testing.T) {
	env := newTestEnv(t, 2)
	info := env.createTerminal(t, CreateTerminalRequest{
		Env: map[string]string{"QUILL_TEST_VALUE": "from-env"},
	})

	resp := env.request(t, http.MethodPost, "/api/terminals/"+info.ID+"/input",
		InputRequest{Text: "echo marker-$QUILL_TEST_VALUE\n"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("input returned %d", resp.StatusCode)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := env.request(t, http.MethodGet, fmt.Sprintf("/api/terminals/%s/screen", info.ID), nil)
		if strings.Contains(decode[ScreenResponse](t, resp).Text, "marker-from-env") {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("environment variable never reached the shell")
}
