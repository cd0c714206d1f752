package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constellation-dev/bridge/internal/agent"
	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/container"
	"github.com/constellation-dev/bridge/internal/workspace"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeContainers is an in-memory ContainerManager keyed by project id.
type fakeContainers struct {
	mu         sync.Mutex
	running    map[string]string // project -> container id
	createErr  error
	destroyErr error
	nextPort   int
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{running: map[string]string{}, nextPort: 4000}
}

func (f *fakeContainers) RuntimeName() string { return "fake" }

func (f *fakeContainers) Create(_ context.Context, projectID string, cfg container.CreateConfig) (*container.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := "cid-" + projectID
	f.running[projectID] = id
	bindings := make([]container.PortBinding, 0, len(cfg.Ports))
	for _, p := range cfg.Ports {
		bindings = append(bindings, container.PortBinding{Internal: p, External: f.nextPort})
		f.nextPort++
	}
	return &container.CreateResult{ContainerID: id, ContainerName: "constellation-" + projectID, Ports: bindings}, nil
}

func (f *fakeContainers) Destroy(_ context.Context, t container.Target) (*container.DestroyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return nil, f.destroyErr
	}
	_, existed := f.running[t.ProjectID]
	delete(f.running, t.ProjectID)
	return &container.DestroyResult{Success: true, ContainerName: "constellation-" + t.ProjectID, Destroyed: existed}, nil
}

func (f *fakeContainers) lookup(t container.Target) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ContainerID != "" {
		return t.ContainerID, nil
	}
	id, ok := f.running[t.ProjectID]
	if !ok {
		return "", fmt.Errorf("%w for project %s", container.ErrContainerNotFound, t.ProjectID)
	}
	return id, nil
}

func (f *fakeContainers) Exec(_ context.Context, t container.Target, command string) (*container.ExecResult, error) {
	if _, err := f.lookup(t); err != nil {
		return nil, err
	}
	if strings.HasPrefix(command, "echo ") {
		return &container.ExecResult{Output: strings.TrimPrefix(command, "echo ") + "\n"}, nil
	}
	return &container.ExecResult{Stderr: "sh: not found", ExitCode: 127}, nil
}

func (f *fakeContainers) Status(_ context.Context, t container.Target) (*container.Info, error) {
	id, err := f.lookup(t)
	if err != nil {
		return nil, err
	}
	return &container.Info{ID: id, Name: "constellation-" + t.ProjectID, State: "running"}, nil
}

// fakeAgent replays scripted chunks and writes files into the workspace.
type fakeAgent struct {
	chunks []string
	files  map[string]string
	err    error
	wait   chan struct{}

	mu       sync.Mutex
	canceled bool
}

func (a *fakeAgent) Run(ctx context.Context, req agent.Request, onChunk func(string)) (*agent.Result, error) {
	for _, c := range a.chunks {
		onChunk(c)
	}
	if a.wait != nil {
		select {
		case <-a.wait:
		case <-ctx.Done():
			a.mu.Lock()
			a.canceled = true
			a.mu.Unlock()
			return &agent.Result{Files: workspace.FileTree{}}, &agent.ProcessFailedError{ExitCode: 143, Err: ctx.Err()}
		}
	}
	tree := workspace.FileTree{}
	for name, content := range a.files {
		_ = os.WriteFile(filepath.Join(req.WorkspacePath, name), []byte(content), 0o644)
		tree["/"+name] = content
	}
	if a.err != nil {
		var spawn *agent.SpawnFailedError
		if errors.As(a.err, &spawn) {
			return nil, a.err
		}
		return &agent.Result{Files: tree, ExitCode: 1}, a.err
	}
	return &agent.Result{
		Message: strings.Join(a.chunks, ""),
		Files:   tree,
		Changes: workspace.ChangeSet{Added: []string{}, Modified: []string{}, Deleted: []string{}},
	}, nil
}

func (a *fakeAgent) Guidance(req agent.Request, err error) string {
	return "cd " + req.WorkspacePath + " && agent " + req.Message
}

func (a *fakeAgent) Timeout() time.Duration { return time.Minute }

type testEnv struct {
	router     *gin.Engine
	store      *workspace.Store
	containers *fakeContainers
	agent      *fakeAgent
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	store, err := workspace.NewStore(workspace.Options{Root: t.TempDir()}, logger.NewNop(), nil)
	require.NoError(t, err)

	env := &testEnv{store: store, containers: newFakeContainers(), agent: &fakeAgent{}}
	h := NewHandler(store, env.containers, env.agent, opts, nil, logger.NewNop())
	env.router = gin.New()
	h.RegisterRoutes(env.router)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestCreateWorkspaceIdempotent(t *testing.T) {
	env := newTestEnv(t, Options{})

	first := env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "proj-1", "projectName": "Demo"})
	require.Equal(t, http.StatusOK, first.Code)
	body := decode(t, first)
	assert.Equal(t, "proj-1", body["id"])
	assert.Equal(t, "Demo", body["name"])
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, []any{}, body["ports"])

	second := env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "proj-1"})
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, body["path"], decode(t, second)["path"])
}

func TestCreateWorkspaceValidation(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "../escape"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "VALIDATION_ERROR", body["code"])

	w = env.do(t, http.MethodPost, "/workspace/create", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestContainerScenario(t *testing.T) {
	env := newTestEnv(t, Options{})

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "proj-1"}).Code)

	w := env.do(t, http.MethodPost, "/container/create", gin.H{
		"projectId": "proj-1",
		"config":    gin.H{"image": "node:20-slim", "ports": []int{3000}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decode(t, w)
	assert.Equal(t, "constellation-proj-1", created["containerName"])
	assert.Len(t, created["ports"], 1)

	w = env.do(t, http.MethodPost, "/container/exec", gin.H{"projectId": "proj-1", "command": "echo hi"})
	require.Equal(t, http.StatusOK, w.Code)
	execRes := decode(t, w)
	assert.Contains(t, execRes["output"], "hi")
	assert.Equal(t, float64(0), execRes["exitCode"])

	w = env.do(t, http.MethodGet, "/container/proj-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", decode(t, w)["state"])

	for i, wantDestroyed := range []bool{true, false} {
		w = env.do(t, http.MethodPost, "/container/destroy", gin.H{"projectId": "proj-1"})
		require.Equal(t, http.StatusOK, w.Code, "destroy #%d", i+1)
		res := decode(t, w)
		assert.Equal(t, true, res["success"])
		assert.Equal(t, wantDestroyed, res["destroyed"])
	}
}

func TestExecNonzeroIsNotAnHTTPError(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(t, http.MethodPost, "/container/create", gin.H{"projectId": "p"})

	w := env.do(t, http.MethodPost, "/container/exec", gin.H{"projectId": "p", "command": "nope"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(127), decode(t, w)["exitCode"])
}

func TestContainerErrors(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, http.MethodPost, "/container/exec", gin.H{"projectId": "ghost", "command": "ls"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CONTAINER_NOT_FOUND", decode(t, w)["code"])

	w = env.do(t, http.MethodPost, "/container/exec", gin.H{"command": "ls"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/container/exec", gin.H{"projectId": "ghost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/container/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	env.containers.createErr = &container.ContainerCommandFailedError{Args: []string{"run"}, ExitCode: 125, Stderr: "boom"}
	w = env.do(t, http.MethodPost, "/container/create", gin.H{"projectId": "p"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "CONTAINER_COMMAND_FAILED", decode(t, w)["code"])

	env.containers.createErr = fmt.Errorf("%w: needed 1", container.ErrNoPortsAvailable)
	w = env.do(t, http.MethodPost, "/container/create", gin.H{"projectId": "p"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	env.containers.createErr = errors.New("daemon said no")
	w = env.do(t, http.MethodPost, "/container/create", gin.H{"projectId": "p"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = env.do(t, http.MethodPost, "/container/destroy", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDestroyWorkspace(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "p"})
	env.do(t, http.MethodPost, "/container/create", gin.H{"projectId": "p"})

	w := env.do(t, http.MethodPost, "/workspace/destroy", gin.H{"projectId": "p"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode(t, w)
	assert.Equal(t, true, res["success"])
	assert.Equal(t, true, res["containerDestroyed"])
	assert.Equal(t, true, res["workspaceCleared"])

	// Directory contents survive.
	_, err := os.Stat(filepath.Join(env.store.Root(), "p"))
	assert.NoError(t, err)

	w = env.do(t, http.MethodPost, "/workspace/destroy", gin.H{"projectId": "p"})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode(t, w)
	assert.Equal(t, false, res["containerDestroyed"])
	assert.Equal(t, false, res["workspaceCleared"])

	w = env.do(t, http.MethodPost, "/workspace/destroy", gin.H{"projectId": "p", "workspacePath": "/etc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFiles(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, http.MethodGet, "/workspace/missing/files", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "WORKSPACE_NOT_FOUND", decode(t, w)["code"])

	env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "p"})
	dir := filepath.Join(env.store.Root(), "p")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0o644))

	w = env.do(t, http.MethodGet, "/workspace/p/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"/index.html": "<h1>hi</h1>"}, decode(t, w))

	w = env.do(t, http.MethodPost, "/files/sync", gin.H{"workspacePath": dir})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "/index.html")

	w = env.do(t, http.MethodPost, "/files/sync", gin.H{"projectId": "p"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"/index.html": "<h1>hi</h1>"}, decode(t, w))

	w = env.do(t, http.MethodPost, "/files/sync", gin.H{"projectId": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/files/sync", gin.H{"workspacePath": "/etc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/files/sync", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListWorkspaces(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, http.MethodGet, "/workspaces", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"workspaces":[]}`, w.Body.String())

	env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "zeta"})
	env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "alpha"})

	w = env.do(t, http.MethodGet, "/workspaces", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["workspaces"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].(map[string]any)["id"])
	assert.Equal(t, filepath.Join(env.store.Root(), "zeta"), list[1].(map[string]any)["path"])

	env.do(t, http.MethodPost, "/workspace/destroy", gin.H{"projectId": "alpha"})
	w = env.do(t, http.MethodGet, "/workspaces", nil)
	assert.Len(t, decode(t, w)["workspaces"].([]any), 1)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{EventBus: "memory"})

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "fake", body["runtime"])
	assert.Equal(t, "memory", body["eventBus"])
	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	assert.NoError(t, err)
}

// readSSE splits an event stream into decoded data frames.
func readSSE(t *testing.T, body string) []map[string]any {
	t.Helper()
	var frames []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var f map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(payload, " ")), &f))
		frames = append(frames, f)
	}
	return frames
}

func TestChatStreamMissingWorkspace(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, http.MethodPost, "/chat/stream", gin.H{"projectId": "nope", "message": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	frames := readSSE(t, w.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, true, frames[0]["complete"])
	assert.Equal(t, false, frames[0]["success"])
	assert.Equal(t, "Workspace not found for project nope", frames[0]["error"])
}

func TestChatStreamSuccess(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.agent.chunks = []string{"Creating app...\n", "Done.\n"}
	env.agent.files = map[string]string{"app.js": "console.log('hi')"}
	env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "p"})

	w := env.do(t, http.MethodPost, "/chat/stream", gin.H{"projectId": "p", "message": "build"})
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "data:{"), w.Body.String())
	assert.NotContains(t, w.Body.String(), "event:")
	assert.True(t, strings.HasSuffix(w.Body.String(), "}\n\n"))

	frames := readSSE(t, w.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "Creating app...\n", frames[0]["message"])
	assert.Equal(t, "Done.\n", frames[1]["message"])

	final := frames[2]
	assert.Equal(t, true, final["complete"])
	assert.Equal(t, true, final["success"])
	assert.Equal(t, map[string]any{"/app.js": "console.log('hi')"}, final["files"])
	assert.Contains(t, final, "changes")
}

func TestChatStreamAgentFailure(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.agent.chunks = []string{"partial"}
	env.agent.files = map[string]string{"half.js": "//"}
	env.agent.err = &agent.ProcessFailedError{ExitCode: 2, Stderr: "crashed"}
	env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "p"})

	w := env.do(t, http.MethodPost, "/chat/stream", gin.H{"projectId": "p", "message": "build"})
	frames := readSSE(t, w.Body.String())
	require.Len(t, frames, 2)

	final := frames[1]
	assert.Equal(t, false, final["success"])
	assert.Equal(t, "AGENT_PROCESS_FAILED", final["code"])
	assert.Equal(t, float64(2), final["exitCode"])
	assert.Contains(t, final["message"], "cd ")
	assert.Contains(t, final["files"], "/half.js")
}

func TestChatStreamSpawnFailureStillListsFiles(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.agent.err = &agent.SpawnFailedError{Command: "claude", Err: os.ErrNotExist}
	env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "p"})
	require.NoError(t, os.WriteFile(filepath.Join(env.store.Root(), "p", "keep.txt"), []byte("k"), 0o644))

	w := env.do(t, http.MethodPost, "/chat/stream", gin.H{"projectId": "p", "message": "build"})
	frames := readSSE(t, w.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "AGENT_SPAWN_FAILED", frames[0]["code"])
	assert.Equal(t, map[string]any{"/keep.txt": "k"}, frames[0]["files"])
}

func TestChatStreamValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, http.MethodPost, "/chat/stream", gin.H{"projectId": "p"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatStreamDisconnectCancelsRun(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.agent.wait = make(chan struct{})
	env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "p"})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/chat/stream", strings.NewReader(`{"projectId":"p","message":"go"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.router.ServeHTTP(httptest.NewRecorder(), req)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}
	env.agent.mu.Lock()
	defer env.agent.mu.Unlock()
	assert.True(t, env.agent.canceled)
}

func TestChatStreamDetachedRunSurvivesDisconnect(t *testing.T) {
	env := newTestEnv(t, Options{DetachOnDisconnect: true})
	env.agent.wait = make(chan struct{})
	env.agent.files = map[string]string{"late.txt": "made it"}
	env.do(t, http.MethodPost, "/workspace/create", gin.H{"projectId": "p"})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/chat/stream", strings.NewReader(`{"projectId":"p","message":"go"}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.router.ServeHTTP(httptest.NewRecorder(), req)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(env.agent.wait)
	<-done

	env.agent.mu.Lock()
	assert.False(t, env.agent.canceled)
	env.agent.mu.Unlock()
	content, err := os.ReadFile(filepath.Join(env.store.Root(), "p", "late.txt"))
	require.NoError(t, err)
	assert.Equal(t, "made it", string(content))
}
