package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workflowJSON = `{"7":{"inputs":{"anything":"x"},"class_type":"easy showAnything"}}`

type fakeComfy struct {
	*httptest.Server
	mu       sync.Mutex
	history  string
	prompts  []string
	requests []string
}

func newFakeComfy(t *testing.T, history string) *fakeComfy {
	t.Helper()
	f := &fakeComfy{history: history}
	mux := http.NewServeMux()
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"queue_running": [], "queue_pending": []}`)
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.prompts = append(f.prompts, string(body))
		f.mu.Unlock()
		io.WriteString(w, `{"prompt_id": "p1", "number": 1, "node_errors": {}}`)
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		io.WriteString(w, f.history)
	})
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" /history "+string(body))
		f.mu.Unlock()
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"system": {"os": "posix", "python_version": "3.11.9"}, "devices": [{"name": "cuda:0 NVIDIA L4", "type": "cuda", "index": 0, "vram_total": 23580639232, "vram_free": 23091019776}]}`)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeComfy) address() string {
	return strings.TrimPrefix(f.URL, "http://")
}

// isolate runs the test in an empty directory with fast tracker settings
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	t.Setenv("COMFYRUNNER_TRACKER_EVENT_SLICE", "10ms")
	t.Setenv("COMFYRUNNER_TRACKER_POLL_INTERVAL", "10ms")
	t.Setenv("COMFYRUNNER_TRACKER_DIAL_RETRIES", "0")
	t.Setenv("COMFYRUNNER_RUNNER_READY_INTERVAL", "10ms")
	t.Setenv("COMFYRUNNER_LOG_LEVEL", "error")
	return dir
}

func writeWorkflow(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "workflow.json")
	require.NoError(t, os.WriteFile(path, []byte(workflowJSON), 0o644))
	return path
}

func run(args ...string) (int, string, string) {
	var out, errOut bytes.Buffer
	code := execute(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestLocateNone(t *testing.T) {
	isolate(t)
	code, out, _ := run("locate", "--address", "10.1.2.3:8188")
	assert.Equal(t, exitSuccess, code)
	assert.Equal(t, "10.1.2.3:8188\n", out)
}

func TestLocateJSON(t *testing.T) {
	isolate(t)
	code, out, _ := run("locate", "--address", "10.1.2.3:8188", "--json")
	assert.Equal(t, exitSuccess, code)
	assert.JSONEq(t, `{"address": "10.1.2.3:8188", "strategy": "none"}`, out)
}

func TestInvalidModeFails(t *testing.T) {
	isolate(t)
	code, _, errOut := run("locate", "--mode", "sometimes")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "sometimes")
}

func TestRunCompletes(t *testing.T) {
	dir := isolate(t)
	fake := newFakeComfy(t, `{"p1": {"outputs": {}}}`)
	wf := writeWorkflow(t, dir)

	code, out, errOut := run("run", "--address", fake.address(), "--workflow", wf, "--no-progress", "--erase-history")
	require.Equal(t, exitSuccess, code, errOut)
	assert.Equal(t, "p1 completed\n", out)

	require.Len(t, fake.prompts, 1)
	assert.Contains(t, fake.prompts[0], `"client_id"`)
	assert.Contains(t, fake.prompts[0], `"easy showAnything"`)
	assert.Equal(t, []string{`POST /history {"delete":["p1"]}`}, fake.requests)
}

func TestRunMissingWorkflow(t *testing.T) {
	dir := isolate(t)
	fake := newFakeComfy(t, `{}`)

	code, _, errOut := run("run", "--address", fake.address(), "--workflow", filepath.Join(dir, "missing.json"))
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "workflow file not found")
	assert.Empty(t, fake.prompts)
}

func TestWaitTimesOut(t *testing.T) {
	isolate(t)
	fake := newFakeComfy(t, `{}`)

	code, out, _ := run("wait", "p1", "--address", fake.address(), "--timeout", "50ms")
	assert.Equal(t, exitUnconfirmed, code)
	assert.Equal(t, "p1 timed_out\n", out)
}

func TestSubmitPrintsIDs(t *testing.T) {
	dir := isolate(t)
	fake := newFakeComfy(t, `{}`)
	wf := writeWorkflow(t, dir)

	code, out, errOut := run("submit", "--address", fake.address(), "--workflow", wf, "--client-id", "cli-1")
	require.Equal(t, exitSuccess, code, errOut)
	assert.Equal(t, "p1 cli-1\n", out)
	require.Len(t, fake.prompts, 1)
	assert.Contains(t, fake.prompts[0], `"client_id":"cli-1"`)
}

func TestInspect(t *testing.T) {
	isolate(t)
	fake := newFakeComfy(t, `{"p1": {"outputs": {"7": {"text": ["False"]}}}}`)

	code, out, errOut := run("inspect", "p1", "7", "--address", fake.address())
	require.Equal(t, exitSuccess, code, errOut)
	assert.Equal(t, "false\n", out)

	code, _, _ = run("inspect", "p1", "9", "--address", fake.address())
	assert.Equal(t, exitError, code)
}

func TestStats(t *testing.T) {
	isolate(t)
	fake := newFakeComfy(t, `{}`)

	code, out, errOut := run("stats", "--address", fake.address())
	require.Equal(t, exitSuccess, code, errOut)
	assert.Contains(t, out, "OS: posix")
	assert.Contains(t, out, "Name: cuda:0 NVIDIA L4")
}
