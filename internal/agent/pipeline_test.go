package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/jobs"
	"github.com/kandev/devbridge/internal/workspace"
)

type recordingReporter struct {
	mu         sync.Mutex
	phases     []string
	milestones []string
	last       int
}

func (r *recordingReporter) Phase(phase string, pct int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
	r.last = pct
}

func (r *recordingReporter) Milestone(name string, pct int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.milestones = append(r.milestones, name)
	r.last = pct
}

type sessionLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *sessionLog) SetSession(ws *workspace.Workspace, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
	return nil
}

func newHelperProxy(t *testing.T) *Proxy {
	t.Helper()
	p := NewProxy(helperAgentConfig(nil), t.TempDir(), 200*time.Millisecond, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws := &workspace.Workspace{ApplicationID: "budget", JobID: "job-1", Path: t.TempDir(), Port: 45200}
	require.NoError(t, os.MkdirAll(ws.SourcePath(), 0o755))
	require.NoError(t, os.MkdirAll(ws.DepsPath(), 0o755))
	return ws
}

func TestPipelineRunner_DefaultPipeline(t *testing.T) {
	proxy := newHelperProxy(t)
	recorder := &sessionLog{}
	runner := NewPipelineRunner(proxy, nil, recorder, logger.NewNop())
	ws := newTestWorkspace(t)
	report := &recordingReporter{}

	job := &jobs.Job{ID: "job-1", ApplicationID: "budget", Prompt: "track expenses"}
	require.NoError(t, runner.Run(context.Background(), job, ws, report))

	assert.Equal(t, []string{"init", "plan", "implement", "test", "package"}, report.milestones)
	assert.Equal(t, 100, report.last)
	assert.Len(t, recorder.ids, 1)
	assert.FileExists(t, filepath.Join(ws.SourcePath(), "index.html"))
	assert.Equal(t, 0, proxy.Sessions(), "session must be released")
}

func TestPipelineRunner_ExplicitStepsAndFailure(t *testing.T) {
	proxy := newHelperProxy(t)
	runner := NewPipelineRunner(proxy, nil, nil, logger.NewNop())
	report := &recordingReporter{}

	job := &jobs.Job{ID: "job-2", ApplicationID: "budget", Steps: []jobs.Step{
		{Name: "warmup", Command: "echo"},
		{Name: "explode", Command: "fail", Args: map[string]any{"reason": "tests red"}},
		{Name: "never", Command: "echo"},
	}}
	err := runner.Run(context.Background(), job, newTestWorkspace(t), report)
	require.ErrorIs(t, err, ErrAgentCommand)
	assert.Contains(t, err.Error(), "tests red")
	assert.Equal(t, []string{"warmup"}, report.milestones)
	assert.Equal(t, 0, proxy.Sessions())
}

func TestPipelineRunner_CancellationStopsAgent(t *testing.T) {
	proxy := newHelperProxy(t)
	runner := NewPipelineRunner(proxy, nil, nil, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	job := &jobs.Job{ID: "job-3", ApplicationID: "budget", Steps: []jobs.Step{{Command: "hang"}}}

	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx, job, newTestWorkspace(t), &recordingReporter{}) }()

	require.Eventually(t, func() bool { return proxy.Sessions() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not return after cancellation")
	}
	assert.Equal(t, 0, proxy.Sessions())
}

func TestProxy_Execute(t *testing.T) {
	proxy := newHelperProxy(t)
	ctx := context.Background()

	_, err := proxy.Execute(ctx, ExecuteRequest{JobID: "ghost", Command: "echo"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = proxy.Execute(ctx, ExecuteRequest{})
	assert.Error(t, err)

	res, err := proxy.Execute(ctx, ExecuteRequest{Command: "echo", Args: map[string]any{"x": "y"}})
	require.NoError(t, err)
	assert.True(t, res.Success)

	again, err := proxy.Execute(ctx, ExecuteRequest{Command: "echo"})
	require.NoError(t, err)
	assert.Equal(t, res.Data["port"], again.Data["port"], "shared session is reused")

	require.NoError(t, proxy.Close(ctx))
	_, err = proxy.Execute(ctx, ExecuteRequest{Command: "echo"})
	assert.ErrorIs(t, err, ErrProxyClosed)
}

func TestLoadPipeline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: web-app
steps:
  - command: init
  - name: build
    command: implement
    weight: 4
    args:
      framework: vanilla
`), 0o644))

	p, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Equal(t, "web-app", p.Name)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "init", p.Steps[0].Name)
	assert.Equal(t, 4, p.Steps[1].Weight)
	assert.Equal(t, "vanilla", p.Steps[1].Args["framework"])

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("steps:\n  - name: nothing\n"), 0o644))
	_, err = LoadPipeline(bad)
	assert.Error(t, err)
}
