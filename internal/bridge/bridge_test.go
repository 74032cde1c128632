package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/common/portutil"
	"github.com/kandev/devbridge/internal/jobs"
	"github.com/kandev/devbridge/internal/metadata"
	"github.com/kandev/devbridge/pkg/agentproto"
)

const helperEnv = "DEVBRIDGE_BRIDGE_HELPER_AGENT"

// TestHelperAgent is the agent process started by the end-to-end tests.
func TestHelperAgent(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	h := agentproto.HandlerFunc(func(ctx context.Context, req *agentproto.Request) *agentproto.Response {
		if req.Command == agentproto.CommandImplement {
			_ = os.WriteFile("index.html", []byte("<h1>app</h1>"), 0o644)
			return &agentproto.Response{Success: true, FilesChanged: []string{"index.html"}}
		}
		return &agentproto.Response{Success: true}
	})
	_ = agentproto.Serve(context.Background(), os.Stdin, os.Stdout, h)
	os.Exit(0)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{
			Host:              "127.0.0.1",
			Port:              0,
			ReadTimeout:       5,
			WriteTimeout:      5,
			ShutdownTimeout:   15,
			AutoStart:         true,
			AlternatePortSpan: 20,
		},
		Jobs: config.JobsConfig{MaxConcurrent: 2, Timeout: 60, CancelGracePeriod: 1, ProgressInterval: 1},
		Workspace: config.WorkspaceConfig{
			Root:    filepath.Join(dir, "workspaces"),
			Cleanup: config.CleanupArchive,
		},
		Metadata: config.MetadataConfig{Dir: filepath.Join(dir, "apps")},
		Agent: config.AgentConfig{
			Command:        os.Args[0],
			Args:           []string{"-test.run=^TestHelperAgent$", "--", "--port", "$PORT"},
			Env:            map[string]string{helperEnv: "1"},
			CommandTimeout: 30,
		},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(dir, "devbridge.db")},
	}
}

type fakeFinder struct {
	info *portutil.ProcessInfo
}

func (f fakeFinder) ProcessUsingPort(ctx context.Context, port int, host string) (*portutil.ProcessInfo, bool) {
	return f.info, f.info != nil
}

// fakeKiller "kills" the occupant by closing its listener.
type fakeKiller struct {
	mu     sync.Mutex
	pids   []int
	onKill func()
}

func (k *fakeKiller) KillProcess(ctx context.Context, pid int) error {
	k.mu.Lock()
	k.pids = append(k.pids, pid)
	k.mu.Unlock()
	if k.onKill != nil {
		k.onKill()
	}
	return nil
}

func (k *fakeKiller) calls() []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]int(nil), k.pids...)
}

func occupyPort(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func deactivate(t *testing.T, b *Bridge) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = b.Deactivate(ctx)
	})
}

var occupant = &portutil.ProcessInfo{PID: 4242, Name: "node"}

func TestActivate_RejectsDoubleActivation(t *testing.T) {
	ctx := context.Background()
	b := New(testConfig(t), Options{}, logger.NewNop())
	deactivate(t, b)

	require.NoError(t, b.Activate(ctx))
	first := b.State()
	require.NotNil(t, first)
	assert.ErrorIs(t, b.Activate(ctx), ErrAlreadyInitialized)
	assert.Same(t, first, b.State(), "live state is untouched")

	require.NoError(t, b.Deactivate(ctx))
	assert.Nil(t, b.State())
	assert.NoError(t, b.Deactivate(ctx), "deactivation is idempotent")

	require.NoError(t, b.Activate(ctx), "a fresh activation is allowed after deactivation")
}

func TestActivate_FailureLeavesNoState(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.PipelineFile = filepath.Join(t.TempDir(), "missing.yaml")
	b := New(cfg, Options{}, logger.NewNop())
	deactivate(t, b)

	require.Error(t, b.Activate(context.Background()))
	assert.Nil(t, b.State())

	cfg.Agent.PipelineFile = ""
	require.NoError(t, b.Activate(context.Background()))
}

func TestStartServers_RequiresActivation(t *testing.T) {
	b := New(testConfig(t), Options{}, logger.NewNop())
	assert.ErrorIs(t, b.StartServers(context.Background()), ErrNotActive)
	assert.ErrorIs(t, b.ForceRestartServers(context.Background()), ErrNotActive)
}

func TestStartServers_DeferredStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.AutoStart = false
	b := New(cfg, Options{}, logger.NewNop())
	deactivate(t, b)

	require.NoError(t, b.Activate(context.Background()))
	assert.False(t, b.State().Server.Running())

	require.NoError(t, b.StartServers(context.Background()))
	assert.True(t, b.State().Server.Running())
	assert.Equal(t, portutil.StatusBound, b.State().Allocation.Status)
	assert.NoError(t, b.StartServers(context.Background()))
}

func TestPortConflict_Abort(t *testing.T) {
	_, port := occupyPort(t)
	cfg := testConfig(t)
	cfg.Server.Port = port
	b := New(cfg, Options{Resolver: StaticResolver{Resolution: Abort}, Finder: fakeFinder{info: occupant}}, logger.NewNop())
	deactivate(t, b)

	err := b.Activate(context.Background())
	var conflict *PortConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, port, conflict.Port)
	assert.Equal(t, occupant, conflict.Process)
	assert.True(t, portutil.IsAddrInUse(err))
	assert.Nil(t, b.State())
}

func TestStartServers_BindFailureIsNotAConflict(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Host = "192.0.2.1" // TEST-NET-1, never assigned locally
	killer := &fakeKiller{}
	b := New(cfg, Options{Resolver: StaticResolver{Resolution: ForceRestart}, Killer: killer}, logger.NewNop())
	deactivate(t, b)

	err := b.Activate(context.Background())
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, "192.0.2.1", bindErr.Host)
	var startupErr *StartupError
	assert.False(t, errors.As(err, &startupErr))
	assert.Empty(t, killer.calls(), "no recovery for a non-conflict bind failure")
	assert.Nil(t, b.State())
}

func TestPortConflict_AlternatePort(t *testing.T) {
	_, port := occupyPort(t)
	cfg := testConfig(t)
	cfg.Server.Port = port
	b := New(cfg, Options{Resolver: StaticResolver{Resolution: UseAlternatePort}, Finder: fakeFinder{}}, logger.NewNop())
	deactivate(t, b)

	require.NoError(t, b.Activate(context.Background()))
	st := b.State()
	assert.Equal(t, portutil.StatusAlternate, st.Allocation.Status)
	assert.NotEqual(t, port, st.Allocation.Port)
	assert.Equal(t, st.Allocation.Port, st.Server.Port())

	resp, err := http.Get(fmt.Sprintf("http://%s/health", st.Allocation.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPortConflict_ForceRestart(t *testing.T) {
	ln, port := occupyPort(t)
	cfg := testConfig(t)
	cfg.Server.Port = port
	killer := &fakeKiller{onKill: func() { _ = ln.Close() }}
	b := New(cfg, Options{
		Resolver: StaticResolver{Resolution: ForceRestart},
		Finder:   fakeFinder{info: occupant},
		Killer:   killer,
	}, logger.NewNop())
	deactivate(t, b)

	require.NoError(t, b.Activate(context.Background()))
	assert.Equal(t, []int{4242}, killer.calls())
	assert.Equal(t, portutil.StatusBound, b.State().Allocation.Status)
	assert.Equal(t, port, b.State().Server.Port())
}

func TestPortConflict_ForceRestartFailsOnce(t *testing.T) {
	_, port := occupyPort(t)
	cfg := testConfig(t)
	cfg.Server.Port = port
	killer := &fakeKiller{} // the occupant survives
	b := New(cfg, Options{
		Resolver:    StaticResolver{Resolution: ForceRestart},
		Finder:      fakeFinder{info: occupant},
		Killer:      killer,
		ReleaseWait: 200 * time.Millisecond,
	}, logger.NewNop())
	deactivate(t, b)

	err := b.Activate(context.Background())
	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, port, startupErr.Port)
	assert.Equal(t, occupant, startupErr.Process)
	assert.Equal(t, ForceRestart, startupErr.Recovery)
	assert.Len(t, killer.calls(), 1, "no retry loop")
	assert.Nil(t, b.State())
}

func TestForceRestartServers_AfterAbort(t *testing.T) {
	ln, port := occupyPort(t)
	cfg := testConfig(t)
	cfg.Server.Port = port
	cfg.Server.AutoStart = false
	killer := &fakeKiller{onKill: func() { _ = ln.Close() }}
	b := New(cfg, Options{Finder: fakeFinder{info: occupant}, Killer: killer}, logger.NewNop())
	deactivate(t, b)

	require.NoError(t, b.Activate(context.Background()))
	var conflict *PortConflictError
	require.ErrorAs(t, b.StartServers(context.Background()), &conflict)

	require.NoError(t, b.ForceRestartServers(context.Background()))
	assert.True(t, b.State().Server.Running())
	assert.Equal(t, []int{4242}, killer.calls())
}

func TestEndToEnd_JobSucceeds(t *testing.T) {
	b := New(testConfig(t), Options{}, logger.NewNop())
	deactivate(t, b)
	require.NoError(t, b.Activate(context.Background()))
	base := fmt.Sprintf("http://127.0.0.1:%d", b.State().Server.Port())

	body, _ := json.Marshal(jobs.SubmitRequest{ApplicationID: "budget", Title: "Budget tracker", Prompt: "track expenses"})
	resp, err := http.Post(base+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var job jobs.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/v1/jobs/" + job.ID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var got jobs.Job
		if json.NewDecoder(resp.Body).Decode(&got) != nil {
			return false
		}
		job = got
		return got.State.IsTerminal()
	}, 30*time.Second, 50*time.Millisecond)

	require.Equal(t, jobs.StateSucceeded, job.State, "job error: %+v", job.Error)
	assert.Equal(t, 100, job.Progress.Percentage)
	assert.Len(t, job.Progress.Milestones, 5)

	var app *metadata.Application
	require.Eventually(t, func() bool {
		got, err := b.State().Applications.Get(context.Background(), "budget")
		if err != nil {
			return false
		}
		app = got
		return got.Status == metadata.StatusReady
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, job.ID, app.LastJobID)
	assert.DirExists(t, app.WorkspacePath, "application points at the archived tree")
	assert.FileExists(t, filepath.Join(app.WorkspacePath, "index.html"))

	assert.Eventually(t, func() bool { return len(b.State().Workspaces.List()) == 0 },
		10*time.Second, 20*time.Millisecond, "workspace archived after the job")
}

func TestActivate_RecoversInterruptedJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.AutoStart = false

	b := New(cfg, Options{}, logger.NewNop())
	require.NoError(t, b.Activate(context.Background()))
	stale := &jobs.Job{ID: "stale", ApplicationID: "budget", State: jobs.StateRunning, CreatedAt: time.Now().UTC()}
	require.NoError(t, b.State().JobStore.Save(context.Background(), stale))
	require.NoError(t, b.Deactivate(context.Background()))

	deactivate(t, b)
	require.NoError(t, b.Activate(context.Background()))
	got, err := b.State().Jobs.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, jobs.CodeInterrupted, got.Error.Code)
}
