package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/db"
	"github.com/kandev/devbridge/internal/metadata"
	"github.com/kandev/devbridge/internal/workspace"
)

const waitFor = 5 * time.Second

// gatedRunner blocks each job until its application's gate is released.
type gatedRunner struct {
	mu        sync.Mutex
	gates     map[string]chan error
	started   chan string
	active    atomic.Int32
	maxActive atomic.Int32
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{gates: make(map[string]chan error), started: make(chan string, 32)}
}

func (r *gatedRunner) gate(appID string) chan error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.gates[appID]
	if !ok {
		ch = make(chan error, 1)
		r.gates[appID] = ch
	}
	return ch
}

func (r *gatedRunner) release(appID string, err error) { r.gate(appID) <- err }

func (r *gatedRunner) Run(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		cur := r.maxActive.Load()
		if n <= cur || r.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	r.started <- job.ApplicationID
	report.Milestone("started", 10)

	select {
	case err := <-r.gate(job.ApplicationID):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type recordingSink struct {
	mu       sync.Mutex
	progress map[string][]Progress
	states   map[string][]State
}

func newRecordingSink() *recordingSink {
	return &recordingSink{progress: make(map[string][]Progress), states: make(map[string][]State)}
}

func (s *recordingSink) Report(jobID string, p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[jobID] = append(s.progress[jobID], p)
}

func (s *recordingSink) JobStateChanged(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[job.ID] = append(s.states[job.ID], job.State)
}

func (s *recordingSink) statesOf(id string) []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states[id]...)
}

func (s *recordingSink) progressOf(id string) []Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Progress(nil), s.progress[id]...)
}

type agentErr struct{ msg string }

func (e agentErr) Error() string { return e.msg }
func (e agentErr) Code() string  { return CodeAgent }

func newTestWorkspaces(t *testing.T) *workspace.Manager {
	t.Helper()
	ws, err := workspace.NewManager(config.WorkspaceConfig{Root: t.TempDir(), Cleanup: config.CleanupDestroy}, logger.NewNop())
	require.NoError(t, err)
	return ws
}

func startManager(t *testing.T, opts Options, runner Runner, ws Workspaces, store Store) *Manager {
	t.Helper()
	m := NewManager(opts, runner, ws, store, logger.NewNop())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func submit(t *testing.T, m *Manager, appID string) *Job {
	t.Helper()
	job, err := m.Submit(context.Background(), SubmitRequest{ApplicationID: appID})
	require.NoError(t, err)
	return job
}

func waitState(t *testing.T, m *Manager, id string, want State) *Job {
	t.Helper()
	var last *Job
	require.Eventually(t, func() bool {
		job, err := m.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = job
		return job.State == want
	}, waitFor, 5*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

// waitApp waits for the application record to reach status; finish updates
// it after the in-memory transition.
func waitApp(t *testing.T, apps *metadata.Store, id, status string) *metadata.Application {
	t.Helper()
	var last *metadata.Application
	require.Eventually(t, func() bool {
		app, err := apps.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = app
		return app.Status == status
	}, waitFor, 5*time.Millisecond, "application %s never reached %s", id, status)
	return last
}

func TestManager_ConcurrencyCapAndFIFOPromotion(t *testing.T) {
	runner := newGatedRunner()
	m := startManager(t, Options{MaxConcurrent: 2}, runner, newTestWorkspaces(t), nil)

	j1 := submit(t, m, "app-1")
	j2 := submit(t, m, "app-2")
	j3 := submit(t, m, "app-3")
	j4 := submit(t, m, "app-4")

	waitState(t, m, j1.ID, StateRunning)
	waitState(t, m, j2.ID, StateRunning)

	status := m.Status()
	assert.Equal(t, 2, status.Running)
	assert.Equal(t, 2, status.Queued)
	assert.Equal(t, []string{j3.ID, j4.ID}, status.QueuedJobIDs)

	runner.release("app-1", nil)
	waitState(t, m, j1.ID, StateSucceeded)
	waitState(t, m, j3.ID, StateRunning)

	got, err := m.Get(context.Background(), j4.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State, "later submission must not overtake")

	runner.release("app-2", nil)
	runner.release("app-3", nil)
	runner.release("app-4", nil)
	for _, j := range []*Job{j2, j3, j4} {
		done := waitState(t, m, j.ID, StateSucceeded)
		assert.Equal(t, 100, done.Progress.Percentage)
		assert.NotNil(t, done.StartedAt)
		assert.NotNil(t, done.EndedAt)
		assert.Nil(t, done.Error)
	}

	assert.LessOrEqual(t, runner.maxActive.Load(), int32(2))
	status = m.Status()
	assert.Equal(t, int64(4), status.TotalSubmitted)
	assert.Equal(t, int64(4), status.TotalSucceeded)
}

func TestManager_CancelQueuedJob(t *testing.T) {
	runner := newGatedRunner()
	m := startManager(t, Options{MaxConcurrent: 1}, runner, newTestWorkspaces(t), nil)

	running := submit(t, m, "app-a")
	waitState(t, m, running.ID, StateRunning)
	queued := submit(t, m, "app-b")

	cancelled, err := m.Cancel(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.Nil(t, cancelled.StartedAt)
	assert.NotNil(t, cancelled.EndedAt)

	_, err = m.Cancel(context.Background(), queued.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	runner.release("app-a", nil)
	waitState(t, m, running.ID, StateSucceeded)
}

func TestManager_CancelRunningJobReleasesWorkspace(t *testing.T) {
	runner := newGatedRunner()
	wsm := newTestWorkspaces(t)
	m := startManager(t, Options{MaxConcurrent: 1, CancelGracePeriod: 50 * time.Millisecond}, runner, wsm, nil)

	job := submit(t, m, "app-a")
	running := waitState(t, m, job.ID, StateRunning)
	require.DirExists(t, running.WorkspacePath)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	cancelled, err := m.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.Nil(t, cancelled.Error)
	assert.NoDirExists(t, running.WorkspacePath)
	assert.False(t, wsm.Active("app-a"))

	next := submit(t, m, "app-b")
	waitState(t, m, next.ID, StateRunning)
	runner.release("app-b", nil)
	waitState(t, m, next.ID, StateSucceeded)
}

func TestManager_CancelUnresponsiveRunner(t *testing.T) {
	stuck := make(chan struct{})
	var unstick sync.Once
	defer unstick.Do(func() { close(stuck) })
	runner := RunnerFunc(func(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error {
		<-stuck
		return nil
	})
	m := startManager(t, Options{MaxConcurrent: 1, CancelGracePeriod: 20 * time.Millisecond}, runner, newTestWorkspaces(t), nil)
	m.slack = 20 * time.Millisecond

	job := submit(t, m, "app-a")
	waitState(t, m, job.ID, StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	start := time.Now()
	cancelled, err := m.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.Less(t, time.Since(start), 2*time.Second)

	status := m.Status()
	assert.Equal(t, 0, status.Running)
	assert.Equal(t, 1, status.Abandoned, "the stuck runner still holds its slot")

	unstick.Do(func() { close(stuck) })
	require.Eventually(t, func() bool { return m.Status().Abandoned == 0 }, waitFor, 5*time.Millisecond)
	next := submit(t, m, "app-b")
	waitState(t, m, next.ID, StateSucceeded)
}

func TestManager_ProvisioningFailure(t *testing.T) {
	runner := newGatedRunner()
	wsm := newTestWorkspaces(t)
	foreign := wsm.PathFor("app-taken")
	require.NoError(t, os.MkdirAll(foreign, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(foreign, "keep.txt"), []byte("x"), 0o644))

	m := startManager(t, Options{MaxConcurrent: 1}, runner, wsm, nil)

	failed := submit(t, m, "app-taken")
	got := waitState(t, m, failed.ID, StateFailed)
	require.NotNil(t, got.Error)
	assert.Equal(t, CodeWorkspace, got.Error.Code)
	assert.Nil(t, got.StartedAt)
	assert.FileExists(t, filepath.Join(foreign, "keep.txt"))

	// the slot was released
	next := submit(t, m, "app-free")
	waitState(t, m, next.ID, StateRunning)
	runner.release("app-free", nil)
	waitState(t, m, next.ID, StateSucceeded)
}

func TestManager_FailureMapping(t *testing.T) {
	t.Run("agent error", func(t *testing.T) {
		runner := RunnerFunc(func(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error {
			return agentErr{msg: "agent exited with status 2"}
		})
		m := startManager(t, Options{MaxConcurrent: 1}, runner, newTestWorkspaces(t), nil)
		got := waitState(t, m, submit(t, m, "app").ID, StateFailed)
		assert.Equal(t, CodeAgent, got.Error.Code)
		assert.Contains(t, got.Error.Message, "status 2")
	})

	t.Run("timeout", func(t *testing.T) {
		runner := RunnerFunc(func(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error {
			<-ctx.Done()
			return ctx.Err()
		})
		m := startManager(t, Options{MaxConcurrent: 1, Timeout: 30 * time.Millisecond}, runner, newTestWorkspaces(t), nil)
		got := waitState(t, m, submit(t, m, "app").ID, StateFailed)
		assert.Equal(t, CodeTimeout, got.Error.Code)
		assert.Contains(t, got.Error.Message, "timed out after")
	})

	t.Run("panic", func(t *testing.T) {
		runner := RunnerFunc(func(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error {
			panic("boom")
		})
		m := startManager(t, Options{MaxConcurrent: 1}, runner, newTestWorkspaces(t), nil)
		got := waitState(t, m, submit(t, m, "app").ID, StateFailed)
		assert.Equal(t, CodeInternal, got.Error.Code)
	})
}

func TestManager_TerminalStateIsFinal(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error {
		return nil
	})
	m := startManager(t, Options{MaxConcurrent: 1}, runner, newTestWorkspaces(t), nil)
	job := submit(t, m, "app")
	done := waitState(t, m, job.ID, StateSucceeded)

	_, err := m.Cancel(context.Background(), job.ID)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateSucceeded, te.From)

	after, err := m.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, done.State, after.State)
	assert.Equal(t, done.EndedAt, after.EndedAt)
}

func TestManager_ProgressIsOrdered(t *testing.T) {
	const milestones = 25
	runner := RunnerFunc(func(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error {
		var wg sync.WaitGroup
		for i := 0; i < milestones; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				report.Milestone("step", i*4)
			}(i)
		}
		wg.Wait()
		report.Phase("packaging", 50)
		return nil
	})
	sink := newRecordingSink()
	m := NewManager(Options{MaxConcurrent: 1, ProgressInterval: time.Millisecond}, runner, newTestWorkspaces(t), nil, logger.NewNop())
	m.SetProgressSink(sink)
	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop(context.Background()) }()

	job := submit(t, m, "app")
	waitState(t, m, job.ID, StateSucceeded)

	updates := sink.progressOf(job.ID)
	require.GreaterOrEqual(t, len(updates), milestones+1)
	for i := 1; i < len(updates); i++ {
		assert.Equal(t, updates[i-1].Sequence+1, updates[i].Sequence, "gap or reorder at %d", i)
		assert.GreaterOrEqual(t, updates[i].Percentage, updates[i-1].Percentage)
	}
	assert.Equal(t, []State{StateQueued, StateRunning, StateSucceeded}, sink.statesOf(job.ID))
}

func TestManager_SubmitValidation(t *testing.T) {
	m := NewManager(Options{MaxConcurrent: 1, QueueSize: 1}, newGatedRunner(), newTestWorkspaces(t), nil, logger.NewNop())

	_, err := m.Submit(context.Background(), SubmitRequest{ApplicationID: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = m.Submit(context.Background(), SubmitRequest{ApplicationID: "a", Steps: []Step{{Name: "x"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// not started, so the first job stays queued
	_, err = m.Submit(context.Background(), SubmitRequest{ApplicationID: "a"})
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), SubmitRequest{ApplicationID: "b"})
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestManager_UpdatesApplicationMetadata(t *testing.T) {
	apps, err := metadata.NewStore(config.MetadataConfig{Dir: t.TempDir()}, logger.NewNop())
	require.NoError(t, err)

	fail := errors.New("generation failed")
	runner := RunnerFunc(func(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error {
		if job.ApplicationID == "broken" {
			return fail
		}
		return nil
	})
	m := NewManager(Options{MaxConcurrent: 2}, runner, newTestWorkspaces(t), nil, logger.NewNop())
	m.SetApplicationStore(apps)
	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop(context.Background()) }()

	ok, err := m.Submit(context.Background(), SubmitRequest{ApplicationID: "budget", Title: "Budget"})
	require.NoError(t, err)
	bad := submit(t, m, "broken")
	waitState(t, m, ok.ID, StateSucceeded)
	waitState(t, m, bad.ID, StateFailed)

	app := waitApp(t, apps, "budget", metadata.StatusReady)
	assert.Equal(t, "Budget", app.Title)
	assert.Equal(t, ok.ID, app.LastJobID)
	assert.Empty(t, app.WorkspacePath, "destroyed workspaces are not advertised")
	assert.Zero(t, app.Launch.Port)
	assert.Empty(t, app.Launch.URL)

	broken := waitApp(t, apps, "broken", metadata.StatusFailed)
	assert.Equal(t, "generation failed", broken.LastError)
}

func TestManager_ApplicationPointsAtArchivedWorkspace(t *testing.T) {
	apps, err := metadata.NewStore(config.MetadataConfig{Dir: t.TempDir()}, logger.NewNop())
	require.NoError(t, err)
	wsm, err := workspace.NewManager(config.WorkspaceConfig{Root: t.TempDir(), Cleanup: config.CleanupArchive}, logger.NewNop())
	require.NoError(t, err)

	runner := newGatedRunner()
	m := NewManager(Options{MaxConcurrent: 1}, runner, wsm, nil, logger.NewNop())
	m.SetApplicationStore(apps)
	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop(context.Background()) }()

	job := submit(t, m, "budget")
	running := waitState(t, m, job.ID, StateRunning)

	during := waitApp(t, apps, "budget", metadata.StatusDeveloping)
	assert.Equal(t, running.WorkspacePath, during.WorkspacePath)
	assert.NotZero(t, during.Launch.Port)
	assert.NotEmpty(t, during.Launch.URL)

	runner.release("budget", nil)
	waitState(t, m, job.ID, StateSucceeded)

	app := waitApp(t, apps, "budget", metadata.StatusReady)
	assert.NotEqual(t, running.WorkspacePath, app.WorkspacePath)
	info, err := os.Stat(app.WorkspacePath)
	require.NoError(t, err, "application must point at a directory that exists")
	assert.True(t, info.IsDir())
	assert.Equal(t, filepath.Join(wsm.Root(), ".archive"), filepath.Dir(app.WorkspacePath))
	assert.Zero(t, app.Launch.Port)
	assert.Empty(t, app.Launch.URL)
}

func TestManager_EvictsPersistedTerminalJobs(t *testing.T) {
	pool, err := db.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	defer func() { _ = pool.Close() }()
	store, err := NewSQLStore(pool)
	require.NoError(t, err)

	runner := newGatedRunner()
	m := startManager(t, Options{MaxConcurrent: 1}, runner, newTestWorkspaces(t), store)
	ctx := context.Background()

	job := submit(t, m, "app")
	waitState(t, m, job.ID, StateRunning)
	runner.release("app", nil)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, live := m.jobs[job.ID]
		return !live
	}, waitFor, 5*time.Millisecond, "terminal job stays in memory")

	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, 100, got.Progress.Percentage)

	all, err := m.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = m.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.False(t, m.HasActiveJob("app"))
}

func TestManager_StopInterruptsWork(t *testing.T) {
	runner := newGatedRunner()
	m := NewManager(Options{MaxConcurrent: 1}, runner, newTestWorkspaces(t), nil, logger.NewNop())
	require.NoError(t, m.Start(context.Background()))

	running := submit(t, m, "app-a")
	waitState(t, m, running.ID, StateRunning)
	queued := submit(t, m, "app-b")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	for _, id := range []string{running.ID, queued.ID} {
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, got.State)
		assert.Equal(t, CodeInterrupted, got.Error.Code)
	}

	_, err := m.Submit(ctx, SubmitRequest{ApplicationID: "late"})
	assert.ErrorIs(t, err, ErrManagerStopped)
}

func TestManager_RecoverAndHistory(t *testing.T) {
	pool, err := db.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	defer func() { _ = pool.Close() }()
	store, err := NewSQLStore(pool)
	require.NoError(t, err)

	ctx := context.Background()
	started := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Save(ctx, &Job{
		ID: "stale", ApplicationID: "app", State: StateRunning,
		CreatedAt: started, StartedAt: &started,
	}))

	runner := RunnerFunc(func(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error {
		return nil
	})
	m := NewManager(Options{MaxConcurrent: 1}, runner, newTestWorkspaces(t), store, logger.NewNop())
	n, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Stop(ctx) }()
	fresh := submit(t, m, "app")
	waitState(t, m, fresh.ID, StateSucceeded)

	stale, err := m.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stale.State)
	assert.Equal(t, "interrupted by bridge restart", stale.Error.Message)

	_, err = m.Cancel(ctx, "stale")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	all, err := m.List(ctx, Filter{ApplicationID: "app"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "stale", all[0].ID)
	assert.Equal(t, fresh.ID, all[1].ID)

	failed, err := m.List(ctx, Filter{State: StateFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.Eventually(t, func() bool {
		persisted, err := store.Get(ctx, fresh.ID)
		return err == nil && persisted.State == StateSucceeded
	}, waitFor, 5*time.Millisecond)
}
