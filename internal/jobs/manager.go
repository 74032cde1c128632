package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kandev/devbridge/internal/common/appctx"
	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/constants"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/common/tracing"
	"github.com/kandev/devbridge/internal/metadata"
	"github.com/kandev/devbridge/internal/workspace"
)

// defaultForceKillSlack is how long past the cancel grace period the manager
// keeps waiting for a runner before finalizing the job without it.
const defaultForceKillSlack = 5 * time.Second

// Options tune the manager.
type Options struct {
	MaxConcurrent     int
	QueueSize         int // 0 means unbounded
	Timeout           time.Duration
	CancelGracePeriod time.Duration
	ProgressInterval  time.Duration
}

// OptionsFromConfig converts the jobs config section.
func OptionsFromConfig(cfg config.JobsConfig) Options {
	return Options{
		MaxConcurrent:     cfg.MaxConcurrent,
		QueueSize:         cfg.QueueSize,
		Timeout:           cfg.TimeoutDuration(),
		CancelGracePeriod: cfg.CancelGraceDuration(),
		ProgressInterval:  cfg.ProgressIntervalDuration(),
	}
}

// SubmitRequest describes a job to enqueue.
type SubmitRequest struct {
	ApplicationID string `json:"application_id"`
	Title         string `json:"title,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	Steps         []Step `json:"commands,omitempty"`
}

// QueueStatus contains queue statistics.
type QueueStatus struct {
	Queued         int      `json:"queued"`
	Running        int      `json:"running"`
	Abandoned      int      `json:"abandoned"`
	MaxConcurrent  int      `json:"max_concurrent"`
	QueuedJobIDs   []string `json:"queued_job_ids"`
	TotalSubmitted int64    `json:"total_submitted"`
	TotalSucceeded int64    `json:"total_succeeded"`
	TotalFailed    int64    `json:"total_failed"`
	TotalCancelled int64    `json:"total_cancelled"`
}

type tracked struct {
	job *Job

	// set once the workspace is released; releasedPath is the archive
	// location, or "" when the tree was destroyed
	released     bool
	releasedPath string

	admitted        bool // popped from the queue and holding a slot
	cancelRequested bool
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}

	pushMu sync.Mutex
}

// Manager admits jobs in FIFO order under a concurrency cap and drives each
// one through provisioning, execution and release.
type Manager struct {
	opts       Options
	runner     Runner
	workspaces Workspaces
	store      Store
	logger     *logger.Logger
	now        func() time.Time
	slack      time.Duration

	sem  *semaphore.Weighted
	wake chan struct{}

	mu       sync.Mutex
	jobs     map[string]*tracked
	queue    *fifoQueue
	sink     ProgressSink
	apps     ApplicationStore
	running  bool
	stopping bool
	cancel   context.CancelFunc
	stats    QueueStatus

	// finalized jobs whose runner has not returned yet; each still holds a slot
	abandoned int

	wg sync.WaitGroup
}

// NewManager creates a job manager. store may be nil, in which case history
// lives only in memory.
func NewManager(opts Options, runner Runner, workspaces Workspaces, store Store, log *logger.Logger) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Manager{
		opts:       opts,
		runner:     runner,
		workspaces: workspaces,
		store:      store,
		logger:     log.WithFields(zap.String("component", "job-manager")),
		now:        func() time.Time { return time.Now().UTC() },
		slack:      defaultForceKillSlack,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		wake:       make(chan struct{}, 1),
		jobs:       make(map[string]*tracked),
		queue:      newFIFOQueue(opts.QueueSize),
	}
}

// SetProgressSink installs the progress consumer. nil drops updates.
func (m *Manager) SetProgressSink(sink ProgressSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// SetApplicationStore installs the metadata collaborator. nil disables updates.
func (m *Manager) SetApplicationStore(apps ApplicationStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps = apps
}

// Start launches the dispatcher. It keeps running until Stop, independent of
// ctx cancellation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrManagerAlreadyRunning
	}
	if m.stopping {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("job manager started",
		zap.Int("max_concurrent", m.opts.MaxConcurrent),
		zap.Duration("timeout", m.opts.Timeout))

	m.wg.Add(1)
	go m.dispatchLoop(runCtx)
	m.signal()
	return nil
}

// Stop halts admission, fails queued jobs, cancels running ones and waits for
// them until ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.stopping = true
	var queued []*tracked
	for job := m.queue.pop(); job != nil; job = m.queue.pop() {
		queued = append(queued, m.jobs[job.ID])
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	for _, t := range queued {
		m.finish(t, StateFailed, &JobError{Code: CodeInterrupted, Message: "bridge stopped before the job started"})
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("job manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("job manager stop timed out; jobs still winding down")
		return ctx.Err()
	}
}

// Submit validates and enqueues a job.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	req.ApplicationID = strings.TrimSpace(req.ApplicationID)
	if req.ApplicationID == "" {
		return nil, fmt.Errorf("%w: application_id is required", ErrInvalidRequest)
	}
	for i, step := range req.Steps {
		if strings.TrimSpace(step.Command) == "" {
			return nil, fmt.Errorf("%w: commands[%d] has no command", ErrInvalidRequest, i)
		}
	}

	job := &Job{
		ID:            uuid.New().String(),
		ApplicationID: req.ApplicationID,
		Title:         req.Title,
		Prompt:        req.Prompt,
		Steps:         req.Steps,
		State:         StateQueued,
		CreatedAt:     m.now(),
		Progress:      Progress{Phase: string(StateQueued), Milestones: []Milestone{}},
	}
	t := &tracked{job: job, done: make(chan struct{})}

	// The push lock is held until the queued event is out, so the dispatcher
	// cannot announce the running transition first.
	t.pushMu.Lock()
	defer t.pushMu.Unlock()

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil, ErrManagerStopped
	}
	if err := m.queue.push(job); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.jobs[job.ID] = t
	m.stats.TotalSubmitted++
	snapshot := job.Clone()
	m.mu.Unlock()
	defer m.signal()

	m.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("application_id", job.ApplicationID))

	m.persist(ctx, snapshot)
	m.updateApplication(ctx, snapshot.ApplicationID, func(app *metadata.Application) {
		if snapshot.Title != "" {
			app.Title = snapshot.Title
		}
		app.Status = metadata.StatusRequested
		app.LastJobID = snapshot.ID
		app.LastError = ""
	})
	m.deliverState(snapshot)
	return snapshot, nil
}

// Get returns a snapshot of the job.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	t, ok := m.jobs[id]
	if ok {
		snapshot := t.job.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}
	m.mu.Unlock()

	if m.store != nil {
		return m.store.Get(ctx, id)
	}
	return nil, ErrJobNotFound
}

// List returns live and historical jobs matching filter, oldest first.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Job, error) {
	byID := make(map[string]*Job)
	if m.store != nil {
		stored, err := m.store.List(ctx, Filter{ApplicationID: filter.ApplicationID, State: filter.State})
		if err != nil {
			return nil, err
		}
		for _, job := range stored {
			byID[job.ID] = job
		}
	}

	m.mu.Lock()
	for id, t := range m.jobs {
		if filter.matches(t.job) {
			byID[id] = t.job.Clone()
		} else {
			delete(byID, id)
		}
	}
	m.mu.Unlock()

	out := make([]*Job, 0, len(byID))
	for _, job := range byID {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Cancel stops a job. A queued job is cancelled at once; a running job has its
// agent terminated and Cancel waits for the cancelled transition or ctx.
func (m *Manager) Cancel(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	t, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		if m.store != nil {
			if job, err := m.store.Get(ctx, id); err == nil {
				return nil, &TransitionError{JobID: id, From: job.State, To: StateCancelled}
			}
		}
		return nil, ErrJobNotFound
	}
	if t.job.State.IsTerminal() {
		from := t.job.State
		m.mu.Unlock()
		return nil, &TransitionError{JobID: id, From: from, To: StateCancelled}
	}

	if m.queue.remove(id) {
		m.mu.Unlock()
		m.logger.Info("queued job cancelled", zap.String("job_id", id))
		m.finish(t, StateCancelled, nil)
		return m.Get(ctx, id)
	}

	t.cancelRequested = true
	cancel := t.cancel
	m.mu.Unlock()

	m.logger.Info("cancelling running job", zap.String("job_id", id))
	if cancel != nil {
		cancel()
	}

	select {
	case <-t.done:
		return m.Get(ctx, id)
	case <-ctx.Done():
		snapshot, _ := m.Get(context.WithoutCancel(ctx), id)
		return snapshot, ctx.Err()
	}
}

// Status returns queue statistics.
func (m *Manager) Status() QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.stats
	status.MaxConcurrent = m.opts.MaxConcurrent
	status.Queued = m.queue.len()
	status.QueuedJobIDs = m.queue.ids()
	status.Abandoned = m.abandoned
	for _, t := range m.jobs {
		if t.admitted && !t.job.State.IsTerminal() {
			status.Running++
		}
	}
	return status
}

// HasActiveJob reports whether applicationID has a non-terminal job.
func (m *Manager) HasActiveJob(applicationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.jobs {
		if t.job.ApplicationID == applicationID && !t.job.State.IsTerminal() {
			return true
		}
	}
	return false
}

// Recover marks jobs left non-terminal by a previous process as failed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	stale, err := m.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("list interrupted jobs: %w", err)
	}

	recovered := 0
	for _, job := range stale {
		now := m.now()
		job.State = StateFailed
		job.EndedAt = &now
		job.Error = &JobError{Code: CodeInterrupted, Message: "interrupted by bridge restart"}
		if err := m.store.Save(ctx, job); err != nil {
			m.logger.Warn("failed to mark interrupted job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		m.updateApplication(ctx, job.ApplicationID, func(app *metadata.Application) {
			if app.LastJobID == job.ID {
				app.Status = metadata.StatusFailed
				app.LastError = job.Error.Message
			}
		})
		recovered++
	}
	if recovered > 0 {
		m.logger.Info("recovered interrupted jobs", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop admits the FIFO head whenever a slot is free. It blocks on the
// semaphore rather than polling.
func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		if !m.waitForWork(ctx) {
			return
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		t := m.admitNext(ctx)
		if t == nil {
			m.sem.Release(1)
			continue
		}
		m.wg.Add(1)
		go m.execute(t)
	}
}

func (m *Manager) waitForWork(ctx context.Context) bool {
	for {
		m.mu.Lock()
		n := m.queue.len()
		m.mu.Unlock()
		if n > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-m.wake:
		}
	}
}

func (m *Manager) admitNext(ctx context.Context) *tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return nil
	}
	job := m.queue.pop()
	if job == nil {
		return nil
	}
	t := m.jobs[job.ID]
	t.admitted = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	return t
}

// execute provisions, runs and finalizes one admitted job. It owns one
// semaphore slot and releases it after the job is terminal.
func (m *Manager) execute(t *tracked) {
	defer m.wg.Done()

	jobID, appID := t.job.ID, t.job.ApplicationID
	log := m.logger.WithJobID(jobID).WithApplicationID(appID)

	ctx := t.ctx
	var cancelTimeout context.CancelFunc = func() {}
	if m.opts.Timeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, m.opts.Timeout)
	}
	defer cancelTimeout()
	ctx, span := tracing.StartJobSpan(ctx, jobID, appID)

	ws, err := m.workspaces.Create(ctx, appID, jobID)
	if err != nil {
		log.Warn("workspace provisioning failed", zap.Error(err))
		state, jobErr := m.classify(ctx, t, err)
		if jobErr != nil && jobErr.Code == CodeInternal {
			jobErr.Code = CodeWorkspace
		}
		m.finish(t, state, jobErr)
		m.sem.Release(1)
		tracing.EndSpan(span, err)
		return
	}

	snapshot, ok := m.markRunning(ctx, t, ws)
	if !ok {
		state, jobErr := m.classify(ctx, t, context.Canceled)
		m.releaseWorkspace(ctx, log, t, ws)
		m.finish(t, state, jobErr)
		m.sem.Release(1)
		tracing.EndSpan(span, nil)
		return
	}
	log.Info("job running", zap.String("workspace", ws.Path), zap.Int("port", ws.Port))
	m.pushProgress(t)

	stopTicker := make(chan struct{})
	go m.progressTicker(t, stopTicker)

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("runner panic: %v", r)
			}
		}()
		result <- m.runner.Run(ctx, snapshot, ws, &jobReporter{m: m, t: t})
	}()

	var runErr error
	abandoned := false
	select {
	case runErr = <-result:
	case <-ctx.Done():
		timer := time.NewTimer(m.opts.CancelGracePeriod + m.slack)
		select {
		case runErr = <-result:
		case <-timer.C:
			abandoned = true
			runErr = ctx.Err()
		}
		timer.Stop()
	}
	close(stopTicker)

	state, jobErr := m.classify(ctx, t, runErr)
	if abandoned {
		log.Warn("runner did not exit after cancellation; finalizing without it")
		m.mu.Lock()
		m.abandoned++
		m.mu.Unlock()
		m.finish(t, state, jobErr)
		go func() {
			<-result
			m.releaseWorkspace(ctx, log, t, ws)
			m.recordRelease(t)
			m.mu.Lock()
			m.abandoned--
			m.mu.Unlock()
			m.sem.Release(1)
			log.Info("abandoned runner exited; slot released")
		}()
	} else {
		m.releaseWorkspace(ctx, log, t, ws)
		m.finish(t, state, jobErr)
		m.sem.Release(1)
	}
	tracing.EndSpan(span, runErr)
}

// classify maps a runner outcome onto the terminal state.
func (m *Manager) classify(ctx context.Context, t *tracked, runErr error) (State, *JobError) {
	m.mu.Lock()
	cancelRequested, stopping := t.cancelRequested, m.stopping
	m.mu.Unlock()

	switch {
	case cancelRequested:
		return StateCancelled, nil
	case runErr == nil:
		return StateSucceeded, nil
	case stopping:
		return StateFailed, &JobError{Code: CodeInterrupted, Message: "interrupted by bridge shutdown"}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StateFailed, &JobError{Code: CodeTimeout, Message: fmt.Sprintf("job timed out after %s", m.opts.Timeout)}
	}

	var c coder
	if errors.As(runErr, &c) {
		return StateFailed, &JobError{Code: c.Code(), Message: runErr.Error()}
	}
	return StateFailed, &JobError{Code: CodeInternal, Message: runErr.Error()}
}

// finish applies the terminal transition exactly once.
func (m *Manager) finish(t *tracked, state State, jobErr *JobError) {
	t.pushMu.Lock()
	defer t.pushMu.Unlock()

	m.mu.Lock()
	if t.job.State.IsTerminal() {
		m.mu.Unlock()
		return
	}
	if !CanTransition(t.job.State, state) {
		m.mu.Unlock()
		m.logger.Error("refusing invalid transition",
			zap.String("job_id", t.job.ID),
			zap.String("from", string(t.job.State)),
			zap.String("to", string(state)))
		return
	}
	ended := m.now()
	t.job.State = state
	t.job.EndedAt = &ended
	t.job.Error = nil
	if state == StateFailed {
		t.job.Error = jobErr
	}
	t.job.Progress.Phase = string(state)
	if state == StateSucceeded {
		t.job.Progress.Percentage = 100
	}
	switch state {
	case StateSucceeded:
		m.stats.TotalSucceeded++
	case StateFailed:
		m.stats.TotalFailed++
	case StateCancelled:
		m.stats.TotalCancelled++
	}
	if t.cancel != nil {
		t.cancel()
	}
	released, releasedPath := t.released, t.releasedPath
	snapshot := t.job.Clone()
	m.mu.Unlock()

	fields := []zap.Field{zap.String("job_id", snapshot.ID), zap.String("state", string(state))}
	if jobErr != nil {
		fields = append(fields, zap.String("error_code", jobErr.Code), zap.String("error", jobErr.Message))
	}
	m.logger.Info("job finished", fields...)

	ctx, cancel := appctx.Detached(context.Background(), constants.JobPersistTimeout)
	defer cancel()
	if m.persist(ctx, snapshot) {
		// the store now answers Get, List and Cancel for this job
		m.mu.Lock()
		delete(m.jobs, snapshot.ID)
		m.mu.Unlock()
	}
	m.updateApplication(ctx, snapshot.ApplicationID, func(app *metadata.Application) {
		if app.LastJobID != "" && app.LastJobID != snapshot.ID {
			return
		}
		if released {
			app.WorkspacePath = releasedPath
		}
		// the dev server stops with the agent
		app.Launch.Port = 0
		app.Launch.URL = ""
		switch state {
		case StateSucceeded:
			app.Status = metadata.StatusReady
			app.LastError = ""
		case StateFailed:
			app.Status = metadata.StatusFailed
			if snapshot.Error != nil {
				app.LastError = snapshot.Error.Message
			}
		case StateCancelled:
			app.Status = metadata.StatusCancelled
		}
	})
	m.deliverState(snapshot)
	close(t.done)
}

// markRunning applies queued -> running unless cancellation or shutdown won
// the race while the workspace was being provisioned.
func (m *Manager) markRunning(ctx context.Context, t *tracked, ws *workspace.Workspace) (*Job, bool) {
	t.pushMu.Lock()
	defer t.pushMu.Unlock()

	m.mu.Lock()
	if t.cancelRequested || m.stopping {
		m.mu.Unlock()
		return nil, false
	}
	started := m.now()
	t.job.State = StateRunning
	t.job.StartedAt = &started
	t.job.WorkspacePath = ws.Path
	t.job.Progress.Phase = "starting"
	snapshot := t.job.Clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.updateApplication(ctx, snapshot.ApplicationID, func(app *metadata.Application) {
		app.Status = metadata.StatusDeveloping
		app.LastJobID = snapshot.ID
		app.WorkspacePath = ws.Path
		app.Launch.Port = ws.Port
		app.Launch.URL = fmt.Sprintf("http://127.0.0.1:%d", ws.Port)
	})
	m.deliverState(snapshot)
	return snapshot, true
}

// releaseWorkspace applies the cleanup policy and remembers where the tree
// went. A failed release leaves the tree in place.
func (m *Manager) releaseWorkspace(ctx context.Context, log *logger.Logger, t *tracked, ws *workspace.Workspace) {
	releaseCtx, cancel := appctx.Detached(ctx, constants.WorkspaceReleaseTimeout)
	defer cancel()
	dest, err := m.workspaces.Release(releaseCtx, ws)
	if err != nil {
		log.Warn("failed to release workspace", zap.String("path", ws.Path), zap.Error(err))
		dest = ws.Path
	}
	m.mu.Lock()
	t.released, t.releasedPath = true, dest
	m.mu.Unlock()
}

// recordRelease points the application at the released tree when the job
// was finalized before its workspace could be released.
func (m *Manager) recordRelease(t *tracked) {
	m.mu.Lock()
	jobID, appID, dest := t.job.ID, t.job.ApplicationID, t.releasedPath
	m.mu.Unlock()

	ctx, cancel := appctx.Detached(context.Background(), constants.JobPersistTimeout)
	defer cancel()
	m.updateApplication(ctx, appID, func(app *metadata.Application) {
		if app.LastJobID == jobID {
			app.WorkspacePath = dest
		}
	})
}

// persist saves job and reports whether the store now holds it.
func (m *Manager) persist(ctx context.Context, job *Job) bool {
	if m.store == nil {
		return false
	}
	persistCtx, cancel := appctx.Detached(ctx, constants.JobPersistTimeout)
	defer cancel()
	if err := m.store.Save(persistCtx, job); err != nil {
		m.logger.Warn("failed to persist job", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) updateApplication(ctx context.Context, appID string, fn func(app *metadata.Application)) {
	m.mu.Lock()
	apps := m.apps
	m.mu.Unlock()
	if apps == nil {
		return
	}
	updateCtx, cancel := appctx.Detached(ctx, constants.JobPersistTimeout)
	defer cancel()
	if _, err := apps.Update(updateCtx, appID, fn); err != nil {
		m.logger.Warn("failed to update application metadata",
			zap.String("application_id", appID), zap.Error(err))
	}
}
