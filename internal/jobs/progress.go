package jobs

import (
	"context"
	"time"

	"github.com/kandev/devbridge/internal/metadata"
	"github.com/kandev/devbridge/internal/workspace"
)

// ProgressSink receives progress updates for running jobs. Updates for one
// job arrive in generation order with increasing Sequence.
type ProgressSink interface {
	Report(jobID string, p Progress)
}

// StateObserver is optionally implemented by a ProgressSink that also wants
// every state transition.
type StateObserver interface {
	JobStateChanged(job *Job)
}

// Reporter is handed to a Runner to record progress of one job.
type Reporter interface {
	// Phase moves the job into a new phase. Percentage never decreases.
	Phase(phase string, percentage int)
	// Milestone records a completed unit of work.
	Milestone(name string, percentage int)
}

// Runner executes a provisioned job. It must return promptly once ctx is done.
type Runner interface {
	Run(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error

func (f RunnerFunc) Run(ctx context.Context, job *Job, ws *workspace.Workspace, report Reporter) error {
	return f(ctx, job, ws, report)
}

// Workspaces provisions and releases job workspaces.
type Workspaces interface {
	Create(ctx context.Context, applicationID, jobID string) (*workspace.Workspace, error)
	// Release returns where the tree ended up, or "" when it was destroyed.
	Release(ctx context.Context, ws *workspace.Workspace) (string, error)
}

// ApplicationStore is the metadata collaborator updated on job transitions.
type ApplicationStore interface {
	Update(ctx context.Context, id string, fn func(app *metadata.Application)) (*metadata.Application, error)
}

// jobReporter routes a runner's updates through the manager so every push is
// sequenced under the job's push lock.
type jobReporter struct {
	m *Manager
	t *tracked
}

func (r *jobReporter) Phase(phase string, percentage int) {
	r.m.mu.Lock()
	if r.t.job.State != StateRunning {
		r.m.mu.Unlock()
		return
	}
	r.t.job.Progress.Phase = phase
	r.t.job.Progress.Percentage = raise(r.t.job.Progress.Percentage, percentage)
	r.m.mu.Unlock()
	r.m.pushProgress(r.t)
}

func (r *jobReporter) Milestone(name string, percentage int) {
	r.m.mu.Lock()
	if r.t.job.State != StateRunning {
		r.m.mu.Unlock()
		return
	}
	r.t.job.Progress.Milestones = append(r.t.job.Progress.Milestones, Milestone{
		Name:        name,
		CompletedAt: r.m.now(),
	})
	r.t.job.Progress.Percentage = raise(r.t.job.Progress.Percentage, percentage)
	r.m.mu.Unlock()
	r.m.pushProgress(r.t)
}

func raise(current, next int) int {
	if next > 100 {
		next = 100
	}
	if next > current {
		return next
	}
	return current
}

// pushProgress stamps the next sequence number and delivers the summary.
// The push lock is held across delivery so a slow sink cannot reorder updates.
func (m *Manager) pushProgress(t *tracked) {
	t.pushMu.Lock()
	defer t.pushMu.Unlock()

	m.mu.Lock()
	if t.job.State != StateRunning {
		m.mu.Unlock()
		return
	}
	t.job.Progress.Sequence++
	t.job.Progress.UpdatedAt = m.now()
	p := t.job.Progress
	p.Milestones = append([]Milestone(nil), t.job.Progress.Milestones...)
	sink := m.sink
	id := t.job.ID
	m.mu.Unlock()

	if sink != nil {
		sink.Report(id, p)
	}
}

// deliverState hands a transition to the observer. Callers hold the job's push
// lock, which orders it with progress pushes.
func (m *Manager) deliverState(snapshot *Job) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()

	if obs, ok := sink.(StateObserver); ok {
		obs.JobStateChanged(snapshot)
	}
}

// progressTicker re-pushes the current summary until stop closes.
func (m *Manager) progressTicker(t *tracked, stop <-chan struct{}) {
	if m.opts.ProgressInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.opts.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.pushProgress(t)
		}
	}
}
