// Package jobs owns the lifecycle of development jobs: FIFO admission under a
// concurrency cap, workspace provisioning, agent execution, ordered progress
// reporting, cancellation and history.
package jobs

import (
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// transitions lists the allowed successor states. Terminal states have none.
var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateFailed, StateCancelled},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled},
}

// IsTerminal reports whether no transition may leave s.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Error codes carried by failed jobs.
const (
	CodeWorkspace   = "WORKSPACE_ERROR"
	CodeAgent       = "AGENT_ERROR"
	CodeTimeout     = "TIMEOUT"
	CodeInterrupted = "INTERRUPTED"
	CodeInternal    = "INTERNAL_ERROR"
)

// JobError is the human-readable cause of a failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Step is one agent command in a job's plan.
type Step struct {
	Name    string         `json:"name" yaml:"name"`
	Command string         `json:"command" yaml:"command"`
	Args    map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	// Weight is this step's share of the progress bar; 0 counts as 1.
	Weight int `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Milestone is a completed unit of work reported while running.
type Milestone struct {
	Name        string    `json:"name"`
	CompletedAt time.Time `json:"completed_at"`
}

// Progress summarizes a running job. Sequence increases by one per push.
type Progress struct {
	Percentage int         `json:"percentage"`
	Phase      string      `json:"phase"`
	Milestones []Milestone `json:"milestones"`
	Sequence   uint64      `json:"sequence"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Job is one end-to-end attempt to build or modify an application.
type Job struct {
	ID            string     `json:"id"`
	ApplicationID string     `json:"application_id"`
	Title         string     `json:"title,omitempty"`
	Prompt        string     `json:"prompt,omitempty"`
	Steps         []Step     `json:"commands,omitempty"`
	State         State      `json:"state"`
	WorkspacePath string     `json:"workspace_path,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at"`
	Progress      Progress   `json:"progress"`
	Error         *JobError  `json:"error"`
}

// Clone returns a deep copy safe to hand out while the original keeps changing.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Steps != nil {
		c.Steps = make([]Step, len(j.Steps))
		for i, s := range j.Steps {
			c.Steps[i] = s
			if s.Args != nil {
				c.Steps[i].Args = make(map[string]any, len(s.Args))
				for k, v := range s.Args {
					c.Steps[i].Args[k] = v
				}
			}
		}
	}
	if j.Progress.Milestones != nil {
		c.Progress.Milestones = append([]Milestone(nil), j.Progress.Milestones...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ApplicationID string
	State         State
	Limit         int
}

func (f Filter) matches(j *Job) bool {
	if f.ApplicationID != "" && j.ApplicationID != f.ApplicationID {
		return false
	}
	if f.State != "" && j.State != f.State {
		return false
	}
	return true
}
