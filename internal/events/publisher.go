package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/events/bus"
	"github.com/kandev/devbridge/internal/jobs"
)

const publisherSource = "job-manager"

// ProgressPayload is the data of a job.progress event.
type ProgressPayload struct {
	JobID    string        `json:"job_id"`
	Progress jobs.Progress `json:"progress"`
}

// StatePayload is the data of a job.state_changed event.
type StatePayload struct {
	JobID string    `json:"job_id"`
	Job   *jobs.Job `json:"job"`
}

// Publisher forwards job progress and state transitions to the event bus.
// It implements jobs.ProgressSink and jobs.StateObserver.
type Publisher struct {
	bus    bus.EventBus
	logger *logger.Logger
}

var (
	_ jobs.ProgressSink  = (*Publisher)(nil)
	_ jobs.StateObserver = (*Publisher)(nil)
)

// NewPublisher creates a publisher on eventBus.
func NewPublisher(eventBus bus.EventBus, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "job-event-publisher")),
	}
}

// Report publishes a progress update on job.progress.<id>.
func (p *Publisher) Report(jobID string, progress jobs.Progress) {
	event := bus.NewEvent(JobProgress, publisherSource, ProgressPayload{JobID: jobID, Progress: progress})
	p.publish(ProgressSubject(jobID), event)
}

// JobStateChanged publishes the job snapshot on job.state.<id>.
func (p *Publisher) JobStateChanged(job *jobs.Job) {
	event := bus.NewEvent(JobStateChanged, publisherSource, StatePayload{JobID: job.ID, Job: job})
	p.publish(StateSubject(job.ID), event)
}

// publish logs and drops events the bus refuses.
func (p *Publisher) publish(subject string, event *bus.Event) {
	if err := p.bus.Publish(context.Background(), subject, event); err != nil {
		p.logger.Warn("failed to publish job event",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}
