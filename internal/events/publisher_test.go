package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/events/bus"
	"github.com/kandev/devbridge/internal/jobs"
)

func collect(t *testing.T, b bus.EventBus, pattern string) (func() []*bus.Event, func()) {
	t.Helper()
	var mu sync.Mutex
	var got []*bus.Event
	sub, err := b.Subscribe(pattern, func(ctx context.Context, event *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
		return nil
	})
	require.NoError(t, err)
	snapshot := func() []*bus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*bus.Event(nil), got...)
	}
	return snapshot, func() { _ = sub.Unsubscribe() }
}

func TestPublisher_PublishesInOrder(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	defer b.Close()
	events, stop := collect(t, b, AllJobsSubject)
	defer stop()

	p := NewPublisher(b, logger.NewNop())
	job := &jobs.Job{ID: "j1", ApplicationID: "budget", State: jobs.StateRunning}
	p.JobStateChanged(job)
	for i := 1; i <= 3; i++ {
		p.Report("j1", jobs.Progress{Percentage: i * 10, Sequence: uint64(i)})
	}
	done := job.Clone()
	done.State = jobs.StateSucceeded
	p.JobStateChanged(done)

	require.Eventually(t, func() bool { return len(events()) == 5 }, time.Second, 5*time.Millisecond)
	got := events()

	assert.Equal(t, JobStateChanged, got[0].Type)
	assert.Equal(t, jobs.StateRunning, got[0].Data.(StatePayload).Job.State)
	for i := 1; i <= 3; i++ {
		payload := got[i].Data.(ProgressPayload)
		assert.Equal(t, "j1", payload.JobID)
		assert.Equal(t, uint64(i), payload.Progress.Sequence)
	}
	assert.Equal(t, jobs.StateSucceeded, got[4].Data.(StatePayload).Job.State)
}

func TestPublisher_SubjectsAreScopedByJob(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	defer b.Close()
	events, stop := collect(t, b, ProgressSubject("wanted"))
	defer stop()

	p := NewPublisher(b, logger.NewNop())
	p.Report("other", jobs.Progress{Sequence: 1})
	p.Report("wanted", jobs.Progress{Sequence: 1})

	require.Eventually(t, func() bool { return len(events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "wanted", events()[0].Data.(ProgressPayload).JobID)
}

func TestPublisher_ClosedBusDoesNotPanic(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	b.Close()
	p := NewPublisher(b, logger.NewNop())
	assert.NotPanics(t, func() {
		p.Report("j1", jobs.Progress{})
		p.JobStateChanged(&jobs.Job{ID: "j1"})
	})
}

func TestJobIDFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		ok      bool
	}{
		{StateSubject("abc"), "abc", true},
		{ProgressSubject("abc-123"), "abc-123", true},
		{"job.state.", "", false},
		{"task.updated", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got, ok := JobIDFromSubject(tt.subject)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProvide_DefaultsToMemoryBus(t *testing.T) {
	provided, cleanup, err := Provide(&config.Config{}, logger.NewNop())
	require.NoError(t, err)
	require.NotNil(t, provided.Memory)
	assert.Nil(t, provided.NATS)
	assert.True(t, provided.Bus.IsConnected())

	require.NoError(t, cleanup())
	assert.False(t, provided.Bus.IsConnected())
}
