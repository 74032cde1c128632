package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/db"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := db.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	store, err := NewSQLStore(pool)
	require.NoError(t, err)
	return store
}

func TestSQLStore_SaveUpdatesInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	job := &Job{
		ID:            "job-1",
		ApplicationID: "budget",
		Title:         "Budget tracker",
		Steps:         []Step{{Name: "plan", Command: "plan", Args: map[string]any{"depth": "shallow"}}},
		State:         StateQueued,
		CreatedAt:     created,
		Progress:      Progress{Milestones: []Milestone{}},
	}
	require.NoError(t, store.Save(ctx, job))

	started := created.Add(time.Second)
	ended := created.Add(time.Minute)
	job.State = StateFailed
	job.StartedAt = &started
	job.EndedAt = &ended
	job.WorkspacePath = "/tmp/ws/budget"
	job.Progress = Progress{Percentage: 40, Phase: "implement", Sequence: 7,
		Milestones: []Milestone{{Name: "plan", CompletedAt: started}}}
	job.Error = &JobError{Code: CodeAgent, Message: "agent crashed"}
	require.NoError(t, store.Save(ctx, job))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "Budget tracker", got.Title)
	assert.Equal(t, "/tmp/ws/budget", got.WorkspacePath)
	assert.True(t, created.Equal(got.CreatedAt))
	require.NotNil(t, got.EndedAt)
	assert.True(t, ended.Equal(*got.EndedAt))
	assert.Equal(t, uint64(7), got.Progress.Sequence)
	assert.Len(t, got.Progress.Milestones, 1)
	assert.Equal(t, "shallow", got.Steps[0].Args["depth"])
	assert.Equal(t, &JobError{Code: CodeAgent, Message: "agent crashed"}, got.Error)

	nonTerminal, err := store.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, nonTerminal)
}

func TestSQLStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
