package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/devbridge/internal/db"
)

// Store persists job history.
type Store interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter Filter) ([]*Job, error)
	ListNonTerminal(ctx context.Context) ([]*Job, error)
}

// SQLStore implements Store on the shared database pool (sqlite or postgres).
type SQLStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewSQLStore creates the store and ensures the jobs table exists.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{writer: pool.Writer(), reader: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize jobs schema: %w", err)
	}
	return s, nil
}

// initSchema creates the jobs table if it doesn't exist. Statements run one at
// a time because the postgres driver rejects multi-statement prepared execs.
func (s *SQLStore) initSchema() error {
	statements := []string{`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		application_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		steps TEXT NOT NULL DEFAULT '[]',
		state TEXT NOT NULL,
		workspace_path TEXT NOT NULL DEFAULT '',
		progress TEXT NOT NULL DEFAULT '{}',
		error_code TEXT,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		ended_at TIMESTAMP
	)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_application_id ON jobs(application_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.writer.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type jobRow struct {
	ID            string         `db:"id"`
	ApplicationID string         `db:"application_id"`
	Title         string         `db:"title"`
	Prompt        string         `db:"prompt"`
	Steps         string         `db:"steps"`
	State         string         `db:"state"`
	WorkspacePath string         `db:"workspace_path"`
	Progress      string         `db:"progress"`
	ErrorCode     sql.NullString `db:"error_code"`
	ErrorMessage  sql.NullString `db:"error_message"`
	CreatedAt     time.Time      `db:"created_at"`
	StartedAt     sql.NullTime   `db:"started_at"`
	EndedAt       sql.NullTime   `db:"ended_at"`
}

const selectJobs = `
	SELECT id, application_id, title, prompt, steps, state, workspace_path, progress,
		error_code, error_message, created_at, started_at, ended_at
	FROM jobs`

// Save inserts or updates the job.
func (s *SQLStore) Save(ctx context.Context, job *Job) error {
	steps, err := json.Marshal(job.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	var code, message sql.NullString
	if job.Error != nil {
		code = sql.NullString{String: job.Error.Code, Valid: true}
		message = sql.NullString{String: job.Error.Message, Valid: true}
	}

	_, err = s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO jobs (
			id, application_id, title, prompt, steps, state, workspace_path, progress,
			error_code, error_message, created_at, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			workspace_path = excluded.workspace_path,
			progress = excluded.progress,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`), job.ID, job.ApplicationID, job.Title, job.Prompt, string(steps), string(job.State),
		job.WorkspacePath, string(progress), code, message,
		job.CreatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.EndedAt))
	return err
}

// Get returns the job with id or ErrJobNotFound.
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(selectJobs+` WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toJob()
}

// List returns jobs matching filter ordered by creation time.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*Job, error) {
	var where []string
	var args []any
	if filter.ApplicationID != "" {
		where = append(where, "application_id = ?")
		args = append(args, filter.ApplicationID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	query := selectJobs
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	return s.query(ctx, query, args...)
}

// ListNonTerminal returns jobs persisted as queued or running.
func (s *SQLStore) ListNonTerminal(ctx context.Context) ([]*Job, error) {
	return s.query(ctx, selectJobs+` WHERE state IN (?, ?) ORDER BY created_at ASC`,
		string(StateQueued), string(StateRunning))
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*Job, error) {
	var rows []jobRow
	if err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (r *jobRow) toJob() (*Job, error) {
	job := &Job{
		ID:            r.ID,
		ApplicationID: r.ApplicationID,
		Title:         r.Title,
		Prompt:        r.Prompt,
		State:         State(r.State),
		WorkspacePath: r.WorkspacePath,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if r.Steps != "" {
		if err := json.Unmarshal([]byte(r.Steps), &job.Steps); err != nil {
			return nil, fmt.Errorf("decode steps of job %s: %w", r.ID, err)
		}
	}
	if r.Progress != "" {
		if err := json.Unmarshal([]byte(r.Progress), &job.Progress); err != nil {
			return nil, fmt.Errorf("decode progress of job %s: %w", r.ID, err)
		}
	}
	if job.Progress.Milestones == nil {
		job.Progress.Milestones = []Milestone{}
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time.UTC()
		job.StartedAt = &t
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time.UTC()
		job.EndedAt = &t
	}
	if r.ErrorCode.Valid {
		job.Error = &JobError{Code: r.ErrorCode.String, Message: r.ErrorMessage.String}
	}
	return job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
