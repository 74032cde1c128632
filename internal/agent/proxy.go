package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/common/portutil"
)

// OpenRequest asks for an agent session bound to a job's workspace.
type OpenRequest struct {
	JobID string
	Dir   string
	Port  int
	Env   map[string]string
}

// ExecuteRequest is an ad-hoc command from the API. With a JobID it goes to
// that job's running session, otherwise to the shared session.
type ExecuteRequest struct {
	JobID   string         `json:"job_id,omitempty"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// Proxy owns every agent session the bridge starts.
type Proxy struct {
	cfg       config.AgentConfig
	sharedDir string
	grace     time.Duration
	logger    *logger.Logger

	mu     sync.Mutex
	byJob  map[string]*Session
	shared *Session
	closed bool
}

// NewProxy creates a proxy. sharedDir is the working directory for the
// shared session; grace bounds graceful agent shutdown before force-kill.
func NewProxy(cfg config.AgentConfig, sharedDir string, grace time.Duration, log *logger.Logger) *Proxy {
	return &Proxy{
		cfg:       cfg,
		sharedDir: sharedDir,
		grace:     grace,
		logger:    log.WithFields(zap.String("component", "command-proxy")),
		byJob:     make(map[string]*Session),
	}
}

// Grace returns the configured graceful shutdown period.
func (p *Proxy) Grace() time.Duration { return p.grace }

// Open starts a session for req.JobID. A job holds at most one session.
func (p *Proxy) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProxyClosed
	}
	if _, exists := p.byJob[req.JobID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("job %s already has an agent session", req.JobID)
	}
	p.mu.Unlock()

	session, err := StartSession(p.sessionConfig(req.Dir, req.Port, req.Env), p.logger)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = session.Stop(context.WithoutCancel(ctx), p.grace)
		return nil, ErrProxyClosed
	}
	p.byJob[req.JobID] = session
	p.mu.Unlock()

	p.logger.Info("agent session opened",
		zap.String("job_id", req.JobID),
		zap.String("session_id", session.ID()),
		zap.Int("pid", session.PID()))
	return session, nil
}

// Release stops and forgets the job's session.
func (p *Proxy) Release(ctx context.Context, jobID string) error {
	p.mu.Lock()
	session, ok := p.byJob[jobID]
	delete(p.byJob, jobID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return session.Stop(ctx, p.grace)
}

// Execute runs one command for the API.
func (p *Proxy) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.New("command is required")
	}

	var session *Session
	if req.JobID != "" {
		p.mu.Lock()
		session = p.byJob[req.JobID]
		p.mu.Unlock()
		if session == nil {
			return nil, fmt.Errorf("%w: job %s", ErrSessionNotFound, req.JobID)
		}
	} else {
		var err error
		if session, err = p.sharedSession(); err != nil {
			return nil, err
		}
	}
	return session.Execute(ctx, req.Command, req.Args)
}

// sharedSession returns the shared session, restarting it if the agent exited.
func (p *Proxy) sharedSession() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProxyClosed
	}
	if p.shared != nil {
		select {
		case <-p.shared.Exited():
			p.logger.Info("shared agent session exited, restarting")
			p.shared = nil
		default:
			return p.shared, nil
		}
	}

	port, err := portutil.AllocatePort()
	if err != nil {
		return nil, fmt.Errorf("allocate port for shared agent: %w", err)
	}
	session, err := StartSession(p.sessionConfig(p.sharedDir, port, nil), p.logger)
	if err != nil {
		return nil, err
	}
	p.shared = session
	return session, nil
}

// Sessions returns the number of live job sessions.
func (p *Proxy) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byJob)
}

// Close stops every session concurrently.
func (p *Proxy) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.byJob)+1)
	for _, s := range p.byJob {
		sessions = append(sessions, s)
	}
	if p.shared != nil {
		sessions = append(sessions, p.shared)
	}
	p.byJob = make(map[string]*Session)
	p.shared = nil
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error { return s.Stop(gctx, p.grace) })
	}
	return g.Wait()
}

func (p *Proxy) sessionConfig(dir string, port int, env map[string]string) SessionConfig {
	merged := make(map[string]string, len(p.cfg.Env)+len(env))
	for k, v := range p.cfg.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return SessionConfig{
		Command:        p.cfg.Command,
		Args:           p.cfg.Args,
		Env:            merged,
		Dir:            dir,
		Port:           port,
		CommandTimeout: p.cfg.CommandTimeoutDuration(),
	}
}
