// Package agent drives the headless coding agent: one process per workspace,
// commands sent over the JSON-lines protocol, and the pipeline that turns a
// job into a sequence of commands.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/common/portutil"
	"github.com/kandev/devbridge/internal/common/tracing"
	"github.com/kandev/devbridge/pkg/agentproto"
)

const (
	// stderrBufferSize is the number of recent stderr lines kept for error context.
	stderrBufferSize = 50

	// killWait bounds the wait for the process to exit after SIGKILL.
	killWait = 5 * time.Second
)

// SessionConfig describes how to launch one agent process.
type SessionConfig struct {
	Command        string
	Args           []string
	Env            map[string]string
	Dir            string
	Port           int
	CommandTimeout time.Duration
}

// Result is the agent's answer to one command.
type Result struct {
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	FilesChanged []string       `json:"files_changed"`
	ViewsOpened  []string       `json:"views_opened"`
	Data         map[string]any `json:"data,omitempty"`
	Duration     time.Duration  `json:"-"`
}

// Session is a running agent process.
type Session struct {
	id     string
	cfg    SessionConfig
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	client *agentproto.Client

	stderrMu sync.Mutex
	stderr   []string

	exited  chan struct{}
	exitErr error

	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
	stopErr  error
}

// StartSession launches the agent. Port placeholders in the arguments ($PORT,
// ${PORT}) resolve to cfg.Port; other placeholders get fresh ports.
func StartSession(cfg SessionConfig, log *logger.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, &CommandError{Command: "start", Detail: "no agent command configured", Err: ErrSessionClosed}
	}
	args, placeholders, err := portutil.TransformArgs(cfg.Args, map[string]int{"PORT": cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("resolve agent arguments: %w", err)
	}

	id := uuid.New().String()
	s := &Session{
		id:     id,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "agent-session"), zap.String("session_id", id)),
		exited: make(chan struct{}),
	}

	// Not exec.CommandContext: the process outlives the request that started it
	// and is torn down through Stop.
	s.cmd = exec.Command(cfg.Command, args...)
	s.cmd.Dir = cfg.Dir
	s.cmd.Env = buildEnv(cfg.Env, placeholders)
	setProcGroup(s.cmd)

	s.stdin, err = s.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	s.logger.Info("starting agent process",
		zap.String("command", cfg.Command),
		zap.Strings("args", args),
		zap.String("workdir", cfg.Dir))
	if err := s.cmd.Start(); err != nil {
		return nil, &CommandError{Command: "start", Detail: err.Error(), Err: err}
	}

	s.client = agentproto.NewClient(stdout, s.stdin)
	stderrDone := make(chan struct{})
	go s.readStderr(stderr, stderrDone)
	go s.waitForExit(stderrDone)

	s.logger.Info("agent process started", zap.Int("pid", s.cmd.Process.Pid))
	return s, nil
}

// ID returns the session handle recorded on the workspace.
func (s *Session) ID() string { return s.id }

// PID returns the agent's process id.
func (s *Session) PID() int { return s.cmd.Process.Pid }

// Exited is closed once the process has exited.
func (s *Session) Exited() <-chan struct{} { return s.exited }

// Execute sends one command and waits for the answer, bounded by the
// configured command timeout. A failure reported by the agent, a command
// timeout and an exited agent all yield a *CommandError. Cancellation of ctx
// itself is returned unwrapped.
func (s *Session) Execute(ctx context.Context, command string, args map[string]any) (*Result, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, &CommandError{Command: command, Detail: "session is closed", Err: ErrSessionClosed}
	}

	parent := ctx
	if s.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CommandTimeout)
		defer cancel()
	}
	ctx, span := tracing.StartAgentCommandSpan(ctx, s.id, command)

	start := time.Now()
	resp, err := s.client.Call(ctx, command, args)
	elapsed := time.Since(start)

	var outErr error
	var result *Result
	switch {
	case err == nil:
		result = &Result{
			Success:      resp.Success,
			Error:        resp.Error,
			FilesChanged: nonNil(resp.FilesChanged),
			ViewsOpened:  nonNil(resp.ViewsOpened),
			Data:         resp.Data,
			Duration:     elapsed,
		}
		if !resp.Success {
			detail := resp.Error
			if detail == "" {
				detail = "agent reported failure"
			}
			outErr = &CommandError{Command: command, Detail: detail, Stderr: s.RecentStderr(), Result: result}
		}
	case parent.Err() != nil:
		outErr = parent.Err()
	case errors.Is(err, context.DeadlineExceeded):
		outErr = &CommandError{
			Command: command,
			Detail:  fmt.Sprintf("no response within %s", s.cfg.CommandTimeout),
			Stderr:  s.RecentStderr(),
			Err:     err,
		}
	case errors.Is(err, agentproto.ErrClosed):
		outErr = &CommandError{Command: command, Detail: s.exitDetail(), Stderr: s.RecentStderr(), Err: err}
	default:
		outErr = &CommandError{Command: command, Detail: err.Error(), Stderr: s.RecentStderr(), Err: err}
	}

	s.logger.Debug("agent command finished",
		zap.String("command", command),
		zap.Duration("duration", elapsed),
		zap.Bool("success", outErr == nil))
	tracing.EndSpan(span, outErr)
	return result, outErr
}

// Stop shuts the agent down: stdin is closed and the process group is asked
// to terminate, then force-killed once grace elapses or ctx is done. Safe to
// call more than once.
func (s *Session) Stop(ctx context.Context, grace time.Duration) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx, grace)
	})
	return s.stopErr
}

func (s *Session) stop(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case <-s.exited:
		return nil
	default:
	}

	pid := s.cmd.Process.Pid
	s.logger.Info("stopping agent process", zap.Int("pid", pid), zap.Duration("grace", grace))
	_ = s.stdin.Close()
	if err := terminateProcessGroup(pid); err != nil {
		s.logger.Debug("graceful terminate failed", zap.Error(err))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-s.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.logger.Warn("force killing agent process", zap.Int("pid", pid))
	if err := killProcessGroup(pid); err != nil {
		s.logger.Debug("process group kill failed, killing pid", zap.Error(err))
		_ = s.cmd.Process.Kill()
	}

	select {
	case <-s.exited:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("agent process %d did not exit after kill", pid)
	}
}

// RecentStderr returns a copy of the most recent stderr lines.
func (s *Session) RecentStderr() []string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	out := make([]string, len(s.stderr))
	copy(out, s.stderr)
	return out
}

var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func (s *Session) readStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := ansiEscapeRegex.ReplaceAllString(scanner.Text(), "")
		s.logger.Debug("agent stderr", zap.String("line", line))

		s.stderrMu.Lock()
		if len(s.stderr) >= stderrBufferSize {
			s.stderr = s.stderr[1:]
		}
		s.stderr = append(s.stderr, line)
		s.stderrMu.Unlock()
	}
}

// waitForExit reaps the process once both output streams are drained.
func (s *Session) waitForExit(stderrDone <-chan struct{}) {
	<-s.client.Done()
	<-stderrDone
	err := s.cmd.Wait()

	s.mu.Lock()
	s.exitErr = err
	s.closed = true
	s.mu.Unlock()

	if err != nil {
		s.logger.Info("agent process exited", zap.Error(err), zap.Strings("recent_stderr", s.RecentStderr()))
	} else {
		s.logger.Info("agent process exited")
	}
	close(s.exited)
}

func (s *Session) exitDetail() string {
	select {
	case <-s.exited:
	case <-time.After(100 * time.Millisecond):
		return "agent closed its output"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitErr != nil {
		return "agent exited: " + s.exitErr.Error()
	}
	return "agent exited"
}

// buildEnv layers configured variables and resolved port placeholders over
// the bridge's environment.
func buildEnv(extra map[string]string, placeholders map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	for k, v := range placeholders {
		env = append(env, k+"="+v)
	}
	return env
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
