// Package bridge assembles the bridge's components, starts the API server
// with port-conflict handling and tears everything down on deactivation.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/devbridge/internal/agent"
	"github.com/kandev/devbridge/internal/api"
	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/constants"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/common/portutil"
	"github.com/kandev/devbridge/internal/db"
	"github.com/kandev/devbridge/internal/events"
	"github.com/kandev/devbridge/internal/events/bus"
	"github.com/kandev/devbridge/internal/jobs"
	"github.com/kandev/devbridge/internal/metadata"
	"github.com/kandev/devbridge/internal/streaming"
	"github.com/kandev/devbridge/internal/workspace"
)

// State is everything one activation owns. It is built by Activate and
// disposed exactly once by Deactivate.
type State struct {
	Config       *config.Config
	DB           *db.Pool
	JobStore     *jobs.SQLStore
	Applications *metadata.Store
	Bus          *events.ProvidedBus
	Workspaces   *workspace.Manager
	Proxy        *agent.Proxy
	Jobs         *jobs.Manager
	Hub          *streaming.Hub
	Server       *api.Server

	// Allocation is the address the API server bound, recomputed on every start.
	Allocation portutil.Allocation

	busCleanup func() error
	hubSub     bus.Subscription
	hubCancel  context.CancelFunc
	hubDone    chan struct{}
}

// Options customizes port-conflict handling. Zero values select the
// platform defaults and an aborting resolver.
type Options struct {
	Resolver    ConflictResolver
	Finder      portutil.ProcessFinder
	Killer      portutil.ProcessKiller
	ReleaseWait time.Duration
}

// Bridge owns at most one live State.
type Bridge struct {
	cfg    *config.Config
	opts   Options
	logger *logger.Logger

	mu    sync.Mutex
	state *State
}

// New creates an inactive bridge.
func New(cfg *config.Config, opts Options, log *logger.Logger) *Bridge {
	if opts.Resolver == nil {
		opts.Resolver = StaticResolver{Resolution: Abort}
	}
	if opts.Finder == nil {
		opts.Finder = portutil.NewProcessFinder()
	}
	if opts.Killer == nil {
		opts.Killer = portutil.NewProcessKiller()
	}
	if opts.ReleaseWait <= 0 {
		opts.ReleaseWait = constants.PortReleaseWait
	}
	return &Bridge{
		cfg:    cfg,
		opts:   opts,
		logger: log.WithFields(zap.String("component", "bridge")),
	}
}

// State returns the live state, or nil when inactive.
func (b *Bridge) State() *State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Activate builds every component, recovers what a previous process left
// behind, starts the job dispatcher and, with server.autoStart, the API
// server. A failed activation releases everything it created.
func (b *Bridge) Activate(ctx context.Context) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != nil {
		b.logger.Error("activation attempted while already active")
		return ErrAlreadyInitialized
	}

	st := &State{Config: b.cfg}
	defer func() {
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.Server.ShutdownTimeoutDuration())
			defer cancel()
			if tdErr := st.teardown(shutdownCtx, b.logger); tdErr != nil {
				b.logger.Warn("teardown after failed activation", zap.Error(tdErr))
			}
		}
	}()

	if err := b.build(ctx, st); err != nil {
		return err
	}
	if b.cfg.Server.AutoStart {
		if err := b.startServers(ctx, st); err != nil {
			return err
		}
	}

	b.state = st
	b.logger.Info("bridge activated",
		zap.Bool("server_running", st.Server.Running()),
		zap.Int("max_concurrent_jobs", b.cfg.Jobs.MaxConcurrent))
	return nil
}

func (b *Bridge) build(ctx context.Context, st *State) error {
	log := b.logger
	cfg := b.cfg

	pool, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open job database: %w", err)
	}
	st.DB = pool
	if st.JobStore, err = jobs.NewSQLStore(pool); err != nil {
		return fmt.Errorf("init job store: %w", err)
	}
	if st.Applications, err = metadata.NewStore(cfg.Metadata, log); err != nil {
		return fmt.Errorf("init metadata store: %w", err)
	}

	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	st.Bus, st.busCleanup = provided, cleanup

	if st.Workspaces, err = workspace.NewManager(cfg.Workspace, log); err != nil {
		return fmt.Errorf("init workspaces: %w", err)
	}

	var pipeline *agent.Pipeline
	if cfg.Agent.PipelineFile != "" {
		if pipeline, err = agent.LoadPipeline(cfg.Agent.PipelineFile); err != nil {
			return err
		}
	}
	st.Proxy = agent.NewProxy(cfg.Agent, st.Workspaces.Root(), cfg.Jobs.CancelGraceDuration(), log)
	runner := agent.NewPipelineRunner(st.Proxy, pipeline, st.Workspaces, log)

	st.Jobs = jobs.NewManager(jobs.OptionsFromConfig(cfg.Jobs), runner, st.Workspaces, st.JobStore, log)
	st.Jobs.SetProgressSink(events.NewPublisher(provided.Bus, log))
	st.Jobs.SetApplicationStore(st.Applications)

	interrupted, err := st.Jobs.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	orphans, err := st.Workspaces.RecoverOrphans(ctx, st.Jobs.HasActiveJob)
	if err != nil {
		return fmt.Errorf("recover orphaned workspaces: %w", err)
	}
	if interrupted > 0 || orphans > 0 {
		log.Info("recovered state from previous run",
			zap.Int("interrupted_jobs", interrupted),
			zap.Int("orphaned_workspaces", orphans))
	}

	st.Hub = streaming.NewHub(log)
	hubCtx, hubCancel := context.WithCancel(context.WithoutCancel(ctx))
	st.hubCancel, st.hubDone = hubCancel, make(chan struct{})
	go func() {
		defer close(st.hubDone)
		st.Hub.Run(hubCtx)
	}()
	if st.hubSub, err = st.Hub.Attach(provided.Bus); err != nil {
		return fmt.Errorf("attach streaming hub: %w", err)
	}

	if err := st.Jobs.Start(ctx); err != nil {
		return err
	}

	handler := api.NewHandler(api.Dependencies{
		Jobs:         st.Jobs,
		Commands:     st.Proxy,
		Applications: st.Applications,
		Workspaces:   st.Workspaces,
		Bus:          provided.Bus,
	}, log)
	router := api.NewRouter(handler, streaming.NewWSHandler(st.Hub, st.Jobs, log), log)
	st.Server = api.NewServer(cfg.Server, router, log)
	return nil
}

// StartServers binds the configured API port, consulting the resolver on an
// address-in-use failure. A no-op when the server is already running.
func (b *Bridge) StartServers(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == nil {
		return ErrNotActive
	}
	if b.state.Server.Running() {
		return nil
	}
	return b.startServers(ctx, b.state)
}

func (b *Bridge) startServers(ctx context.Context, st *State) error {
	host, port := b.cfg.Server.Host, b.cfg.Server.Port
	st.Allocation = portutil.Allocation{Host: host, Port: port, Status: portutil.StatusRequested}

	err := st.Server.Start(host, port)
	if err == nil {
		st.Allocation.Status = portutil.StatusBound
		return nil
	}
	if !portutil.IsAddrInUse(err) {
		return &BindError{Host: host, Port: port, Cause: err}
	}

	st.Allocation.Status = portutil.StatusConflict
	conflict := b.identify(ctx, host, port, err)
	b.logger.Warn("API port is in use",
		zap.Int("port", port),
		zap.String("held_by", conflict.Process.String()))

	resolution, rerr := b.opts.Resolver.ResolvePortConflict(ctx, conflict)
	if rerr != nil {
		return errors.Join(conflict, rerr)
	}
	b.logger.Info("port conflict resolution", zap.String("resolution", resolution.String()))

	switch resolution {
	case ForceRestart:
		return b.forceRestart(ctx, st, conflict)
	case UseAlternatePort:
		return b.useAlternatePort(ctx, st, conflict)
	default:
		return conflict
	}
}

// ForceRestartServers terminates whatever holds the configured port and
// retries the bind exactly once.
func (b *Bridge) ForceRestartServers(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == nil {
		return ErrNotActive
	}
	st := b.state
	stopCtx, cancel := context.WithTimeout(ctx, b.cfg.Server.ShutdownTimeoutDuration())
	defer cancel()
	if err := st.Server.Shutdown(stopCtx); err != nil {
		b.logger.Warn("stopping running server before restart", zap.Error(err))
	}
	return b.forceRestart(ctx, st, b.identify(ctx, b.cfg.Server.Host, b.cfg.Server.Port, nil))
}

func (b *Bridge) forceRestart(ctx context.Context, st *State, conflict *PortConflictError) error {
	host, port := conflict.Host, conflict.Port
	if p := conflict.Process; p != nil {
		if p.PID == os.Getpid() {
			return &StartupError{Port: port, Process: p, Recovery: ForceRestart, Cause: errors.New("port is held by this process")}
		}
		b.logger.Warn("terminating process holding the API port", zap.Int("pid", p.PID), zap.String("name", p.Name))
		if err := b.opts.Killer.KillProcess(ctx, p.PID); err != nil {
			return &StartupError{Port: port, Process: p, Recovery: ForceRestart, Cause: fmt.Errorf("terminate %s: %w", p, err)}
		}
		if !portutil.WaitForPortRelease(ctx, port, host, b.opts.ReleaseWait) {
			b.logger.Warn("port not released in time, retrying anyway", zap.Duration("waited", b.opts.ReleaseWait))
		}
	}

	if err := st.Server.Start(host, port); err != nil {
		return &StartupError{Port: port, Process: conflict.Process, Recovery: ForceRestart, Cause: err}
	}
	st.Allocation = portutil.Allocation{Host: host, Port: port, Status: portutil.StatusBound}
	b.logger.Info("API server started after force restart", zap.Int("port", port))
	return nil
}

func (b *Bridge) useAlternatePort(ctx context.Context, st *State, conflict *PortConflictError) error {
	host, start := conflict.Host, conflict.Port+1
	end := min(conflict.Port+b.cfg.Server.AlternatePortSpan, 65535)
	alt, ok := portutil.FindAvailablePort(ctx, start, end, host)
	if !ok {
		return &StartupError{Port: conflict.Port, Process: conflict.Process, Recovery: UseAlternatePort,
			Cause: fmt.Errorf("no free port in %d-%d: %w", start, end, conflict)}
	}
	if err := st.Server.Start(host, alt); err != nil {
		return &StartupError{Port: alt, Process: conflict.Process, Recovery: UseAlternatePort, Cause: err}
	}
	st.Allocation = portutil.Allocation{Host: host, Port: alt, Status: portutil.StatusAlternate}
	b.logger.Warn("API server started on alternate port",
		zap.Int("configured_port", conflict.Port),
		zap.Int("port", alt))
	return nil
}

// identify builds the conflict for port, naming its occupant when the
// platform tooling can.
func (b *Bridge) identify(ctx context.Context, host string, port int, bindErr error) *PortConflictError {
	lookupCtx, cancel := context.WithTimeout(ctx, constants.ProcessLookupTimeout)
	defer cancel()
	conflict := &PortConflictError{Host: host, Port: port, Err: bindErr}
	if info, ok := b.opts.Finder.ProcessUsingPort(lookupCtx, port, host); ok {
		conflict.Process = info
	}
	return conflict
}

// Deactivate stops the server, the dispatcher and every agent, then closes
// the stores. It returns once teardown finishes or server.shutdownTimeout
// elapses, whichever comes first. Safe to call repeatedly.
func (b *Bridge) Deactivate(ctx context.Context) error {
	b.mu.Lock()
	st := b.state
	b.state = nil
	b.mu.Unlock()
	if st == nil {
		return nil
	}

	timeout := b.cfg.Server.ShutdownTimeoutDuration()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- st.teardown(ctx, b.logger) }()

	select {
	case err := <-done:
		b.logger.Info("bridge deactivated")
		return err
	case <-ctx.Done():
		b.logger.Error("deactivation timed out", zap.Duration("timeout", timeout))
		return fmt.Errorf("deactivation timed out after %s: %w", timeout, ctx.Err())
	}
}

// teardown releases whatever st holds. Fields may be nil after a partial
// activation.
func (st *State) teardown(ctx context.Context, log *logger.Logger) error {
	var errs []error

	var g errgroup.Group
	if st.Server != nil {
		g.Go(func() error { return st.Server.Shutdown(ctx) })
	}
	if st.Jobs != nil {
		g.Go(func() error { return st.Jobs.Stop(ctx) })
	}
	errs = append(errs, g.Wait())

	if st.Proxy != nil {
		errs = append(errs, st.Proxy.Close(ctx))
	}
	if st.hubSub != nil {
		errs = append(errs, st.hubSub.Unsubscribe())
	}
	if st.hubCancel != nil {
		st.hubCancel()
		select {
		case <-st.hubDone:
		case <-ctx.Done():
		}
	}
	if st.busCleanup != nil {
		errs = append(errs, st.busCleanup())
	}
	if st.DB != nil {
		errs = append(errs, st.DB.Close())
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Warn("teardown finished with errors", zap.Error(err))
	}
	return err
}
