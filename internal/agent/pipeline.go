package agent

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/devbridge/internal/common/appctx"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/jobs"
	"github.com/kandev/devbridge/internal/workspace"
	"github.com/kandev/devbridge/pkg/agentproto"
)

// Pipeline is the ordered list of agent commands a job runs when it does not
// bring its own.
type Pipeline struct {
	Name  string      `yaml:"name"`
	Steps []jobs.Step `yaml:"steps"`
}

// DefaultPipeline is init, plan, implement, test, package.
func DefaultPipeline() *Pipeline {
	return &Pipeline{
		Name: "default",
		Steps: []jobs.Step{
			{Name: "init", Command: agentproto.CommandInit, Weight: 1},
			{Name: "plan", Command: agentproto.CommandPlan, Weight: 1},
			{Name: "implement", Command: agentproto.CommandImplement, Weight: 4},
			{Name: "test", Command: agentproto.CommandTest, Weight: 2},
			{Name: "package", Command: agentproto.CommandPackage, Weight: 1},
		},
	}
}

// LoadPipeline reads a YAML pipeline definition:
//
//	name: web-app
//	steps:
//	  - name: scaffold
//	    command: init
//	  - name: build
//	    command: implement
//	    weight: 4
//	    args: {framework: vanilla}
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline %s: %w", path, err)
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("pipeline %s has no steps", path)
	}
	for i := range p.Steps {
		if strings.TrimSpace(p.Steps[i].Command) == "" {
			return nil, fmt.Errorf("pipeline %s: step %d has no command", path, i+1)
		}
		if p.Steps[i].Name == "" {
			p.Steps[i].Name = p.Steps[i].Command
		}
	}
	return &p, nil
}

// SessionRecorder stores the agent session handle on the workspace.
type SessionRecorder interface {
	SetSession(ws *workspace.Workspace, sessionID string) error
}

// PipelineRunner runs a job by opening an agent session in its workspace and
// executing the job's commands in order.
type PipelineRunner struct {
	proxy    *Proxy
	pipeline *Pipeline
	recorder SessionRecorder
	logger   *logger.Logger
}

// NewPipelineRunner creates a runner. A nil pipeline selects DefaultPipeline;
// recorder may be nil.
func NewPipelineRunner(proxy *Proxy, pipeline *Pipeline, recorder SessionRecorder, log *logger.Logger) *PipelineRunner {
	if pipeline == nil {
		pipeline = DefaultPipeline()
	}
	return &PipelineRunner{
		proxy:    proxy,
		pipeline: pipeline,
		recorder: recorder,
		logger:   log.WithFields(zap.String("component", "pipeline-runner")),
	}
}

// Run implements jobs.Runner. On return the agent session has been stopped,
// force-killed if it ignored the graceful terminate.
func (r *PipelineRunner) Run(ctx context.Context, job *jobs.Job, ws *workspace.Workspace, report jobs.Reporter) error {
	steps := job.Steps
	if len(steps) == 0 {
		steps = r.pipeline.Steps
	}
	log := r.logger.WithJobID(job.ID).WithApplicationID(job.ApplicationID)

	report.Phase("starting agent", 0)
	session, err := r.proxy.Open(ctx, OpenRequest{
		JobID: job.ID,
		Dir:   ws.SourcePath(),
		Port:  ws.Port,
		Env: map[string]string{
			"DEVBRIDGE_APPLICATION_ID": job.ApplicationID,
			"DEVBRIDGE_JOB_ID":         job.ID,
			"DEVBRIDGE_DEPS_DIR":       ws.DepsPath(),
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := appctx.Detached(ctx, r.proxy.Grace()+killWait)
		defer cancel()
		if stopErr := r.proxy.Release(stopCtx, job.ID); stopErr != nil {
			log.Warn("failed to stop agent session", zap.Error(stopErr))
		}
	}()

	if r.recorder != nil {
		if err := r.recorder.SetSession(ws, session.ID()); err != nil {
			log.Warn("failed to record agent session", zap.Error(err))
		}
	}

	total := 0
	for _, step := range steps {
		total += stepWeight(step)
	}
	done := 0
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := step.Name
		if name == "" {
			name = step.Command
		}
		report.Phase(name, done*100/total)

		res, err := session.Execute(ctx, step.Command, stepArgs(job, step))
		if err != nil {
			return err
		}
		done += stepWeight(step)
		log.Info("pipeline step completed",
			zap.Int("step", i+1),
			zap.Int("of", len(steps)),
			zap.String("command", step.Command),
			zap.Int("files_changed", len(res.FilesChanged)))
		report.Milestone(name, done*100/total)
	}
	return nil
}

func stepWeight(s jobs.Step) int {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

// stepArgs layers the step's own arguments over the job context.
func stepArgs(job *jobs.Job, step jobs.Step) map[string]any {
	args := map[string]any{
		"application_id": job.ApplicationID,
		"job_id":         job.ID,
	}
	if job.Title != "" {
		args["title"] = job.Title
	}
	if job.Prompt != "" {
		args["prompt"] = job.Prompt
	}
	for k, v := range step.Args {
		args[k] = v
	}
	return args
}
