package toolchain

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	"git.home.luguber.info/inful/sketchrender/internal/logfields"
	"git.home.luguber.info/inful/sketchrender/internal/metrics"
)

// Invoker runs install, bundle and render in sequence, once each, and bounds
// how many external commands run at the same time across jobs.
type Invoker struct {
	steps    []Step
	sem      *semaphore.Weighted
	recorder metrics.Recorder
}

// NewInvoker builds the command steps described by cfg.
func NewInvoker(cfg config.ToolchainConfig) *Invoker {
	render := cfg.Render
	if render.Output == "" {
		render.Output = config.ArtifactName
	}
	return NewInvokerWithSteps(cfg.MaxConcurrent,
		&CommandStep{Stage: StageInstall, Spec: cfg.Install},
		&CommandStep{Stage: StageBundle, Spec: cfg.Bundle},
		&CommandStep{Stage: StageRender, Spec: render},
	)
}

// NewInvokerWithSteps uses custom steps. The last step must produce the artifact.
func NewInvokerWithSteps(maxConcurrent int, steps ...Step) *Invoker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Invoker{
		steps:    steps,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		recorder: metrics.NoopRecorder{},
	}
}

// WithRecorder injects a metrics recorder.
func (i *Invoker) WithRecorder(r metrics.Recorder) *Invoker {
	if r != nil {
		i.recorder = r
	}
	return i
}

// Steps returns the configured steps in execution order.
func (i *Invoker) Steps() []Step { return i.steps }

// RunStep executes one step under the concurrency limit.
func (i *Invoker) RunStep(ctx context.Context, step Step, in Input) (string, error) {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return "", &StepError{Stage: step.Name(), Err: err}
	}
	defer i.sem.Release(1)

	start := time.Now()
	out, err := step.Run(ctx, in)
	i.recorder.ObserveStepDuration(string(step.Name()), time.Since(start), err == nil)
	return out, err
}

// Run executes every step in order and inspects the final output.
func (i *Invoker) Run(ctx context.Context, workspace, entry string) (Artifact, error) {
	in := Input{Workspace: workspace, Entry: entry}
	var out string
	for _, step := range i.steps {
		var err error
		out, err = i.RunStep(ctx, step, in)
		if err != nil {
			return Artifact{}, err
		}
		if out != "" {
			in.Previous = out
		}
	}
	if out == "" {
		return Artifact{}, fmt.Errorf("%w: last step produced no output", ErrOutputMissing)
	}
	return Inspect(out)
}

// Manager holds the current Invoker and swaps it when the toolchain
// configuration changes. Jobs keep the Invoker they started with.
type Manager struct {
	current  atomic.Pointer[Invoker]
	recorder metrics.Recorder
}

// NewManager creates a Manager for cfg.
func NewManager(cfg config.ToolchainConfig, recorder metrics.Recorder) *Manager {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	m := &Manager{recorder: recorder}
	m.current.Store(NewInvoker(cfg).WithRecorder(recorder))
	return m
}

// Current returns the Invoker new jobs should use.
func (m *Manager) Current() *Invoker { return m.current.Load() }

// ReloadToolchain installs a new Invoker built from cfg.
func (m *Manager) ReloadToolchain(cfg config.ToolchainConfig) {
	m.current.Store(NewInvoker(cfg).WithRecorder(m.recorder))
	slog.Info("Toolchain configuration reloaded",
		logfields.Command(cfg.Install.Command+", "+cfg.Bundle.Command+", "+cfg.Render.Command))
}
