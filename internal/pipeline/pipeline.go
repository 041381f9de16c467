package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	"git.home.luguber.info/inful/sketchrender/internal/drive"
	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/eventstore"
	"git.home.luguber.info/inful/sketchrender/internal/logfields"
	"git.home.luguber.info/inful/sketchrender/internal/metrics"
	"git.home.luguber.info/inful/sketchrender/internal/publisher"
	"git.home.luguber.info/inful/sketchrender/internal/resolver"
	"git.home.luguber.info/inful/sketchrender/internal/toolchain"
	"git.home.luguber.info/inful/sketchrender/internal/workspace"
)

// errReplyClosed is the cancellation cause when the peer goes away.
var errReplyClosed = errors.New("reply channel closed by peer")

// Deps are the collaborators every job needs.
type Deps struct {
	Workspaces *workspace.Manager
	Toolchain  InvokerSource
	Publisher  Publisher
	Sync       config.SyncConfig
}

// Pipeline runs render jobs. It is safe for concurrent use; every Run owns
// its own workspace and state.
type Pipeline struct {
	deps     Deps
	recorder metrics.Recorder
	emitter  *eventstore.Emitter
	observer Observer
}

// New creates a Pipeline.
func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps, recorder: metrics.NoopRecorder{}}
}

// WithRecorder injects a metrics recorder.
func (p *Pipeline) WithRecorder(r metrics.Recorder) *Pipeline {
	if r != nil {
		p.recorder = r
	}
	return p
}

// WithEmitter persists job events through e.
func (p *Pipeline) WithEmitter(e *eventstore.Emitter) *Pipeline {
	p.emitter = e
	return p
}

// WithObserver registers an observer for state transitions.
func (p *Pipeline) WithObserver(o Observer) *Pipeline {
	p.observer = o
	return p
}

// job is the mutable state of one Run.
type job struct {
	p      *Pipeline
	ref    BundleReference
	log    *slog.Logger
	mu     sync.Mutex
	snap   Job
	ws     *workspace.Workspace
	entry  resolver.EntryPoint
	art    toolchain.Artifact
	record publisher.Record
}

type stageFn func(ctx context.Context, j *job) error

type stage struct {
	state JobState
	run   stageFn
}

// Run executes one job to completion. The returned record is only valid when
// err is nil. Cleanup always runs, whatever happened before.
func (p *Pipeline) Run(ctx context.Context, ref BundleReference) (rec publisher.Record, err error) {
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	j := &job{
		p:   p,
		ref: ref,
		log: slog.With(logfields.JobID(ref.ID), logfields.Identity(ref.Identity.String())),
		snap: Job{
			ID:        ref.ID,
			Identity:  ref.Identity.String(),
			StartedAt: time.Now(),
		},
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if ref.Reply != nil {
		go func() {
			select {
			case <-ref.Reply.Done():
				if ref.Reply.Err() != nil {
					cancel(fmt.Errorf("%w: %w", errReplyClosed, ref.Reply.Err()))
				}
			case <-jobCtx.Done():
			}
		}()
	}

	p.recorder.AddActiveJobs(1)
	defer p.recorder.AddActiveJobs(-1)

	if ev, evErr := eventstore.NewJobAccepted(ref.ID, ref.Identity.String(), ref.RemoteAddr); evErr == nil {
		p.emit(ev)
	}
	j.log.Info("Render job accepted", logfields.RemoteAddr(ref.RemoteAddr))

	defer func() {
		if r := recover(); r != nil {
			j.log.Error("Render job panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = rerrors.InternalError("render job panicked", fmt.Errorf("%v", r))
		}
		j.finish(err)
		if err != nil {
			rec = publisher.Record{}
		}
	}()

	if err := j.runStages(jobCtx, j.stages()); err != nil {
		return publisher.Record{}, err
	}
	return j.record, nil
}

// stages builds the job's stage list. Toolchain steps come from the invoker
// current at job start, so a reload never changes a running job.
func (j *job) stages() []stage {
	inv := j.p.deps.Toolchain.Current()
	defs := []stage{
		{StateWaitingForContent, stageWaitForContent},
		{StateMaterializing, stageMaterialize},
		{StateResolvingEntry, stageResolveEntry},
	}
	var previous string
	for _, step := range inv.Steps() {
		defs = append(defs, stage{stateFor(step.Name()), func(ctx context.Context, j *job) error {
			out, err := inv.RunStep(ctx, step, toolchain.Input{
				Workspace: j.ws.Path(),
				Entry:     j.entry.Path,
				Previous:  previous,
			})
			if err != nil {
				return rerrors.Toolchain(string(step.Name()), err)
			}
			if out != "" {
				previous = out
			}
			return nil
		}})
	}
	defs = append(defs, stage{StatePublishing, func(ctx context.Context, j *job) error {
		if previous == "" {
			return rerrors.Toolchain(string(toolchain.StageRender), toolchain.ErrOutputMissing)
		}
		art, err := toolchain.Inspect(previous)
		if err != nil {
			return rerrors.Toolchain(string(toolchain.StageRender), err)
		}
		j.art = art
		return stagePublish(ctx, j)
	}})
	return defs
}

// runStages executes stages in order; the first error aborts the job.
func (j *job) runStages(ctx context.Context, stages []stage) error {
	for _, st := range stages {
		if ctx.Err() != nil {
			j.p.recorder.IncStageResult(string(st.state), metrics.ResultCanceled)
			return j.classify(ctx, context.Cause(ctx))
		}
		j.transition(st.state)
		t0 := time.Now()
		err := st.run(ctx, j)
		dur := time.Since(t0)
		j.p.recorder.ObserveStageDuration(string(st.state), dur)
		if err != nil {
			result := metrics.ResultFailed
			if ctx.Err() != nil {
				result = metrics.ResultCanceled
			}
			j.p.recorder.IncStageResult(string(st.state), result)
			return j.classify(ctx, err)
		}
		j.p.recorder.IncStageResult(string(st.state), metrics.ResultSuccess)
		j.log.Debug("Stage complete", logfields.State(string(st.state)),
			logfields.DurationMS(float64(dur.Milliseconds())))
	}
	return nil
}

// classify turns a stage error into the job's terminal error. A peer that
// went away wins over whatever the interrupted stage reported, except for a
// publication error, which says what the catalog still holds.
func (j *job) classify(ctx context.Context, err error) error {
	if re, ok := rerrors.As(err); ok && re.Category == rerrors.CategoryPublication {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, errReplyClosed) {
		return rerrors.Transport(cause)
	}
	if _, ok := rerrors.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return rerrors.InternalError("render job canceled", err)
	}
	return rerrors.InternalError("render job failed", err)
}

func stageWaitForContent(ctx context.Context, j *job) error {
	if err := waitForContent(ctx, j.ref.Bundle, j.p.deps.Sync); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return rerrors.ContentSync(err)
	}
	return nil
}

func stageMaterialize(ctx context.Context, j *job) error {
	ws, err := j.p.deps.Workspaces.Create(j.ref.Identity.String())
	if err != nil {
		return rerrors.WorkspaceError("create", err)
	}
	j.ws = ws
	n, err := drive.Mirror(ctx, j.ref.Bundle, ws.Path())
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return rerrors.ContentSync(err)
	}
	j.log.Debug("Bundle materialized", logfields.Path(ws.Path()), slog.Int("files", n))
	return nil
}

func stageResolveEntry(_ context.Context, j *job) error {
	ep, err := resolver.Resolve(j.ws.Path())
	if err != nil {
		return rerrors.EntryResolution(j.ws.Path(), err)
	}
	j.entry = ep
	j.log.Debug("Entry point resolved", logfields.Path(ep.Path), slog.String("rule", ep.Rule))
	return nil
}

func stagePublish(ctx context.Context, j *job) error {
	rec, err := j.p.deps.Publisher.Publish(ctx, j.art, j.ref.Identity, j.ref.Reply)
	if err != nil {
		return err
	}
	j.record = rec
	j.log.Info("Artifact published",
		logfields.Path(rec.ArtifactPath),
		logfields.ReplyKey(rec.ReplyKey),
		logfields.Revision(rec.Revision))
	return nil
}

// finish runs cleanup and records the terminal state.
func (j *job) finish(err error) {
	failedIn := j.state()
	j.transition(StateCleanup)
	if err != nil && j.ref.Reply != nil {
		j.ref.Reply.Destroy(err)
	}
	if j.ws != nil {
		if cerr := j.ws.Cleanup(); cerr != nil {
			j.log.Warn("Workspace cleanup failed", logfields.Path(j.ws.Path()), logfields.Error(cerr))
		}
	}

	now := time.Now()
	duration := now.Sub(j.snap.StartedAt)
	j.p.recorder.ObserveJobDuration(duration)

	if err != nil {
		kind := string(rerrors.GetCategory(err))
		partial := rerrors.IsPartial(err)
		j.mu.Lock()
		j.snap.FinishedAt = &now
		j.snap.ErrorKind = kind
		j.snap.Error = err.Error()
		j.snap.Partial = partial
		j.mu.Unlock()

		attrs := []any{logfields.State(string(failedIn)), slog.String("kind", kind), logfields.Error(err)}
		if stage := rerrors.StageOf(err); stage != "" {
			attrs = append(attrs, logfields.Stage(stage))
		}
		if partial {
			attrs = append(attrs, logfields.Sink(rerrors.ContextValue(err, rerrors.ContextSink)), slog.Bool("partial", true))
		}
		if rerrors.IsCategory(err, rerrors.CategoryTransport) {
			j.log.Warn("Render job aborted", attrs...)
		} else {
			j.log.Error("Render job failed", attrs...)
		}

		j.p.recorder.IncJobOutcome(metrics.JobOutcomeFailed, kind)
		if ev, evErr := eventstore.NewJobFailed(j.ref.ID, string(failedIn), kind, err.Error(), partial); evErr == nil {
			j.p.emit(ev)
		}
		j.transition(StateFailed)
		return
	}

	rec := j.record
	j.mu.Lock()
	j.snap.FinishedAt = &now
	j.snap.Publication = &rec
	j.mu.Unlock()
	j.p.recorder.IncJobOutcome(metrics.JobOutcomeDone, "")
	if ev, evErr := eventstore.NewJobCompleted(j.ref.ID, eventstore.Publication{
		ArtifactPath: rec.ArtifactPath,
		PointerPath:  rec.PointerPath,
		ReplyKey:     rec.ReplyKey,
		Revision:     rec.Revision,
		Title:        rec.Title,
		SHA256:       rec.SHA256,
	}, duration); evErr == nil {
		j.p.emit(ev)
	}
	j.transition(StateDone)
	j.log.Info("Render job done", logfields.DurationMS(float64(duration.Milliseconds())))
}

func (j *job) state() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap.State
}

// transition moves the job to s and reports it to logs, events and observer.
func (j *job) transition(s JobState) {
	j.mu.Lock()
	j.snap.State = s
	snap := j.snap
	j.mu.Unlock()

	j.log.Debug("Job state changed", logfields.State(string(s)))
	if ev, err := eventstore.NewStateEntered(j.ref.ID, string(s)); err == nil {
		j.p.emit(ev)
	}
	if j.p.observer != nil {
		j.p.observer.OnStateChange(snap)
	}
}

// emit persists an event. Event store failures never fail a job.
func (p *Pipeline) emit(ev eventstore.Event) {
	if p.emitter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.emitter.Emit(ctx, ev); err != nil {
		slog.Warn("Failed to record job event",
			logfields.JobID(ev.JobID()),
			slog.String("event", ev.Type()),
			logfields.Error(err))
	}
}
