package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailed   ResultLabel = "failed"
	ResultCanceled ResultLabel = "canceled"
)

// JobOutcomeLabel is the terminal state of a render job.
type JobOutcomeLabel string

const (
	JobOutcomeDone   JobOutcomeLabel = "done"
	JobOutcomeFailed JobOutcomeLabel = "failed"
)

// Recorder defines observability hooks for render jobs, their stages and the
// external steps they run. All implementations must be safe for concurrent use.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	ObserveJobDuration(d time.Duration)
	IncJobOutcome(outcome JobOutcomeLabel, errorKind string)
	AddActiveJobs(delta int)
	ObserveStepDuration(step string, d time.Duration, success bool)
	IncPublication(sink string, success bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration)      {}
func (NoopRecorder) IncStageResult(string, ResultLabel)              {}
func (NoopRecorder) ObserveJobDuration(time.Duration)                {}
func (NoopRecorder) IncJobOutcome(JobOutcomeLabel, string)           {}
func (NoopRecorder) AddActiveJobs(int)                               {}
func (NoopRecorder) ObserveStepDuration(string, time.Duration, bool) {}
func (NoopRecorder) IncPublication(string, bool)                     {}
