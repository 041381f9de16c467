// Package pipeline drives one render job from an incoming bundle reference to
// a published artifact.
//
// A job moves strictly forward through
//
//	waiting_for_content → materializing → resolving_entry →
//	installing_dependencies → bundling → rendering → publishing →
//	cleanup → done | failed
//
// The first failing stage ends the job: the reply channel is reset, the
// workspace is removed and the job is recorded as failed. Nothing is retried.
package pipeline

import (
	"context"
	"time"

	"git.home.luguber.info/inful/sketchrender/internal/drive"
	"git.home.luguber.info/inful/sketchrender/internal/publisher"
	"git.home.luguber.info/inful/sketchrender/internal/toolchain"
)

// JobState is a strongly-typed job lifecycle state.
type JobState string

// Job states in lifecycle order.
const (
	StateWaitingForContent      JobState = "waiting_for_content"
	StateMaterializing          JobState = "materializing"
	StateResolvingEntry         JobState = "resolving_entry"
	StateInstallingDependencies JobState = "installing_dependencies"
	StateBundling               JobState = "bundling"
	StateRendering              JobState = "rendering"
	StatePublishing             JobState = "publishing"
	StateCleanup                JobState = "cleanup"
	StateDone                   JobState = "done"
	StateFailed                 JobState = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s JobState) Terminal() bool { return s == StateDone || s == StateFailed }

// stateFor maps a toolchain stage onto the job state it runs in.
func stateFor(stage toolchain.Stage) JobState {
	switch stage {
	case toolchain.StageInstall:
		return StateInstallingDependencies
	case toolchain.StageBundle:
		return StateBundling
	case toolchain.StageRender:
		return StateRendering
	default:
		return JobState(stage)
	}
}

// ReplyChannel is the per-request response channel negotiated with the peer.
type ReplyChannel interface {
	publisher.Reply
	// Done is closed once the channel is gone.
	Done() <-chan struct{}
	// Err is non-nil when the peer destroyed the channel.
	Err() error
	// Destroy resets the channel; the peer receives no content.
	Destroy(cause error)
}

// BundleReference is an incoming render request. It is owned by one job.
type BundleReference struct {
	ID         string // job ID; generated when empty
	Identity   drive.Key
	Bundle     drive.Bundle
	Reply      ReplyChannel
	RemoteAddr string
}

// Job is a point-in-time snapshot of a render job.
type Job struct {
	ID          string            `json:"id"`
	Identity    string            `json:"identity"`
	State       JobState          `json:"state"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Error       string            `json:"error,omitempty"`
	Partial     bool              `json:"partial,omitempty"`
	Publication *publisher.Record `json:"publication,omitempty"`
}

// Observer is notified of every state transition with a job snapshot.
type Observer interface {
	OnStateChange(job Job)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Job)

func (f ObserverFunc) OnStateChange(j Job) { f(j) }

// InvokerSource hands out the toolchain invoker a new job should use.
type InvokerSource interface {
	Current() *toolchain.Invoker
}

// Publisher is the artifact publication step.
type Publisher interface {
	Publish(ctx context.Context, art toolchain.Artifact, identity drive.Key, reply publisher.Reply) (publisher.Record, error)
}
