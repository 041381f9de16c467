package eventstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type names.
const (
	TypeJobAccepted  = "JobAccepted"
	TypeStateEntered = "StateEntered"
	TypeJobFailed    = "JobFailed"
	TypeJobCompleted = "JobCompleted"
)

func newBase(jobID, eventType string, payload any) (BaseEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return BaseEvent{}, fmt.Errorf("%w: %s for job %s: %w", ErrMarshalPayloadFailed, eventType, jobID, err)
	}
	return BaseEvent{
		EventJobID:     jobID,
		EventType:      eventType,
		EventTimestamp: time.Now(),
		EventPayload:   data,
	}, nil
}

// JobAccepted is emitted when a peer connection becomes a render job.
type JobAccepted struct {
	BaseEvent
	Identity   string `json:"identity"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

// NewJobAccepted creates a JobAccepted event.
func NewJobAccepted(jobID, identity, remoteAddr string) (*JobAccepted, error) {
	e := &JobAccepted{Identity: identity, RemoteAddr: remoteAddr}
	base, err := newBase(jobID, TypeJobAccepted, map[string]any{
		"identity":    identity,
		"remote_addr": remoteAddr,
	})
	if err != nil {
		return nil, err
	}
	e.BaseEvent = base
	return e, nil
}

// StateEntered is emitted on every job state transition.
type StateEntered struct {
	BaseEvent
	State string `json:"state"`
}

// NewStateEntered creates a StateEntered event.
func NewStateEntered(jobID, state string) (*StateEntered, error) {
	base, err := newBase(jobID, TypeStateEntered, map[string]any{"state": state})
	if err != nil {
		return nil, err
	}
	return &StateEntered{BaseEvent: base, State: state}, nil
}

// JobFailed is emitted when a job ends in the failed state.
type JobFailed struct {
	BaseEvent
	State   string `json:"state"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
	Partial bool   `json:"partial,omitempty"`
}

// NewJobFailed creates a JobFailed event. state is the stage that failed and
// kind the error category.
func NewJobFailed(jobID, state, kind, errMsg string, partial bool) (*JobFailed, error) {
	base, err := newBase(jobID, TypeJobFailed, map[string]any{
		"state":   state,
		"kind":    kind,
		"error":   errMsg,
		"partial": partial,
	})
	if err != nil {
		return nil, err
	}
	return &JobFailed{BaseEvent: base, State: state, Kind: kind, Error: errMsg, Partial: partial}, nil
}

// Publication describes where a completed job's artifact went.
type Publication struct {
	ArtifactPath string `json:"artifact_path"`
	PointerPath  string `json:"pointer_path"`
	ReplyKey     string `json:"reply_key"`
	Revision     string `json:"revision"`
	Title        string `json:"title,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
}

// JobCompleted is emitted when a job published its artifact.
type JobCompleted struct {
	BaseEvent
	Publication
	Duration time.Duration `json:"duration_ms"`
}

// NewJobCompleted creates a JobCompleted event.
func NewJobCompleted(jobID string, pub Publication, duration time.Duration) (*JobCompleted, error) {
	base, err := newBase(jobID, TypeJobCompleted, map[string]any{
		"publication": pub,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	return &JobCompleted{BaseEvent: base, Publication: pub, Duration: duration}, nil
}
