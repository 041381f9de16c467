// Package toolchain runs the external install, bundle and render steps that
// turn a resolved entry point into a single HTML artifact.
package toolchain

import (
	"context"
	"errors"
)

// Stage is a strongly-typed identifier for an external toolchain step.
type Stage string

// Canonical toolchain stages, in execution order.
const (
	StageInstall Stage = "install"
	StageBundle  Stage = "bundle"
	StageRender  Stage = "render"
)

// Input is what a step gets to work with.
type Input struct {
	Workspace string // absolute workspace root; the working directory
	Entry     string // absolute entry point
	Previous  string // absolute output of the previous step, empty for the first
}

// Step is one external toolchain invocation.
type Step interface {
	Name() Stage
	// Run executes the step once and returns the absolute path of its output,
	// or an empty string for steps without one.
	Run(ctx context.Context, in Input) (string, error)
}

var (
	// ErrCommandNotFound indicates the configured executable is not on PATH.
	ErrCommandNotFound = errors.New("toolchain command not found")
	// ErrStepFailed indicates the command exited with a non-zero status.
	ErrStepFailed = errors.New("toolchain step failed")
	// ErrStepTimeout indicates the command ran past its time limit.
	ErrStepTimeout = errors.New("toolchain step timed out")
	// ErrOutputMissing indicates the command succeeded but left no output file.
	ErrOutputMissing = errors.New("toolchain output missing")
	// ErrInvalidArtifact indicates the rendered document is empty or unparseable.
	ErrInvalidArtifact = errors.New("invalid artifact")
)

// StepError tags a failure with the stage that produced it.
type StepError struct {
	Stage Stage
	Err   error
}

func (e *StepError) Error() string { return string(e.Stage) + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }
