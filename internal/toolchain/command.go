package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	"git.home.luguber.info/inful/sketchrender/internal/logfields"
)

// outputTail bounds how much command output is carried in an error.
const outputTail = 2048

// waitDelay bounds how long output pipes held open by orphaned children can
// delay a finished step.
const waitDelay = 2 * time.Second

// CommandStep runs a configured external command inside the workspace.
type CommandStep struct {
	Stage Stage
	Spec  config.CommandSpec
}

// Name implements Step.
func (s *CommandStep) Name() Stage { return s.Stage }

// Run implements Step.
func (s *CommandStep) Run(ctx context.Context, in Input) (string, error) {
	bin, err := exec.LookPath(s.Spec.Command)
	if err != nil {
		return "", &StepError{Stage: s.Stage, Err: fmt.Errorf("%w: %s: %w", ErrCommandNotFound, s.Spec.Command, err)}
	}

	output := ""
	if s.Spec.Output != "" {
		output = s.expand(s.Spec.Output, in, "")
		if !filepath.IsAbs(output) {
			output = filepath.Join(in.Workspace, output)
		}
		output = filepath.Clean(output)
	}
	args := make([]string, len(s.Spec.Args))
	for i, a := range s.Spec.Args {
		args[i] = s.expand(a, in, output)
	}

	runCtx := ctx
	if s.Spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.Spec.Timeout)
		defer cancel()
	}

	// #nosec G204 - command and arguments come from operator configuration
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = in.Workspace
	cmd.Env = mergeEnv(os.Environ(), s.Spec.Env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	isolate(cmd)

	slog.Debug("Invoking toolchain step",
		logfields.Step(string(s.Stage)),
		logfields.Command(bin+" "+strings.Join(args, " ")),
		logfields.Path(in.Workspace))

	start := time.Now()
	err = cmd.Run()
	// children may outlive the direct process; take the whole group down
	killGroup(cmd)

	if out := stdout.String(); out != "" {
		slog.Debug("toolchain stdout", logfields.Step(string(s.Stage)), slog.String("output", out))
	}
	if errOut := stderr.String(); errOut != "" {
		slog.Debug("toolchain stderr", logfields.Step(string(s.Stage)), slog.String("error_output", errOut))
	}

	if err != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			err = fmt.Errorf("%w after %s", ErrStepTimeout, s.Spec.Timeout)
		case ctx.Err() != nil:
			err = ctx.Err()
		default:
			err = fmt.Errorf("%w: %w%s", ErrStepFailed, err, tail(stdout.String(), stderr.String()))
		}
		return "", &StepError{Stage: s.Stage, Err: err}
	}

	if output != "" {
		info, statErr := os.Stat(output)
		if statErr != nil || !info.Mode().IsRegular() {
			return "", &StepError{Stage: s.Stage, Err: fmt.Errorf("%w: %s", ErrOutputMissing, output)}
		}
	}

	slog.Debug("Toolchain step finished",
		logfields.Step(string(s.Stage)),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return output, nil
}

func (s *CommandStep) expand(v string, in Input, output string) string {
	input := in.Previous
	if input == "" {
		input = in.Entry
	}
	return strings.NewReplacer(
		"{workspace}", in.Workspace,
		"{entry}", in.Entry,
		"{input}", input,
		"{output}", output,
	).Replace(v)
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func tail(stdout, stderr string) string {
	out := strings.TrimSpace(stderr)
	if out == "" {
		out = strings.TrimSpace(stdout)
	}
	if out == "" {
		return ""
	}
	if len(out) > outputTail {
		out = "…" + out[len(out)-outputTail:]
	}
	return ": " + out
}
