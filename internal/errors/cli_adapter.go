package errors

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Process exit codes by error category. Anything unclassified exits 1.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitUsage    = 2
	ExitNotFound = 4
	ExitConfig   = 7
	ExitExternal = 8
	ExitInternal = 10
	ExitRender   = 11
)

var exitCodes = map[ErrorCategory]int{
	CategoryValidation:      ExitUsage,
	CategoryNotFound:        ExitNotFound,
	CategoryConfig:          ExitConfig,
	CategoryDiscovery:       ExitExternal,
	CategoryTransport:       ExitExternal,
	CategoryContentSync:     ExitRender,
	CategoryEntryResolution: ExitRender,
	CategoryToolchain:       ExitRender,
	CategoryPublication:     ExitRender,
	CategoryFileSystem:      ExitRender,
	CategoryInternal:        ExitInternal,
}

// CLIErrorAdapter turns errors returned by commands into a message on stderr
// and a process exit code.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
}

// NewCLIErrorAdapter creates a new CLI error adapter.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{verbose: verbose, logger: logger}
}

// ExitCodeFor determines the exit code for an error.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	re, ok := As(err)
	if !ok {
		return ExitFailure
	}
	if code, ok := exitCodes[re.Category]; ok {
		return code
	}
	return ExitFailure
}

// FormatError renders err for a terminal. Render failures name the stage or
// sink they happened in; verbose mode prints the whole chain.
func (a *CLIErrorAdapter) FormatError(err error) string {
	if err == nil {
		return ""
	}
	re, ok := As(err)
	if !ok {
		return fmt.Sprintf("Error: %v", err)
	}
	if a.verbose {
		return re.Error()
	}

	switch re.Category {
	case CategoryValidation:
		if reason := ContextValue(re, "reason"); reason != "" {
			return fmt.Sprintf("%s: %s", re.Message, reason)
		}
		return re.Message
	case CategoryConfig, CategoryNotFound:
		return re.Message
	case CategoryToolchain:
		if stage := StageOf(re); stage != "" {
			return fmt.Sprintf("%s (%s): %s", re.Category, stage, re.Message)
		}
	case CategoryPublication:
		if IsPartial(re) {
			return fmt.Sprintf("%s: %s (reply delivered, catalog not updated)", re.Category, re.Message)
		}
	}
	return fmt.Sprintf("%s: %s", re.Category, re.Message)
}

// Report logs err, writes its message to w and returns the exit code.
func (a *CLIErrorAdapter) Report(w io.Writer, err error) int {
	if err == nil {
		return ExitOK
	}
	a.logError(err)
	_, _ = fmt.Fprintln(w, a.FormatError(err))
	return a.ExitCodeFor(err)
}

// HandleError reports err on stderr and exits. It returns only for a nil error.
func (a *CLIErrorAdapter) HandleError(err error) {
	if err == nil {
		return
	}
	os.Exit(a.Report(os.Stderr, err))
}

func (a *CLIErrorAdapter) logError(err error) {
	re, ok := As(err)
	if !ok {
		a.logger.Debug("Command failed", slog.String("error", err.Error()))
		return
	}

	attrs := make([]slog.Attr, 0, len(re.Context)+2)
	attrs = append(attrs, slog.String("category", string(re.Category)))
	for k, v := range re.Context {
		attrs = append(attrs, slog.Any(k, v))
	}
	if re.Cause != nil {
		attrs = append(attrs, slog.String("cause", re.Cause.Error()))
	}
	a.logger.LogAttrs(context.Background(), levelFromSeverity(re.Severity), re.Message, attrs...)
}

func levelFromSeverity(severity ErrorSeverity) slog.Level {
	switch severity {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
