package errors

// Context keys shared by constructors and callers.
const (
	ContextStage   = "stage"
	ContextSink    = "sink"
	ContextPartial = "partial"
)

// Job pipeline taxonomy

// ContentSync reports that the bundle never became visible or could not be mirrored.
func ContentSync(cause error) *RenderError {
	return Wrap(cause, CategoryContentSync, SeverityError, "bundle content not available")
}

// EntryResolution reports that no entry point could be found in the workspace.
func EntryResolution(root string, cause error) *RenderError {
	return Wrap(cause, CategoryEntryResolution, SeverityError, "entry point not found").
		WithContext("root", root)
}

// Toolchain reports a failing external step, tagged with the step's stage.
func Toolchain(stage string, cause error) *RenderError {
	return Wrap(cause, CategoryToolchain, SeverityError, "toolchain step failed").
		WithContext(ContextStage, stage)
}

// Publication reports a failed sink write. Partial marks that another sink was already written.
func Publication(sink string, partial bool, cause error) *RenderError {
	return Wrap(cause, CategoryPublication, SeverityError, "artifact publication failed").
		WithContext(ContextSink, sink).
		WithContext(ContextPartial, partial)
}

// Transport reports that the reply channel was destroyed or reset.
func Transport(cause error) *RenderError {
	return Wrap(cause, CategoryTransport, SeverityWarning, "reply channel closed")
}

// Service errors

func ConfigNotFound(path string) *RenderError {
	return New(CategoryConfig, SeverityFatal, "configuration file not found").
		WithContext("path", path)
}

func ValidationFailed(field, reason string) *RenderError {
	return New(CategoryValidation, SeverityFatal, "validation failed").
		WithContext("field", field).
		WithContext("reason", reason)
}

// NotFound reports a missing resource, such as an unknown job ID.
func NotFound(kind, id string) *RenderError {
	return New(CategoryNotFound, SeverityInfo, kind+" not found").WithContext("id", id)
}

func WorkspaceError(operation string, cause error) *RenderError {
	return Wrap(cause, CategoryFileSystem, SeverityError, "workspace operation failed").
		WithContext("operation", operation)
}

func DiscoveryError(cause error) *RenderError {
	return WrapRetryable(cause, CategoryDiscovery, SeverityWarning, "discovery announcement failed")
}

func InternalError(message string, cause error) *RenderError {
	return Wrap(cause, CategoryInternal, SeverityFatal, message)
}

// StageOf returns the toolchain stage recorded on an error, if any.
func StageOf(err error) string {
	return ContextValue(err, ContextStage)
}

// IsPartial reports whether a publication error left one sink written.
func IsPartial(err error) bool {
	re, ok := As(err)
	if !ok || re.Context == nil {
		return false
	}
	p, _ := re.Context[ContextPartial].(bool)
	return p
}
