package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

var httpStatus = map[ErrorCategory]int{
	CategoryValidation:      http.StatusBadRequest,
	CategoryConfig:          http.StatusBadRequest,
	CategoryNotFound:        http.StatusNotFound,
	CategoryTransport:       http.StatusBadGateway,
	CategoryDiscovery:       http.StatusBadGateway,
	CategoryContentSync:     http.StatusUnprocessableEntity,
	CategoryEntryResolution: http.StatusUnprocessableEntity,
	CategoryToolchain:       http.StatusUnprocessableEntity,
	CategoryPublication:     http.StatusUnprocessableEntity,
}

// HTTPErrorAdapter writes categorized errors as JSON responses.
type HTTPErrorAdapter struct {
	logger *slog.Logger
}

// NewHTTPErrorAdapter creates an adapter. A nil logger uses slog.Default.
func NewHTTPErrorAdapter(logger *slog.Logger) *HTTPErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPErrorAdapter{logger: logger}
}

// HTTPErrorResponse is the JSON error body.
type HTTPErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// StatusCodeFor maps an error's category to an HTTP status. Unclassified
// errors are 500.
func (a *HTTPErrorAdapter) StatusCodeFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if re, ok := As(err); ok {
		if status, ok := httpStatus[re.Category]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// FormatErrorResponse builds the response body. Context of server-side
// failures stays in the log.
func (a *HTTPErrorAdapter) FormatErrorResponse(err error) HTTPErrorResponse {
	if err == nil {
		return HTTPErrorResponse{}
	}
	re, ok := As(err)
	if !ok {
		return HTTPErrorResponse{Error: http.StatusText(http.StatusInternalServerError)}
	}
	resp := HTTPErrorResponse{Error: re.Message, Code: string(re.Category), Retryable: re.Retryable}
	if re.Category != CategoryInternal && len(re.Context) > 0 {
		resp.Details = map[string]any(re.Context)
	}
	return resp
}

// WriteErrorResponse logs err at its severity and writes the JSON body.
func (a *HTTPErrorAdapter) WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	level := slog.LevelError
	if re, ok := As(err); ok {
		level = levelFromSeverity(re.Severity)
	}
	a.logger.Log(r.Context(), level, "HTTP request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))

	status := a.StatusCodeFor(err)
	body, jerr := json.Marshal(a.FormatErrorResponse(err))
	if jerr != nil {
		body = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
