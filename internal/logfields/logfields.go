package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyJobID      = "job_id"
	KeyIdentity   = "identity"
	KeyReplyKey   = "reply_key"
	KeyState      = "job_state"
	KeyStage      = "stage"
	KeyStep       = "step"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyFile       = "file"
	KeyCommand    = "command"
	KeyExitCode   = "exit_code"
	KeySink       = "sink"
	KeyRevision   = "revision"
	KeyRemoteAddr = "remote_addr"
	KeyURL        = "url"
	KeyName       = "name"
	KeyError      = "error"
	KeyMethod     = "method"
	KeyStatus     = "status"
	KeyUserAgent  = "user_agent"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func JobID(id string) slog.Attr       { return slog.String(KeyJobID, id) }
func Identity(id string) slog.Attr    { return slog.String(KeyIdentity, id) }
func ReplyKey(k string) slog.Attr     { return slog.String(KeyReplyKey, k) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Step(name string) slog.Attr      { return slog.String(KeyStep, name) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func File(f string) slog.Attr         { return slog.String(KeyFile, f) }
func Command(c string) slog.Attr      { return slog.String(KeyCommand, c) }
func ExitCode(c int) slog.Attr        { return slog.Int(KeyExitCode, c) }
func Sink(s string) slog.Attr         { return slog.String(KeySink, s) }
func Revision(r string) slog.Attr     { return slog.String(KeyRevision, r) }
func RemoteAddr(a string) slog.Attr   { return slog.String(KeyRemoteAddr, a) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Name(n string) slog.Attr         { return slog.String(KeyName, n) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func Status(code int) slog.Attr       { return slog.Int(KeyStatus, code) }
func UserAgent(ua string) slog.Attr   { return slog.String(KeyUserAgent, ua) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
