package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyProfile    = "profile"
	KeyRunID      = "run_id"
	KeyPID        = "pid"
	KeyStatus     = "status"
	KeyExitCode   = "exit_code"
	KeyQueuePos   = "queue_position"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyCommand    = "command"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Profile(name string) slog.Attr   { return slog.String(KeyProfile, name) }
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func PID(pid int) slog.Attr           { return slog.Int(KeyPID, pid) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func ExitCode(code int) slog.Attr     { return slog.Int(KeyExitCode, code) }
func QueuePos(pos int) slog.Attr      { return slog.Int(KeyQueuePos, pos) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Command(cmd string) slog.Attr    { return slog.String(KeyCommand, cmd) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
