package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyPackage    = "package"
	KeyVersion    = "version"
	KeyRegistry   = "registry"
	KeyPriority   = "priority"
	KeyAttempt    = "attempt"
	KeyBuildID    = "build_id"
	KeyWorker     = "worker"
	KeyTarget     = "target"
	KeyCheckpoint = "checkpoint"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Package(name string) slog.Attr   { return slog.String(KeyPackage, name) }
func Version(v string) slog.Attr      { return slog.String(KeyVersion, v) }
func Registry(r string) slog.Attr     { return slog.String(KeyRegistry, r) }
func Priority(p int) slog.Attr        { return slog.Int(KeyPriority, p) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func BuildID(id string) slog.Attr     { return slog.String(KeyBuildID, id) }
func Worker(id string) slog.Attr      { return slog.String(KeyWorker, id) }
func Target(t string) slog.Attr       { return slog.String(KeyTarget, t) }
func Checkpoint(ref string) slog.Attr { return slog.String(KeyCheckpoint, ref) }
func DurationMS(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMS, float64(d.Microseconds())/1000)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
