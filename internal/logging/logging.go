// Package logging is the observability port named in spec §9: the core
// never formats strings itself, it emits structured events through
// this small interface. The production implementation is backed by
// github.com/rs/zerolog; the teacher's own cfg.logger.Log(level, msg,
// key, val, ...) shape (see broker.go's repeated
// "b.cl.cfg.logger.Log(LogLevelDebug, ...)" calls) is kept verbatim.
package logging

// Level mirrors the teacher's LogLevelDebug/Warn/Error constants.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Logger is the structured logging port. kv is an alternating
// key/value list, e.g. Log(LevelInfo, "publish.delivered", "session",
// name, "topic", topic, "deliveredTo", n).
type Logger interface {
	Log(level Level, msg string, kv ...any)
}

type noop struct{}

func (noop) Log(Level, string, ...any) {}

// Noop returns a Logger that discards everything; used as the default
// when no logger is wired (tests, or components constructed directly).
func Noop() Logger { return noop{} }
