package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// zlog adapts zerolog.Logger to the Logger port.
type zlog struct {
	z zerolog.Logger
}

// NewZerolog returns a production Logger writing structured JSON to
// stderr, grounded on the stack used by uncord-chat-uncord-server and
// xorkevin-governor in the retrieved pack.
func NewZerolog() Logger {
	z := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return zlog{z: z}
}

func (l zlog) Log(level Level, msg string, kv ...any) {
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.z.Debug()
	case LevelWarn:
		ev = l.z.Warn()
	case LevelError:
		ev = l.z.Error()
	default:
		ev = l.z.Info()
	}

	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
