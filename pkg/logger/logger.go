package logger

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// LogLevelFromString determines log level to string, defaults to all,
func LogLevelFromString(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "info":
		return level.AllowInfo()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowAll()
	}
}

// New returns a synchronized logger writing to w in the given format,
// stamped with a UTC timestamp and the calling site.
// Unknown formats fall back to logfmt.
func New(w io.Writer, format string) log.Logger {
	var l log.Logger
	switch format {
	case FormatJSON:
		l = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		l = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	l = log.With(l, "ts", log.DefaultTimestampUTC)
	l = log.With(l, "caller", log.DefaultCaller)
	return l
}

// Filtered wraps l with a level filter parsed from lvl.
func Filtered(l log.Logger, lvl string) log.Logger {
	return level.NewFilter(l, LogLevelFromString(lvl))
}
