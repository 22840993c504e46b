package log

import (
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	level  = new(slog.LevelVar)
	logger atomic.Pointer[slog.Logger]
)

func init() {
	SetOutput(os.Stderr)
}

// SetOutput redirects all log output to w using the text handler.
func SetOutput(w io.Writer) {
	logger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func SetLevel(l Level) {
	switch l {
	case LevelDebug:
		level.Set(slog.LevelDebug)
	case LevelWarn:
		level.Set(slog.LevelWarn)
	case LevelError:
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// ParseLevel maps a case-insensitive level name to a Level. Unknown names
// map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger returns the underlying structured logger.
func Logger() *slog.Logger {
	return logger.Load()
}

func Debug(msg string, kv ...any) {
	Logger().Debug(msg, kv...)
}

func Info(msg string, kv ...any) {
	Logger().Info(msg, kv...)
}

func Warn(msg string, kv ...any) {
	Logger().Warn(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	Logger().Error(msg, append([]any{"err", err}, kv...)...)
}

// RedactURL keeps only the scheme and host of a feed URL. Calendar URLs
// usually embed a private token in the path or query.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}

// Writer returns an io.Writer that logs every write as one message at l.
// Used to route third-party line loggers (gin's access log) through slog.
func Writer(l Level) io.Writer {
	return lineWriter{level: l}
}

type lineWriter struct {
	level Level
}

func (w lineWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\r\n")
	if msg == "" {
		return len(p), nil
	}
	switch w.level {
	case LevelDebug:
		Debug(msg)
	case LevelWarn:
		Warn(msg)
	case LevelError:
		Logger().Error(msg)
	default:
		Info(msg)
	}
	return len(p), nil
}
