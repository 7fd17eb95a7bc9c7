// Package log provides the structured, rotated logging used throughout the
// pool and POSIX layers. Adapted from the teacher's internal/logger: a
// package-level slog.Logger with TRACE/DEBUG/INFO/WARNING/ERROR severities
// (slog has no TRACE, so it is modeled as a level below Debug) and an
// optional JSON or text handler, writing through lumberjack for rotation.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, ordered finest to coarsest. slog.Level is an int, so we
// can slot TRACE below slog.LevelDebug without colliding with it.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config controls where and how pool log output is written. The zero value
// logs text at INFO level to stderr.
type Config struct {
	// Filename, if set, routes output through lumberjack for rotation
	// instead of to Writer.
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	Format string // "json" or "text"
	Level  string // "trace", "debug", "info", "warning", "error"

	Writer io.Writer // used when Filename == ""
}

var (
	defaultLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newHandler(os.Stderr, defaultLevel, "text"))
)

// Init replaces the package-level logger according to cfg. Nothing in this
// module calls it, so until a program does, the default stderr text logger
// is used.
func Init(cfg Config) {
	var w io.Writer = cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	if cfg.Filename != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	lvl := new(slog.LevelVar)
	setLevel(cfg.Level, lvl)

	format := cfg.Format
	if format == "" {
		format = "text"
	}

	defaultLevel = lvl
	defaultLogger = slog.New(newHandler(w, lvl, format))
}

func orDefault(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func setLevel(level string, v *slog.LevelVar) {
	switch level {
	case "trace":
		v.Set(LevelTrace)
	case "debug":
		v.Set(LevelDebug)
	case "warning", "warn":
		v.Set(LevelWarn)
	case "error":
		v.Set(LevelError)
	default:
		v.Set(LevelInfo)
	}
}

// severityHandler wraps a slog.Handler to rename the "level" attribute to
// "severity" and spell TRACE out, matching the teacher's wire format.
type severityHandler struct {
	slog.Handler
}

func newHandler(w io.Writer, lvl *slog.LevelVar, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				a.Key = "severity"
				if lv, ok := a.Value.Any().(slog.Level); ok && lv == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func log(lvl slog.Level, format string, args ...interface{}) {
	if !defaultLogger.Enabled(context.Background(), lvl) {
		return
	}
	defaultLogger.Log(context.Background(), lvl, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) { log(LevelTrace, format, args...) }
func Debugf(format string, args ...interface{}) { log(LevelDebug, format, args...) }
func Infof(format string, args ...interface{})  { log(LevelInfo, format, args...) }
func Warnf(format string, args ...interface{})  { log(LevelWarn, format, args...) }
func Errorf(format string, args ...interface{}) { log(LevelError, format, args...) }
