// Package logger wraps zerolog behind a small key-value API shared by every
// component of the engine.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. Setup replaces it; the default writes
// console output at info level.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = &Logger{z: consoleLogger()}
}

func consoleLogger() zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Setup configures the global logger. Level is one of debug/info/warn/error
// (case-insensitive); format is "json" or "console".
func Setup(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var z zerolog.Logger
	if strings.ToLower(format) == "json" {
		z = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		z = consoleLogger()
	}
	Log = &Logger{z: z}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{z: l.z.With().Str("component", name).Logger()}
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(l.z.Debug(), msg, args...) }

func (l *Logger) Info(msg string, args ...interface{}) { l.emit(l.z.Info(), msg, args...) }

func (l *Logger) Warn(msg string, args ...interface{}) { l.emit(l.z.Warn(), msg, args...) }

func (l *Logger) Error(msg string, args ...interface{}) { l.emit(l.z.Error(), msg, args...) }

// emit attaches variadic key-value pairs to the event. A trailing key without
// a value is dropped.
func (l *Logger) emit(e *zerolog.Event, msg string, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		e.Interface(key, args[i+1])
	}
	e.Msg(msg)
}
