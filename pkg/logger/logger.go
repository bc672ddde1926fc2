// Package logger provides a single entry for logs aggregation and collection over the codebase.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	component = "component"
	// envLogLevel specifies name of the environmental variable that sets the log level
	envLogLevel = "LOG_LEVEL"
	// envLogFormat switches between human-readable console output and JSON lines
	envLogFormat = "LOG_FORMAT"

	logFormatJSON = "json"
)

// levels accepted in LOG_LEVEL, upper-cased.
var levels = map[string]zerolog.Level{
	"DEBUG":    zerolog.DebugLevel,
	"INFO":     zerolog.InfoLevel,
	"WARN":     zerolog.WarnLevel,
	"ERROR":    zerolog.ErrorLevel,
	"FATAL":    zerolog.FatalLevel,
	"PANIC":    zerolog.PanicLevel,
	"NO_LEVEL": zerolog.NoLevel,
	"DISABLED": zerolog.Disabled,
	"TRACE":    zerolog.TraceLevel,
}

var (
	level      = zerolog.DebugLevel // default log level
	jsonOutput = false
)

func init() {
	level = ParseLevel(os.Getenv(envLogLevel))
	jsonOutput = strings.EqualFold(os.Getenv(envLogFormat), logFormatJSON)
}

// ParseLevel converts a LOG_LEVEL value to a zerolog level. Unknown values fall back to DEBUG.
func ParseLevel(s string) zerolog.Level {
	if l, ok := levels[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return l
	}
	return zerolog.DebugLevel
}

// SetGlobalLevel caps the level of every logger, including ones created before the call.
func SetGlobalLevel(s string) {
	zerolog.SetGlobalLevel(ParseLevel(s))
}

// NewLogger returns a wrapper for new logger instance
func NewLogger(name string) zerolog.Logger {
	return newLogger(os.Stderr, name)
}

func newLogger(out io.Writer, name string) zerolog.Logger {
	var w io.Writer = out
	if !jsonOutput {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			FormatCaller: func(i interface{}) string {
				return filepath.Dir(fmt.Sprintf("%s/", i))
			},
		}
	}
	return zerolog.New(w).Level(level).With().Caller().Timestamp().Str(component, name).Logger()
}
