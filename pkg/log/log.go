package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Components take child loggers from
// it when they are constructed, so Init must run first.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a log level name as written in the daemon configuration
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Valid reports whether l names a supported level
func (l Level) Valid() bool {
	_, ok := zerologLevels[l]
	return ok
}

// Config selects the level and format of the daemon log
type Config struct {
	Level      Level
	JSONOutput bool

	// Output defaults to stdout
	Output io.Writer
}

// Init replaces the global logger. Unknown levels log at info.
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a daemon component
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithBackend returns the logger of a target backend, kernel or spdk
func WithBackend(backend string) zerolog.Logger {
	return Logger.With().Str("component", "render").Str("backend", backend).Logger()
}

// WithNamespace narrows a logger to one namespace of a subsystem
func WithNamespace(parent zerolog.Logger, subnqn string, nsid int) zerolog.Logger {
	return parent.With().Str("subnqn", subnqn).Int("nsid", nsid).Logger()
}
