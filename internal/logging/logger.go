package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds the process logger. DEV gets a human readable console writer,
// every other environment gets JSON lines. Unknown levels fall back to info.
func New(env, level, appName string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(env, "DEV") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("service", appName).
		Logger()
}

// ParseLevel converts a level name to a zerolog level.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// SetGlobal installs logger as the package level zerolog logger used by the HTTP layer.
func SetGlobal(logger zerolog.Logger) {
	log.Logger = logger
	zerolog.SetGlobalLevel(logger.GetLevel())
}
