// Package logging configures the process-wide zerolog logger, reading level
// from the LOG_LEVEL environment variable the way a pact-plugin's supporting
// processes conventionally do, and writing to stderr so stdout stays
// reserved for the {"port":N,"serverKey":"..."} startup contract.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a logger writing structured JSON lines to stderr, with level
// taken from LOG_LEVEL (trace/debug/info/warn/error; defaults to info on an
// empty or unrecognized value).
func New() zerolog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	zerolog.SetGlobalLevel(level)
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func parseLevel(raw string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
