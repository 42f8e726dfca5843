// Package logging sets up the process-wide zerolog logger, grounded on
// the teacher's logger setup: console writer for local development,
// structured JSON for production, both switched by configuration.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup configures zerolog's global level and returns a base Logger.
// format is "console" or "json" (anything else falls back to json).
// level is one of zerolog's level strings (debug, info, warn, error);
// an unrecognized level falls back to info.
func Setup(format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var log zerolog.Logger
	if strings.ToLower(format) == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	return log
}
