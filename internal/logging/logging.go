// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets the global level and output. Anything but release mode gets the
// human friendly console writer.
func Init(level, mode string) {
	InitTo(os.Stderr, level, mode)
}

func InitTo(w io.Writer, level, mode string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if mode == "release" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
	}
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
