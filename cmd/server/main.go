package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/unerue/studytube/internal/cli"
	"github.com/unerue/studytube/internal/config"
)

func main() {
	// Console logger until the config picks the real one.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := cli.NewRootCmd(config.New()).ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("studytube failed")
		os.Exit(1)
	}
}
