package main

import (
	"os"

	"github.com/rs/zerolog"

	"ctfleet/cmd"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

	if err := cmd.Execute(log); err != nil {
		log.Fatal().Err(err).Msg("ctfleet exited")
	}
}
