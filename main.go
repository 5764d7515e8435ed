package main

import (
	"github.com/rs/zerolog/log"

	"oi-watchdog/app"
	"oi-watchdog/config"
)

func main() {
	// Load config from .env file
	cfg := config.LoadFromEnv()

	// Create and start app
	application := app.New(cfg)
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}
}
