// Command vendod runs the coin/voucher WiFi vendo gateway as a standalone
// daemon: the event-ingestion HTTP surface, the Ticker, and the
// IdleMonitor, all driving the same pkg/vendo.App an embedding portal
// process would otherwise construct in-process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Djnirds1984/cjtech/internal/config"
	"github.com/Djnirds1984/cjtech/pkg/vendo"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// Best-effort: most appliances ship config.yaml directly and have no
	// .env file at all.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("VENDOD_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("vendod: failed to load config")
	}

	app, err := vendo.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("vendod: failed to build app")
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error().Err(err).Msg("vendod: shutdown error")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("address", cfg.Server.Address).Msg("vendod: starting")
	if err := app.Start(ctx); err != nil {
		log.Error().Err(err).Msg("vendod: exited with error")
		os.Exit(1)
	}
	log.Info().Msg("vendod: stopped")
}
