// Command devsshd runs a local password-authenticated SSH server for trying
// the relay without a real remote host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/webssh/internal/config"
	"github.com/websoft9/webssh/internal/devsshd"
)

func main() {
	cfg, err := config.LoadDevSSHD()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &devsshd.Server{
		DataDir:    cfg.DataDir,
		ListenAddr: cfg.ListenAddr,
		Username:   cfg.Username,
		Password:   cfg.Password,
		Shell:      cfg.Shell,
	}
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal().Err(err).Msg("Dev SSH server error")
	}
	log.Info().Msg("Dev SSH server exited")
}
