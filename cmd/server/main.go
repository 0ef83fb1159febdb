package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/webssh/internal/audit"
	"github.com/websoft9/webssh/internal/config"
	"github.com/websoft9/webssh/internal/registry"
	"github.com/websoft9/webssh/internal/server"
	"github.com/websoft9/webssh/internal/terminal"
	"github.com/websoft9/webssh/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	setupLogger(cfg)

	log.Info().
		Str("version", cfg.Version).
		Str("env", cfg.Env).
		Msg("Starting WebSSH relay")

	hostKeys, err := terminal.HostKeyCallback(cfg.SSHKnownHosts, cfg.SSHRequireHostKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load SSH host key policy")
	}

	// Audit sink: the asynq queue when Redis is configured, the log otherwise.
	var auditWriter audit.Writer = audit.NewLogWriter()
	var w *worker.Worker
	if cfg.RedisAddr != "" {
		w = worker.New(cfg.RedisAddr)
		w.Start()
		auditWriter = audit.NewQueueWriter(w.Client())
		log.Info().Str("redis", cfg.RedisAddr).Msg("Audit queue enabled")
	}

	srv, err := server.New(cfg, server.Deps{
		Connector: terminal.NewSSHConnector(cfg.SSHAuthTimeout, hostKeys),
		Registry:  registry.New(cfg.TerminalIdleTimeout),
		Audit:     auditWriter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	// Start server in goroutine
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info().Str("addr", addr).Msg("HTTP server listening")

		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if w != nil {
		log.Info().Msg("Shutting down Asynq worker")
		w.Shutdown()
	}

	log.Info().Msg("Server exited")
}

func setupLogger(cfg *config.Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	// Pretty logging for development
	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
