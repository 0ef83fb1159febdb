// Package worker manages the embedded Asynq task worker.
//
// The worker runs as a goroutine inside the relay process, connecting to
// Redis for persistent processing of session audit records.
package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/webssh/internal/audit"
)

// Worker manages the Asynq server and a shared client for enqueuing tasks.
type Worker struct {
	server *asynq.Server
	client *asynq.Client
	sink   audit.Writer
}

// New creates a Worker for the Redis instance at redisAddr (host:port).
// Call Start() to begin processing and Shutdown() to stop.
func New(redisAddr string) *Worker {
	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	return &Worker{
		server: srv,
		client: asynq.NewClient(opt),
		sink:   audit.NewLogWriter(),
	}
}

// Start begins processing tasks in a background goroutine.
// This should be called only once during the application lifecycle.
func (w *Worker) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(audit.TaskSessionAudit, w.handleSessionAudit)

	go func() {
		log.Info().Msg("Starting Asynq worker")
		if err := w.server.Run(mux); err != nil {
			log.Error().Err(err).Msg("Asynq worker error")
		}
	}()
}

// Client returns the shared Asynq client for enqueuing tasks.
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// Shutdown gracefully stops the worker and closes the client connection.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	_ = w.client.Close()
}

func (w *Worker) handleSessionAudit(_ context.Context, t *asynq.Task) error {
	entry, err := audit.Decode(t.Payload())
	if err != nil {
		// A malformed payload never becomes valid; do not retry it.
		return fmt.Errorf("decode audit payload: %v: %w", err, asynq.SkipRetry)
	}
	w.sink.Write(entry)
	return nil
}
