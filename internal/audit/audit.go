// Package audit provides a unified helper for writing terminal session audit
// records.
//
// Records go either straight to the structured log (LogWriter) or onto the
// asynq queue for the worker to persist (QueueWriter). Errors are logged and
// swallowed; an audit failure must never break the relay.
package audit

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Audited actions.
const (
	ActionConnect    = "terminal.ssh.connect"
	ActionDisconnect = "terminal.ssh.disconnect"
)

// TaskSessionAudit is the asynq task type carrying one Entry as JSON.
const TaskSessionAudit = "audit:session"

// Entry holds all fields for a single audit record.
type Entry struct {
	// ConnID is the WebSocket connection ID the session belongs to.
	ConnID string `json:"conn_id"`
	// Action is a dot-namespaced verb, e.g. "terminal.ssh.connect".
	Action string `json:"action"`
	// Host and Port identify the SSH target.
	Host string `json:"host"`
	Port int    `json:"port"`
	// Username is the SSH login name. Credentials are never recorded.
	Username string `json:"username"`
	// IP is the client's source IP address.
	IP string `json:"ip,omitempty"`
	// UserAgent is the HTTP User-Agent header value of the WebSocket upgrade.
	UserAgent string `json:"user_agent,omitempty"`
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string `json:"status"`
	// Time is when the event happened; Write fills it in when zero.
	Time time.Time `json:"time"`
	// Detail holds optional structured context (error message, byte counts, etc.).
	Detail map[string]any `json:"detail,omitempty"`
}

// Writer records audit entries.
type Writer interface {
	Write(entry Entry)
}

// LogWriter writes entries to the structured log.
type LogWriter struct {
	logger zerolog.Logger
}

// NewLogWriter returns a LogWriter tagged with component=audit.
func NewLogWriter() *LogWriter {
	return &LogWriter{logger: log.With().Str("component", "audit").Logger()}
}

// Write logs one audit record. Entries with an unknown status are skipped.
func (w *LogWriter) Write(entry Entry) {
	if !validStatuses[entry.Status] {
		w.logger.Warn().Str("status", entry.Status).Str("action", entry.Action).Msg("Invalid audit status, skipping")
		return
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	ev := w.logger.Info().
		Str("conn_id", entry.ConnID).
		Str("action", entry.Action).
		Str("host", entry.Host).
		Int("port", entry.Port).
		Str("username", entry.Username).
		Str("ip", entry.IP).
		Str("status", entry.Status).
		Time("at", entry.Time)
	if entry.UserAgent != "" {
		ev = ev.Str("user_agent", entry.UserAgent)
	}
	if entry.Detail != nil {
		ev = ev.Interface("detail", entry.Detail)
	}
	ev.Msg("audit")
}

// Enqueuer is the subset of *asynq.Client used by QueueWriter.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueWriter enqueues entries as TaskSessionAudit tasks. When enqueueing
// fails the entry is written to the fallback log instead.
type QueueWriter struct {
	client   Enqueuer
	fallback *LogWriter
}

// NewQueueWriter returns a QueueWriter using client.
func NewQueueWriter(client Enqueuer) *QueueWriter {
	return &QueueWriter{client: client, fallback: NewLogWriter()}
}

// Write enqueues one audit record on the low-priority queue.
func (w *QueueWriter) Write(entry Entry) {
	if !validStatuses[entry.Status] {
		w.fallback.Write(entry) // logs the rejection
		return
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Str("action", entry.Action).Msg("Failed to encode audit entry")
		return
	}
	task := asynq.NewTask(TaskSessionAudit, payload)
	if _, err := w.client.Enqueue(task, asynq.Queue("low"), asynq.MaxRetry(3)); err != nil {
		log.Error().Err(err).Str("action", entry.Action).Msg("Failed to enqueue audit entry")
		w.fallback.Write(entry)
	}
}

// Decode parses the payload of a TaskSessionAudit task.
func Decode(payload []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(payload, &e)
	return e, err
}

// discard drops every entry.
type discard struct{}

func (discard) Write(Entry) {}

// Discard is a Writer that records nothing.
var Discard Writer = discard{}
