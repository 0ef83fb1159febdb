// Package relay implements the per-connection session controller that sits
// between one browser WebSocket and at most one remote SSH shell.
//
// Every Controller runs a single goroutine (Run) that drains a mailbox. Inbound
// frames, connect/open-shell outcomes and shell output all arrive through that
// mailbox, so the state machine below is never entered concurrently and needs
// no locking. Remote operations run in helper goroutines and post their
// outcome tagged with the attempt generation; outcomes for an attempt that has
// since been released are discarded and any handle they carry is closed.
//
//	Idle --connect--> Connecting --shell open--> Active
//	  ^                   |                        |
//	  +---- disconnect / remote error / stream end-+
//
// The transport closing moves the controller to Closed, releasing the remote
// connection silently.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/webssh/internal/audit"
	"github.com/websoft9/webssh/internal/metrics"
	"github.com/websoft9/webssh/internal/protocol"
	"github.com/websoft9/webssh/internal/terminal"
)

const (
	mailboxSize     = 64
	readBufferSize  = 4096
	maxUTF8Sequence = 4
)

// Sender delivers outbound messages to the client. It is only called from
// the controller's run loop.
type Sender interface {
	Send(msg protocol.Outbound) error
}

// Options configures a Controller.
type Options struct {
	// ID identifies the transport connection in logs and audit records.
	ID string
	// Connector opens remote connections.
	Connector terminal.Connector
	// Sender writes outbound frames to the transport.
	Sender Sender
	// Audit receives connect/disconnect records. Nil records nothing.
	Audit audit.Writer
	// ClientIP and UserAgent describe the client for audit records.
	ClientIP  string
	UserAgent string
}

// Controller is the relay state machine for one transport connection.
type Controller struct {
	id        string
	connector terminal.Connector
	out       Sender
	audit     audit.Writer
	clientIP  string
	userAgent string
	log       zerolog.Logger

	events chan any
	done   chan struct{}
	view   atomic.Int32

	mu      sync.RWMutex // guards stopped
	stopped bool

	// Owned by the run loop.
	state         State
	gen           uint64
	remote        *remoteConn
	pendingResize *protocol.Size
}

// New returns a Controller in StateIdle. Call Run to start it.
func New(opts Options) *Controller {
	w := opts.Audit
	if w == nil {
		w = audit.Discard
	}
	return &Controller{
		id:        opts.ID,
		connector: opts.Connector,
		out:       opts.Sender,
		audit:     w,
		clientIP:  opts.ClientIP,
		userAgent: opts.UserAgent,
		log:       log.With().Str("conn_id", opts.ID).Logger(),
		events:    make(chan any, mailboxSize),
		done:      make(chan struct{}),
	}
}

// Mailbox events posted by the transport and by helper goroutines.
type (
	frameEvent struct {
		raw []byte
	}
	connectDone struct {
		gen    uint64
		client terminal.Client
		err    error
	}
	shellDone struct {
		gen   uint64
		shell terminal.Shell
		err   error
	}
	outputEvent struct {
		gen  uint64
		data []byte
	}
	streamClosed struct {
		gen uint64
	}
	sessionEnded struct {
		gen uint64
	}
	remoteFailed struct {
		gen uint64
		err error
	}
)

// Run processes events until ctx is cancelled, which signals that the
// transport has closed. The remote connection, if any, is released silently.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.release("transport closed")
			c.setState(StateClosed)
			close(c.done)
			c.drain()
			return
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

// Deliver hands one inbound transport frame to the controller. Frames are
// processed in the order they are delivered.
func (c *Controller) Deliver(ctx context.Context, raw []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.events <- frameEvent{raw: raw}:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has stopped processing events.
func (c *Controller) Done() <-chan struct{} { return c.done }

// State returns the controller's current state. Safe to call from any goroutine.
func (c *Controller) State() State { return State(c.view.Load()) }

func (c *Controller) setState(s State) {
	c.state = s
	c.view.Store(int32(s))
}

// post delivers an event from a helper goroutine. It reports false when the
// controller has already stopped; the caller then owns any handle in ev.
func (c *Controller) post(ev any) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// drain closes remote handles carried by events that were queued but never
// handled. Run calls it after done is closed.
func (c *Controller) drain() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	for {
		select {
		case ev := <-c.events:
			switch e := ev.(type) {
			case connectDone:
				if e.client != nil {
					_ = e.client.Close()
				}
			case shellDone:
				if e.shell != nil {
					_ = e.shell.Close()
				}
			}
		default:
			return
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case frameEvent:
		c.handleFrame(ctx, e.raw)
	case connectDone:
		c.onConnectDone(e)
	case shellDone:
		c.onShellDone(e)
	case outputEvent:
		c.onOutput(e)
	case streamClosed:
		if c.current(e.gen) != nil {
			c.report(KindStream, protocol.PhaseDisconnected, msgRemoteStreamClosed)
		}
	case sessionEnded:
		if c.current(e.gen) != nil {
			c.report(KindStream, protocol.PhaseDisconnected, msgSessionEnded)
		}
	case remoteFailed:
		if c.current(e.gen) != nil {
			c.report(KindRemote, protocol.PhaseError, e.err.Error())
		}
	default:
		c.log.Error().Str("event", fmt.Sprintf("%T", ev)).Msg("Unknown relay event")
	}
}

func (c *Controller) handleFrame(ctx context.Context, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		c.log.Debug().Err(err).Msg("Rejected inbound frame")
		c.report(KindProtocol, protocol.PhaseError, protocol.ErrInvalidMessage.Error())
		return
	}

	switch m := msg.(type) {
	case protocol.Connect:
		c.onConnect(ctx, m)
	case protocol.Input:
		c.onInput(m)
	case protocol.Resize:
		c.onResize(m)
	case protocol.Disconnect:
		c.onDisconnect()
	}
}

func (c *Controller) onConnect(ctx context.Context, m protocol.Connect) {
	if c.state != StateIdle {
		c.report(KindState, protocol.PhaseError, msgAlreadyConnected)
		return
	}
	if err := m.Validate(); err != nil {
		c.report(KindValidation, protocol.PhaseError, err.Error())
		return
	}

	c.send(protocol.NewStatus(protocol.PhaseConnecting, ""))

	c.gen++
	attemptCtx, cancel := context.WithCancel(ctx)
	rc := &remoteConn{
		gen: c.gen,
		target: terminal.ConnectorConfig{
			Host:     m.Host,
			Port:     m.Port,
			User:     m.Username,
			Password: m.Password,
		},
		size:      m.Size(),
		ctx:       attemptCtx,
		cancel:    cancel,
		startedAt: time.Now().UTC(),
	}
	c.remote = rc
	c.setState(StateConnecting)

	c.log.Info().
		Str("host", m.Host).
		Int("port", m.Port).
		Str("username", m.Username).
		Int("cols", m.Cols).
		Int("rows", m.Rows).
		Msg("Connecting to SSH server")

	go func(gen uint64, cfg terminal.ConnectorConfig) {
		client, err := c.connector.Connect(attemptCtx, cfg)
		if !c.post(connectDone{gen: gen, client: client, err: err}) && client != nil {
			_ = client.Close()
		}
	}(rc.gen, rc.target)
}

func (c *Controller) onConnectDone(e connectDone) {
	rc := c.current(e.gen)
	if rc == nil || c.state != StateConnecting || rc.client != nil {
		if e.client != nil {
			_ = e.client.Close()
		}
		c.log.Debug().Uint64("gen", e.gen).Msg("Discarding stale connect result")
		return
	}
	if e.err != nil {
		c.connectFailed(e.err)
		return
	}

	rc.client = e.client
	go c.watchClient(rc.gen, e.client)

	go func(gen uint64, client terminal.Client, size protocol.Size) {
		shell, err := client.OpenShell(rc.ctx, size.Cols, size.Rows)
		if !c.post(shellDone{gen: gen, shell: shell, err: err}) && shell != nil {
			_ = shell.Close()
		}
	}(rc.gen, e.client, rc.size)
}

func (c *Controller) onShellDone(e shellDone) {
	rc := c.current(e.gen)
	if rc == nil || c.state != StateConnecting {
		if e.shell != nil {
			_ = e.shell.Close()
		}
		c.log.Debug().Uint64("gen", e.gen).Msg("Discarding stale shell result")
		return
	}
	if e.err != nil {
		c.connectFailed(e.err)
		return
	}

	rc.shell = e.shell
	if p := c.pendingResize; p != nil {
		rc.shell.Resize(p.Cols, p.Rows)
		c.pendingResize = nil
	}
	rc.activeAt = time.Now().UTC()
	rc.input = newInputQueue()
	c.setState(StateActive)
	c.send(protocol.NewStatus(protocol.PhaseConnected, ""))

	metrics.SessionsTotal.WithLabelValues(metrics.OutcomeConnected).Inc()
	c.audit.Write(c.auditEntry(rc, audit.ActionConnect, audit.StatusSuccess, nil))
	c.log.Info().
		Str("host", rc.target.Host).
		Dur("connect_time", rc.activeAt.Sub(rc.startedAt)).
		Msg("SSH shell active")

	go c.pumpOutput(rc.gen, rc.shell)
	go c.writeInput(rc.gen, rc.shell, rc.input)
}

func (c *Controller) connectFailed(err error) {
	rc := c.remote
	metrics.SessionsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
	c.audit.Write(c.auditEntry(rc, audit.ActionConnect, audit.StatusFailed, map[string]any{"error": err.Error()}))
	c.log.Warn().Err(err).Str("host", rc.target.Host).Msg("SSH connection failed")
	c.report(KindRemote, protocol.PhaseError, err.Error())
}

func (c *Controller) onInput(m protocol.Input) {
	if c.state != StateActive {
		c.report(KindState, protocol.PhaseError, msgNoActiveConnection)
		return
	}
	if m.Data == "" {
		return
	}
	rc := c.remote
	rc.bytesIn += int64(len(m.Data))
	metrics.BytesTotal.WithLabelValues(metrics.DirectionIn).Add(float64(len(m.Data)))
	rc.input.push([]byte(m.Data))
}

func (c *Controller) onResize(m protocol.Resize) {
	if c.state == StateActive {
		c.remote.shell.Resize(m.Cols, m.Rows)
		return
	}
	size := m.Size()
	c.pendingResize = &size
}

func (c *Controller) onDisconnect() {
	if c.remote != nil {
		c.send(protocol.NewStatus(protocol.PhaseDisconnected, msgDisconnectedByClient))
	}
	c.release(msgDisconnectedByClient)
}

func (c *Controller) onOutput(e outputEvent) {
	rc := c.current(e.gen)
	if rc == nil || c.state != StateActive {
		return
	}
	rc.bytesOut += int64(len(e.data))
	metrics.BytesTotal.WithLabelValues(metrics.DirectionOut).Add(float64(len(e.data)))
	c.send(protocol.NewOutput(string(e.data)))
}

// current returns the live remote connection if gen still identifies it.
func (c *Controller) current(gen uint64) *remoteConn {
	if c.remote == nil || c.remote.gen != gen {
		return nil
	}
	return c.remote
}

// report surfaces a failure to the client. Remote and stream failures also
// release the remote connection.
func (c *Controller) report(kind ErrorKind, phase protocol.Phase, message string) {
	metrics.ErrorsTotal.WithLabelValues(string(kind)).Inc()
	c.send(protocol.NewStatus(phase, message))
	if kind.releases() {
		c.release(message)
	}
}

// release tears down the remote connection, if any, and returns to Idle.
func (c *Controller) release(reason string) {
	rc := c.remote
	c.remote = nil
	if c.state != StateClosed {
		c.setState(StateIdle)
	}
	if rc == nil {
		return
	}

	rc.cancel()
	if rc.input != nil {
		rc.input.close()
	}
	if rc.shell != nil {
		_ = rc.shell.Close()
	}
	if rc.client != nil {
		_ = rc.client.Close()
	}

	if !rc.activeAt.IsZero() {
		endedAt := time.Now().UTC()
		metrics.SessionDuration.Observe(endedAt.Sub(rc.activeAt).Seconds())
		c.audit.Write(c.auditEntry(rc, audit.ActionDisconnect, audit.StatusSuccess, map[string]any{
			"reason":     reason,
			"started_at": rc.activeAt.Format(time.RFC3339),
			"ended_at":   endedAt.Format(time.RFC3339),
			"bytes_in":   rc.bytesIn,
			"bytes_out":  rc.bytesOut,
		}))
	}
	c.log.Info().Str("reason", reason).Str("host", rc.target.Host).Msg("SSH connection released")
}

func (c *Controller) send(msg protocol.Outbound) {
	if err := c.out.Send(msg); err != nil {
		c.log.Debug().Err(err).Msg("Failed to send frame to client")
	}
}

func (c *Controller) auditEntry(rc *remoteConn, action, status string, detail map[string]any) audit.Entry {
	return audit.Entry{
		ConnID:    c.id,
		Action:    action,
		Host:      rc.target.Host,
		Port:      rc.target.Port,
		Username:  rc.target.User,
		IP:        c.clientIP,
		UserAgent: c.userAgent,
		Status:    status,
		Detail:    detail,
	}
}

// watchClient reports the end of the SSH connection.
func (c *Controller) watchClient(gen uint64, client terminal.Client) {
	err := client.Wait()
	if err == nil || errors.Is(err, io.EOF) {
		c.post(sessionEnded{gen: gen})
		return
	}
	c.post(remoteFailed{gen: gen, err: err})
}

// pumpOutput reads the shell and posts output chunks in order. A UTF-8
// sequence split across reads is held back until it is complete.
func (c *Controller) pumpOutput(gen uint64, shell terminal.Shell) {
	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := shell.Read(buf)
		if n > 0 {
			chunk := make([]byte, 0, len(carry)+n)
			chunk = append(chunk, carry...)
			chunk = append(chunk, buf[:n]...)
			complete, rest := splitIncompleteUTF8(chunk)
			carry = append(carry[:0], rest...)
			if len(complete) > 0 && !c.post(outputEvent{gen: gen, data: complete}) {
				return
			}
		}
		if err != nil {
			if len(carry) > 0 {
				c.post(outputEvent{gen: gen, data: carry})
			}
			if errors.Is(err, io.EOF) {
				c.post(streamClosed{gen: gen})
			} else {
				c.post(remoteFailed{gen: gen, err: fmt.Errorf("read from remote shell: %w", err)})
			}
			return
		}
	}
}

// writeInput forwards queued client input to the shell until the queue is closed.
func (c *Controller) writeInput(gen uint64, shell terminal.Shell, q *inputQueue) {
	for {
		batch, ok := q.next()
		if !ok {
			return
		}
		for _, p := range batch {
			if _, err := shell.Write(p); err != nil {
				c.post(remoteFailed{gen: gen, err: fmt.Errorf("write to remote shell: %w", err)})
				return
			}
		}
	}
}
