package relay

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/websoft9/webssh/internal/protocol"
	"github.com/websoft9/webssh/internal/terminal"
)

// State is the lifecycle state of a Controller.
type State int32

const (
	// StateIdle has no remote connection and accepts Connect.
	StateIdle State = iota
	// StateConnecting covers authentication and shell opening.
	StateConnecting
	// StateActive has an open shell with the relay running in both directions.
	StateActive
	// StateClosed is terminal: the transport is gone.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// remoteConn is one authenticate+shell attempt. It is owned by the
// controller's run loop; helper goroutines only see the generation number.
type remoteConn struct {
	gen    uint64
	target terminal.ConnectorConfig
	size   protocol.Size

	ctx    context.Context
	cancel context.CancelFunc

	client terminal.Client // set once authenticated
	shell  terminal.Shell  // set once Active
	input  *inputQueue     // set once Active

	startedAt time.Time
	activeAt  time.Time
	bytesIn   int64
	bytesOut  int64
}

// inputQueue is an unbounded FIFO between the run loop and the shell writer,
// so a remote that stops reading stdin never stalls the run loop.
type inputQueue struct {
	mu      sync.Mutex
	pending [][]byte
	closed  bool
	notify  chan struct{}
}

func newInputQueue() *inputQueue {
	return &inputQueue{notify: make(chan struct{}, 1)}
}

func (q *inputQueue) push(p []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, p)
	q.mu.Unlock()
	q.wake()
}

func (q *inputQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
	q.wake()
}

// next blocks until data is queued or the queue is closed. It returns every
// pending chunk in arrival order.
func (q *inputQueue) next() ([][]byte, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.pending) > 0 {
			batch := q.pending
			q.pending = nil
			q.mu.Unlock()
			return batch, true
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (q *inputQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// splitIncompleteUTF8 splits p before a trailing UTF-8 sequence that has been
// started but not finished. Invalid bytes are never held back.
func splitIncompleteUTF8(p []byte) (complete, rest []byte) {
	start := len(p) - maxUTF8Sequence
	if start < 0 {
		start = 0
	}
	for i := len(p) - 1; i >= start; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return p, nil
		}
		return p[:i], p[i:]
	}
	return p, nil
}
