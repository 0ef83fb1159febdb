package relay

import "errors"

// ErrClosed is returned by Deliver once the controller has stopped.
var ErrClosed = errors.New("relay: controller closed")

// ErrorKind classifies a failure reported to the client.
type ErrorKind string

const (
	// KindProtocol is a malformed inbound frame. No state change.
	KindProtocol ErrorKind = "protocol"
	// KindValidation is a connect request with missing or bad fields. No state change.
	KindValidation ErrorKind = "validation"
	// KindState is an operation invalid for the current state. No state change.
	KindState ErrorKind = "state"
	// KindRemote is an authentication, network or remote-side failure. Releases the session.
	KindRemote ErrorKind = "remote"
	// KindStream is an unexpected end of the remote byte stream. Releases the session.
	KindStream ErrorKind = "stream"
)

// releases reports whether errors of this kind tear the remote connection down.
func (k ErrorKind) releases() bool {
	return k == KindRemote || k == KindStream
}

// Client-visible status messages.
const (
	msgAlreadyConnected     = "Already connected"
	msgNoActiveConnection   = "no active connection"
	msgDisconnectedByClient = "Disconnected by client"
	msgRemoteStreamClosed   = "Remote stream closed"
	msgSessionEnded         = "SSH session ended"
)
