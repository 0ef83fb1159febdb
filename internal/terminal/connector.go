// Package terminal provides the remote shell capability used by the relay.
//
// A Connector authenticates to a remote host and yields a Client; the Client
// opens exactly one interactive Shell with a PTY of the requested size. The
// relay never sees the SSH library directly, only these interfaces:
//   - SSHConnector: golang.org/x/crypto/ssh password / keyboard-interactive login
package terminal

import (
	"context"
	"io"
)

// ConnectorConfig carries the parameters required to open a connection.
type ConnectorConfig struct {
	// Host is the target hostname or IP address.
	Host string
	// Port is the target TCP port (e.g. 22 for SSH).
	Port int
	// User is the login username.
	User string
	// Password is the login credential. It is held only for the dial.
	Password string
}

// Connector creates an authenticated Client for a given target.
// Implementations must be safe for concurrent use.
type Connector interface {
	Connect(ctx context.Context, cfg ConnectorConfig) (Client, error)
}

// Client is one authenticated connection to a remote host.
type Client interface {
	// OpenShell requests a PTY of cols x rows and starts the login shell.
	OpenShell(ctx context.Context, cols, rows int) (Shell, error)
	// Wait blocks until the connection ends. A nil or io.EOF result means the
	// remote side ended the session normally.
	Wait() error
	// Close tears down the connection and every shell opened on it.
	Close() error
}

// Shell is the byte stream of one interactive remote shell.
// Read returns io.EOF once the remote stream is closed.
type Shell interface {
	io.ReadWriter
	// Resize changes the remote PTY dimensions. Failures are not reported to
	// the caller.
	Resize(cols, rows int)
	// Close terminates the shell. It is safe to call more than once.
	Close() error
}
