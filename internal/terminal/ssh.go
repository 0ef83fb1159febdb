package terminal

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	cryptossh "golang.org/x/crypto/ssh"
)

const defaultDialTimeout = 20 * time.Second

// SSHConnector establishes SSH connections to remote servers.
// Credentials are never stored; they are consumed once during Connect.
type SSHConnector struct {
	// Timeout bounds the TCP dial and the SSH handshake including authentication.
	Timeout time.Duration
	// HostKeyCallback verifies the server host key. Nil accepts any key.
	HostKeyCallback cryptossh.HostKeyCallback
}

// NewSSHConnector returns a connector with the given auth timeout and host key policy.
func NewSSHConnector(timeout time.Duration, hostKeyCallback cryptossh.HostKeyCallback) *SSHConnector {
	return &SSHConnector{Timeout: timeout, HostKeyCallback: hostKeyCallback}
}

// Connect dials and authenticates. The returned Client must be closed by the caller.
func (c *SSHConnector) Connect(ctx context.Context, cfg ConnectorConfig) (Client, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	hostKeyCallback := c.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = cryptossh.InsecureIgnoreHostKey() //nolint:gosec // policy chosen by HostKeyCallback()
	}

	clientCfg := &cryptossh.ClientConfig{
		User:            cfg.User,
		Auth:            passwordAuthMethods(cfg.Password),
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	// Respect context cancellation during dial
	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, err := dial(addr, clientCfg, timeout)
		ch <- dialResult{cl, err}
	}()

	select {
	case <-ctx.Done():
		// The dial keeps running; close whatever it produces.
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ssh: dial %s: %w", addr, r.err)
		}
		return &sshClient{client: r.client}, nil
	}
}

// dial is cryptossh.Dial with the deadline also covering the handshake, so a
// server that accepts TCP but never finishes authentication still times out.
func dial(addr string, cfg *cryptossh.ClientConfig, timeout time.Duration) (*cryptossh.Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := cryptossh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return cryptossh.NewClient(c, chans, reqs), nil
}

// sshClient wraps an authenticated SSH client.
type sshClient struct {
	client *cryptossh.Client
}

// OpenShell starts the user's login shell on a remote PTY.
func (c *sshClient) OpenShell(ctx context.Context, cols, rows int) (Shell, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh: new session: %w", err)
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: stdout pipe: %w", err)
	}

	// sess.Shell() asks the server for the user's default login shell.
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: start login shell: %w", err)
	}

	if err := ctx.Err(); err != nil {
		sess.Close()
		return nil, err
	}

	return &sshShell{
		session: sess,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

func (c *sshClient) Wait() error  { return c.client.Wait() }
func (c *sshClient) Close() error { return c.client.Close() }

// sshShell wraps an SSH session + remote PTY.
type sshShell struct {
	session   *cryptossh.Session
	stdin     io.WriteCloser
	stdout    io.Reader
	mu        sync.Mutex
	closeOnce sync.Once
}

func (s *sshShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.Write(p)
}

func (s *sshShell) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *sshShell) Resize(cols, rows int) {
	if err := s.session.WindowChange(rows, cols); err != nil {
		log.Debug().Err(err).Int("cols", cols).Int("rows", rows).Msg("ssh window change failed")
	}
}

func (s *sshShell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.stdin.Close()
		err = s.session.Close()
		if err == io.EOF {
			err = nil
		}
	})
	return err
}

// passwordAuthMethods offers the password both as plain password auth and as
// the answer to every keyboard-interactive prompt, since many servers only
// enable the latter.
func passwordAuthMethods(password string) []cryptossh.AuthMethod {
	return []cryptossh.AuthMethod{
		cryptossh.Password(password),
		cryptossh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}
}

// ensure interface compliance
var _ Connector = (*SSHConnector)(nil)
var _ Client = (*sshClient)(nil)
var _ Shell = (*sshShell)(nil)
