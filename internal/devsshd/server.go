// Package devsshd is a small password-authenticated SSH server that runs a
// local login shell on a PTY. It gives the relay a target to talk to in
// development and in end-to-end tests; it is not meant to face the internet.
package devsshd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"
)

// defaultRateLimit is the maximum number of new TCP connections accepted per second.
const defaultRateLimit rate.Limit = 10

// handshakeTimeout is the deadline for the SSH handshake and password check.
// It is cleared once the client is authenticated.
const handshakeTimeout = 15 * time.Second

// hostKeyFile is the filename (within DataDir) that stores the persistent host key.
const hostKeyFile = "devsshd_host_key"

// Server accepts SSH connections for one fixed user and serves each
// "session" channel with Shell running on a PTY.
type Server struct {
	// DataDir is the directory used to persist the host key.
	DataDir string
	// ListenAddr is the address ListenAndServe binds to (default ":2222").
	ListenAddr string
	// Username and Password are the only accepted credentials.
	Username string
	Password string
	// Shell is the program started for each session (default $SHELL, then /bin/sh).
	Shell string
	// RateLimit sets the maximum new connections/second (default 10).
	RateLimit rate.Limit

	sshCfg  *ssh.ServerConfig
	limiter *rate.Limiter
}

// ListenAndServe binds ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.ListenAddr
	if addr == "" {
		addr = ":2222"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("devsshd: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. The host key is
// loaded from (or generated into) DataDir/devsshd_host_key.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.init(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("devsshd: server init: %w", err)
	}
	log.Info().Str("addr", ln.Addr().String()).Str("user", s.Username).Msg("Dev SSH server listening")

	// Close listener when context is cancelled.
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			continue
		}
		if !s.limiter.Allow() {
			_ = conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshCfg)
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("SSH handshake failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	logger := log.With().Str("remote", sshConn.RemoteAddr().String()).Str("user", sshConn.User()).Logger()
	logger.Info().Msg("SSH client authenticated")

	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to accept session channel")
			continue
		}
		go s.serveSession(ch, chReqs)
	}
	logger.Info().Msg("SSH client disconnected")
}

// ptyRequest is the payload of a "pty-req" channel request (RFC 4254 6.2).
type ptyRequest struct {
	Term     string
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    string
}

// windowChange is the payload of a "window-change" request (RFC 4254 6.7).
type windowChange struct {
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
}

type exitStatus struct {
	Status uint32
}

func (s *Server) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	var (
		term    = "xterm-256color"
		size    = &pty.Winsize{Cols: 80, Rows: 24}
		ptmx    *os.File
		started bool
		done    = make(chan struct{})
		mu      sync.Mutex
	)

	for {
		select {
		case <-done:
			return
		case req, ok := <-reqs:
			if !ok {
				mu.Lock()
				if ptmx != nil {
					_ = ptmx.Close()
				}
				mu.Unlock()
				return
			}
			switch req.Type {
			case "pty-req":
				var p ptyRequest
				if err := ssh.Unmarshal(req.Payload, &p); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				if p.Term != "" {
					term = p.Term
				}
				size = &pty.Winsize{Cols: uint16(p.Cols), Rows: uint16(p.Rows)}
				_ = req.Reply(true, nil)

			case "window-change":
				var wc windowChange
				if err := ssh.Unmarshal(req.Payload, &wc); err != nil {
					continue
				}
				mu.Lock()
				size = &pty.Winsize{Cols: uint16(wc.Cols), Rows: uint16(wc.Rows)}
				if ptmx != nil {
					if err := pty.Setsize(ptmx, size); err != nil {
						log.Debug().Err(err).Msg("PTY resize failed")
					}
				}
				mu.Unlock()

			case "shell":
				if started {
					_ = req.Reply(false, nil)
					continue
				}
				f, err := s.startShell(ch, term, size, done)
				if err != nil {
					log.Error().Err(err).Msg("Failed to start shell")
					_ = req.Reply(false, nil)
					return
				}
				mu.Lock()
				ptmx = f
				mu.Unlock()
				started = true
				_ = req.Reply(true, nil)

			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}
	}
}

// startShell runs the shell on a new PTY and pumps it to and from ch. done
// is closed after the shell exits and its exit status has been sent.
func (s *Server) startShell(ch ssh.Channel, term string, size *pty.Winsize, done chan struct{}) (*os.File, error) {
	cmd := exec.Command(s.shellPath())
	cmd.Env = append(os.Environ(), "TERM="+term)

	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	go func() { _, _ = io.Copy(ptmx, ch) }()
	go func() {
		_, _ = io.Copy(ch, ptmx)
		code := 0
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		_ = ptmx.Close()
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: uint32(code)}))
		close(done)
	}()
	return ptmx, nil
}

func (s *Server) shellPath() string {
	if s.Shell != "" {
		return s.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// --- initialisation -------------------------------------------------------

func (s *Server) init() error {
	if s.Username == "" || s.Password == "" {
		return fmt.Errorf("devsshd: Username and Password must be set")
	}

	rl := s.RateLimit
	if rl == 0 {
		rl = defaultRateLimit
	}
	s.limiter = rate.NewLimiter(rl, int(rl)+1)

	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return err
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: s.checkPassword,
		ServerVersion:    "SSH-2.0-webssh-devsshd",
	}
	cfg.AddHostKey(hostKey)
	s.sshCfg = cfg
	return nil
}

func (s *Server) checkPassword(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	userOK := subtle.ConstantTimeCompare([]byte(meta.User()), []byte(s.Username)) == 1
	passOK := subtle.ConstantTimeCompare(password, []byte(s.Password)) == 1
	if userOK && passOK {
		return &ssh.Permissions{}, nil
	}
	return nil, fmt.Errorf("devsshd: invalid credentials for %q", meta.User())
}

// loadOrGenerateHostKey reads the Ed25519 host key from DataDir/devsshd_host_key.
// If the file does not exist, a new key is generated and saved.
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	path := filepath.Join(s.DataDir, hostKeyFile)

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read host key %s: %w", path, err)
	}

	if err == nil {
		if b, _ := pem.Decode(data); b == nil {
			return nil, fmt.Errorf("devsshd: host key file %s contains no PEM block", path)
		}
		key, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("devsshd: parse host key: %w", err)
		}
		return ssh.NewSignerFromKey(key)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("devsshd: generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("devsshd: encode host key: %w", err)
	}

	if err := os.MkdirAll(s.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("devsshd: create data dir: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("devsshd: write host key: %w", err)
	}
	log.Info().Str("path", path).Msg("Generated new host key")

	return ssh.NewSignerFromKey(priv)
}
