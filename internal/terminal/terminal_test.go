package terminal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	testUser     = "root"
	testPassword = "s3cret"
)

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

// testSSHServer starts an in-process SSH server that supports PTY and shell
// sessions. It reports the PTY size on shell start, reports window changes,
// echoes stdin back with an "echo:" prefix and closes the channel when it
// receives "exit\n".
func testSSHServer(t *testing.T, hostKey ssh.Signer) (host string, port int) {
	t.Helper()

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(password) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestConnection(netConn, config)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		<-done
	})

	addr := listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func handleTestConnection(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleTestSession(ch, requests)
	}
}

func handleTestSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	var cols, rows uint32
	for req := range requests {
		switch req.Type {
		case "pty-req":
			var pty struct {
				Term          string
				Cols, Rows    uint32
				Width, Height uint32
				Modes         string
			}
			if err := ssh.Unmarshal(req.Payload, &pty); err == nil {
				cols, rows = pty.Cols, pty.Rows
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 8 {
				c := binary.BigEndian.Uint32(req.Payload[0:4])
				r := binary.BigEndian.Uint32(req.Payload[4:8])
				ch.Write([]byte(fmt.Sprintf("resize:%dx%d\n", c, r)))
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			ch.Write([]byte(fmt.Sprintf("pty:%dx%d\n", cols, rows)))
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						if string(buf[:n]) == "exit\n" {
							ch.CloseWrite()
							ch.Close()
							return
						}
						ch.Write([]byte("echo:"))
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// readUntil reads from r until the accumulated output contains the target
// string or the timeout expires.
func readUntil(t *testing.T, r io.Reader, target string, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	var accumulated string
	buf := make([]byte, 4096)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %q, got: %q", target, accumulated)
		default:
		}
		n, err := r.Read(buf)
		if n > 0 {
			accumulated += string(buf[:n])
		}
		if strings.Contains(accumulated, target) {
			return accumulated
		}
		if err != nil {
			t.Fatalf("read error waiting for %q: %v, accumulated: %q", target, err, accumulated)
		}
	}
}

func connectTestClient(t *testing.T) Client {
	t.Helper()
	host, port := testSSHServer(t, newTestSigner(t))
	c := NewSSHConnector(5*time.Second, nil)
	client, err := c.Connect(context.Background(), ConnectorConfig{
		Host: host, Port: port, User: testUser, Password: testPassword,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSSHConnector_OpenShellRequestsPTYSize(t *testing.T) {
	client := connectTestClient(t)

	shell, err := client.OpenShell(context.Background(), 80, 24)
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer shell.Close()

	readUntil(t, shell, "pty:80x24", 5*time.Second)
}

func TestSSHConnector_WriteIsEchoed(t *testing.T) {
	client := connectTestClient(t)
	shell, err := client.OpenShell(context.Background(), 80, 24)
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer shell.Close()
	readUntil(t, shell, "pty:", 5*time.Second)

	if _, err := shell.Write([]byte("ls\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readUntil(t, shell, "echo:ls\n", 5*time.Second)
}

func TestSSHConnector_ResizeSendsWindowChange(t *testing.T) {
	client := connectTestClient(t)
	shell, err := client.OpenShell(context.Background(), 80, 24)
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer shell.Close()
	readUntil(t, shell, "pty:", 5*time.Second)

	shell.Resize(120, 40)
	readUntil(t, shell, "resize:120x40", 5*time.Second)
}

func TestSSHConnector_ReadReturnsEOFWhenRemoteCloses(t *testing.T) {
	client := connectTestClient(t)
	shell, err := client.OpenShell(context.Background(), 80, 24)
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer shell.Close()
	readUntil(t, shell, "pty:", 5*time.Second)

	if _, err := shell.Write([]byte("exit\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 1024)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := shell.Read(buf)
		if err == io.EOF {
			return
		}
		if err != nil {
			t.Fatalf("Read error = %v, want io.EOF", err)
		}
	}
	t.Fatal("timeout waiting for io.EOF")
}

func TestSSHConnector_ShellCloseIsIdempotent(t *testing.T) {
	client := connectTestClient(t)
	shell, err := client.OpenShell(context.Background(), 80, 24)
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	_ = shell.Close()
	if err := shell.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestSSHConnector_WrongPassword(t *testing.T) {
	host, port := testSSHServer(t, newTestSigner(t))
	c := NewSSHConnector(5*time.Second, nil)
	_, err := c.Connect(context.Background(), ConnectorConfig{
		Host: host, Port: port, User: testUser, Password: "wrong",
	})
	if err == nil {
		t.Fatal("expected authentication error")
	}
	if !strings.HasPrefix(err.Error(), "ssh: dial ") {
		t.Errorf("error %q should be wrapped with the dial address", err)
	}
}

func TestSSHConnector_ContextCanceledDuringHandshake(t *testing.T) {
	// A listener that accepts TCP but never speaks SSH.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	c := NewSSHConnector(10*time.Second, nil)
	_, err = c.Connect(ctx, ConnectorConfig{
		Host: "127.0.0.1", Port: addr.Port, User: testUser, Password: testPassword,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect error = %v, want context.Canceled", err)
	}
}

func TestSSHConnector_HandshakeTimeout(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	c := NewSSHConnector(100*time.Millisecond, nil)
	start := time.Now()
	_, err = c.Connect(context.Background(), ConnectorConfig{
		Host: "127.0.0.1", Port: port, User: testUser, Password: testPassword,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Connect took %v, timeout not enforced", time.Since(start))
	}
}

func TestPasswordAuthMethods(t *testing.T) {
	methods := passwordAuthMethods("secret123")
	if len(methods) != 2 {
		t.Fatalf("len(methods) = %d, want 2", len(methods))
	}
	for i, m := range methods {
		if m == nil {
			t.Errorf("method %d is nil", i)
		}
	}
}

func isolateKnownHosts(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	orig := systemKnownHosts
	systemKnownHosts = filepath.Join(home, "no-such-known-hosts")
	t.Cleanup(func() { systemKnownHosts = orig })
	return home
}

func TestHostKeyCallback_StrictWithoutFiles(t *testing.T) {
	isolateKnownHosts(t)

	_, err := HostKeyCallback("", true)
	if !errors.Is(err, ErrNoKnownHosts) {
		t.Fatalf("err = %v, want ErrNoKnownHosts", err)
	}
}

func TestHostKeyCallback_PermissiveWithoutFiles(t *testing.T) {
	isolateKnownHosts(t)

	cb, err := HostKeyCallback("", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := newTestSigner(t).PublicKey()
	if err := cb("example.com:22", &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 22}, key); err != nil {
		t.Errorf("permissive callback rejected key: %v", err)
	}
}

func TestHostKeyCallback_VerifiesAgainstKnownHosts(t *testing.T) {
	home := isolateKnownHosts(t)

	known := newTestSigner(t).PublicKey()
	path := filepath.Join(home, "custom_known_hosts")
	line := knownhosts.Line([]string{"10.0.0.5"}, known) + "\n"
	if err := os.WriteFile(path, []byte(line), 0600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}

	cb, err := HostKeyCallback(path, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	remote := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 22}
	if err := cb("10.0.0.5:22", remote, known); err != nil {
		t.Errorf("known key rejected: %v", err)
	}
	other := newTestSigner(t).PublicKey()
	if err := cb("10.0.0.5:22", remote, other); err == nil {
		t.Error("mismatched key accepted")
	}
}

func TestSSHConnector_RejectsUnknownHostKey(t *testing.T) {
	home := isolateKnownHosts(t)

	hostKey := newTestSigner(t)
	host, port := testSSHServer(t, hostKey)

	// known_hosts lists a different key for the server address.
	path := filepath.Join(home, "known_hosts")
	hostPattern := knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))
	line := knownhosts.Line([]string{hostPattern}, newTestSigner(t).PublicKey()) + "\n"
	if err := os.WriteFile(path, []byte(line), 0600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	cb, err := HostKeyCallback(path, true)
	if err != nil {
		t.Fatalf("HostKeyCallback: %v", err)
	}

	c := NewSSHConnector(5*time.Second, cb)
	_, err = c.Connect(context.Background(), ConnectorConfig{
		Host: host, Port: port, User: testUser, Password: testPassword,
	})
	if err == nil {
		t.Fatal("expected host key mismatch error")
	}
}
