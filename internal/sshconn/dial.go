package sshconn

import (
	"context"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/ssh"
)

const (
	AuthMethodPassword  = "password"
	AuthMethodPublicKey = "publicKey"
)

// Credentials is the decrypted dial material for one connection. A snapshot
// is retained on the connection for the transparent reconnect; it is dropped
// when the connection is torn down.
type Credentials struct {
	Host       string
	Port       int
	Username   string
	AuthMethod string
	Password   string
	PrivateKey string
	Passphrase string
}

// scrub overwrites the secret fields.
func (c *Credentials) scrub() {
	c.Password = ""
	c.PrivateKey = ""
	c.Passphrase = ""
}

func (c Credentials) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		return []ssh.AuthMethod{ssh.Password(c.Password)}, nil
	case AuthMethodPublicKey:
		var signer ssh.Signer
		var err error
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.PrivateKey), []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(c.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", c.AuthMethod)
	}
}

// shellSession is a live pty-backed shell on an SSH client.
type shellSession struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// dialSSH establishes the SSH transport. The context bounds the TCP dial;
// the handshake is bounded by the client config timeout.
func (m *Manager) dialSSH(ctx context.Context, creds Credentials) (*ssh.Client, error) {
	methods, err := creds.authMethods()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         m.dialTimeout,
	}

	addr := net.JoinHostPort(creds.Host, fmt.Sprintf("%d", creds.Port))
	dialer := net.Dialer{Timeout: m.dialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// openShell requests a pty with the given dimensions and starts the remote
// login shell. Output is not line-buffered; the raw byte stream flows through
// stdout.
func openShell(client *ssh.Client, cols, rows int) (*shellSession, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	// With a pty allocated the remote merges stderr into the terminal
	// stream, so a single stdout reader carries everything.
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &shellSession{session: session, stdin: stdin, stdout: stdout}, nil
}
