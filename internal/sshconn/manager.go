package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultCols = 80
	DefaultRows = 24
	MaxCols     = 300
	MaxRows     = 100

	keepaliveInterval = 60 * time.Second
	readBufferSize    = 32 * 1024
	eventBuffer       = 256
)

// reconnectDelay is how long a dropped connection waits before its single
// transparent redial. Overridden in tests.
var reconnectDelay = 5 * time.Second

var (
	ErrNotFound     = errors.New("ssh connection not found")
	ErrNotConnected = errors.New("ssh connection is not connected")
)

// Manager owns every live SSH connection in the process. Connections are
// keyed by an opaque ID handed back from Create; ownership of that ID is the
// caller's concern.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*Connection

	dialTimeout time.Duration

	nowFn func() time.Time
}

func NewManager(dialTimeout time.Duration) *Manager {
	return &Manager{
		conns:       make(map[string]*Connection),
		dialTimeout: dialTimeout,
		nowFn:       time.Now,
	}
}

// Connection is one live SSH shell. All mutable state is guarded by mu;
// event emission has its own lock so status changes never block behind a
// slow stdin write.
type Connection struct {
	ID        string
	UserID    string
	ProfileID string

	mgr *Manager

	mu           sync.Mutex
	client       *ssh.Client
	shell        *shellSession
	status       Status
	cols, rows   int
	lastActivity time.Time
	creds        Credentials

	log transitionLog

	events       chan Event
	emitMu       sync.Mutex
	eventsClosed bool

	// generation invalidates the read and keepalive loops of a replaced
	// transport after a reconnect.
	generation uint64

	reconnectArmed atomic.Bool
	closeOnce      sync.Once
	done           chan struct{}
}

// Create dials the target and starts a remote shell. The returned
// connection's event channel already holds the connecting and connected
// status events, in that order, so a consumer attached afterwards still
// observes the full lifecycle. On failure no connection is registered and
// the error describes the dial or shell problem.
func (m *Manager) Create(ctx context.Context, userID, profileID string, creds Credentials, cols, rows int) (*Connection, error) {
	cols, rows = clampSize(cols, rows)

	c := &Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		ProfileID:    profileID,
		mgr:          m,
		status:       StatusDisconnected,
		cols:         cols,
		rows:         rows,
		lastActivity: m.nowFn(),
		creds:        creds,
		events:       make(chan Event, eventBuffer),
		done:         make(chan struct{}),
	}

	c.setStatus(StatusConnecting, "dial", "")

	client, err := m.dialSSH(ctx, creds)
	if err != nil {
		c.setStatus(StatusError, "dial failed", err.Error())
		c.closeEvents()
		return nil, err
	}

	shell, err := openShell(client, cols, rows)
	if err != nil {
		client.Close()
		c.setStatus(StatusError, "shell failed", err.Error())
		c.closeEvents()
		return nil, err
	}

	c.mu.Lock()
	c.client = client
	c.shell = shell
	gen := c.generation
	c.mu.Unlock()

	c.setStatus(StatusConnected, "established", "")

	m.mu.Lock()
	m.conns[c.ID] = c
	m.mu.Unlock()

	go c.readLoop(shell.stdout, gen)
	go c.keepaliveLoop(client, gen)

	return c, nil
}

// Get returns the connection with the given ID, if the caller owns it.
func (m *Manager) Get(id, userID string) (*Connection, error) {
	m.mu.Lock()
	c, ok := m.conns[id]
	m.mu.Unlock()
	if !ok || c.UserID != userID {
		return nil, ErrNotFound
	}
	return c, nil
}

// SendInput forwards raw keystrokes to the remote shell. Input is rejected
// while the connection is anywhere but the connected state so keystrokes are
// never silently dropped mid-reconnect.
func (c *Connection) SendInput(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected {
		return ErrNotConnected
	}
	if _, err := c.shell.stdin.Write(data); err != nil {
		return fmt.Errorf("write to shell: %w", err)
	}
	c.lastActivity = c.mgr.nowFn()
	return nil
}

// Resize changes the remote pty dimensions. Out-of-range values are clamped
// rather than rejected. The clamped size is remembered so a reconnect
// reopens the shell at the current geometry.
func (c *Connection) Resize(cols, rows int) error {
	cols, rows = clampSize(cols, rows)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cols, c.rows = cols, rows
	if c.status != StatusConnected {
		return ErrNotConnected
	}
	if err := c.shell.session.WindowChange(rows, cols); err != nil {
		return fmt.Errorf("window change: %w", err)
	}
	c.lastActivity = c.mgr.nowFn()
	return nil
}

func clampSize(cols, rows int) (int, int) {
	if cols < 1 {
		cols = 1
	} else if cols > MaxCols {
		cols = MaxCols
	}
	if rows < 1 {
		rows = 1
	} else if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}

// Events returns the connection's event stream. The consumer must drain it
// until close.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// History returns the recorded state transitions, oldest first.
func (c *Connection) History() []Transition {
	return c.log.history()
}

// LastActivity reports the time of the most recent input or output.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Close tears the connection down. Idempotent: only the first call emits the
// final disconnected status and closes the event channel.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		from := c.status
		c.status = StatusDisconnected
		shell, client := c.shell, c.client
		c.shell, c.client = nil, nil
		c.creds.scrub()
		c.mu.Unlock()

		if shell != nil {
			shell.session.Close()
		}
		if client != nil {
			client.Close()
		}

		c.log.add(from, StatusDisconnected, "closed")
		c.emit(Event{ConnectionID: c.ID, Type: EventStatus, Status: StatusDisconnected})
		c.closeEvents()

		c.mgr.mu.Lock()
		delete(c.mgr.conns, c.ID)
		c.mgr.mu.Unlock()
	})
}

// CloseAll tears down every connection. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// ReapIdle closes connections with no activity since the cutoff and returns
// their IDs.
func (m *Manager) ReapIdle(idleTimeout time.Duration) []string {
	cutoff := m.nowFn().Add(-idleTimeout)

	m.mu.Lock()
	var stale []*Connection
	for _, c := range m.conns {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		log.Printf("Reaping idle SSH connection %s (profile %s)", c.ID, c.ProfileID)
		c.Close()
		ids = append(ids, c.ID)
	}
	return ids
}

// setStatus records the transition and emits it to the consumer.
func (c *Connection) setStatus(to Status, reason, msg string) {
	c.mu.Lock()
	from := c.status
	c.status = to
	c.mu.Unlock()
	c.log.add(from, to, reason)
	c.emit(Event{ConnectionID: c.ID, Type: EventStatus, Status: to, Message: msg})
}

// readLoop pumps shell output into the event channel until the transport
// dies or the connection is closed. gen identifies the transport this loop
// belongs to; a stale loop exits quietly after a reconnect has replaced it.
func (c *Connection) readLoop(stdout io.Reader, gen uint64) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.mu.Lock()
			live := c.generation == gen
			if live {
				c.lastActivity = c.mgr.nowFn()
			}
			c.mu.Unlock()
			if !live {
				return
			}
			c.emit(Event{ConnectionID: c.ID, Type: EventData, Data: data})
		}
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.mu.Lock()
			live := c.generation == gen
			c.mu.Unlock()
			if !live {
				return
			}
			if errors.Is(err, io.EOF) {
				// Remote closed the channel (exit, logout).
				c.setStatus(StatusDisconnected, "remote closed", "")
			} else {
				c.setStatus(StatusError, "transport error", err.Error())
			}
			c.scheduleReconnect(gen)
			return
		}
	}
}

// keepaliveLoop sends an OpenSSH-style keepalive so NAT tables and
// firewalls keep the idle transport alive. A failed keepalive means the
// transport is gone; the read loop will observe the same failure and drive
// the state change, so this loop just exits.
func (c *Connection) keepaliveLoop(client *ssh.Client, gen uint64) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			live := c.generation == gen
			c.mu.Unlock()
			if !live {
				return
			}
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}
