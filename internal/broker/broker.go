package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/shellgate/shellgate/internal/assistant"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/profiles"
	"github.com/shellgate/shellgate/internal/sshconn"
)

// Frame types accepted from the client.
const (
	msgSSHConnect     = "ssh:connect"
	msgSSHDisconnect  = "ssh:disconnect"
	msgTerminalInput  = "terminal:input"
	msgTerminalResize = "terminal:resize"
	msgTerminalClear  = "terminal:clear"
	msgAITranslate    = "ai:translate"
	msgAIExplain      = "ai:explain"
	msgAIQuery        = "ai:query"
	msgSessionList    = "session:list"
)

// Frame types sent to the client.
const (
	msgTerminalOutput = "terminal:output"
	msgSSHStatus      = "ssh:status"
	msgAIResponse     = "ai:response"
	msgError          = "error"
)

// inboundFrame is the tagged union read off the client socket. Type is the
// discriminant; the other fields are populated per type and ignored
// otherwise.
type inboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ProfileID string `json:"profileId"`
	Title     string `json:"title"`
	Data      string `json:"data"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	Prompt    string `json:"prompt"`
	Context   string `json:"context"`
	Command   string `json:"command"`
}

// outputFrame carries raw shell bytes. Data is base64 on the wire: the read
// loop chunks at arbitrary boundaries, so a chunk may split a multi-byte rune
// or hold binary output that a JSON string cannot represent.
type outputFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

type statusFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type aiResponseFrame struct {
	Type        string   `json:"type"`
	SessionID   string   `json:"sessionId,omitempty"`
	Commands    []string `json:"commands"`
	Explanation string   `json:"explanation"`
	Warnings    []string `json:"warnings"`
	Confidence  float64  `json:"confidence"`
}

type sessionListFrame struct {
	Type     string                     `json:"type"`
	Sessions []database.TerminalSession `json:"sessions"`
}

type errorFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
}

// Broker serves one authenticated client socket. It owns the mapping from
// client-visible session IDs to SSH connection IDs; a client can only ever
// drive connections created through its own broker.
type Broker struct {
	userID   string
	conn     *websocket.Conn
	manager  *sshconn.Manager
	profiles *profiles.Store
	assist   *assistant.Bridge // nil when no provider is configured

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]string // session ID -> connection ID

	pumps sync.WaitGroup
}

func New(userID string, conn *websocket.Conn, manager *sshconn.Manager, store *profiles.Store, assist *assistant.Bridge) *Broker {
	return &Broker{
		userID:   userID,
		conn:     conn,
		manager:  manager,
		profiles: store,
		assist:   assist,
		sessions: make(map[string]string),
	}
}

// Run reads frames off the socket until it closes, then tears down every
// owned SSH connection. Blocks for the lifetime of the socket.
func (b *Broker) Run(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cleanup()

	for {
		_, data, err := b.conn.Read(b.ctx)
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.write(errorFrame{Type: msgError, Error: "malformed frame"})
			continue
		}
		b.dispatch(frame)
	}
}

func (b *Broker) dispatch(f inboundFrame) {
	switch f.Type {
	case msgSSHConnect:
		b.handleConnect(f)
	case msgSSHDisconnect:
		b.handleDisconnect(f)
	case msgTerminalInput:
		b.handleInput(f)
	case msgTerminalResize:
		b.handleResize(f)
	case msgTerminalClear:
		// Client-side visual clear; nothing to do here.
	case msgAITranslate, msgAIQuery:
		b.handleTranslate(f)
	case msgAIExplain:
		b.handleExplain(f)
	case msgSessionList:
		b.handleSessionList()
	default:
		b.write(errorFrame{Type: msgError, Error: "unknown message type: " + logging.Sanitize(f.Type)})
	}
}

func (b *Broker) handleConnect(f inboundFrame) {
	if f.SessionID == "" || f.ProfileID == "" {
		b.write(errorFrame{Type: msgError, SessionID: f.SessionID, Error: "sessionId and profileId are required"})
		return
	}

	b.mu.Lock()
	_, exists := b.sessions[f.SessionID]
	b.mu.Unlock()
	if exists {
		b.write(errorFrame{Type: msgError, SessionID: f.SessionID, Error: "session is already connected"})
		return
	}

	target, err := b.profiles.ResolveForConnect(b.userID, f.ProfileID)
	if err != nil {
		if errors.Is(err, profiles.ErrNotFound) {
			b.write(errorFrame{Type: msgError, SessionID: f.SessionID, Error: "profile not found"})
		} else {
			log.Printf("Resolve profile %s for user %s: %v", f.ProfileID, b.userID, err)
			b.write(errorFrame{Type: msgError, SessionID: f.SessionID, Error: "could not resolve profile"})
		}
		return
	}

	title := f.Title
	if title == "" {
		title = target.Username + "@" + target.Host
	}
	record := &database.TerminalSession{
		ID:           f.SessionID,
		UserID:       b.userID,
		ProfileID:    f.ProfileID,
		Status:       sshconn.StatusConnecting.String(),
		Title:        title,
		LastActivity: time.Now(),
	}
	if err := database.UpsertTerminalSession(record); err != nil {
		log.Printf("Persist terminal session %s: %v", f.SessionID, err)
	}

	creds := sshconn.Credentials{
		Host:       target.Host,
		Port:       target.Port,
		Username:   target.Username,
		AuthMethod: target.Credentials.AuthMethod,
		Password:   target.Credentials.Password,
		PrivateKey: target.Credentials.PrivateKey,
		Passphrase: target.Credentials.Passphrase,
	}

	conn, err := b.manager.Create(b.ctx, b.userID, f.ProfileID, creds, f.Cols, f.Rows)
	if err != nil {
		log.Printf("SSH connect for session %s failed: %v", f.SessionID, err)
		b.write(statusFrame{Type: msgSSHStatus, SessionID: f.SessionID, Status: sshconn.StatusError.String(), Error: "connection failed"})
		if err := database.UpdateSessionStatus(f.SessionID, sshconn.StatusError.String()); err != nil {
			log.Printf("Update session %s status: %v", f.SessionID, err)
		}
		return
	}

	b.mu.Lock()
	b.sessions[f.SessionID] = conn.ID
	b.mu.Unlock()

	b.pumps.Add(1)
	go b.pump(f.SessionID, conn)
}

// pump translates one connection's events into client frames. The event
// channel already holds the connecting and connected statuses from the dial,
// so the client observes the full lifecycle in order. Runs until the channel
// closes, which happens exactly once, after the final disconnected status.
func (b *Broker) pump(sessionID string, conn *sshconn.Connection) {
	defer b.pumps.Done()
	for ev := range conn.Events() {
		switch ev.Type {
		case sshconn.EventData:
			b.write(outputFrame{Type: msgTerminalOutput, SessionID: sessionID, Data: ev.Data})
		case sshconn.EventStatus:
			b.write(statusFrame{Type: msgSSHStatus, SessionID: sessionID, Status: ev.Status.String(), Error: ev.Message})
			if err := database.UpdateSessionStatus(sessionID, ev.Status.String()); err != nil {
				log.Printf("Update session %s status: %v", sessionID, err)
			}
		}
	}

	b.mu.Lock()
	if b.sessions[sessionID] == conn.ID {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
}

func (b *Broker) lookup(sessionID string) (*sshconn.Connection, bool) {
	b.mu.Lock()
	connID, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	conn, err := b.manager.Get(connID, b.userID)
	if err != nil {
		return nil, false
	}
	return conn, true
}

func (b *Broker) handleDisconnect(f inboundFrame) {
	conn, ok := b.lookup(f.SessionID)
	if !ok {
		b.write(errorFrame{Type: msgError, SessionID: f.SessionID, Error: "unknown session"})
		return
	}
	// The pump delivers the final disconnected status, updates the durable
	// row and removes the mapping.
	conn.Close()
}

func (b *Broker) handleInput(f inboundFrame) {
	conn, ok := b.lookup(f.SessionID)
	if !ok {
		b.write(errorFrame{Type: msgError, SessionID: f.SessionID, Error: "unknown session"})
		return
	}
	if err := conn.SendInput([]byte(f.Data)); err != nil {
		b.write(errorFrame{Type: msgError, SessionID: f.SessionID, Error: "input failed: session is not connected"})
	}
}

func (b *Broker) handleResize(f inboundFrame) {
	conn, ok := b.lookup(f.SessionID)
	if !ok {
		b.write(errorFrame{Type: msgError, SessionID: f.SessionID, Error: "unknown session"})
		return
	}
	if err := conn.Resize(f.Cols, f.Rows); err != nil {
		b.write(errorFrame{Type: msgError, SessionID: f.SessionID, Error: "resize failed: session is not connected"})
	}
}

func (b *Broker) handleTranslate(f inboundFrame) {
	if b.assist == nil {
		b.writeAssistUnavailable(f.SessionID, "assistant is not configured")
		return
	}
	result, err := b.assist.Translate(b.ctx, b.userID, b.sessionRef(f.SessionID), f.Prompt, f.Context)
	if err != nil {
		log.Printf("Assistant translate for user %s: %v", b.userID, err)
		b.writeAssistUnavailable(f.SessionID, "assistant is temporarily unavailable")
		return
	}
	b.writeAssistResult(f.SessionID, result)
}

func (b *Broker) handleExplain(f inboundFrame) {
	if b.assist == nil {
		b.writeAssistUnavailable(f.SessionID, "assistant is not configured")
		return
	}
	command := f.Command
	if command == "" {
		command = f.Prompt
	}
	result, err := b.assist.Explain(b.ctx, b.userID, b.sessionRef(f.SessionID), command)
	if err != nil {
		log.Printf("Assistant explain for user %s: %v", b.userID, err)
		b.writeAssistUnavailable(f.SessionID, "assistant is temporarily unavailable")
		return
	}
	b.writeAssistResult(f.SessionID, result)
}

func (b *Broker) handleSessionList() {
	sessions, err := database.ListLiveSessions(b.userID)
	if err != nil {
		log.Printf("List sessions for user %s: %v", b.userID, err)
		b.write(errorFrame{Type: msgError, Error: "could not list sessions"})
		return
	}
	if sessions == nil {
		sessions = []database.TerminalSession{}
	}
	b.write(sessionListFrame{Type: msgSessionList, Sessions: sessions})
}

func (b *Broker) sessionRef(sessionID string) *string {
	if sessionID == "" {
		return nil
	}
	return &sessionID
}

func (b *Broker) writeAssistResult(sessionID string, r *assistant.Result) {
	b.write(aiResponseFrame{
		Type:        msgAIResponse,
		SessionID:   sessionID,
		Commands:    r.Commands,
		Explanation: r.Explanation,
		Warnings:    r.Warnings,
		Confidence:  r.Confidence,
	})
}

// writeAssistUnavailable is the degraded answer for provider failures: empty
// commands, zero confidence, a diagnostic warning. The session stays up.
func (b *Broker) writeAssistUnavailable(sessionID, reason string) {
	b.write(aiResponseFrame{
		Type:      msgAIResponse,
		SessionID: sessionID,
		Commands:  []string{},
		Warnings:  []string{reason},
	})
}

func (b *Broker) write(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.conn.Write(ctx, websocket.MessageText, data)
}

// cleanup closes every owned connection and waits for the pumps to drain
// their final events. Durable session rows keep whatever status the pumps
// last wrote.
func (b *Broker) cleanup() {
	b.cancel()

	b.mu.Lock()
	connIDs := make([]string, 0, len(b.sessions))
	for _, connID := range b.sessions {
		connIDs = append(connIDs, connID)
	}
	b.mu.Unlock()

	for _, connID := range connIDs {
		if conn, err := b.manager.Get(connID, b.userID); err == nil {
			conn.Close()
		}
	}
	b.pumps.Wait()

	b.mu.Lock()
	b.sessions = make(map[string]string)
	b.mu.Unlock()
}
