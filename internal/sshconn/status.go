package sshconn

import (
	"sync"
	"time"
)

// Status is the lifecycle state of one SSH connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

// String returns the wire name of the status. These values appear verbatim
// in ssh:status frames and in durable session rows.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// maxTransitions bounds the per-connection transition history kept for
// debugging.
const maxTransitions = 32

// Transition records one state change.
type Transition struct {
	From      Status
	To        Status
	Reason    string
	Timestamp time.Time
}

// transitionLog is a bounded, append-only record of state changes.
type transitionLog struct {
	mu      sync.Mutex
	entries []Transition
}

func (l *transitionLog) add(from, to Status, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == maxTransitions {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:maxTransitions-1]
	}
	l.entries = append(l.entries, Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

func (l *transitionLog) history() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transition, len(l.entries))
	copy(out, l.entries)
	return out
}
