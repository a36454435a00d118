package sshconn

// EventType discriminates the two event kinds a connection emits.
type EventType int

const (
	// EventData carries a chunk of shell output.
	EventData EventType = iota
	// EventStatus announces a state transition.
	EventStatus
)

// Event is one item on a connection's event channel. Data and status events
// share the channel so their relative order matches emission order; the
// channel is closed exactly once, after the final disconnected status.
type Event struct {
	ConnectionID string
	Type         EventType
	Data         []byte // EventData only
	Status       Status // EventStatus only
	Message      string // optional detail for error statuses
}

// emit places an event on the connection's channel unless the channel has
// already been closed. The send blocks when the buffer is full: the consumer
// is required to drain until close, which bounds the wait.
func (c *Connection) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.eventsClosed {
		return
	}
	c.events <- ev
}

// closeEvents closes the event channel. Safe to call once only; callers go
// through teardown which guards with closeOnce.
func (c *Connection) closeEvents() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
}
