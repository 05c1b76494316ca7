package sse

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Event names carried on the stream
const (
	EventPing           = "ping"
	EventExistingAlerts = "existing-alerts"
	EventAlert          = "alert"
	EventHeartbeat      = "heartbeat"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("connection buffer is full")
)

type State int32

const (
	StateOpen State = iota
	StateClosing
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is one named message on the stream
type Event struct {
	Name string
	Data []byte
}

// Connection is one live event stream of a user. Sends never block: the
// stream writer drains a bounded buffer and a full buffer counts as a failed send.
type Connection struct {
	ID        string
	UserID    int64
	CreatedAt time.Time

	state  atomic.Int32
	events chan Event
	done   chan struct{}

	closeOnce     sync.Once
	terminateOnce sync.Once
	onTerminate   func()
}

func newConnection(userID int64, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 1
	}
	return &Connection{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
	}
}

// Send queues a named event. Strings are sent as-is, anything else as JSON.
func (c *Connection) Send(name string, payload any) error {
	var data []byte
	switch p := payload.(type) {
	case string:
		data = []byte(p)
	case []byte:
		data = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		data = b
	}

	if c.State() != StateOpen {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.events <- Event{Name: name, Data: data}:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Events is drained by the stream writer
func (c *Connection) Events() <-chan Event {
	return c.events
}

// Done is closed once the connection is terminated
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Complete is called by the transport when the client went away
func (c *Connection) Complete() {
	c.terminate()
}

// Fail is called by the transport when writing to the client failed
func (c *Connection) Fail(error) {
	c.terminate()
}

// terminate unsubscribes the user only while this connection is still open,
// a connection the registry already pruned must not take down newer streams
func (c *Connection) terminate() {
	c.terminateOnce.Do(func() {
		if c.onTerminate != nil && c.State() == StateOpen {
			c.onTerminate()
		}
		c.close()
	})
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)
		c.state.Store(int32(StateRemoved))
	})
}
