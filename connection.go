// Package clientserver provides a reliable, ordered, asynchronous message
// transport on top of a bidirectional byte stream.
//
// A Connection accepts opaque payloads from the application, queues them
// without blocking, and writes them to the peer from a dedicated send loop.
// A second loop reads framed messages off the wire and hands them to the
// registered message handlers. Transport failures are reported only through
// disconnect handlers; the application is never blocked on I/O.
package clientserver

import (
	"context"
	"reflect"
)

// DefaultChannel is the channel used when the caller has no grouping key.
const DefaultChannel = ""

// ChunkSize is the number of bytes transferred between two Progress
// notifications sent to activity listeners.
const ChunkSize = 1024

// Connection is a message channel to a single peer.
type Connection interface {
	// Open establishes the underlying transport and starts the I/O loops.
	// It must be called at most once.
	Open(ctx context.Context) error
	// Close stops both I/O loops and releases the socket.
	// Calling it more than once is a no-op.
	Close() error
	// SendMessage queues payload for asynchronous transmission.
	// The caller must not modify payload afterwards.
	SendMessage(channel string, payload []byte)
	// IsAlive reports whether the local socket is still open.
	IsAlive() bool
	// ID returns the stable identifier of the connection.
	ID() string
	// Err returns the last recorded error description, or "".
	Err() string

	AddMessageHandler(h MessageHandler)
	RemoveMessageHandler(h MessageHandler)
	AddDisconnectHandler(h DisconnectHandler)
	RemoveDisconnectHandler(h DisconnectHandler)
	AddActivityListener(l ActivityListener)
	RemoveActivityListener(l ActivityListener)
}

// MessageHandler receives every inbound payload of a connection.
type MessageHandler interface {
	HandleMessage(id string, payload []byte)
}

// MessageHandlerFunc adapts a function to MessageHandler.
// Func values are not comparable, so they cannot be removed once added.
type MessageHandlerFunc func(id string, payload []byte)

// HandleMessage calls f(id, payload).
func (f MessageHandlerFunc) HandleMessage(id string, payload []byte) {
	f(id, payload)
}

// DisconnectHandler is notified once when a connection reaches StateClosed.
type DisconnectHandler interface {
	HandleDisconnect(conn Connection)
}

// DisconnectHandlerFunc adapts a function to DisconnectHandler.
type DisconnectHandlerFunc func(conn Connection)

// HandleDisconnect calls f(conn).
func (f DisconnectHandlerFunc) HandleDisconnect(conn Connection) {
	f(conn)
}

// Direction tells whether traffic is leaving or entering the connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// ActivityState is the phase of a single frame transfer.
type ActivityState int

const (
	Start ActivityState = iota
	Progress
	Complete
)

func (s ActivityState) String() string {
	switch s {
	case Start:
		return "start"
	case Progress:
		return "progress"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// ActivityListener observes traffic on a connection, independent of content.
// total and current are byte counts of the frame on the wire.
type ActivityListener interface {
	Notify(dir Direction, state ActivityState, total, current int)
}

// ActivityListenerFunc adapts a function to ActivityListener.
type ActivityListenerFunc func(dir Direction, state ActivityState, total, current int)

// Notify calls f(dir, state, total, current).
func (f ActivityListenerFunc) Notify(dir Direction, state ActivityState, total, current int) {
	f(dir, state, total, current)
}

// State is the lifecycle position of a connection.
type State int32

const (
	StateUnopened State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sameObserver compares two observers by identity. Observers that cannot be
// compared (func adapters, or structs holding one in an interface field)
// never match.
func sameObserver(a, b any) (same bool) {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil || !ta.Comparable() {
		return false
	}

	// a comparable struct type can still hold a func behind an interface field
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
