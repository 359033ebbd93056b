// Package transport defines the duplex socket consumed by the connection
// layer: a handle that reports whether it is connected, sends named events,
// delivers typed inbound events to a single handler, and can be torn down.
//
// Implementations live in the ws (gorilla/websocket) and tcp (length-prefixed
// frames) subpackages; transporttest provides an in-memory fake.
package transport

import (
	"encoding/json"
	"time"

	"github.com/cyberinferno/go-deltaconn/protocol"
)

// State represents the lifecycle state of a transport handle.
type State int

const (
	Connecting   State = iota // Dial in progress; the handle has never settled
	Connected                 // Socket is open
	Disconnected              // Socket was open, or failed to open, and is now down
	Closed                    // Disconnect was called; the handle is finished
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Event is implemented by every inbound event type.
type Event interface {
	EventName() string
}

// ConnectEvent is emitted once the socket is open.
type ConnectEvent struct {
	Timestamp time.Time
}

// ConnectErrorEvent is emitted when the socket could not be opened.
type ConnectErrorEvent struct {
	Err       error
	Timestamp time.Time
}

// DisconnectEvent is emitted when an open socket drops.
type DisconnectEvent struct {
	Reason    error
	Timestamp time.Time
}

// ServerDisconnectEvent is emitted when the backend announces it is closing
// the socket. The backend always closes the socket after sending it.
type ServerDisconnectEvent struct {
	Payload protocol.ErrorPayload
}

// HandshakeAcceptedEvent carries connect_document_success.
type HandshakeAcceptedEvent struct {
	Details protocol.ConnectedDetails
}

// HandshakeRejectedEvent carries connect_document_error.
type HandshakeRejectedEvent struct {
	Payload protocol.ErrorPayload
}

// OpEvent carries an operation batch for one document.
type OpEvent struct {
	DocumentID string
	Messages   []protocol.SequencedMessage
}

// SignalEvent carries a signal; an empty DocumentID means broadcast.
type SignalEvent struct {
	DocumentID string
	Message    protocol.SignalMessage
}

// NackEvent carries rejection notices scoped to a client id or a document
// id; an empty ScopeKey means every session on the socket.
type NackEvent struct {
	ScopeKey string
	Messages []protocol.NackMessage
}

// RawEvent carries any event outside the known vocabulary.
type RawEvent struct {
	Name string
	Args []json.RawMessage
}

func (ConnectEvent) EventName() string           { return "connect" }
func (ConnectErrorEvent) EventName() string      { return "connect_error" }
func (DisconnectEvent) EventName() string        { return "disconnect" }
func (ServerDisconnectEvent) EventName() string  { return protocol.EventServerDisconnect }
func (HandshakeAcceptedEvent) EventName() string { return protocol.EventConnectDocumentSuccess }
func (HandshakeRejectedEvent) EventName() string { return protocol.EventConnectDocumentError }
func (OpEvent) EventName() string                { return protocol.EventOp }
func (SignalEvent) EventName() string            { return protocol.EventSignal }
func (NackEvent) EventName() string              { return protocol.EventNack }
func (e RawEvent) EventName() string             { return e.Name }

// Handler receives inbound events. Transports call it from a single goroutine
// per handle, in arrival order.
type Handler func(event Event)

// Transport is a duplex, event-capable socket handle.
type Transport interface {
	// Connected reports whether the socket is currently open.
	Connected() bool

	// Send emits a named event with positional arguments, each encoded as JSON.
	//
	// Parameters:
	//   - event: The event name (e.g. protocol.EventConnectDocument)
	//   - args: Positional arguments
	//
	// Returns:
	//   - An error if the socket is not open or the write fails
	Send(event string, args ...any) error

	// OnEvent registers the handler for inbound events. Only one handler is
	// active; repeated calls replace the previous handler.
	OnEvent(handler Handler)

	// Disconnect tears the socket down. It is safe to call more than once.
	Disconnect() error
}

// Options are the dial options handed to a Factory.
type Options struct {
	// Multiplex reports whether the socket will be shared across documents.
	Multiplex bool
	// Query is appended to the connection request; nil when multiplexing.
	Query map[string]string
	// Transports lists the allowed underlying transports, e.g. ["websocket"].
	Transports []string
	// Timeout bounds the initial connect.
	Timeout time.Duration
}

// Factory creates a transport handle for endpoint. It must not block on the
// network: the handle connects in the background and reports the outcome
// with ConnectEvent or ConnectErrorEvent.
type Factory func(endpoint string, opts Options) (Transport, error)
