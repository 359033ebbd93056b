package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cyberinferno/go-deltaconn/protocol"
)

// Envelope is the JSON frame carried by both the websocket and tcp
// transports: an event name and its positional arguments.
type Envelope struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`
}

// ErrEmptyEvent is returned when a frame has no event name.
var ErrEmptyEvent = errors.New("envelope has no event name")

// Encode marshals an event and its arguments into an envelope frame.
//
// Parameters:
//   - event: The event name
//   - args: Positional arguments, each marshalled to JSON
//
// Returns:
//   - The encoded frame
//   - An error if event is empty or an argument cannot be marshalled
func Encode(event string, args ...any) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}

	env := Envelope{Event: event, Args: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode %s arg %d: %w", event, i, err)
		}
		env.Args = append(env.Args, raw)
	}

	return json.Marshal(env)
}

// Decode unmarshals a frame into a typed Event. Events outside the known
// vocabulary come back as RawEvent.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, ErrEmptyEvent
	}

	switch env.Event {
	case protocol.EventOp:
		var ev OpEvent
		if err := decodeArgs(env, &ev.DocumentID, &ev.Messages); err != nil {
			return nil, err
		}
		return ev, nil

	case protocol.EventSignal:
		var ev SignalEvent
		if err := decodeArgs(env, &ev.Message, &ev.DocumentID); err != nil {
			return nil, err
		}
		return ev, nil

	case protocol.EventNack:
		var ev NackEvent
		if err := decodeArgs(env, &ev.ScopeKey, &ev.Messages); err != nil {
			return nil, err
		}
		return ev, nil

	case protocol.EventConnectDocumentSuccess:
		var ev HandshakeAcceptedEvent
		if err := decodeArgs(env, &ev.Details); err != nil {
			return nil, err
		}
		return ev, nil

	case protocol.EventConnectDocumentError:
		var ev HandshakeRejectedEvent
		if err := decodeArgs(env, &ev.Payload); err != nil {
			return nil, err
		}
		return ev, nil

	case protocol.EventServerDisconnect:
		var ev ServerDisconnectEvent
		if err := decodeArgs(env, &ev.Payload); err != nil {
			return nil, err
		}
		return ev, nil

	default:
		return RawEvent{Name: env.Event, Args: env.Args}, nil
	}
}

// decodeArgs fills targets from the envelope's positional arguments. Missing
// trailing arguments and JSON nulls leave their target untouched.
func decodeArgs(env Envelope, targets ...any) error {
	for i, target := range targets {
		if i >= len(env.Args) {
			return nil
		}

		raw := env.Args[i]
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}

		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("decode %s arg %d: %w", env.Event, i, err)
		}
	}

	return nil
}
