package mockbackend

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/cyberinferno/go-deltaconn/protocol"
	"github.com/cyberinferno/go-deltaconn/transport"
	"github.com/cyberinferno/go-deltaconn/transport/tcp"
)

// Conn is one accepted socket.
type Conn struct {
	id      uint64
	backend *Backend
	conn    net.Conn
	log     logger.Logger

	writeMu sync.Mutex
	once    sync.Once

	mu    sync.Mutex
	query map[string]string
}

func newConn(b *Backend, id uint64, nc net.Conn) *Conn {
	return &Conn{
		id:      id,
		backend: b,
		conn:    nc,
		log:     b.Logger.With(logger.Any("conn", id)),
	}
}

// ID returns the socket id assigned on accept.
func (c *Conn) ID() uint64 {
	return c.id
}

// Query returns the query carried by the socket's open envelope, nil for a
// multiplexed socket.
func (c *Conn) Query() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query
}

// Send writes one envelope frame.
func (c *Conn) Send(event string, args ...any) error {
	frame, err := transport.Encode(event, args...)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return tcp.WriteFrame(c.conn, frame)
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.conn.Close()
		c.backend.forget(c)
	})

	return err
}

func (c *Conn) handle() {
	defer func() {
		_ = c.Close()
	}()

	for {
		payload, err := tcp.ReadFrame(c.conn, tcp.DefaultMaxFrameSize)
		if err != nil {
			return
		}

		ev, err := transport.Decode(payload)
		if err != nil {
			c.log.Warn("undecodable frame", logger.Err(err))
			continue
		}

		raw, ok := ev.(transport.RawEvent)
		if !ok {
			c.log.Warn("unexpected event from client", logger.String("event", ev.EventName()))
			continue
		}

		if err := c.dispatch(raw); err != nil {
			c.log.Warn("bad client event", logger.Err(err))
		}
	}
}

func (c *Conn) dispatch(ev transport.RawEvent) error {
	switch ev.Name {
	case tcp.EventOpen:
		var query map[string]string
		if err := decodeRaw(ev, &query); err != nil {
			return err
		}
		c.mu.Lock()
		c.query = query
		c.mu.Unlock()

	case protocol.EventConnectDocument:
		var msg protocol.HandshakeMessage
		if err := decodeRaw(ev, &msg); err != nil {
			return err
		}
		c.backend.onHandshake(c, msg)

	case protocol.EventSubmitOp:
		var clientID string
		var raw []json.RawMessage
		if err := decodeRaw(ev, &clientID, &raw); err != nil {
			return err
		}
		c.backend.onSubmitOp(clientID, toSequenced(raw))

	case protocol.EventSubmitSignal:
		var clientID string
		var contents []json.RawMessage
		if err := decodeRaw(ev, &clientID, &contents); err != nil {
			return err
		}
		c.backend.onSubmitSignal(clientID, contents)

	case protocol.EventDisconnectDocument:
		var clientID string
		if err := decodeRaw(ev, &clientID); err != nil {
			return err
		}
		c.backend.onLeave(clientID)
	}

	return nil
}

// toSequenced turns submitted messages into sequenced ones. A message that is
// not a message object becomes the contents of an "op" message.
func toSequenced(raw []json.RawMessage) []protocol.SequencedMessage {
	out := make([]protocol.SequencedMessage, 0, len(raw))
	for _, r := range raw {
		var m protocol.SequencedMessage
		if err := json.Unmarshal(r, &m); err != nil || m.Type == "" {
			m = protocol.SequencedMessage{Type: "op", Contents: r}
		}
		out = append(out, m)
	}

	return out
}
