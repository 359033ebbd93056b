// Package mockbackend is an in-process collaboration backend speaking the
// length-prefixed envelope protocol of transport/tcp. It accepts handshakes,
// sequences submitted operations per document and lets tests inject signals,
// nacks and server disconnects.
package mockbackend

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-deltaconn/idgenerator"
	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/cyberinferno/go-deltaconn/protocol"
	"github.com/cyberinferno/go-deltaconn/safemap"
	"github.com/cyberinferno/go-deltaconn/safeset"
	"github.com/cyberinferno/go-deltaconn/transport"
)

// DefaultVersion is the protocol version reported in successful handshakes.
const DefaultVersion = "0.4.0"

// Backend accepts sockets and serves the document protocol over them.
type Backend struct {
	Logger   logger.Logger
	Name     string
	Addr     string
	Listener net.Listener
	Conns    *safemap.SafeMap[uint64, *Conn]
	Running  atomic.Bool
	Ids      *idgenerator.IdGenerator

	// Version is reported in connect_document_success.
	Version string
	// MaxMessageSize is reported in connect_document_success.
	MaxMessageSize int

	clients   *safemap.SafeMap[string, member]
	documents *safemap.SafeMap[string, *safeset.SafeSet[string]]
	seqMu     sync.Mutex
	seq     map[string]int64

	mu        sync.Mutex
	rejects   map[string]protocol.ErrorPayload
	epochs    map[string]string
	silent    map[string]bool
	handshake []protocol.HandshakeMessage
}

type member struct {
	documentID string
	conn       *Conn
}

// New creates a Backend that will listen on addr once started. Use
// "127.0.0.1:0" for an ephemeral port and read Address after Start.
//
// Parameters:
//   - addr: Listen address
//   - log: Logger; nil disables logging
//
// Returns:
//   - A stopped Backend
func New(addr string, log logger.Logger) *Backend {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Backend{
		Logger:         log,
		Name:           "mockbackend",
		Addr:           addr,
		Conns:          safemap.NewSafeMap[uint64, *Conn](),
		Ids:            idgenerator.NewIdGenerator(0),
		Version:        DefaultVersion,
		MaxMessageSize: 16 * 1024,
		clients:        safemap.NewSafeMap[string, member](),
		documents:      safemap.NewSafeMap[string, *safeset.SafeSet[string]](),
		seq:            make(map[string]int64),
		rejects:        make(map[string]protocol.ErrorPayload),
		epochs:         make(map[string]string),
		silent:         make(map[string]bool),
	}
}

// Start binds the listener and runs the accept loop in a goroutine.
//
// Returns:
//   - An error if the backend is already running or listening fails
func (b *Backend) Start() error {
	if b.Running.Load() {
		return fmt.Errorf("%s already running", b.Name)
	}

	ln, err := net.Listen("tcp", b.Addr)
	if err != nil {
		b.Logger.Error("listen failed", logger.Err(err))
		return fmt.Errorf("%s failed to start: %w", b.Name, err)
	}

	b.Listener = ln
	b.Running.Store(true)
	b.Logger.Info("backend started", logger.String("addr", ln.Addr().String()))

	go b.acceptLoop()
	return nil
}

// Address returns the bound listen address, or Addr before Start.
func (b *Backend) Address() string {
	if b.Listener != nil {
		return b.Listener.Addr().String()
	}

	return b.Addr
}

// Endpoint returns Address in the "tcp://host:port" form accepted by the tcp
// transport.
func (b *Backend) Endpoint() string {
	return "tcp://" + b.Address()
}

// Stop closes the listener and every open socket without a server_disconnect.
func (b *Backend) Stop() {
	if !b.Running.Swap(false) {
		return
	}

	if b.Listener != nil {
		_ = b.Listener.Close()
	}
	b.Conns.Range(func(_ uint64, c *Conn) bool {
		_ = c.Close()
		return true
	})

	b.Logger.Info("backend stopped")
}

// Reject makes every handshake for documentID fail with payload.
func (b *Backend) Reject(documentID string, payload protocol.ErrorPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects[documentID] = payload
}

// SetEpoch sets the epoch reported for documentID.
func (b *Backend) SetEpoch(documentID, epoch string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epochs[documentID] = epoch
}

// Silence makes handshakes for documentID go unanswered.
func (b *Backend) Silence(documentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent[documentID] = true
}

// Handshakes returns every connect_document received so far.
func (b *Backend) Handshakes() []protocol.HandshakeMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.HandshakeMessage(nil), b.handshake...)
}

// ConnCount returns the number of open sockets.
func (b *Backend) ConnCount() int {
	return b.Conns.Len()
}

// Members returns the client ids currently joined to documentID.
func (b *Backend) Members(documentID string) []string {
	set, ok := b.documents.Load(documentID)
	if !ok {
		return nil
	}

	return set.Values()
}

// BroadcastOp sequences messages for documentID and sends them to every
// socket with a member in that document.
func (b *Backend) BroadcastOp(documentID string, messages ...protocol.SequencedMessage) {
	b.seqMu.Lock()
	for i := range messages {
		b.seq[documentID]++
		messages[i].SequenceNumber = b.seq[documentID]
	}
	b.seqMu.Unlock()

	for _, c := range b.connsFor(documentID) {
		_ = c.Send(protocol.EventOp, documentID, messages)
	}
}

// BroadcastSignal sends a signal to every socket with a member in
// documentID. An empty documentID sends an untagged broadcast to every socket.
func (b *Backend) BroadcastSignal(documentID string, msg protocol.SignalMessage) {
	if documentID == "" {
		b.Conns.Range(func(_ uint64, c *Conn) bool {
			_ = c.Send(protocol.EventSignal, msg, nil)
			return true
		})
		return
	}

	for _, c := range b.connsFor(documentID) {
		_ = c.Send(protocol.EventSignal, msg, documentID)
	}
}

// Nack sends a nack scoped to scopeKey on every open socket.
func (b *Backend) Nack(scopeKey string, messages ...protocol.NackMessage) {
	b.Conns.Range(func(_ uint64, c *Conn) bool {
		_ = c.Send(protocol.EventNack, scopeKey, messages)
		return true
	})
}

// DisconnectAll sends server_disconnect on every socket and closes them.
func (b *Backend) DisconnectAll(payload protocol.ErrorPayload) {
	b.Conns.Range(func(_ uint64, c *Conn) bool {
		_ = c.Send(protocol.EventServerDisconnect, payload)
		_ = c.Close()
		return true
	})
}

func (b *Backend) acceptLoop() {
	for b.Running.Load() {
		nc, err := b.Listener.Accept()
		if err != nil {
			if !b.Running.Load() {
				return
			}
			b.Logger.Error("accept failed", logger.Err(err))
			continue
		}

		c := newConn(b, b.Ids.Id(), nc)
		b.Conns.Store(c.id, c)
		go c.handle()
	}
}

func (b *Backend) connsFor(documentID string) []*Conn {
	seen := make(map[uint64]*Conn)
	b.clients.Range(func(_ string, m member) bool {
		if m.documentID == documentID {
			seen[m.conn.id] = m.conn
		}
		return true
	})

	conns := make([]*Conn, 0, len(seen))
	for _, c := range seen {
		conns = append(conns, c)
	}

	return conns
}

func (b *Backend) onHandshake(c *Conn, msg protocol.HandshakeMessage) {
	b.mu.Lock()
	b.handshake = append(b.handshake, msg)
	reject, rejected := b.rejects[msg.ID]
	epoch := b.epochs[msg.ID]
	silent := b.silent[msg.ID]
	b.mu.Unlock()

	if silent {
		return
	}

	if rejected {
		reject.Nonce = msg.Nonce
		reject.DocumentID = msg.ID
		_ = c.Send(protocol.EventConnectDocumentError, reject)
		return
	}

	clientID := fmt.Sprintf("client-%d", b.Ids.Id())
	b.clients.Store(clientID, member{documentID: msg.ID, conn: c})
	set, _ := b.documents.LoadOrStore(msg.ID, safeset.NewSafeSet[string]())
	existing := set.Size() > 0
	set.Add(clientID)

	_ = c.Send(protocol.EventConnectDocumentSuccess, protocol.ConnectedDetails{
		ClientID:       clientID,
		DocumentID:     msg.ID,
		Nonce:          msg.Nonce,
		Existing:       existing,
		Mode:           msg.Mode,
		MaxMessageSize: b.MaxMessageSize,
		Version:        b.Version,
		Epoch:          epoch,
	})
}

func (b *Backend) onSubmitOp(clientID string, messages []protocol.SequencedMessage) {
	m, ok := b.clients.Load(clientID)
	if !ok {
		b.Logger.Warn("submit from unknown client", logger.String("clientId", clientID))
		return
	}

	for i := range messages {
		messages[i].ClientID = clientID
	}
	b.BroadcastOp(m.documentID, messages...)
}

func (b *Backend) onSubmitSignal(clientID string, contents []json.RawMessage) {
	m, ok := b.clients.Load(clientID)
	if !ok {
		return
	}

	for _, content := range contents {
		b.BroadcastSignal(m.documentID, protocol.SignalMessage{ClientID: clientID, Content: content})
	}
}

func (b *Backend) onLeave(clientID string) {
	m, ok := b.clients.LoadAndDelete(clientID)
	if !ok {
		return
	}
	if set, ok := b.documents.Load(m.documentID); ok {
		set.Remove(clientID)
	}
}

func (b *Backend) forget(c *Conn) {
	b.Conns.Delete(c.id)
	b.clients.Range(func(id string, m member) bool {
		if m.conn == c {
			b.onLeave(id)
		}
		return true
	})
}

// decodeRaw decodes the positional arguments of a raw envelope event.
func decodeRaw(ev transport.RawEvent, targets ...any) error {
	for i, target := range targets {
		if i >= len(ev.Args) {
			return fmt.Errorf("%s: missing argument %d", ev.Name, i)
		}
		if err := json.Unmarshal(ev.Args[i], target); err != nil {
			return fmt.Errorf("%s argument %d: %w", ev.Name, i, err)
		}
	}

	return nil
}
