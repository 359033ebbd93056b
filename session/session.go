// Package session implements the per-document facade over a shared socket:
// the connect_document handshake, routing of inbound events to the document
// and an orderly close that hands the socket reference back to the registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyberinferno/go-deltaconn/connerr"
	"github.com/cyberinferno/go-deltaconn/demux"
	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/cyberinferno/go-deltaconn/protocol"
	"github.com/cyberinferno/go-deltaconn/registry"
	"github.com/cyberinferno/go-deltaconn/telemetry"
	"github.com/cyberinferno/go-deltaconn/transport"
)

// State represents the lifecycle state of a Session.
type State int

const (
	Created     State = iota // Not yet handshaking
	Handshaking              // connect_document sent, waiting for the answer
	Connected                // Handshake accepted; events are flowing
	Closed                   // Closed by the caller or by the remote end
	Failed                   // Handshake failed; the session never connected
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Handshaking:
		return "Handshaking"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var (
	// ErrNotConnected is returned when submitting on a session that no longer
	// holds a connection.
	ErrNotConnected = errors.New("session not connected")

	errSocketNotUsable = errors.New("shared socket is neither connected nor connecting")
)

// OpHandler receives an operation batch for the session's document.
type OpHandler func(documentID string, messages []protocol.SequencedMessage)

// SignalHandler receives a signal; documentID is empty for broadcasts.
type SignalHandler func(message protocol.SignalMessage, documentID string)

// NackHandler receives rejection notices addressed to the session.
type NackHandler func(scopeKey string, messages []protocol.NackMessage)

// DisconnectHandler is called once when the session closes.
type DisconnectHandler func(reason error)

// Session is one caller's live view of a document over a shared socket.
type Session struct {
	documentID  string
	tenantID    string
	multiplexed bool
	reg         *registry.Registry
	filter      *demux.Filter
	queue       *demux.Queue
	log         logger.Logger
	sink        telemetry.Sink

	nonce   string
	results chan handshakeResult
	opened  chan struct{}
	onOpen  sync.Once

	// deliverMu orders op and signal delivery against handler registration.
	deliverMu sync.Mutex

	mu          sync.Mutex
	conn        *registry.SharedConnection
	state       State
	details     protocol.ConnectedDetails
	subs        []func()
	ops         []OpHandler
	signals     []SignalHandler
	disconnects []DisconnectHandler
}

type handshakeResult struct {
	details protocol.ConnectedDetails
	err     error
}

// Open acquires a shared socket for the document, performs the handshake and
// returns the connected session. On any failure the acquired reference is
// released exactly once and a single structured error is returned; use
// connerr.IsRetryable and connerr.StatusCode to decide whether to retry.
//
// Parameters:
//   - ctx: Bounds the handshake together with p.Timeout
//   - reg: The registry that owns the shared sockets
//   - p: Endpoint, document, credentials and collaborators
//
// Returns:
//   - The connected session
//   - An error if the handshake failed, timed out or was cancelled
func Open(ctx context.Context, reg *registry.Registry, p Params) (*Session, error) {
	if reg == nil {
		return nil, errors.New("session: nil registry")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	p = p.withDefaults()

	key := registry.NewKey(p.Endpoint, p.TenantID, p.DocumentID, p.Multiplex)
	conn, err := reg.Acquire(key, p.transportFactory())
	if err != nil {
		return nil, err
	}

	msg := protocol.BuildHandshake(p.Client, p.DocumentID, p.TenantID, p.Token, p.expectedEpoch())
	s := &Session{
		documentID:  p.DocumentID,
		tenantID:    p.TenantID,
		multiplexed: conn.Multiplexed(),
		reg:         reg,
		filter:      demux.NewFilter(conn.Multiplexed(), p.DocumentID),
		queue:       demux.NewQueue(),
		log:         p.Logger.With(logger.String("documentId", p.DocumentID)),
		sink:        p.Telemetry,
		nonce:       msg.Nonce,
		results:     make(chan handshakeResult, 1),
		opened:      make(chan struct{}),
		conn:        conn,
		state:       Handshaking,
	}
	s.subs = append(s.subs, conn.Subscribe(s.handle))

	details, err := s.handshake(ctx, conn, msg, p)
	if err == nil {
		err = s.promote(&details)
	}
	if err != nil {
		s.fail(err)
		return nil, err
	}

	s.sink.Record(telemetry.EventSessionConnected, map[string]any{
		"documentId": s.documentID,
		"clientId":   details.ClientID,
		"key":        key.String(),
		"mode":       string(details.Mode),
		"version":    details.Version,
		"existing":   details.Existing,
	})
	s.log.Info("session connected", logger.String("clientId", details.ClientID), logger.String("version", details.Version))
	return s, nil
}

func (s *Session) handshake(ctx context.Context, conn *registry.SharedConnection, msg protocol.HandshakeMessage, p Params) (protocol.ConnectedDetails, error) {
	start := time.Now()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, start.Add(p.Timeout))
		defer cancel()
	}

	if conn.Closed() || (!conn.Connected() && !conn.PendingInitialConnect()) {
		return protocol.ConnectedDetails{}, connerr.NewTransportError("connect", errSocketNotUsable)
	}

	if !conn.Connected() {
		select {
		case <-s.opened:
		case r := <-s.results:
			return r.details, r.err
		case <-ctx.Done():
			return protocol.ConnectedDetails{}, s.interrupted(ctx, start)
		}
	}

	if err := conn.Send(protocol.EventConnectDocument, msg); err != nil {
		return protocol.ConnectedDetails{}, connerr.NewTransportError("send", err)
	}

	select {
	case r := <-s.results:
		if r.err != nil {
			return r.details, r.err
		}
		if r.details.DocumentID == "" {
			r.details.DocumentID = s.documentID
		}
		if !protocol.Supports(msg.Versions, r.details.Version) {
			return r.details, connerr.NewHandshakeRejected(406, fmt.Sprintf("unsupported protocol version %q", r.details.Version), 0)
		}
		if err := protocol.ValidateEpoch(ctx, p.EpochValidator, r.details); err != nil {
			return r.details, err
		}
		return r.details, nil
	case <-ctx.Done():
		return protocol.ConnectedDetails{}, s.interrupted(ctx, start)
	}
}

// interrupted converts a finished handshake context into the error to
// surface: a deadline becomes a TimeoutError carrying the budget that ran out,
// a cancellation keeps its cause.
func (s *Session) interrupted(ctx context.Context, start time.Time) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		after := time.Since(start)
		if deadline, ok := ctx.Deadline(); ok {
			after = deadline.Sub(start)
		}
		return &connerr.TimeoutError{After: after}
	}

	return context.Cause(ctx)
}

// promote moves the session to Connected and folds the events queued during
// the handshake into the initial message lists. The queue stays open so ops
// and signals arriving before OnOp or OnSignal are held for the first handler.
func (s *Session) promote(details *protocol.ConnectedDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.Closed() {
		return connerr.NewTerminated(0, errors.New("socket closed during handshake"))
	}

	ops, signals := s.queue.Take()
	details.InitialMessages = append(details.InitialMessages, ops...)
	details.InitialSignals = append(details.InitialSignals, signals...)

	s.filter.SetClientID(details.ClientID)
	s.details = *details
	s.state = Connected
	return nil
}

// fail ends a session whose handshake did not complete.
func (s *Session) fail(err error) {
	s.mu.Lock()
	conn := s.conn
	subs := s.subs
	s.conn = nil
	s.subs = nil
	s.state = Failed
	s.mu.Unlock()
	s.queue.Drain()

	for _, unsubscribe := range subs {
		unsubscribe()
	}

	if rerr := s.reg.Release(conn, fatalCause(err)); rerr != nil {
		s.log.Error("release after failed handshake", logger.Err(rerr))
	}

	s.sink.Record(telemetry.EventHandshakeFailed, map[string]any{
		"documentId": s.documentID,
		"statusCode": connerr.StatusCode(err),
		"retryable":  connerr.IsRetryable(err),
		"error":      err.Error(),
	})
	s.log.Warn("handshake failed", logger.Err(err), logger.Int("statusCode", connerr.StatusCode(err)), logger.Any("retryable", connerr.IsRetryable(err)))
}

// fatalCause reports whether a handshake failure must take the shared socket
// down with it.
func fatalCause(err error) bool {
	var t *connerr.TerminatedError
	return errors.As(err, &t) && !t.IsRetryable()
}

// handle is the session's own listener on the shared connection.
func (s *Session) handle(ev transport.Event) {
	switch e := ev.(type) {
	case transport.ConnectEvent:
		s.onOpen.Do(func() { close(s.opened) })
	case transport.ConnectErrorEvent:
		s.settle(handshakeResult{err: connerr.NewTransportError("connect", e.Err)})
	case transport.HandshakeAcceptedEvent:
		if s.ownsReply(e.Details.Nonce, e.Details.DocumentID) {
			s.settle(handshakeResult{details: e.Details})
		}
	case transport.HandshakeRejectedEvent:
		if s.ownsReply(e.Payload.Nonce, e.Payload.DocumentID) {
			s.settle(handshakeResult{err: connerr.NewHandshakeRejected(e.Payload.Code, e.Payload.Message, e.Payload.RetryAfterDuration())})
		}
	case transport.DisconnectEvent:
		s.terminated(e.Reason)
	case transport.OpEvent, transport.SignalEvent:
		if s.filter.Accept(ev) {
			s.route(ev)
		}
	}
}

// route delivers an accepted op batch or signal to the registered handlers,
// or holds it until the first handler for its class is registered.
func (s *Session) route(ev transport.Event) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.state != Handshaking && s.state != Connected {
		s.mu.Unlock()
		return
	}
	if s.queue.Hold(ev) {
		s.mu.Unlock()
		return
	}
	ops, signals := s.ops, s.signals
	s.mu.Unlock()

	switch e := ev.(type) {
	case transport.OpEvent:
		for _, h := range ops {
			h(e.DocumentID, e.Messages)
		}
	case transport.SignalEvent:
		for _, h := range signals {
			h(e.Message, e.DocumentID)
		}
	}
}

// ownsReply matches a handshake answer to this session. On a multiplexed
// socket several handshakes may be in flight, so the nonce must match when
// the backend echoes one.
func (s *Session) ownsReply(nonce, documentID string) bool {
	s.mu.Lock()
	handshaking := s.state == Handshaking
	s.mu.Unlock()
	if !handshaking {
		return false
	}

	if nonce != "" {
		return nonce == s.nonce
	}
	if s.multiplexed && documentID != "" {
		return documentID == s.documentID
	}

	return true
}

// settle hands the first handshake outcome to Open; later ones are dropped.
func (s *Session) settle(r handshakeResult) {
	select {
	case s.results <- r:
	default:
	}
}

// terminated handles the registry's notice that the shared socket is gone.
func (s *Session) terminated(reason error) {
	s.mu.Lock()
	switch s.state {
	case Handshaking:
		s.mu.Unlock()
		s.settle(handshakeResult{err: reason})
		return
	case Connected:
	default:
		s.mu.Unlock()
		return
	}

	conn := s.conn
	subs := s.subs
	s.conn = nil
	s.subs = nil
	s.state = Closed
	handlers := s.disconnects
	s.mu.Unlock()
	s.queue.Drain()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	if err := s.reg.Release(conn, true); err != nil {
		s.log.Error("release after remote disconnect", logger.Err(err))
	}

	s.log.Info("session disconnected by remote end", logger.Err(reason))
	s.disconnected(reason, handlers)
}

func (s *Session) disconnected(reason error, handlers []DisconnectHandler) {
	props := map[string]any{"documentId": s.documentID, "clientId": s.ClientID()}
	if reason != nil {
		props["reason"] = reason.Error()
	}
	s.sink.Record(telemetry.EventSessionDisconnected, props)

	for _, h := range handlers {
		h(reason)
	}
}

// Close ends the session. Unless protocolError is set, the backend is first
// told that this client is leaving the document. The shared socket reference
// is then released, fatally when protocolError is set, and every disconnect
// handler is called once with reason.
//
// Parameters:
//   - reason: Why the session is closing, passed to disconnect handlers
//   - protocolError: The socket is in an unknown state and must not be reused
//
// Returns:
//   - An error wrapping connerr.ErrProtocolViolation if the session no longer
//     holds a connection (closed twice, or closed by the remote end)
func (s *Session) Close(reason error, protocolError bool) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return connerr.Violation("close of session %s that holds no connection", s.documentID)
	}

	conn := s.conn
	subs := s.subs
	wasConnected := s.state == Connected
	clientID := s.details.ClientID
	s.conn = nil
	s.subs = nil
	s.state = Closed
	handlers := s.disconnects
	s.mu.Unlock()
	s.queue.Drain()

	if !protocolError && wasConnected {
		if err := conn.Send(protocol.EventDisconnectDocument, clientID, s.documentID); err != nil {
			s.log.Debug("disconnect_document not sent", logger.Err(err))
		}
	}

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	err := s.reg.Release(conn, protocolError)

	s.disconnected(reason, handlers)
	return err
}

// subscribe attaches a filtered listener to the held connection.
func (s *Session) subscribe(name string, handler transport.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return connerr.Violation("%s handler on session %s that holds no connection", name, s.documentID)
	}

	s.subs = append(s.subs, s.conn.Subscribe(func(ev transport.Event) {
		if s.filter.Accept(ev) {
			handler(ev)
		}
	}))
	return nil
}

// OnOp registers handler for operation batches addressed to the document.
// The first handler registered also receives, before any later batch, the
// batches that arrived after the handshake completed. It must not be called
// from inside an op or signal handler.
//
// Parameters:
//   - handler: Function called for each accepted batch
//
// Returns:
//   - An error if the session holds no connection
func (s *Session) OnOp(handler OpHandler) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return connerr.Violation("%s handler on session %s that holds no connection", protocol.EventOp, s.documentID)
	}
	s.ops = append(s.ops, handler)
	held := s.queue.ReleaseOps()
	s.mu.Unlock()

	for _, e := range held {
		handler(e.DocumentID, e.Messages)
	}
	return nil
}

// OnSignal registers handler for signals addressed to the document,
// including broadcasts. Signals held since the handshake go to the first
// handler, as with OnOp.
func (s *Session) OnSignal(handler SignalHandler) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return connerr.Violation("%s handler on session %s that holds no connection", protocol.EventSignal, s.documentID)
	}
	s.signals = append(s.signals, handler)
	held := s.queue.ReleaseSignals()
	s.mu.Unlock()

	for _, e := range held {
		handler(e.Message, e.DocumentID)
	}
	return nil
}

// OnNack registers handler for nacks scoped to the session's client id, its
// document, or everyone on the socket.
func (s *Session) OnNack(handler NackHandler) error {
	return s.subscribe(protocol.EventNack, func(ev transport.Event) {
		if e, ok := ev.(transport.NackEvent); ok {
			handler(e.ScopeKey, e.Messages)
		}
	})
}

// OnDisconnect registers handler to run once when the session closes,
// whether the caller or the remote end closed it.
func (s *Session) OnDisconnect(handler DisconnectHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, handler)
}

// Submit sends operations on behalf of the session's client.
//
// Parameters:
//   - messages: Document messages, encoded as JSON
//
// Returns:
//   - ErrNotConnected if the session is closed, otherwise the send error
func (s *Session) Submit(messages ...any) error {
	conn, clientID := s.held()
	if conn == nil {
		return ErrNotConnected
	}

	return conn.Send(protocol.EventSubmitOp, clientID, messages)
}

// SubmitSignal sends a transient signal on behalf of the session's client.
func (s *Session) SubmitSignal(content any) error {
	conn, clientID := s.held()
	if conn == nil {
		return ErrNotConnected
	}

	return conn.Send(protocol.EventSubmitSignal, clientID, []any{content})
}

func (s *Session) held() (*registry.SharedConnection, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil, ""
	}

	return s.conn, s.details.ClientID
}

// DocumentID returns the session's document id.
func (s *Session) DocumentID() string { return s.documentID }

// TenantID returns the tenant owning the document.
func (s *Session) TenantID() string { return s.tenantID }

// Multiplexed reports whether the underlying socket is shared across documents.
func (s *Session) Multiplexed() bool { return s.multiplexed }

// ClientID returns the client id assigned by the handshake.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.details.ClientID
}

// Details returns the connect_document_success payload, including the
// events queued while the handshake was in flight.
func (s *Session) Details() protocol.ConnectedDetails {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.details
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
