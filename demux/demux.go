// Package demux decides which inbound events on a shared socket belong to a
// document session, and holds events that arrive before the session is ready.
package demux

import (
	"sync"

	"github.com/cyberinferno/go-deltaconn/protocol"
	"github.com/cyberinferno/go-deltaconn/transport"
)

// AcceptOp reports whether an operation batch tagged with eventDocID is for
// the session's document.
//
// Parameters:
//   - multiplexed: Whether the socket carries more than one document
//   - sessionDocID: The session's document id
//   - eventDocID: Document id carried by the event
//
// Returns:
//   - true if the session should receive the batch
func AcceptOp(multiplexed bool, sessionDocID, eventDocID string) bool {
	return !multiplexed || eventDocID == sessionDocID
}

// AcceptSignal reports whether a signal is for the session. A signal without
// a document id is a broadcast.
//
// Parameters:
//   - multiplexed: Whether the socket carries more than one document
//   - sessionDocID: The session's document id
//   - eventDocID: Document id carried by the signal, possibly empty
//
// Returns:
//   - true if the session should receive the signal
func AcceptSignal(multiplexed bool, sessionDocID, eventDocID string) bool {
	return !multiplexed || eventDocID == "" || eventDocID == sessionDocID
}

// AcceptNack reports whether a nack scoped to scopeKey is for the session.
// The scope is either a client id or a document id; an empty scope addresses
// every session on the socket. The client id only matches once it is known.
//
// Parameters:
//   - scopeKey: Client or document id carried by the nack
//   - sessionDocID: The session's document id
//   - clientID: The session's negotiated client id
//   - hasClientID: Whether the handshake has assigned clientID yet
//
// Returns:
//   - true if the session should receive the nack
func AcceptNack(scopeKey, sessionDocID, clientID string, hasClientID bool) bool {
	if scopeKey == "" || scopeKey == sessionDocID {
		return true
	}

	return hasClientID && scopeKey == clientID
}

// Filter binds the accept rules to one session.
type Filter struct {
	Multiplexed bool
	DocumentID  string

	mu       sync.RWMutex
	clientID string
	hasID    bool
}

// NewFilter creates a Filter for documentID.
func NewFilter(multiplexed bool, documentID string) *Filter {
	return &Filter{Multiplexed: multiplexed, DocumentID: documentID}
}

// SetClientID records the client id assigned by the handshake.
func (f *Filter) SetClientID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clientID = id
	f.hasID = true
}

// ClientID returns the negotiated client id and whether it is known.
func (f *Filter) ClientID() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.clientID, f.hasID
}

// Accept applies the rule for ev's class. Events outside the three routed
// classes are always accepted.
func (f *Filter) Accept(ev transport.Event) bool {
	switch e := ev.(type) {
	case transport.OpEvent:
		return AcceptOp(f.Multiplexed, f.DocumentID, e.DocumentID)
	case transport.SignalEvent:
		return AcceptSignal(f.Multiplexed, f.DocumentID, e.DocumentID)
	case transport.NackEvent:
		id, ok := f.ClientID()
		return AcceptNack(e.ScopeKey, f.DocumentID, id, ok)
	default:
		return true
	}
}

// Queue buffers operation batches and signals that arrive before the session
// has somewhere to deliver them. Ops and signals are kept apart and each keeps
// arrival order. A class stops being buffered once it is released.
type Queue struct {
	mu          sync.Mutex
	ops         []transport.OpEvent
	signals     []transport.SignalEvent
	opsDone     bool
	signalsDone bool
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Hold buffers ev if its class has not been released yet.
//
// Parameters:
//   - ev: An accepted OpEvent or SignalEvent
//
// Returns:
//   - true if ev was buffered; false if its class is released or ev is of
//     another class, in which case the caller delivers it directly
func (q *Queue) Hold(ev transport.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch e := ev.(type) {
	case transport.OpEvent:
		if q.opsDone {
			return false
		}
		q.ops = append(q.ops, e)
	case transport.SignalEvent:
		if q.signalsDone {
			return false
		}
		q.signals = append(q.signals, e)
	default:
		return false
	}

	return true
}

// Take empties the queue without releasing either class, flattening the
// held batches into messages.
//
// Returns:
//   - Buffered operations in arrival order
//   - Buffered signals in arrival order
func (q *Queue) Take() ([]protocol.SequencedMessage, []protocol.SignalMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.take()
}

func (q *Queue) take() ([]protocol.SequencedMessage, []protocol.SignalMessage) {
	var ops []protocol.SequencedMessage
	for _, e := range q.ops {
		ops = append(ops, e.Messages...)
	}
	var signals []protocol.SignalMessage
	for _, e := range q.signals {
		signals = append(signals, e.Message)
	}
	q.ops, q.signals = nil, nil
	return ops, signals
}

// Drain releases both classes and returns everything still held. Later calls
// return nothing.
func (q *Queue) Drain() ([]protocol.SequencedMessage, []protocol.SignalMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.opsDone, q.signalsDone = true, true
	return q.take()
}

// ReleaseOps stops buffering op batches and returns the ones held, in
// arrival order.
func (q *Queue) ReleaseOps() []transport.OpEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := q.ops
	q.ops = nil
	q.opsDone = true
	return ops
}

// ReleaseSignals stops buffering signals and returns the ones held, in
// arrival order.
func (q *Queue) ReleaseSignals() []transport.SignalEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	signals := q.signals
	q.signals = nil
	q.signalsDone = true
	return signals
}

// Len returns the number of buffered op messages and signals.
func (q *Queue) Len() (ops, signals int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.ops {
		ops += len(e.Messages)
	}
	return ops, len(q.signals)
}
