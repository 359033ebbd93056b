package registry

import (
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-deltaconn/connerr"
	"github.com/cyberinferno/go-deltaconn/idgenerator"
	"github.com/cyberinferno/go-deltaconn/safemap"
	"github.com/cyberinferno/go-deltaconn/transport"
)

// SharedConnection is one physical socket used by one or more sessions.
// Its reference count, pending flag and teardown timer are guarded by the
// registry slot that owns it.
type SharedConnection struct {
	key       ConnectionKey
	reg       *Registry
	slot      *slot
	transport transport.Transport

	refs                  int
	pendingInitialConnect bool
	timer                 *time.Timer
	timerGen              uint64
	timerSetAt            time.Time
	closeReason           error

	closed    atomic.Bool
	listeners *safemap.SafeMap[uint64, transport.Handler]
	ids       idgenerator.IdGenerator
}

// Key returns the registry key the connection was created under.
func (c *SharedConnection) Key() ConnectionKey { return c.key }

// Transport returns the underlying socket handle.
func (c *SharedConnection) Transport() transport.Transport { return c.transport }

// Multiplexed reports whether the socket is shared across documents.
func (c *SharedConnection) Multiplexed() bool { return c.key.Multiplexed() }

// References returns the current reference count.
func (c *SharedConnection) References() int {
	c.slot.mu.Lock()
	defer c.slot.mu.Unlock()
	return c.refs
}

// PendingInitialConnect reports whether the socket has not yet settled into
// a connected or failed state.
func (c *SharedConnection) PendingInitialConnect() bool {
	c.slot.mu.Lock()
	defer c.slot.mu.Unlock()
	return c.pendingInitialConnect
}

// Closed reports whether the connection has been removed from the registry.
func (c *SharedConnection) Closed() bool { return c.closed.Load() }

// Connected reports whether the underlying socket is open and the
// connection has not been closed.
func (c *SharedConnection) Connected() bool {
	return !c.closed.Load() && c.transport.Connected()
}

// Send emits an event on the shared socket.
//
// Parameters:
//   - event: The event name
//   - args: Positional arguments
//
// Returns:
//   - A termination error if the connection was closed, otherwise the
//     transport's send error
func (c *SharedConnection) Send(event string, args ...any) error {
	if c.closed.Load() {
		c.slot.mu.Lock()
		reason := c.closeReason
		c.slot.mu.Unlock()
		return connerr.NewTerminated(0, reason)
	}

	return c.transport.Send(event, args...)
}

// Subscribe attaches a handler for every inbound event on the socket. A
// termination is delivered exactly once as a transport.DisconnectEvent whose
// Reason is a *connerr.TerminatedError.
//
// Parameters:
//   - handler: Function called for each inbound event
//
// Returns:
//   - A function that detaches the handler; safe to call more than once
func (c *SharedConnection) Subscribe(handler transport.Handler) func() {
	id := c.ids.Id()
	c.listeners.Store(id, handler)
	return func() { c.listeners.Delete(id) }
}

// Listeners returns the number of attached handlers.
func (c *SharedConnection) Listeners() int { return c.listeners.Len() }

// dispatch is the transport's event handler.
func (c *SharedConnection) dispatch(ev transport.Event) {
	switch e := ev.(type) {
	case transport.ConnectEvent, transport.ConnectErrorEvent:
		c.reg.settle(c)
	case transport.ServerDisconnectEvent:
		c.reg.terminate(c, connerr.NewTerminated(e.Payload.Code, serverDisconnectReason(e.Payload.Message)))
		return
	case transport.DisconnectEvent:
		c.reg.terminate(c, connerr.NewTerminated(0, e.Reason))
		return
	}

	c.notify(ev)
}

func (c *SharedConnection) notify(ev transport.Event) {
	for _, h := range c.listeners.Values() {
		h(ev)
	}
}

// reusableLocked implements the reuse rule: connected, or never settled.
func (c *SharedConnection) reusableLocked() bool {
	if c.closed.Load() {
		return false
	}

	return c.transport.Connected() || c.pendingInitialConnect
}

// clearTimerLocked cancels a pending teardown and reports how long it had
// been armed, or -1 when none was.
func (c *SharedConnection) clearTimerLocked() time.Duration {
	if c.timer == nil {
		return -1
	}

	c.timer.Stop()
	c.timer = nil
	c.timerGen++
	armed := time.Since(c.timerSetAt)
	c.timerSetAt = time.Time{}
	return armed
}
