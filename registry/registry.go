// Package registry implements the process-wide table of shared sockets:
// reference counting, reuse eligibility and deferred teardown.
//
// A Registry is an explicit object. Construct one at process start and pass
// it to every caller that opens sessions; tests build as many isolated
// registries as they need.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/cyberinferno/go-deltaconn/connerr"
	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/cyberinferno/go-deltaconn/safemap"
	"github.com/cyberinferno/go-deltaconn/telemetry"
	"github.com/cyberinferno/go-deltaconn/transport"
)

// DefaultTeardownDelay is how long an unreferenced socket is kept around so
// that a session reconnecting right after a nack can reuse it.
const DefaultTeardownDelay = 2000 * time.Millisecond

var (
	errFatalRelease    = errors.New("fatal release")
	errSocketDown      = errors.New("socket disconnected")
	errStaleSocket     = errors.New("stale socket replaced")
	errIdleTeardown    = errors.New("idle teardown")
	errRegistryClosed  = errors.New("registry closed")
	errServerCloseBare = errors.New("server closed the socket")
)

func serverDisconnectReason(msg string) error {
	if msg == "" {
		return errServerCloseBare
	}

	return errors.New(msg)
}

// Factory creates the transport for a new shared connection.
type Factory func() (transport.Transport, error)

// Option configures a Registry.
type Option func(*Registry)

// WithTeardownDelay overrides DefaultTeardownDelay.
func WithTeardownDelay(d time.Duration) Option {
	return func(r *Registry) { r.teardownDelay = d }
}

// WithLogger sets the registry logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(s telemetry.Sink) Option {
	return func(r *Registry) { r.sink = telemetry.OrNop(s) }
}

// slot is the serialization point for one key. Every mutation of the slot's
// connection happens under mu; work queued with enqueue runs in order after
// the deciding critical section has released mu.
type slot struct {
	mu       sync.Mutex
	conn     *SharedConnection
	deferred []func()
}

func (s *slot) lock() { s.mu.Lock() }

func (s *slot) unlock() {
	tasks := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	for _, task := range tasks {
		task()
	}
}

// enqueue must be called with mu held.
func (s *slot) enqueue(task func()) {
	s.deferred = append(s.deferred, task)
}

// Registry is a keyed table of shared sockets. It is safe for concurrent
// use; operations on different keys do not contend.
type Registry struct {
	slots         *safemap.SafeMap[ConnectionKey, *slot]
	teardownDelay time.Duration
	log           logger.Logger
	sink          telemetry.Sink
}

// New creates an empty Registry.
//
// Parameters:
//   - opts: Optional settings (teardown delay, logger, telemetry)
//
// Returns:
//   - A new Registry
func New(opts ...Option) *Registry {
	r := &Registry{
		slots:         safemap.NewSafeMap[ConnectionKey, *slot](),
		teardownDelay: DefaultTeardownDelay,
		log:           logger.NewNopLogger(),
		sink:          telemetry.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// TeardownDelay returns the configured deferred-teardown delay.
func (r *Registry) TeardownDelay() time.Duration { return r.teardownDelay }

func (r *Registry) slotFor(key ConnectionKey) *slot {
	if s, ok := r.slots.Load(key); ok {
		return s
	}

	s, _ := r.slots.LoadOrStore(key, &slot{})
	return s
}

// Acquire returns a shared connection for key, creating it with factory when
// there is none or the existing one may not be reused. A reused connection
// has its reference count incremented and any pending teardown cancelled; a
// new one starts with one reference and pendingInitialConnect set.
//
// Parameters:
//   - key: The connection key
//   - factory: Creates the transport when a new connection is needed
//
// Returns:
//   - The shared connection
//   - A *connerr.TransportError if the factory fails
func (r *Registry) Acquire(key ConnectionKey, factory Factory) (*SharedConnection, error) {
	s := r.slotFor(key)
	s.lock()
	defer s.unlock()

	if c := s.conn; c != nil {
		if c.reusableLocked() {
			armed := c.clearTimerLocked()
			c.refs++

			props := map[string]any{"key": key.String(), "references": c.refs}
			if armed >= 0 {
				props["delayDeleteDelta"] = armed.Milliseconds()
			}
			r.sink.Record(telemetry.EventGetSocketReference, props)
			r.log.Debug("reusing shared connection", logger.String("key", key.String()), logger.Int("references", c.refs))
			return c, nil
		}

		r.log.Debug("replacing stale shared connection", logger.String("key", key.String()))
		r.sink.Record(telemetry.EventSocketStale, map[string]any{"key": key.String()})
		r.closeLocked(c, connerr.NewTerminated(0, errStaleSocket))
	}

	t, err := factory()
	if err != nil {
		return nil, connerr.NewTransportError("create", err)
	}
	if t == nil {
		return nil, connerr.NewTransportError("create", errors.New("factory returned no transport"))
	}

	c := &SharedConnection{
		key:                   key,
		reg:                   r,
		slot:                  s,
		transport:             t,
		refs:                  1,
		pendingInitialConnect: true,
		listeners:             safemap.NewSafeMap[uint64, transport.Handler](),
	}
	s.conn = c
	t.OnEvent(c.dispatch)

	r.sink.Record(telemetry.EventSocketCreated, map[string]any{"key": key.String()})
	r.log.Debug("created shared connection", logger.String("key", key.String()))
	return c, nil
}

// Release drops one reference to c. The connection is closed at once when
// fatal is set or its socket has already dropped; otherwise the last release
// arms the deferred teardown. Releasing a connection that holds no
// references is a protocol violation and leaves it untouched.
//
// Parameters:
//   - c: A connection returned by Acquire
//   - fatal: Close the connection regardless of other holders
//
// Returns:
//   - An error wrapping connerr.ErrProtocolViolation on misuse, otherwise nil
func (r *Registry) Release(c *SharedConnection, fatal bool) error {
	if c == nil {
		return connerr.Violation("release of nil connection")
	}
	if c.reg != r {
		return connerr.Violation("release of %s on a foreign registry", c.key)
	}

	s := c.slot
	s.lock()
	defer s.unlock()

	if c.refs <= 0 {
		return connerr.Violation("release of %s without a matching acquire", c.key)
	}

	c.refs--
	c.pendingInitialConnect = false

	if c.closed.Load() {
		return nil
	}

	if fatal {
		r.closeLocked(c, connerr.NewTerminated(0, errFatalRelease))
		return nil
	}
	if !c.transport.Connected() {
		r.closeLocked(c, connerr.NewTerminated(0, errSocketDown))
		return nil
	}

	if c.refs == 0 && c.timer == nil {
		c.timerGen++
		gen := c.timerGen
		c.timerSetAt = time.Now()
		c.timer = time.AfterFunc(r.teardownDelay, func() { r.expire(c, gen) })
		r.log.Debug("armed deferred teardown", logger.String("key", c.key.String()), logger.Any("delay", r.teardownDelay))
	}

	return nil
}

// expire runs when a deferred-teardown timer fires.
func (r *Registry) expire(c *SharedConnection, gen uint64) {
	s := c.slot
	s.lock()
	defer s.unlock()

	if c.closed.Load() || c.timer == nil || c.timerGen != gen {
		return
	}

	if c.refs != 0 {
		r.log.Error("deferred teardown fired with live references", logger.String("key", c.key.String()), logger.Int("references", c.refs))
		c.clearTimerLocked()
		return
	}

	r.closeLocked(c, connerr.NewTerminated(0, errIdleTeardown))
}

// settle records that the socket has connected or failed to, after which it
// is only reusable while actually connected.
func (r *Registry) settle(c *SharedConnection) {
	s := c.slot
	s.lock()
	defer s.unlock()
	c.pendingInitialConnect = false
}

// terminate handles a socket closed by the remote end or dropped by the
// transport. pendingInitialConnect is cleared before any holder hears about
// it so that a holder re-acquiring from its handler gets a fresh socket.
func (r *Registry) terminate(c *SharedConnection, reason error) {
	s := c.slot
	s.lock()
	defer s.unlock()

	c.pendingInitialConnect = false
	if c.closed.Load() {
		return
	}

	r.sink.Record(telemetry.EventSocketTerminated, map[string]any{"key": c.key.String(), "reason": reason.Error()})
	r.closeLocked(c, reason)
}

// closeLocked removes c from its slot and queues the holder notification and
// the socket teardown. Both run after the slot lock is released, in that
// order, so every holder observes the same reason before the socket goes.
func (r *Registry) closeLocked(c *SharedConnection, reason error) {
	c.clearTimerLocked()
	c.closed.Store(true)
	c.closeReason = reason

	s := c.slot
	if s.conn == c {
		s.conn = nil
	} else {
		r.log.Error("closing a connection the registry does not hold", logger.String("key", c.key.String()))
	}

	r.sink.Record(telemetry.EventSocketClosed, map[string]any{"key": c.key.String(), "reason": reason.Error(), "references": c.refs})
	r.log.Debug("closing shared connection", logger.String("key", c.key.String()), logger.Err(reason))

	s.enqueue(func() {
		c.notify(transport.DisconnectEvent{Reason: reason, Timestamp: time.Now()})
	})
	s.enqueue(func() {
		if err := c.transport.Disconnect(); err != nil {
			r.log.Warn("socket teardown failed", logger.String("key", c.key.String()), logger.Err(err))
		}
	})
}

// Lookup returns the live connection for key, if any. It does not take a
// reference.
func (r *Registry) Lookup(key ConnectionKey) (*SharedConnection, bool) {
	s, ok := r.slots.Load(key)
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.conn != nil
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	n := 0
	r.slots.Range(func(_ ConnectionKey, s *slot) bool {
		s.mu.Lock()
		if s.conn != nil {
			n++
		}
		s.mu.Unlock()
		return true
	})

	return n
}

// Close tears down every live connection, notifying their holders.
func (r *Registry) Close() {
	r.slots.Range(func(_ ConnectionKey, s *slot) bool {
		s.lock()
		if s.conn != nil {
			s.conn.pendingInitialConnect = false
			r.closeLocked(s.conn, connerr.NewTerminated(0, errRegistryClosed))
		}
		s.unlock()
		return true
	})
}
