// Package transporttest provides an in-memory transport.Transport for tests.
package transporttest

import (
	"errors"
	"sync"

	"github.com/cyberinferno/go-deltaconn/transport"
)

// ErrNotConnected is returned by Send when the fake is not connected and
// buffering is disabled.
var ErrNotConnected = errors.New("fake transport not connected")

// Sent records one Send call.
type Sent struct {
	Event string
	Args  []any
}

// Fake is a scriptable transport. Inbound events are injected with Emit and
// delivered synchronously to the registered handler.
type Fake struct {
	Endpoint string
	Options  transport.Options

	mu          sync.Mutex
	state       transport.State
	handler     transport.Handler
	sent        []Sent
	disconnects int
	onSend      func(f *Fake, event string, args []any)
	failSend    error
}

// NewFake returns a fake in the Connecting state.
func NewFake(endpoint string, opts transport.Options) *Fake {
	return &Fake{Endpoint: endpoint, Options: opts, state: transport.Connecting}
}

// Connected implements transport.Transport.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == transport.Connected
}

// State returns the fake's current state.
func (f *Fake) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Send implements transport.Transport. Sends made while connecting are
// recorded as if the socket buffered them.
func (f *Fake) Send(event string, args ...any) error {
	f.mu.Lock()
	if f.failSend != nil {
		err := f.failSend
		f.mu.Unlock()
		return err
	}
	if f.state == transport.Disconnected || f.state == transport.Closed {
		f.mu.Unlock()
		return ErrNotConnected
	}
	f.sent = append(f.sent, Sent{Event: event, Args: args})
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(f, event, args)
	}

	return nil
}

// OnEvent implements transport.Transport.
func (f *Fake) OnEvent(handler transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

// Disconnect implements transport.Transport.
func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = transport.Closed
	return nil
}

// OnSend installs a hook run after each recorded Send, outside the fake's lock.
func (f *Fake) OnSend(hook func(f *Fake, event string, args []any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = hook
}

// FailSends makes every subsequent Send return err; nil restores normal sends.
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = err
}

// Emit delivers ev to the registered handler on the caller's goroutine.
func (f *Fake) Emit(ev transport.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()

	if h != nil {
		h(ev)
	}
}

// Connect moves the fake to Connected and emits a ConnectEvent.
func (f *Fake) Connect() {
	f.setState(transport.Connected)
	f.Emit(transport.ConnectEvent{})
}

// Fail moves the fake to Disconnected and emits a ConnectErrorEvent.
func (f *Fake) Fail(err error) {
	f.setState(transport.Disconnected)
	f.Emit(transport.ConnectErrorEvent{Err: err})
}

// Drop moves the fake to Disconnected and emits a DisconnectEvent.
func (f *Fake) Drop(reason error) {
	f.setState(transport.Disconnected)
	f.Emit(transport.DisconnectEvent{Reason: reason})
}

// SetState forces the fake's state without emitting anything.
func (f *Fake) SetState(state transport.State) {
	f.setState(state)
}

func (f *Fake) setState(state transport.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

// Sent returns a copy of every recorded Send.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentEvents returns the recorded Sends whose event name matches.
func (f *Fake) SentEvents(event string) []Sent {
	var out []Sent
	for _, s := range f.Sent() {
		if s.Event == event {
			out = append(out, s)
		}
	}

	return out
}

// DisconnectCount returns how many times Disconnect was called.
func (f *Fake) DisconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// Factory hands out Fakes and remembers them.
type Factory struct {
	// Prepare, when set, runs on each new fake before it is returned.
	Prepare func(f *Fake)
	// Err, when set, is returned instead of a new fake.
	Err error

	mu    sync.Mutex
	fakes []*Fake
}

// New implements transport.Factory.
func (fa *Factory) New(endpoint string, opts transport.Options) (transport.Transport, error) {
	fa.mu.Lock()
	if fa.Err != nil {
		err := fa.Err
		fa.mu.Unlock()
		return nil, err
	}
	f := NewFake(endpoint, opts)
	fa.fakes = append(fa.fakes, f)
	prepare := fa.Prepare
	fa.mu.Unlock()

	if prepare != nil {
		prepare(f)
	}

	return f, nil
}

// Created returns every fake handed out so far.
func (fa *Factory) Created() []*Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	out := make([]*Fake, len(fa.fakes))
	copy(out, fa.fakes)
	return out
}

// Count returns how many fakes were created.
func (fa *Factory) Count() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.fakes)
}

// Last returns the most recently created fake, or nil.
func (fa *Factory) Last() *Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.fakes) == 0 {
		return nil
	}
	return fa.fakes[len(fa.fakes)-1]
}
