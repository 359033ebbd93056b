// Package tcp implements transport.Transport over a plain TCP stream. Each
// frame is a 4-byte little-endian length followed by a JSON envelope.
//
// The first frame a client sends is an "open" envelope carrying the dial
// query, which lets the backend bind a single-document socket before any
// handshake arrives. The client never reconnects on its own.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/cyberinferno/go-deltaconn/transport"
)

// EventOpen is the first envelope sent on a new socket; its only argument
// is the dial query, or null when multiplexing.
const EventOpen = "open"

var (
	// ErrNotConnected is returned by Send before the socket is open or after
	// it dropped.
	ErrNotConnected = errors.New("tcp transport not connected")

	errClosedByPeer = errors.New("connection closed by peer")
)

// Config holds TCP transport settings.
type Config struct {
	// ConnectTimeout bounds the dial when the dial options carry no timeout.
	ConnectTimeout time.Duration
	// WriteTimeout is the max duration for a single frame write; 0 means none.
	WriteTimeout time.Duration
	// ReadTimeout is the max idle time between frames; 0 means none.
	ReadTimeout time.Duration
	// MaxFrameSize bounds inbound frames.
	MaxFrameSize uint32
}

// DefaultConfig returns a Config with ConnectTimeout 10s, WriteTimeout 10s,
// no read timeout and a 16 MiB frame limit.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   DefaultMaxFrameSize,
	}
}

// Client is a TCP socket handle. It is safe for concurrent use; inbound
// events are delivered from a single goroutine in arrival order.
type Client struct {
	address string
	opts    transport.Options
	config  Config
	log     logger.Logger

	mu      sync.RWMutex
	conn    net.Conn
	state   transport.State
	handler transport.Handler
	closed  bool

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	start   sync.Once
}

// Factory returns a transport.Factory producing TCP clients.
//
// Parameters:
//   - config: Transport settings (e.g. from DefaultConfig)
//   - log: Logger for socket errors; nil disables logging
//
// Returns:
//   - The factory
func Factory(config Config, log logger.Logger) transport.Factory {
	return func(endpoint string, opts transport.Options) (transport.Transport, error) {
		return Dial(endpoint, opts, config, log)
	}
}

// Dial prepares a client for endpoint and returns at once. The dial runs in
// the background from the first OnEvent call; its outcome is reported to the
// handler as a transport.ConnectEvent or transport.ConnectErrorEvent.
//
// Parameters:
//   - endpoint: "tcp://host:port" or "host:port"
//   - opts: Dial options; Query is sent in the open envelope
//   - config: Transport settings
//   - log: Logger, may be nil
//
// Returns:
//   - The client in the Connecting state
//   - An error if endpoint is not a valid address
func Dial(endpoint string, opts transport.Options, config Config, log logger.Logger) (*Client, error) {
	address, err := parseAddress(endpoint)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = config.ConnectTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		address: address,
		opts:    opts,
		config:  config,
		log:     log.With(logger.String("address", address)),
		state:   transport.Connecting,
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
	}

	return c, nil
}

// parseAddress accepts "host:port" or "tcp://host:port".
func parseAddress(endpoint string) (string, error) {
	address := endpoint
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("invalid tcp endpoint %q: %w", endpoint, err)
		}
		if u.Scheme != "tcp" {
			return "", fmt.Errorf("invalid tcp endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
		}
		address = u.Host
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return "", fmt.Errorf("invalid tcp endpoint %q: %w", endpoint, err)
	}

	return address, nil
}

// Connected implements transport.Transport.
func (c *Client) Connected() bool {
	return c.State() == transport.Connected
}

// State returns the current socket state.
func (c *Client) State() transport.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnEvent implements transport.Transport. The first call starts the
// connection attempt, so no event is emitted before a handler exists.
func (c *Client) OnEvent(handler transport.Handler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	c.start.Do(func() {
		go c.connect(c.ctx, c.timeout)
	})
}

// Send implements transport.Transport.
func (c *Client) Send(event string, args ...any) error {
	frame, err := transport.Encode(event, args...)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != transport.Connected || conn == nil {
		return ErrNotConnected
	}

	return c.write(conn, frame)
}

func (c *Client) write(conn net.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	if err := WriteFrame(conn, frame); err != nil {
		c.log.Error("write failed", logger.Err(err))
		return err
	}

	return nil
}

// Disconnect implements transport.Transport. It stops a dial in progress and
// closes the socket; the read goroutine exits on its own without emitting
// anything. Safe to call more than once, including from the event handler.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = transport.Closed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	return err
}

func (c *Client) connect(ctx context.Context, timeout time.Duration) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		if c.isClosed() {
			return
		}
		c.setState(transport.Disconnected)
		c.log.Debug("dial failed", logger.Err(err))
		c.emit(transport.ConnectErrorEvent{Err: err, Timestamp: time.Now()})
		return
	}

	if err := c.write(conn, c.openFrame()); err != nil {
		_ = conn.Close()
		if c.isClosed() {
			return
		}
		c.setState(transport.Disconnected)
		c.emit(transport.ConnectErrorEvent{Err: err, Timestamp: time.Now()})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = transport.Connected
	c.mu.Unlock()

	c.emit(transport.ConnectEvent{Timestamp: time.Now()})
	c.readLoop(conn)
}

func (c *Client) openFrame() []byte {
	var query any
	if c.opts.Query != nil {
		query = c.opts.Query
	}

	frame, _ := transport.Encode(EventOpen, query)
	return frame
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		if c.config.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
				c.dropped(err)
				return
			}
		}

		payload, err := ReadFrame(conn, c.config.MaxFrameSize)
		if err != nil {
			c.dropped(err)
			return
		}

		ev, err := transport.Decode(payload)
		if err != nil {
			c.log.Warn("undecodable frame", logger.Err(err))
			continue
		}

		c.emit(ev)
	}
}

// dropped reports a socket that went down without Disconnect being called.
func (c *Client) dropped(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = transport.Disconnected
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		err = errClosedByPeer
	}
	c.log.Debug("socket dropped", logger.Err(err))
	c.emit(transport.DisconnectEvent{Reason: err, Timestamp: time.Now()})
}

func (c *Client) setState(state transport.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.state = state
	}
}

func (c *Client) emit(ev transport.Event) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler != nil {
		handler(ev)
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
