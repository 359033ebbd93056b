// Package ws implements transport.Transport over gorilla/websocket. Every
// envelope travels as one text message; the client keeps the socket alive
// with pings and never reconnects on its own.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/cyberinferno/go-deltaconn/transport"
	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send before the socket is open or after it
// dropped.
var ErrNotConnected = errors.New("websocket transport not connected")

// Config holds websocket transport settings.
type Config struct {
	// HandshakeTimeout bounds the upgrade when the dial options carry no timeout.
	HandshakeTimeout time.Duration
	// WriteTimeout is the time allowed to write a message to the peer.
	WriteTimeout time.Duration
	// PongWait is the time allowed to read the next pong from the peer.
	PongWait time.Duration
	// PingInterval must be less than PongWait; 0 disables pings.
	PingInterval time.Duration
	// MaxMessageSize bounds inbound messages.
	MaxMessageSize int64
	// Header is sent with the upgrade request.
	Header http.Header
}

// DefaultConfig returns a Config with a 20s handshake, 10s writes, 60s pong
// wait, pings every 54s and a 16 MiB message limit.
func DefaultConfig() Config {
	pongWait := 60 * time.Second
	return Config{
		HandshakeTimeout: 20 * time.Second,
		WriteTimeout:     10 * time.Second,
		PongWait:         pongWait,
		PingInterval:     (pongWait * 9) / 10,
		MaxMessageSize:   16 * 1024 * 1024,
	}
}

// Client is a websocket handle. It is safe for concurrent use; inbound events
// are delivered from the read goroutine in arrival order.
type Client struct {
	url    string
	config Config
	log    logger.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	state   transport.State
	handler transport.Handler
	closed  bool

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	start   sync.Once
	done    chan struct{}
}

// Factory returns a transport.Factory producing websocket clients.
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

// Dial prepares a client for endpoint and returns at once. The upgrade runs
// in the background from the first OnEvent call; its outcome is reported to
// the handler as a transport.ConnectEvent or transport.ConnectErrorEvent.
//
// Parameters:
//   - endpoint: ws, wss, http or https URL of the backend socket
//   - opts: Dial options; Query entries are added to the URL query
//   - config: Transport settings
//   - log: Logger, may be nil
//
// Returns:
//   - The client in the Connecting state
//   - An error if endpoint is not a usable URL
func Dial(endpoint string, opts transport.Options, config Config, log logger.Logger) (*Client, error) {
	u, err := dialURL(endpoint, opts.Query)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = config.HandshakeTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:     u,
		config:  config,
		log:     log.With(logger.String("url", u)),
		state:   transport.Connecting,
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		done:    make(chan struct{}),
	}

	return c, nil
}

func dialURL(endpoint string, query map[string]string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid websocket endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid websocket endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid websocket endpoint %q: missing host", endpoint)
	}

	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
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

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Error("write failed", logger.Err(err))
		return err
	}

	return nil
}

// Disconnect implements transport.Transport. It stops an upgrade in
// progress, sends a close frame and closes the socket without emitting an
// event. Safe to call more than once, including from the event handler.
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
	close(c.done)

	if conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait()))
	return conn.Close()
}

func (c *Client) connect(ctx context.Context, timeout time.Duration) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, c.config.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.state = transport.Disconnected
		c.mu.Unlock()

		c.log.Debug("dial failed", logger.Err(err))
		c.emit(transport.ConnectErrorEvent{Err: err, Timestamp: time.Now()})
		return
	}

	if c.config.MaxMessageSize > 0 {
		conn.SetReadLimit(c.config.MaxMessageSize)
	}
	if c.config.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		})
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

	if c.config.PingInterval > 0 {
		go c.pingLoop(conn)
	}
	c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}

		ev, err := transport.Decode(message)
		if err != nil {
			c.log.Warn("undecodable message", logger.Err(err))
			continue
		}

		c.emit(ev)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait())); err != nil {
				return
			}
		}
	}
}

func (c *Client) dropped(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.state = transport.Disconnected
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.log.Error("read failed", logger.Err(err))
	}
	c.emit(transport.DisconnectEvent{Reason: err, Timestamp: time.Now()})
}

func (c *Client) writeWait() time.Duration {
	if c.config.WriteTimeout > 0 {
		return c.config.WriteTimeout
	}

	return time.Second
}

func (c *Client) emit(ev transport.Event) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler != nil {
		handler(ev)
	}
}
