// Package client wires the connection layer together from a config.Config:
// logger, shared socket registry, transport, telemetry sinks and the epoch
// tracker. It is the entry point for applications that open document
// sessions by endpoint, tenant and document id.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cyberinferno/go-deltaconn/config"
	"github.com/cyberinferno/go-deltaconn/connerr"
	"github.com/cyberinferno/go-deltaconn/epochstore"
	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/cyberinferno/go-deltaconn/protocol"
	"github.com/cyberinferno/go-deltaconn/registry"
	"github.com/cyberinferno/go-deltaconn/retry"
	"github.com/cyberinferno/go-deltaconn/session"
	"github.com/cyberinferno/go-deltaconn/telemetry"
	"github.com/cyberinferno/go-deltaconn/transport"
	"github.com/cyberinferno/go-deltaconn/transport/tcp"
	"github.com/cyberinferno/go-deltaconn/transport/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Open after Close.
var ErrClosed = errors.New("client closed")

// Option customizes New.
type Option func(*options)

type options struct {
	log        logger.Logger
	registerer prometheus.Registerer
	redis      redis.UniversalClient
	transport  transport.Factory
	source     epochstore.SourceFunc
	sinks      []telemetry.Sink
}

// WithLogger replaces the console logger built from config.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRegisterer sets where Prometheus collectors are registered. Defaults to
// prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithRedis supplies the redis client for the redis epoch store. The client
// is not closed by Client.Close.
func WithRedis(c redis.UniversalClient) Option {
	return func(o *options) { o.redis = c }
}

// WithTransport replaces the transport factory chosen by config.
func WithTransport(f transport.Factory) Option {
	return func(o *options) { o.transport = f }
}

// WithEpochSource sets where the epoch tracker looks up unknown epochs.
func WithEpochSource(src epochstore.SourceFunc) Option {
	return func(o *options) { o.source = src }
}

// WithTelemetry adds a sink next to the logger and Prometheus sinks.
func WithTelemetry(s telemetry.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// Client opens document sessions over shared sockets.
type Client struct {
	cfg       *config.Config
	log       logger.Logger
	registry  *registry.Registry
	tracker   *epochstore.Tracker
	telemetry telemetry.Sink
	transport transport.Factory
	policy    retry.Policy

	ownsLog   bool
	ownsRedis redis.UniversalClient

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	closed   bool
}

var newConsoleLogger = logger.NewConsoleLogger

// New builds a Client from cfg.
//
// Parameters:
//   - cfg: Validated configuration (see config.Load)
//   - opts: Optional overrides
//
// Returns:
//   - The client
//   - An error if cfg is invalid or a component cannot be built
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		cfg:      cfg,
		log:      o.log,
		sessions: make(map[*session.Session]struct{}),
		policy: retry.Policy{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
			MaxAttempts:     cfg.Retry.MaxAttempts,
		},
	}
	if c.log == nil {
		c.log = newConsoleLogger(cfg.Log.Component, cfg.Log.Level)
		c.ownsLog = true
	}

	sink, err := c.buildTelemetry(o)
	if err != nil {
		return nil, errors.Join(err, c.closeOwned())
	}
	c.telemetry = sink

	store, err := c.buildStore(o)
	if err != nil {
		return nil, errors.Join(err, c.closeOwned())
	}
	trackerOpts := []epochstore.TrackerOption{
		epochstore.WithTTL(cfg.EpochStore.TTL),
		epochstore.WithLogger(c.log),
	}
	if o.source != nil {
		trackerOpts = append(trackerOpts, epochstore.WithSource(o.source))
	}
	c.tracker = epochstore.NewTracker(store, trackerOpts...)

	c.transport = o.transport
	if c.transport == nil {
		c.transport = c.buildTransport()
	}

	c.registry = registry.New(
		registry.WithTeardownDelay(cfg.Registry.TeardownDelay),
		registry.WithLogger(c.log),
		registry.WithTelemetry(c.telemetry),
	)

	return c, nil
}

func (c *Client) buildTelemetry(o options) (telemetry.Sink, error) {
	sinks := telemetry.Multi{telemetry.NewLoggerSink(c.log)}

	if c.cfg.Metrics.Enabled {
		reg := o.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		prom, err := telemetry.NewPrometheusSink(reg, c.cfg.Metrics.Namespace)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, prom)
	}

	return append(sinks, o.sinks...), nil
}

func (c *Client) buildStore(o options) (epochstore.Store, error) {
	es := c.cfg.EpochStore
	if !strings.EqualFold(es.Kind, "redis") {
		return epochstore.NewMemoryStore(es.TTL, es.CleanupInterval), nil
	}

	rc := o.redis
	if rc == nil {
		rc = redis.NewClient(&redis.Options{
			Addr:     c.cfg.Redis.Address,
			Password: c.cfg.Redis.Password,
			DB:       c.cfg.Redis.DB,
		})
		c.ownsRedis = rc
	}

	return epochstore.NewRedisStore(rc, es.Prefix), nil
}

func (c *Client) buildTransport() transport.Factory {
	tc := c.cfg.Transport

	if strings.EqualFold(tc.Kind, "tcp") {
		cfg := tcp.DefaultConfig()
		cfg.ConnectTimeout = tc.ConnectTimeout
		cfg.WriteTimeout = tc.WriteTimeout
		if tc.MaxMessageSize > 0 {
			cfg.MaxFrameSize = uint32(tc.MaxMessageSize)
		}
		return tcp.Factory(cfg, c.log)
	}

	cfg := ws.DefaultConfig()
	cfg.HandshakeTimeout = tc.ConnectTimeout
	cfg.WriteTimeout = tc.WriteTimeout
	if tc.PingInterval > 0 {
		cfg.PingInterval = tc.PingInterval
		cfg.PongWait = tc.PingInterval * 10 / 9
	}
	if tc.MaxMessageSize > 0 {
		cfg.MaxMessageSize = tc.MaxMessageSize
	}
	return ws.Factory(cfg, c.log)
}

// Request identifies the session to open.
type Request struct {
	Endpoint   string
	TenantID   string
	DocumentID string
	// Client describes the connecting client; an empty Mode requests write.
	Client protocol.Client
	// Token is used as is when Tokens is nil.
	Token string
	// Tokens supplies the token and one refresh after a 401 or 403.
	Tokens session.TokenProvider
}

func (c *Client) params(req Request) session.Params {
	return session.Params{
		Endpoint:       req.Endpoint,
		TenantID:       req.TenantID,
		DocumentID:     req.DocumentID,
		Multiplex:      c.cfg.IsMultiplexed(req.Endpoint),
		Client:         req.Client,
		Token:          req.Token,
		EpochValidator: c.tracker,
		Timeout:        c.cfg.Transport.HandshakeTimeout,
		Transport:      c.transport,
		Logger:         c.log,
		Telemetry:      c.telemetry,
	}
}

// Open opens a session, retrying retryable failures under the configured
// retry policy. Multiplexing follows transport.multiplexEndpoints.
//
// Parameters:
//   - ctx: Bounds the whole attempt, including retries
//   - req: Which document to join and with what credentials
//
// Returns:
//   - The connected session; it is closed by Client.Close unless closed earlier
//   - The last error if no attempt succeeded
func (c *Client) Open(ctx context.Context, req Request) (*session.Session, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	s, err := retry.Open(ctx, c.registry, c.params(req), req.Tokens, c.policy, c.log)
	if err != nil {
		return nil, err
	}

	return c.track(s)
}

// OpenOnce is Open with a single attempt.
func (c *Client) OpenOnce(ctx context.Context, req Request) (*session.Session, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	p := c.params(req)
	if req.Tokens != nil {
		token, err := req.Tokens.Token(false)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		p.Token = token
	}

	s, err := session.Open(ctx, c.registry, p)
	if err != nil {
		return nil, err
	}

	return c.track(s)
}

func (c *Client) track(s *session.Session) (*session.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = s.Close(ErrClosed, false)
		return nil, ErrClosed
	}
	c.sessions[s] = struct{}{}
	c.mu.Unlock()

	s.OnDisconnect(func(error) {
		c.mu.Lock()
		delete(c.sessions, s)
		c.mu.Unlock()
	})

	// A remote disconnect may have landed before the handler was attached.
	if s.State() == session.Closed {
		c.mu.Lock()
		delete(c.sessions, s)
		c.mu.Unlock()
	}

	return s, nil
}

// Sessions returns the number of sessions opened by this client that are
// still open.
func (c *Client) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Registry returns the shared socket registry.
func (c *Client) Registry() *registry.Registry {
	return c.registry
}

// Tracker returns the epoch tracker.
func (c *Client) Tracker() *epochstore.Tracker {
	return c.tracker
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes every open session concurrently, tears down the registry and
// releases owned resources. Later calls do nothing.
//
// Returns:
//   - The first error from closing a session or an owned resource
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	open := make([]*session.Session, 0, len(c.sessions))
	for s := range c.sessions {
		open = append(open, s)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, s := range open {
		s := s
		g.Go(func() error {
			err := s.Close(ErrClosed, false)
			if errors.Is(err, connerr.ErrProtocolViolation) {
				// Closed remotely in the meantime.
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	c.registry.Close()

	return errors.Join(err, c.closeOwned())
}

// closeOwned closes the redis client and logger that New created.
func (c *Client) closeOwned() error {
	var err error
	if c.ownsRedis != nil {
		err = errors.Join(err, c.ownsRedis.Close())
	}
	if c.ownsLog {
		err = errors.Join(err, c.log.Close())
	}

	return err
}
