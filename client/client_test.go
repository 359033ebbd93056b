package client

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/go-deltaconn/config"
	"github.com/cyberinferno/go-deltaconn/connerr"
	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/cyberinferno/go-deltaconn/mockbackend"
	"github.com/cyberinferno/go-deltaconn/protocol"
	"github.com/cyberinferno/go-deltaconn/session"
	"github.com/cyberinferno/go-deltaconn/telemetry"
	"github.com/cyberinferno/go-deltaconn/transport"
	"github.com/cyberinferno/go-deltaconn/transport/transporttest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Transport.Kind = "tcp"
	cfg.Transport.HandshakeTimeout = 2 * time.Second
	cfg.Registry.TeardownDelay = 10 * time.Millisecond
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 5 * time.Millisecond
	cfg.Retry.MaxAttempts = 2
	return cfg
}

func startBackend(t *testing.T) *mockbackend.Backend {
	t.Helper()

	b := mockbackend.New("127.0.0.1:0", nil)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b
}

func newClient(t *testing.T, cfg *config.Config, opts ...Option) (*Client, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	opts = append([]Option{WithLogger(logger.NewNopLogger()), WithRegisterer(reg)}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, reg
}

func request(b *mockbackend.Backend, doc string) Request {
	return Request{
		Endpoint:   b.Endpoint(),
		TenantID:   "tenant",
		DocumentID: doc,
		Client:     protocol.Client{User: protocol.User{ID: "u1"}},
		Token:      "token",
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Kind = "carrier-pigeon"

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestNew_SharedRegisterer(t *testing.T) {
	t.Run("default registerer", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			c, err := New(config.Default(), WithLogger(logger.NewNopLogger()))
			require.NoError(t, err)
			require.NoError(t, c.Close())
		}
	})

	t.Run("explicit registerer", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		a, err := New(testConfig(), WithLogger(logger.NewNopLogger()), WithRegisterer(reg))
		require.NoError(t, err)
		b, err := New(testConfig(), WithLogger(logger.NewNopLogger()), WithRegisterer(reg))
		require.NoError(t, err)

		a.telemetry.Record(telemetry.EventSocketCreated, nil)
		b.telemetry.Record(telemetry.EventSocketCreated, nil)

		families, err := reg.Gather()
		require.NoError(t, err)
		var total float64
		for _, f := range families {
			if f.GetName() == "deltaconn_events_total" {
				for _, m := range f.GetMetric() {
					total += m.GetCounter().GetValue()
				}
			}
		}
		assert.Equal(t, float64(2), total)

		require.NoError(t, a.Close())
		require.NoError(t, b.Close())
	})
}

type closeCounter struct {
	bytes.Buffer
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestNew_FailureClosesOwnedLogger(t *testing.T) {
	w := &closeCounter{}
	orig := newConsoleLogger
	newConsoleLogger = func(component, level string) logger.Logger {
		return logger.NewWriterLogger(w, component, logger.ParseLevel(level))
	}
	t.Cleanup(func() { newConsoleLogger = orig })

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deltaconn",
		Name:      "events_total",
		Help:      "Not a counter vector.",
	}))

	_, err := New(testConfig(), WithRegisterer(reg))
	require.Error(t, err)
	assert.Equal(t, 1, w.closed)
}

func TestClient_OpenSubmitAndReceive(t *testing.T) {
	b := startBackend(t)
	c, reg := newClient(t, testConfig())

	s, err := c.Open(context.Background(), request(b, "doc-1"))
	require.NoError(t, err)
	assert.Equal(t, session.Connected, s.State())
	assert.Equal(t, 1, c.Sessions())

	got := make(chan []protocol.SequencedMessage, 1)
	require.NoError(t, s.OnOp(func(doc string, msgs []protocol.SequencedMessage) {
		assert.Equal(t, "doc-1", doc)
		got <- msgs
	}))
	require.NoError(t, s.Submit(map[string]any{"type": "op", "contents": "hello"}))

	select {
	case msgs := <-got:
		require.Len(t, msgs, 1)
		assert.Equal(t, s.ClientID(), msgs[0].ClientID)
		assert.JSONEq(t, `"hello"`, string(msgs[0].Contents))
	case <-time.After(2 * time.Second):
		t.Fatal("op not echoed")
	}

	hs := b.Handshakes()
	require.Len(t, hs, 1)
	assert.Equal(t, "tenant", hs[0].TenantID)
	assert.Equal(t, "token", hs[0].Token)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "deltaconn_events_total")
}

func TestClient_SocketSharing(t *testing.T) {
	t.Run("one socket per document by default", func(t *testing.T) {
		b := startBackend(t)
		c, _ := newClient(t, testConfig())

		_, err := c.Open(context.Background(), request(b, "doc-1"))
		require.NoError(t, err)
		_, err = c.Open(context.Background(), request(b, "doc-2"))
		require.NoError(t, err)

		assert.Equal(t, 2, c.Registry().Len())
		require.Eventually(t, func() bool { return b.ConnCount() == 2 }, time.Second, 10*time.Millisecond)
	})

	t.Run("multiplexed endpoint shares one socket", func(t *testing.T) {
		b := startBackend(t)
		cfg := testConfig()
		cfg.Transport.MultiplexEndpoints = []string{b.Endpoint()}
		c, _ := newClient(t, cfg)

		a, err := c.Open(context.Background(), request(b, "doc-1"))
		require.NoError(t, err)
		d, err := c.Open(context.Background(), request(b, "doc-2"))
		require.NoError(t, err)
		assert.True(t, a.Multiplexed())
		assert.True(t, d.Multiplexed())

		assert.Equal(t, 1, c.Registry().Len())
		require.Eventually(t, func() bool { return b.ConnCount() == 1 }, time.Second, 10*time.Millisecond)

		var mu sync.Mutex
		var seen []string
		record := func(doc string, _ []protocol.SequencedMessage) {
			mu.Lock()
			seen = append(seen, doc)
			mu.Unlock()
		}
		require.NoError(t, a.OnOp(record))
		require.NoError(t, d.OnOp(record))

		b.BroadcastOp("doc-2", protocol.SequencedMessage{Type: "op"})
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 1
		}, time.Second, 10*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, []string{"doc-2"}, seen)
		mu.Unlock()
	})
}

func TestClient_EpochTracking(t *testing.T) {
	b := startBackend(t)
	b.SetEpoch("doc-1", "e1")
	c, _ := newClient(t, testConfig())

	s, err := c.Open(context.Background(), request(b, "doc-1"))
	require.NoError(t, err)
	require.NoError(t, s.Close(nil, false))

	_, err = c.Open(context.Background(), request(b, "doc-1"))
	require.NoError(t, err)
	hs := b.Handshakes()
	require.Len(t, hs, 2)
	assert.Equal(t, "e1", hs[1].Epoch)

	b.SetEpoch("doc-1", "e2")
	_, err = c.Open(context.Background(), request(b, "doc-1"))
	assert.ErrorIs(t, err, connerr.ErrEpochMismatch)
	assert.Equal(t, 409, connerr.StatusCode(err))
	assert.Len(t, b.Handshakes(), 3)
}

func TestClient_Rejections(t *testing.T) {
	t.Run("retryable exhausts policy", func(t *testing.T) {
		b := startBackend(t)
		b.Reject("doc-1", protocol.ErrorPayload{Code: 404, Message: "not here"})
		c, _ := newClient(t, testConfig())

		_, err := c.Open(context.Background(), request(b, "doc-1"))
		require.Error(t, err)
		assert.True(t, connerr.IsRetryable(err))
		assert.Len(t, b.Handshakes(), 3)
		assert.Equal(t, 0, c.Sessions())
	})

	t.Run("open once does not retry", func(t *testing.T) {
		b := startBackend(t)
		b.Reject("doc-1", protocol.ErrorPayload{Code: 503})
		c, _ := newClient(t, testConfig())

		_, err := c.OpenOnce(context.Background(), request(b, "doc-1"))
		require.Error(t, err)
		assert.Len(t, b.Handshakes(), 1)
	})

	t.Run("credential refresh", func(t *testing.T) {
		b := startBackend(t)
		b.Reject("doc-1", protocol.ErrorPayload{Code: 401})
		c, _ := newClient(t, testConfig())

		req := request(b, "doc-1")
		refreshes := 0
		req.Tokens = session.TokenFunc(func(refresh bool) (string, error) {
			if refresh {
				refreshes++
				return "fresh", nil
			}
			return "stale", nil
		})

		_, err := c.Open(context.Background(), req)
		require.Error(t, err)
		assert.True(t, connerr.NeedsNewCredential(err))
		assert.Equal(t, 1, refreshes)

		hs := b.Handshakes()
		require.Len(t, hs, 2)
		assert.Equal(t, "stale", hs[0].Token)
		assert.Equal(t, "fresh", hs[1].Token)
	})

	t.Run("handshake timeout", func(t *testing.T) {
		b := startBackend(t)
		b.Silence("doc-1")
		cfg := testConfig()
		cfg.Transport.HandshakeTimeout = 50 * time.Millisecond
		c, _ := newClient(t, cfg)

		_, err := c.OpenOnce(context.Background(), request(b, "doc-1"))
		assert.ErrorIs(t, err, connerr.ErrTimeout)
	})
}

func TestClient_ServerDisconnect(t *testing.T) {
	b := startBackend(t)
	c, _ := newClient(t, testConfig())

	s, err := c.Open(context.Background(), request(b, "doc-1"))
	require.NoError(t, err)

	reasons := make(chan error, 1)
	s.OnDisconnect(func(reason error) { reasons <- reason })

	b.DisconnectAll(protocol.ErrorPayload{Code: 503, Message: "maintenance"})

	select {
	case reason := <-reasons:
		assert.ErrorIs(t, reason, connerr.ErrTransportTerminated)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect")
	}

	require.Eventually(t, func() bool { return c.Sessions() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, session.Closed, s.State())

	// A new socket is created for the next session.
	_, err = c.Open(context.Background(), request(b, "doc-1"))
	require.NoError(t, err)
}

func TestClient_Close(t *testing.T) {
	b := startBackend(t)
	c, _ := newClient(t, testConfig())

	var wg sync.WaitGroup
	for _, doc := range []string{"a", "b", "c", "d"} {
		doc := doc
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Open(context.Background(), request(b, doc))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 4, c.Sessions())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, c.Sessions())
	require.Eventually(t, func() bool { return b.ConnCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	_, err := c.Open(context.Background(), request(b, "e"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_WithTransportAndTelemetry(t *testing.T) {
	fa := &transporttest.Factory{Prepare: func(f *transporttest.Fake) {
		f.SetState(transport.Connected)
		f.OnSend(func(f *transporttest.Fake, event string, args []any) {
			if event != protocol.EventConnectDocument {
				return
			}
			msg := args[0].(protocol.HandshakeMessage)
			f.Emit(transport.HandshakeAcceptedEvent{Details: protocol.ConnectedDetails{
				ClientID: "c1", DocumentID: msg.ID, Nonce: msg.Nonce, Version: "0.4.0",
			}})
		})
	}}

	var mu sync.Mutex
	var events []string
	sink := telemetry.SinkFunc(func(e string, _ map[string]any) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	cfg := testConfig()
	cfg.Metrics.Enabled = false
	c, _ := newClient(t, cfg, WithTransport(fa.New), WithTelemetry(sink))

	s, err := c.OpenOnce(context.Background(), Request{Endpoint: "wss://x", TenantID: "t", DocumentID: "d"})
	require.NoError(t, err)
	assert.Equal(t, "c1", s.ClientID())
	assert.Equal(t, 1, fa.Count())

	mu.Lock()
	assert.Contains(t, events, telemetry.EventSessionConnected)
	mu.Unlock()
}

func TestClient_FactoryError(t *testing.T) {
	fa := &transporttest.Factory{Err: errors.New("no network")}
	c, _ := newClient(t, testConfig(), WithTransport(fa.New))

	_, err := c.OpenOnce(context.Background(), Request{Endpoint: "wss://x", TenantID: "t", DocumentID: "d"})
	assert.ErrorContains(t, err, "no network")
	assert.Equal(t, 0, c.Sessions())
}
