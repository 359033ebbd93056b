package mockbackend

import (
	"testing"
	"time"

	"github.com/cyberinferno/go-deltaconn/protocol"
	"github.com/cyberinferno/go-deltaconn/transport"
	"github.com/cyberinferno/go-deltaconn/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peer struct {
	*tcp.Client
	events chan transport.Event
}

func connect(t *testing.T, b *Backend) *peer {
	t.Helper()

	c, err := tcp.Dial(b.Endpoint(), transport.Options{}, tcp.DefaultConfig(), nil)
	require.NoError(t, err)
	p := &peer{Client: c, events: make(chan transport.Event, 32)}
	c.OnEvent(func(ev transport.Event) { p.events <- ev })
	t.Cleanup(func() { _ = c.Disconnect() })

	_, ok := p.next(t).(transport.ConnectEvent)
	require.True(t, ok)
	return p
}

func (p *peer) next(t *testing.T) transport.Event {
	t.Helper()

	select {
	case ev := <-p.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func (p *peer) join(t *testing.T, documentID string) protocol.ConnectedDetails {
	t.Helper()

	require.NoError(t, p.Send(protocol.EventConnectDocument, protocol.BuildHandshake(protocol.Client{}, documentID, "t1", "", "")))
	accepted, ok := p.next(t).(transport.HandshakeAcceptedEvent)
	require.True(t, ok)
	return accepted.Details
}

func start(t *testing.T) *Backend {
	t.Helper()

	b := New("127.0.0.1:0", nil)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b
}

func TestBackend_StartTwice(t *testing.T) {
	b := start(t)
	assert.Error(t, b.Start())
}

func TestBackend_Handshake(t *testing.T) {
	b := start(t)
	b.SetEpoch("doc-1", "e7")
	p := connect(t, b)

	details := p.join(t, "doc-1")
	assert.NotEmpty(t, details.ClientID)
	assert.Equal(t, "e7", details.Epoch)
	assert.Equal(t, protocol.ModeWrite, details.Mode)
	assert.False(t, details.Existing)
	assert.Equal(t, []string{details.ClientID}, b.Members("doc-1"))

	second := connect(t, b).join(t, "doc-1")
	assert.True(t, second.Existing)
	assert.ElementsMatch(t, []string{details.ClientID, second.ClientID}, b.Members("doc-1"))
	require.Len(t, b.Handshakes(), 2)
	assert.Equal(t, "t1", b.Handshakes()[0].TenantID)
}

func TestBackend_Reject(t *testing.T) {
	b := start(t)
	b.Reject("doc-1", protocol.ErrorPayload{Code: 404, Message: "missing", RetryAfter: 2})
	p := connect(t, b)

	msg := protocol.BuildHandshake(protocol.Client{}, "doc-1", "t1", "", "")
	require.NoError(t, p.Send(protocol.EventConnectDocument, msg))

	rejected, ok := p.next(t).(transport.HandshakeRejectedEvent)
	require.True(t, ok)
	assert.Equal(t, 404, rejected.Payload.Code)
	assert.Equal(t, msg.Nonce, rejected.Payload.Nonce)
	assert.Equal(t, "doc-1", rejected.Payload.DocumentID)
	assert.Empty(t, b.Members("doc-1"))
}

func TestBackend_SubmitOpFansOutToDocument(t *testing.T) {
	b := start(t)
	alice := connect(t, b)
	bob := connect(t, b)
	carol := connect(t, b)

	a := alice.join(t, "doc-1")
	bob.join(t, "doc-1")
	carol.join(t, "doc-2")

	require.NoError(t, alice.Send(protocol.EventSubmitOp, a.ClientID, []any{"x", map[string]any{"type": "op", "contents": 1}}))

	for _, p := range []*peer{alice, bob} {
		op, ok := p.next(t).(transport.OpEvent)
		require.True(t, ok)
		assert.Equal(t, "doc-1", op.DocumentID)
		require.Len(t, op.Messages, 2)
		assert.Equal(t, a.ClientID, op.Messages[0].ClientID)
		assert.JSONEq(t, `"x"`, string(op.Messages[0].Contents))
		assert.Equal(t, int64(2), op.Messages[1].SequenceNumber)
	}

	select {
	case ev := <-carol.events:
		t.Fatalf("doc-2 member got %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBackend_Signals(t *testing.T) {
	b := start(t)
	p := connect(t, b)
	d := p.join(t, "doc-1")

	require.NoError(t, p.Send(protocol.EventSubmitSignal, d.ClientID, []any{map[string]int{"cursor": 3}}))
	sig, ok := p.next(t).(transport.SignalEvent)
	require.True(t, ok)
	assert.Equal(t, "doc-1", sig.DocumentID)
	assert.Equal(t, d.ClientID, sig.Message.ClientID)
	assert.JSONEq(t, `{"cursor":3}`, string(sig.Message.Content))

	b.BroadcastSignal("", protocol.SignalMessage{Content: []byte(`1`)})
	sig, ok = p.next(t).(transport.SignalEvent)
	require.True(t, ok)
	assert.Empty(t, sig.DocumentID)
}

func TestBackend_NackAndLeave(t *testing.T) {
	b := start(t)
	p := connect(t, b)
	d := p.join(t, "doc-1")

	b.Nack(d.ClientID, protocol.NackMessage{Content: protocol.NackContent{Code: 403}})
	nack, ok := p.next(t).(transport.NackEvent)
	require.True(t, ok)
	assert.Equal(t, d.ClientID, nack.ScopeKey)

	require.NoError(t, p.Send(protocol.EventDisconnectDocument, d.ClientID, "doc-1"))
	require.Eventually(t, func() bool { return len(b.Members("doc-1")) == 0 }, time.Second, 10*time.Millisecond)
}

func TestBackend_SilenceAndDisconnectAll(t *testing.T) {
	b := start(t)
	b.Silence("doc-1")
	p := connect(t, b)

	require.NoError(t, p.Send(protocol.EventConnectDocument, protocol.BuildHandshake(protocol.Client{}, "doc-1", "t1", "", "")))
	require.Eventually(t, func() bool { return len(b.Handshakes()) == 1 }, time.Second, 10*time.Millisecond)

	b.DisconnectAll(protocol.ErrorPayload{Code: 503})
	_, ok := p.next(t).(transport.ServerDisconnectEvent)
	require.True(t, ok)
	_, ok = p.next(t).(transport.DisconnectEvent)
	require.True(t, ok)
	require.Eventually(t, func() bool { return b.ConnCount() == 0 }, time.Second, 10*time.Millisecond)
}
