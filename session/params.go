package session

import (
	"errors"
	"time"

	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/cyberinferno/go-deltaconn/protocol"
	"github.com/cyberinferno/go-deltaconn/registry"
	"github.com/cyberinferno/go-deltaconn/telemetry"
	"github.com/cyberinferno/go-deltaconn/transport"
)

// DefaultTimeout bounds the handshake when Params.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// DefaultTransports is the transport list offered to the transport factory.
var DefaultTransports = []string{"websocket"}

// EpochSource supplies the epoch the caller expects for a document. An
// EpochValidator that also implements EpochSource provides the handshake
// epoch when Params.Epoch is empty.
type EpochSource interface {
	ExpectedEpoch(documentID string) string
}

// TokenProvider supplies the auth token for a handshake. Refresh is
// requested by the caller after a 401 or 403; sessions never refresh on
// their own.
type TokenProvider interface {
	Token(refresh bool) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(refresh bool) (string, error)

// Token implements TokenProvider.
func (f TokenFunc) Token(refresh bool) (string, error) { return f(refresh) }

// Params describes the session to open.
type Params struct {
	// Endpoint is the backend socket URL.
	Endpoint string
	// TenantID owns the document.
	TenantID string
	// DocumentID is the document to join.
	DocumentID string
	// Multiplex shares one socket per endpoint across documents.
	Multiplex bool

	// Client describes the connecting client; its Mode is the requested mode.
	Client protocol.Client
	// Token is the auth token embedded in the handshake.
	Token string
	// Epoch is the epoch the caller expects, empty when unknown.
	Epoch string
	// EpochValidator checks the epoch reported by the backend; nil accepts all.
	EpochValidator protocol.EpochValidator

	// Timeout bounds the handshake; zero means DefaultTimeout, negative
	// means no bound beyond the caller's context.
	Timeout time.Duration
	// Transport creates the socket when the registry has none to reuse.
	Transport transport.Factory
	// Transports lists the allowed underlying transports.
	Transports []string

	Logger    logger.Logger
	Telemetry telemetry.Sink
}

func (p Params) validate() error {
	switch {
	case p.Endpoint == "":
		return errors.New("session: endpoint is required")
	case p.DocumentID == "":
		return errors.New("session: document id is required")
	case p.Transport == nil:
		return errors.New("session: transport factory is required")
	}

	return nil
}

func (p Params) withDefaults() Params {
	switch {
	case p.Timeout == 0:
		p.Timeout = DefaultTimeout
	case p.Timeout < 0:
		p.Timeout = 0
	}
	if len(p.Transports) == 0 {
		p.Transports = DefaultTransports
	}
	if p.Logger == nil {
		p.Logger = logger.NewNopLogger()
	}
	p.Telemetry = telemetry.OrNop(p.Telemetry)

	return p
}

func (p Params) expectedEpoch() string {
	if p.Epoch != "" {
		return p.Epoch
	}
	if src, ok := p.EpochValidator.(EpochSource); ok {
		return src.ExpectedEpoch(p.DocumentID)
	}

	return ""
}

// transportFactory binds the dial options for a new shared socket. The
// document query is only attached when the socket serves a single document.
func (p Params) transportFactory() registry.Factory {
	opts := transport.Options{
		Multiplex:  p.Multiplex,
		Transports: append([]string(nil), p.Transports...),
		Timeout:    p.Timeout,
	}
	if !p.Multiplex {
		opts.Query = map[string]string{
			"documentId": p.DocumentID,
			"tenantId":   p.TenantID,
		}
	}

	return func() (transport.Transport, error) {
		return p.Transport(p.Endpoint, opts)
	}
}
