// Package protocol holds the wire vocabulary spoken with the collaboration
// backend: event names, payload shapes, the handshake message and the
// protocol-version negotiation rules.
package protocol

import (
	"encoding/json"
	"time"
)

// Event names exchanged over the duplex socket.
const (
	EventConnectDocument        = "connect_document"
	EventConnectDocumentSuccess = "connect_document_success"
	EventConnectDocumentError   = "connect_document_error"
	EventDisconnectDocument     = "disconnect_document"
	EventOp                     = "op"
	EventSignal                 = "signal"
	EventNack                   = "nack"
	EventServerDisconnect       = "server_disconnect"
	EventSubmitOp               = "submitOp"
	EventSubmitSignal           = "submitSignal"
)

// Mode is the access mode a client requests for a document.
type Mode string

const (
	ModeWrite Mode = "write"
	ModeRead  Mode = "read"
)

// User identifies the human or service behind a client.
type User struct {
	ID string `json:"id"`
}

// Client describes the connecting client in the handshake.
type Client struct {
	Mode        Mode           `json:"mode"`
	User        User           `json:"user"`
	Permission  []string       `json:"permission,omitempty"`
	Scopes      []string       `json:"scopes,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Environment string         `json:"environment,omitempty"`
}

// HandshakeMessage is the connect_document payload.
type HandshakeMessage struct {
	Client   Client   `json:"client"`
	ID       string   `json:"id"`
	Mode     Mode     `json:"mode"`
	TenantID string   `json:"tenantId"`
	Token    string   `json:"token"`
	Versions []string `json:"versions"`
	Nonce    string   `json:"nonce"`
	Epoch    string   `json:"epoch,omitempty"`
}

// SequencedMessage is one operation in an op batch.
type SequencedMessage struct {
	ClientID              string          `json:"clientId"`
	SequenceNumber        int64           `json:"sequenceNumber"`
	MinimumSequenceNumber int64           `json:"minimumSequenceNumber"`
	ClientSequenceNumber  int64           `json:"clientSequenceNumber"`
	Type                  string          `json:"type"`
	Contents              json.RawMessage `json:"contents,omitempty"`
	Timestamp             int64           `json:"timestamp"`
}

// SignalMessage is a transient, unsequenced message.
type SignalMessage struct {
	ClientID string          `json:"clientId,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// NackContent explains why an operation was rejected.
type NackContent struct {
	Code       int    `json:"code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// NackMessage is a rejection notice for a client or a whole document.
type NackMessage struct {
	Operation      json.RawMessage `json:"operation,omitempty"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Content        NackContent     `json:"content"`
}

// ErrorPayload is the body of connect_document_error and server_disconnect.
type ErrorPayload struct {
	Code       int     `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retryAfter,omitempty"`
	Nonce      string  `json:"nonce,omitempty"`
	DocumentID string  `json:"documentId,omitempty"`
}

// RetryAfterDuration converts the seconds-based RetryAfter field.
func (p ErrorPayload) RetryAfterDuration() time.Duration {
	if p.RetryAfter <= 0 {
		return 0
	}

	return time.Duration(p.RetryAfter * float64(time.Second))
}

// ConnectedDetails is the connect_document_success payload.
type ConnectedDetails struct {
	ClientID          string             `json:"clientId"`
	DocumentID        string             `json:"documentId,omitempty"`
	Nonce             string             `json:"nonce,omitempty"`
	Existing          bool               `json:"existing"`
	Mode              Mode               `json:"mode"`
	MaxMessageSize    int                `json:"maxMessageSize"`
	Version           string             `json:"version"`
	SupportedVersions []string           `json:"supportedVersions,omitempty"`
	Epoch             string             `json:"epoch,omitempty"`
	InitialMessages   []SequencedMessage `json:"initialMessages,omitempty"`
	InitialSignals    []SignalMessage    `json:"initialSignals,omitempty"`
	Timestamp         int64              `json:"timestamp,omitempty"`
}
