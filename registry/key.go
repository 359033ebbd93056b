package registry

import "strings"

// ConnectionKey identifies a shared socket. Without multiplexing a socket is
// bound to one (endpoint, tenant, document) triple; with multiplexing only
// the endpoint is set and every document on it shares the socket.
type ConnectionKey struct {
	Endpoint   string
	TenantID   string
	DocumentID string
}

// NewKey builds the registry key for a document.
//
// Parameters:
//   - endpoint: Backend socket URL
//   - tenantID: Tenant owning the document
//   - documentID: The document
//   - multiplex: Whether the endpoint multiplexes documents over one socket
//
// Returns:
//   - The key; tenant and document are dropped when multiplexing
func NewKey(endpoint, tenantID, documentID string, multiplex bool) ConnectionKey {
	if multiplex {
		return ConnectionKey{Endpoint: endpoint}
	}

	return ConnectionKey{Endpoint: endpoint, TenantID: tenantID, DocumentID: documentID}
}

// Multiplexed reports whether the key addresses a socket shared by documents.
func (k ConnectionKey) Multiplexed() bool {
	return k.TenantID == "" && k.DocumentID == ""
}

// String renders the key as "endpoint" or "endpoint,tenant,document".
func (k ConnectionKey) String() string {
	if k.Multiplexed() {
		return k.Endpoint
	}

	return strings.Join([]string{k.Endpoint, k.TenantID, k.DocumentID}, ",")
}
