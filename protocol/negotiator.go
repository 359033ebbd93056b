package protocol

import (
	"context"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// Versions lists the protocol versions offered in every handshake, newest
// compatible range first so the backend can pick the highest common one.
var Versions = []string{"^0.4.0", "^0.3.0", "^0.2.0", "^0.1.0"}

// BuildHandshake builds the connect_document message for one session. Every
// call gets a fresh nonce, so two handshakes on a multiplexed socket can be
// told apart.
//
// Parameters:
//   - client: Descriptor of the connecting client; its Mode becomes the requested mode
//   - documentID: The document to join
//   - tenantID: The tenant owning the document
//   - token: Auth token supplied by the caller
//   - epoch: The epoch the caller expects, empty when unknown
//
// Returns:
//   - The handshake message
func BuildHandshake(client Client, documentID, tenantID, token, epoch string) HandshakeMessage {
	mode := client.Mode
	if mode == "" {
		mode = ModeWrite
		client.Mode = mode
	}

	versions := make([]string, len(Versions))
	copy(versions, Versions)

	return HandshakeMessage{
		Client:   client,
		ID:       documentID,
		Mode:     mode,
		TenantID: tenantID,
		Token:    token,
		Versions: versions,
		Nonce:    uuid.NewString(),
		Epoch:    epoch,
	}
}

// Supports reports whether version satisfies one of the offered caret ranges.
// An empty version is accepted: older backends do not report one.
func Supports(offered []string, version string) bool {
	if version == "" {
		return true
	}

	got, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return false
	}

	for _, r := range offered {
		c, err := semver.NewConstraint(r)
		if err != nil {
			continue
		}
		if c.Check(got) {
			return true
		}
	}

	return false
}

// EpochValidator checks the epoch the server reports after a successful
// handshake. It is supplied by the caller.
type EpochValidator interface {
	ValidateEpoch(ctx context.Context, details ConnectedDetails) error
}

// EpochValidatorFunc adapts a function to EpochValidator.
type EpochValidatorFunc func(ctx context.Context, details ConnectedDetails) error

// ValidateEpoch implements EpochValidator.
func (f EpochValidatorFunc) ValidateEpoch(ctx context.Context, details ConnectedDetails) error {
	return f(ctx, details)
}

// ValidateEpoch runs validator against details and returns its error
// unchanged. A nil validator accepts everything.
func ValidateEpoch(ctx context.Context, validator EpochValidator, details ConnectedDetails) error {
	if validator == nil {
		return nil
	}

	return validator.ValidateEpoch(ctx, details)
}
