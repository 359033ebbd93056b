package epochstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cyberinferno/go-deltaconn/connerr"
	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/cyberinferno/go-deltaconn/protocol"
)

// DefaultTTL is how long an epoch stays recorded.
const DefaultTTL = time.Hour

// DefaultLookupTimeout bounds the store lookup behind ExpectedEpoch.
const DefaultLookupTimeout = 5 * time.Second

// SourceFunc looks up the current epoch of a document, for example from the
// storage service that issued it.
type SourceFunc func(ctx context.Context, documentID string) (string, error)

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTTL sets how long recorded epochs live.
func WithTTL(ttl time.Duration) TrackerOption {
	return func(t *Tracker) { t.ttl = ttl }
}

// WithSource sets where ExpectedEpoch looks an epoch up when none is recorded.
func WithSource(src SourceFunc) TrackerOption {
	return func(t *Tracker) { t.source = src }
}

// WithLogger sets the tracker logger.
func WithLogger(l logger.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// Tracker validates the epoch reported by each handshake against the first
// epoch recorded for the document. It implements protocol.EpochValidator and
// supplies the expected epoch for the next handshake.
type Tracker struct {
	store  Store
	ttl    time.Duration
	source SourceFunc
	log    logger.Logger
}

var _ protocol.EpochValidator = (*Tracker)(nil)

// NewTracker creates a Tracker over store.
//
// Parameters:
//   - store: Where epochs are recorded
//   - opts: Optional settings (TTL, source, logger)
//
// Returns:
//   - A new Tracker
func NewTracker(store Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store: store,
		ttl:   DefaultTTL,
		log:   logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// ExpectedEpoch returns the epoch to offer in the handshake for documentID,
// or an empty string when none is known or the lookup fails.
func (t *Tracker) ExpectedEpoch(documentID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultLookupTimeout)
	defer cancel()

	if t.source != nil {
		epoch, err := t.store.GetOrFetch(ctx, documentID, t.ttl, func(ctx context.Context) (string, error) {
			return t.source(ctx, documentID)
		})
		if err != nil {
			t.log.Warn("epoch lookup failed", logger.String("documentId", documentID), logger.Err(err))
			return ""
		}
		return epoch
	}

	epoch, _, err := t.store.Get(ctx, documentID)
	if err != nil {
		t.log.Warn("epoch lookup failed", logger.String("documentId", documentID), logger.Err(err))
		return ""
	}

	return epoch
}

// ValidateEpoch implements protocol.EpochValidator. The first epoch reported
// for a document is recorded; a later handshake reporting another epoch is
// rejected as a 409 epoch mismatch. An empty epoch is accepted as is.
//
// Parameters:
//   - ctx: Context for cancellation and timeout control
//   - details: The accepted handshake; DocumentID must be set
//
// Returns:
//   - A *connerr.HandshakeRejectedError matching connerr.ErrEpochMismatch on
//     a mismatch, a store error, or nil
func (t *Tracker) ValidateEpoch(ctx context.Context, details protocol.ConnectedDetails) error {
	if details.Epoch == "" {
		return nil
	}
	if details.DocumentID == "" {
		return connerr.Violation("epoch validation without a document id")
	}

	recorded, err := t.store.Remember(ctx, details.DocumentID, details.Epoch, t.ttl)
	if err != nil {
		return fmt.Errorf("epoch store: %w", err)
	}

	if recorded != details.Epoch {
		t.log.Warn("epoch mismatch",
			logger.String("documentId", details.DocumentID),
			logger.String("recorded", recorded),
			logger.String("reported", details.Epoch))
		return connerr.NewHandshakeRejected(409, fmt.Sprintf("epoch %q does not match recorded epoch %q", details.Epoch, recorded), 0)
	}

	return nil
}

// Reset forgets the recorded epoch so the next handshake records afresh,
// as after the application reloads a document it found stale.
func (t *Tracker) Reset(ctx context.Context, documentID string) error {
	return t.store.Forget(ctx, documentID)
}
