// Package retry opens document sessions with the retry discipline the
// connection layer leaves to its callers: exponential backoff for retryable
// failures, a single credential refresh after 401/403, and respect for the
// backend's retry-after hint.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cyberinferno/go-deltaconn/connerr"
	"github.com/cyberinferno/go-deltaconn/logger"
	"github.com/cyberinferno/go-deltaconn/registry"
	"github.com/cyberinferno/go-deltaconn/session"
)

// Policy bounds the retry loop.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime stops retrying after this long; 0 means no limit.
	MaxElapsedTime time.Duration
	// MaxAttempts caps retries after the first attempt; 0 means no cap.
	MaxAttempts uint64
}

// DefaultPolicy returns a Policy starting at 500ms, capped at 30s between
// attempts, giving up after 5 minutes or 10 retries.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  5 * time.Minute,
		MaxAttempts:     10,
	}
}

// backOff returns the strategy for one loop and the hook used to feed it
// retry-after hints. The context wrapper must stay outermost for the waits
// between attempts to observe ctx.
func (p Policy) backOff(ctx context.Context) (backoff.BackOff, *hinted) {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMaxElapsedTime(p.MaxElapsedTime),
	)

	var b backoff.BackOff = exp
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts)
	}

	h := &hinted{BackOff: b}
	return backoff.WithContext(h, ctx), h
}

// hinted stretches the next delay to the backend's retry-after hint.
type hinted struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hinted) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}

	if h.hint > next {
		next = h.hint
	}
	h.hint = 0
	return next
}

// Open opens a session, retrying retryable failures under policy.
//
// When tokens is non-nil it supplies params.Token before the first attempt
// and is asked for a refreshed token once, after the first 401 or 403. A
// second credential rejection ends the loop.
//
// Parameters:
//   - ctx: Bounds the whole loop, including waits between attempts
//   - reg: The connection registry
//   - params: Session parameters
//   - tokens: Token source; nil uses params.Token unchanged
//   - policy: Backoff bounds
//   - log: Logs each retry; nil disables logging
//
// Returns:
//   - The connected session
//   - The last error once it is not retryable or the policy is exhausted
func Open(ctx context.Context, reg *registry.Registry, params session.Params, tokens session.TokenProvider, policy Policy, log logger.Logger) (*session.Session, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	if tokens != nil {
		token, err := tokens.Token(false)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		params.Token = token
	}

	b, hints := policy.backOff(ctx)
	refreshed := false
	attempt := 0

	operation := func() (*session.Session, error) {
		attempt++
		s, err := session.Open(ctx, reg, params)
		if err == nil {
			return s, nil
		}

		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}

		if connerr.NeedsNewCredential(err) {
			if refreshed || tokens == nil {
				return nil, backoff.Permanent(err)
			}
			token, terr := tokens.Token(true)
			if terr != nil {
				return nil, backoff.Permanent(errors.Join(err, fmt.Errorf("token refresh: %w", terr)))
			}
			params.Token = token
			refreshed = true
			return nil, err
		}

		if !connerr.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}

		var rejected *connerr.HandshakeRejectedError
		if errors.As(err, &rejected) {
			hints.hint = rejected.RetryAfter
		}

		return nil, err
	}

	notify := func(err error, next time.Duration) {
		log.Warn("open failed, retrying",
			logger.String("documentId", params.DocumentID),
			logger.Int("attempt", attempt),
			logger.Any("next", next),
			logger.Err(err),
		)
	}

	return backoff.RetryNotifyWithData(operation, b, notify)
}
