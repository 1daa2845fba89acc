package billing

import (
	"errors"
	"fmt"
)

var (
	ErrWebhookSecretNotConfigured = errors.New("billing: webhook secret is not configured")
	ErrMissingSignature           = errors.New("billing: missing webhook signature")
	ErrUnmappablePrice            = errors.New("billing: price is not mapped to a plan")
	ErrUserNotFound               = errors.New("billing: user not found")
	ErrEventNotFound              = errors.New("billing: ledger entry not found")

	ErrRedemptionConflict = errors.New("billing: concurrent redemption, try again")
	ErrCodeNotFound       = errors.New("billing: redemption code not found")
	ErrCodeInactive       = errors.New("billing: redemption code is not active")
	ErrCodeExpired        = errors.New("billing: redemption code has expired")
	ErrAlreadyRedeemed    = errors.New("billing: redemption code already used by this user")
	ErrInvalidCodeBatch   = errors.New("billing: invalid code batch")
)

// ErrCodeExhausted is a redemption conflict: the last use went to someone else,
// possibly a moment ago.
var ErrCodeExhausted = fmt.Errorf("%w: redemption code has no uses left", ErrRedemptionConflict)

// AuthenticityError means an inbound event could not be proven to come from
// the payment provider. It is never retried.
type AuthenticityError struct {
	Reason string
	Err    error
}

func (e *AuthenticityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("billing: webhook rejected: %s: %v", e.Reason, e.Err)
	}
	return "billing: webhook rejected: " + e.Reason
}

func (e *AuthenticityError) Unwrap() error { return e.Err }

// TransientProviderError wraps a network or timeout failure against the
// provider API. Callers treat it as "not yet known", never as a verdict.
type TransientProviderError struct {
	Op  string
	Err error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("billing: provider %s failed: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err contains a TransientProviderError.
func IsTransient(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}

// IsAuthenticityError reports whether err rejected a webhook at the signature gate.
func IsAuthenticityError(err error) bool {
	if errors.Is(err, ErrMissingSignature) || errors.Is(err, ErrWebhookSecretNotConfigured) {
		return true
	}
	var ae *AuthenticityError
	return errors.As(err, &ae)
}

var errEmptyEventObject = errors.New("event has no data object")

// PermanentError marks a handler failure that a redelivery cannot fix, such
// as a malformed payload. The ledger records it and the provider is told to
// stop retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "billing: permanent handler failure: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err contains a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

var (
	ErrProviderNotConfigured = errors.New("billing: payment provider is not configured")
	ErrJobQueueNotConfigured = errors.New("billing: job queue is not configured")
	ErrAlreadyEntitled       = errors.New("billing: current plan already covers this code")
)
