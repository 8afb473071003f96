package entitlement

import (
	"context"
	"errors"
)

var (
	// ErrValidation is returned for malformed or missing input
	ErrValidation = errors.New("validation error")

	// ErrDuplicateEmail is returned when registering an email that already exists
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrUserNotFound is returned when no user matches the lookup key
	ErrUserNotFound = errors.New("user not found")

	// ErrUnknownPlan is returned for plans outside the fixed set
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrSignature is returned when webhook authentication fails
	ErrSignature = errors.New("invalid webhook signature")

	// ErrNotEntitled is returned when the access gate denies the protected operation
	ErrNotEntitled = errors.New("subscription inactive")

	// ErrUpstream is returned when a payment or inference provider call fails
	ErrUpstream = errors.New("upstream provider error")

	// ErrUpstreamTimeout is returned when a provider call exceeds its deadline
	ErrUpstreamTimeout = errors.New("upstream provider timeout")

	// ErrStorageUnavailable is returned when storage is not configured or unreachable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Kind is the stable machine-readable error classification exposed to clients
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindDuplicate       Kind = "duplicate_error"
	KindNotFound        Kind = "not_found"
	KindSignature       Kind = "signature_error"
	KindEntitlement     Kind = "entitlement_error"
	KindUpstream        Kind = "upstream_error"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindInternal        Kind = "internal_error"
)

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownPlan):
		return KindValidation
	case errors.Is(err, ErrDuplicateEmail):
		return KindDuplicate
	case errors.Is(err, ErrUserNotFound):
		return KindNotFound
	case errors.Is(err, ErrSignature):
		return KindSignature
	case errors.Is(err, ErrNotEntitled):
		return KindEntitlement
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTimeout
	case errors.Is(err, ErrUpstream):
		return KindUpstream
	default:
		return KindInternal
	}
}
