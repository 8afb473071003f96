package entitlement

import (
	"context"
	"errors"
	"fmt"
)

// Gate decides whether a user may perform the protected operation.
// Every read through the gate applies lazy expiry first.
type Gate struct {
	directory *Directory
	metrics   Metrics
	logger    Logger
}

// NewGate creates an access gate over directory
func NewGate(directory *Directory) *Gate {
	return &Gate{
		directory: directory,
		metrics:   directory.metrics,
		logger:    directory.logger,
	}
}

// Current returns the user with lazy expiry applied. An active entitlement
// whose expiry has passed is persisted as inactive before it is returned.
func (g *Gate) Current(ctx context.Context, email string) (*User, error) {
	user, err := g.directory.Lookup(ctx, email)
	if err != nil {
		return nil, err
	}

	now := g.directory.Now()
	if !user.Subscription.Expired(now) {
		return user, nil
	}

	// Re-evaluated under the storage lock; a renewal that landed since the
	// read above is left untouched.
	updated, err := g.directory.ApplyEntitlementChange(ctx, email, ExpireAt(now))
	if err != nil {
		return nil, fmt.Errorf("failed to expire entitlement: %w", err)
	}
	if !updated.Subscription.Active() {
		g.metrics.RecordLazyExpiry(string(updated.Subscription.Plan))
		g.logger.Info("entitlement expired",
			Field{"email", email}, Field{"plan", string(updated.Subscription.Plan)})
	}
	return updated, nil
}

// Login returns the user's record as the access path sees it
func (g *Gate) Login(ctx context.Context, email string) (*User, error) {
	return g.Current(ctx, email)
}

// IsEntitled reports whether the user currently holds an active, unexpired entitlement.
// Returns ErrUserNotFound for unknown emails.
func (g *Gate) IsEntitled(ctx context.Context, email string) (bool, error) {
	user, err := g.Current(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			g.metrics.RecordGateDecision("unknown_user")
		}
		return false, err
	}

	if user.Subscription.Active() {
		g.metrics.RecordGateDecision("allow")
		return true, nil
	}
	g.metrics.RecordGateDecision("deny")
	return false, nil
}

// Authorize is IsEntitled expressed as an error: nil when entitled,
// ErrNotEntitled when the entitlement is inactive or expired.
func (g *Gate) Authorize(ctx context.Context, email string) error {
	ok, err := g.IsEntitled(ctx, email)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotEntitled, email)
	}
	return nil
}
