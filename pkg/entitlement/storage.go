package entitlement

import (
	"context"
	"time"
)

// Storage defines the interface for user directory persistence.
// Implementations must serialize UpdateEntitlement per email; operations on
// different emails may run in parallel.
type Storage interface {
	// CreateUser inserts a new user.
	// Returns ErrDuplicateEmail if the email is already present.
	CreateUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by email.
	// Returns ErrUserNotFound if absent.
	GetUser(ctx context.Context, email string) (*User, error)

	// GetUserByCustomerRef retrieves a user by payment-provider customer reference.
	// Returns ErrUserNotFound if absent.
	GetUserByCustomerRef(ctx context.Context, customerRef string) (*User, error)

	// UpdateEntitlement atomically applies fn to the user's entitlement and
	// returns the user as stored afterwards. fn may be invoked more than once.
	// Returns ErrUserNotFound if absent.
	UpdateEntitlement(ctx context.Context, email string, fn Mutation) (*User, error)
}

// TimeSource provides the current time. Tests inject a fixed clock.
type TimeSource interface {
	Now() time.Time
}

// SystemClock is a TimeSource backed by time.Now in UTC
type SystemClock struct{}

// Now implements TimeSource
func (SystemClock) Now() time.Time { return time.Now().UTC() }
