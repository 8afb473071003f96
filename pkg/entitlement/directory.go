package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the shared dependencies of the directory, reconciler and gate
type Config struct {
	// Customers issues a payment-provider customer reference at registration (required)
	Customers CustomerIssuer

	// Clock is used for registration timestamps and lazy expiry (default: SystemClock)
	Clock TimeSource

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// Directory is the keyed store of users. It owns identity uniqueness and is
// the only path through which entitlements are mutated.
type Directory struct {
	storage   Storage
	customers CustomerIssuer
	clock     TimeSource
	metrics   Metrics
	logger    Logger
}

// NewDirectory creates a user directory on top of storage
func NewDirectory(storage Storage, config Config) (*Directory, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Customers == nil {
		return nil, fmt.Errorf("customer issuer is required")
	}

	// Set defaults
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}

	return &Directory{
		storage:   storage,
		customers: config.Customers,
		clock:     config.Clock,
		metrics:   config.Metrics,
		logger:    config.Logger,
	}, nil
}

// Register creates a user with an idle entitlement and a freshly issued customer reference.
func (d *Directory) Register(ctx context.Context, email string) (*User, error) {
	if strings.TrimSpace(email) == "" {
		d.metrics.RecordRegistration("invalid")
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}

	// Fast rejection before asking the provider for a customer. CreateUser
	// still arbitrates concurrent registrations of the same email.
	_, err := d.storage.GetUser(ctx, email)
	if err == nil {
		d.metrics.RecordRegistration("duplicate")
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEmail, email)
	}
	if !errors.Is(err, ErrUserNotFound) {
		d.metrics.RecordRegistration("error")
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}

	customerRef, err := d.customers.IssueCustomer(ctx, email)
	if err != nil {
		d.metrics.RecordRegistration("error")
		return nil, fmt.Errorf("failed to issue customer: %w", err)
	}
	if customerRef == "" {
		d.metrics.RecordRegistration("error")
		return nil, fmt.Errorf("%w: empty customer reference", ErrUpstream)
	}

	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		CustomerRef:  customerRef,
		CreatedAt:    d.clock.Now(),
		Subscription: IdleEntitlement(),
	}

	if err := d.storage.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			d.metrics.RecordRegistration("duplicate")
			d.logger.Warn("registration lost race, provider customer left unattached",
				Field{"email", email}, Field{"customer_ref", customerRef})
			return nil, err
		}
		d.metrics.RecordRegistration("error")
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	d.metrics.RecordRegistration("success")
	d.logger.Info("user registered", Field{"email", email}, Field{"customer_ref", customerRef})
	return user.Clone(), nil
}

// Lookup returns the user stored under email, without applying lazy expiry
func (d *Directory) Lookup(ctx context.Context, email string) (*User, error) {
	return d.storage.GetUser(ctx, email)
}

// LookupByCustomerRef returns the user owning a payment-provider customer reference
func (d *Directory) LookupByCustomerRef(ctx context.Context, customerRef string) (*User, error) {
	if customerRef == "" {
		return nil, ErrUserNotFound
	}
	return d.storage.GetUserByCustomerRef(ctx, customerRef)
}

// ApplyEntitlementChange atomically rewrites the user's entitlement
func (d *Directory) ApplyEntitlementChange(ctx context.Context, email string, mutation Mutation) (*User, error) {
	if mutation == nil {
		return nil, fmt.Errorf("%w: mutation is required", ErrValidation)
	}
	return d.storage.UpdateEntitlement(ctx, email, mutation)
}

// Now returns the directory clock's current time
func (d *Directory) Now() time.Time {
	return d.clock.Now()
}
