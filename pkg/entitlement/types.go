package entitlement

import (
	"context"
	"time"
)

// Plan identifies what the user paid for
type Plan string

const (
	// PlanNone is the plan of a freshly registered user
	PlanNone Plan = "none"
	// PlanPixWeekly is a one-time PIX payment granting seven days of access
	PlanPixWeekly Plan = "pix_weekly"
	// PlanMonthly is a recurring monthly card subscription
	PlanMonthly Plan = "monthly"
	// PlanAnnual is a recurring annual card subscription
	PlanAnnual Plan = "annual"
)

// Valid reports whether p is one of the known plans
func (p Plan) Valid() bool {
	switch p {
	case PlanNone, PlanPixWeekly, PlanMonthly, PlanAnnual:
		return true
	}
	return false
}

// Purchasable reports whether a checkout session can be created for p
func (p Plan) Purchasable() bool {
	return p.Valid() && p != PlanNone
}

// Recurring reports whether p is billed as a provider subscription
func (p Plan) Recurring() bool {
	return p == PlanMonthly || p == PlanAnnual
}

// Status is the entitlement status
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// PixAccessPeriod is how long a one-time PIX payment grants access
const PixAccessPeriod = 7 * 24 * time.Hour

// Entitlement is a user's current right to perform the protected operation.
// ExpiresAt is only meaningful while Status is active.
type Entitlement struct {
	Plan      Plan       `json:"plan"`
	Status    Status     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// IdleEntitlement returns the entitlement given to newly registered users
func IdleEntitlement() Entitlement {
	return Entitlement{Plan: PlanNone, Status: StatusInactive}
}

// Active reports whether the entitlement currently reads as active.
// It does not consider expiry; see Expired.
func (e Entitlement) Active() bool {
	return e.Status == StatusActive
}

// Expired reports whether an active entitlement has passed its expiry at now
func (e Entitlement) Expired(now time.Time) bool {
	return e.Status == StatusActive && e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Equal compares two entitlements field by field
func (e Entitlement) Equal(other Entitlement) bool {
	if e.Plan != other.Plan || e.Status != other.Status {
		return false
	}
	if e.ExpiresAt == nil || other.ExpiresAt == nil {
		return e.ExpiresAt == nil && other.ExpiresAt == nil
	}
	return e.ExpiresAt.Equal(*other.ExpiresAt)
}

// Clone returns a deep copy
func (e Entitlement) Clone() Entitlement {
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		e.ExpiresAt = &t
	}
	return e
}

// User is an identity record keyed by email
type User struct {
	ID           string      `json:"id"`
	Email        string      `json:"email"`
	CustomerRef  string      `json:"customerRef"`
	CreatedAt    time.Time   `json:"createdAt"`
	Subscription Entitlement `json:"subscription"`
}

// Clone returns a deep copy so callers can't mutate stored records
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Subscription = u.Subscription.Clone()
	return &c
}

// Mutation computes the next entitlement from the current one.
// It must be a pure function: storage backends may call it more than once
// when an optimistic transaction is retried.
type Mutation func(current Entitlement) Entitlement

// CustomerIssuer obtains a payment-provider customer reference for a new user
type CustomerIssuer interface {
	IssueCustomer(ctx context.Context, email string) (string, error)
}

// CustomerIssuerFunc adapts a function to CustomerIssuer
type CustomerIssuerFunc func(ctx context.Context, email string) (string, error)

// IssueCustomer implements CustomerIssuer
func (f CustomerIssuerFunc) IssueCustomer(ctx context.Context, email string) (string, error) {
	return f(ctx, email)
}
