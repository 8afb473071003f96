package entitlement

import "time"

// EventMeta carries the provider envelope fields shared by all events
type EventMeta struct {
	// ID is the provider event ID (e.g. "evt_...")
	ID string
	// Type is the raw provider event type (e.g. "checkout.session.completed")
	Type string
	// Created is when the provider created the event
	Created time.Time
}

// Event is the closed set of decoded payment-provider events.
// Only the variants declared in this package implement it.
type Event interface {
	Meta() EventMeta
	event()
}

// CheckoutMode distinguishes one-time payments from subscriptions
type CheckoutMode string

const (
	CheckoutModePayment      CheckoutMode = "payment"
	CheckoutModeSubscription CheckoutMode = "subscription"
)

// CheckoutCompleted is decoded from checkout.session.completed
type CheckoutCompleted struct {
	EventMeta
	SessionID string
	Mode      CheckoutMode
	// Plan and UserEmail come from session metadata (one-time payments only)
	Plan      Plan
	UserEmail string
	// CustomerRef and SubscriptionRef are set for subscription checkouts
	CustomerRef     string
	SubscriptionRef string
}

// SubscriptionChange is the subscription state reported by the provider,
// either inside an event or from a direct retrieval.
type SubscriptionChange struct {
	SubscriptionRef string
	CustomerRef     string
	// ProviderStatus is the raw provider status (e.g. "active", "past_due")
	ProviderStatus string
	// PeriodEnd is the current billing period end, nil when the provider omits it
	PeriodEnd *time.Time
	// PriceRefs are the provider price IDs of the subscription items
	PriceRefs []string
}

// ProviderActive reports whether the provider considers the subscription active
func (s SubscriptionChange) ProviderActive() bool {
	return s.ProviderStatus == "active"
}

// SubscriptionUpdated is decoded from customer.subscription.updated
type SubscriptionUpdated struct {
	EventMeta
	SubscriptionChange
}

// SubscriptionDeleted is decoded from customer.subscription.deleted
type SubscriptionDeleted struct {
	EventMeta
	SubscriptionChange
}

// Unhandled is any verified event the reconciler does not act on
type Unhandled struct {
	EventMeta
}

func (e CheckoutCompleted) Meta() EventMeta   { return e.EventMeta }
func (e SubscriptionUpdated) Meta() EventMeta { return e.EventMeta }
func (e SubscriptionDeleted) Meta() EventMeta { return e.EventMeta }
func (e Unhandled) Meta() EventMeta           { return e.EventMeta }

func (CheckoutCompleted) event()   {}
func (SubscriptionUpdated) event() {}
func (SubscriptionDeleted) event() {}
func (Unhandled) event()           {}
