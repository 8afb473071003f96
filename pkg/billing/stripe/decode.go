package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/iacapto/capto/pkg/billing"
	"github.com/iacapto/capto/pkg/entitlement"
)

// Checkout session metadata keys
const (
	metadataPlan      = "plan"
	metadataUserEmail = "userEmail"
)

const (
	eventCheckoutSessionCompleted   = "checkout.session.completed"
	eventCustomerSubscriptionUpdate = "customer.subscription.updated"
	eventCustomerSubscriptionDelete = "customer.subscription.deleted"
)

// Decode converts a verified Stripe event into an entitlement event.
// Event types the reconciler does not act on decode to entitlement.Unhandled.
func (p *Provider) Decode(event stripe.Event) (entitlement.Event, error) {
	return decodeEvent(event)
}

func decodeEvent(event stripe.Event) (entitlement.Event, error) {
	meta := entitlement.EventMeta{
		ID:   event.ID,
		Type: string(event.Type),
	}
	if event.Created > 0 {
		meta.Created = time.Unix(event.Created, 0).UTC()
	}

	var raw []byte
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch string(event.Type) {
	case eventCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := unmarshalObject(raw, &session); err != nil {
			return nil, err
		}
		completed := entitlement.CheckoutCompleted{
			EventMeta: meta,
			SessionID: session.ID,
			Mode:      entitlement.CheckoutMode(session.Mode),
			Plan:      entitlement.Plan(session.Metadata[metadataPlan]),
			UserEmail: session.Metadata[metadataUserEmail],
		}
		if session.Customer != nil {
			completed.CustomerRef = session.Customer.ID
		}
		if session.Subscription != nil {
			completed.SubscriptionRef = session.Subscription.ID
		}
		return completed, nil

	case eventCustomerSubscriptionUpdate:
		var sub stripe.Subscription
		if err := unmarshalObject(raw, &sub); err != nil {
			return nil, err
		}
		return entitlement.SubscriptionUpdated{EventMeta: meta, SubscriptionChange: subscriptionChange(&sub, raw)}, nil

	case eventCustomerSubscriptionDelete:
		var sub stripe.Subscription
		if err := unmarshalObject(raw, &sub); err != nil {
			return nil, err
		}
		return entitlement.SubscriptionDeleted{EventMeta: meta, SubscriptionChange: subscriptionChange(&sub, raw)}, nil

	default:
		return entitlement.Unhandled{EventMeta: meta}, nil
	}
}

func unmarshalObject(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: event has no data object", billing.ErrInvalidWebhookPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return nil
}

// subscriptionChange extracts the fields the reconciler needs. The period end
// lives on subscription items in current API versions; older payloads carry
// it on the subscription itself.
func subscriptionChange(sub *stripe.Subscription, raw []byte) entitlement.SubscriptionChange {
	change := entitlement.SubscriptionChange{
		SubscriptionRef: sub.ID,
		ProviderStatus:  string(sub.Status),
	}
	if sub.Customer != nil {
		change.CustomerRef = sub.Customer.ID
	}

	var periodEnd int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if item.Price != nil && item.Price.ID != "" {
				change.PriceRefs = append(change.PriceRefs, item.Price.ID)
			}
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	if periodEnd == 0 {
		periodEnd = legacyPeriodEnd(raw)
	}
	if periodEnd > 0 {
		end := time.Unix(periodEnd, 0).UTC()
		change.PeriodEnd = &end
	}
	return change
}

func legacyPeriodEnd(raw []byte) int64 {
	if len(raw) == 0 {
		return 0
	}
	var legacy struct {
		CurrentPeriodEnd int64 `json:"current_period_end"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return 0
	}
	return legacy.CurrentPeriodEnd
}
