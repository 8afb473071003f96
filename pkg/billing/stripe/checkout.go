package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/iacapto/capto/pkg/billing"
	"github.com/iacapto/capto/pkg/entitlement"
)

// CreateSession creates a Stripe Checkout Session for plan and returns its URL.
// The weekly plan is a one-time pix payment whose session metadata carries the
// buyer's email; recurring plans are card subscriptions correlated later by
// the user's customer reference. The user record is not modified.
func (p *Provider) CreateSession(ctx context.Context, plan entitlement.Plan, email string) (string, error) {
	if !plan.Purchasable() {
		p.metrics.RecordCheckoutSession(providerName, string(plan), "invalid_plan")
		return "", fmt.Errorf("%w: %q", entitlement.ErrUnknownPlan, plan)
	}
	priceID := p.prices[plan]
	if priceID == "" {
		p.metrics.RecordCheckoutSession(providerName, string(plan), "price_not_configured")
		return "", fmt.Errorf("%w: %s", billing.ErrPriceNotConfigured, plan)
	}

	user, err := p.directory.Lookup(ctx, email)
	if err != nil {
		if errors.Is(err, entitlement.ErrUserNotFound) {
			p.metrics.RecordCheckoutSession(providerName, string(plan), "unknown_user")
		} else {
			p.metrics.RecordCheckoutSession(providerName, string(plan), "error")
		}
		return "", err
	}

	params := &stripe.CheckoutSessionCreateParams{
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.successURL),
		CancelURL:  stripe.String(p.cancelURL),
	}
	if user.CustomerRef != "" {
		params.Customer = stripe.String(user.CustomerRef)
	}

	if plan.Recurring() {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.PaymentMethodTypes = stripe.StringSlice([]string{"card"})
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentMethodTypes = stripe.StringSlice([]string{"pix"})
		params.Metadata = map[string]string{
			metadataPlan:      string(plan),
			metadataUserEmail: email,
		}
	}

	session, err := p.client.createCheckoutSession(ctx, params)
	if err != nil {
		p.metrics.RecordCheckoutSession(providerName, string(plan), "error")
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordCheckoutSession(providerName, string(plan), "success")
	p.logger.Info("checkout session created",
		entitlement.Field{Key: "email", Value: email},
		entitlement.Field{Key: "plan", Value: string(plan)},
		entitlement.Field{Key: "session_id", Value: session.ID})
	return session.URL, nil
}
