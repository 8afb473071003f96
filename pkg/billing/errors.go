package billing

import (
	"errors"
	"fmt"

	"github.com/iacapto/capto/pkg/entitlement"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrWebhookSecretMissing is returned when webhooks arrive but no signing secret is configured
	ErrWebhookSecretMissing = fmt.Errorf("%w: webhook secret missing", ErrProviderNotConfigured)

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = fmt.Errorf("%w: signature mismatch", entitlement.ErrSignature)

	// ErrMissingWebhookSignature is returned when the signature header is absent
	ErrMissingWebhookSignature = fmt.Errorf("%w: signature header missing", entitlement.ErrSignature)

	// ErrInvalidWebhookPayload is returned when a verified payload cannot be decoded
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = fmt.Errorf("billing provider API error: %w", entitlement.ErrUpstream)

	// ErrPriceNotConfigured is returned when a purchasable plan has no price ID
	ErrPriceNotConfigured = errors.New("price not configured for plan")
)
